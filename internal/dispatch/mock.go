package dispatch

import (
	"context"
	"sync"
)

// Mock is a test/demo Dispatcher with scriptable responses, grounded on the
// teacher's approach of keeping fakes minimal and table-driven (see
// internal/daemon/processor_test.go's use of plain function fakes rather
// than a mocking library — the pack has no mocking framework dependency
// anywhere, so this follows suit).
type Mock struct {
	mu       sync.Mutex
	Response Result
	Err      error
	Calls    []MockCall
	mode     string
}

// MockCall records one Dispatch invocation for assertions.
type MockCall struct {
	Command string
	Params  map[string]any
}

// Dispatch implements Dispatcher.
func (m *Mock) Dispatch(ctx context.Context, command string, params map[string]any) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, MockCall{Command: command, Params: params})
	if m.Err != nil {
		return Result{}, m.Err
	}
	r := m.Response
	if r.ModeUsed == "" {
		r.ModeUsed = m.mode
	}
	return r, nil
}

// ApplyMode implements SetModeApplier.
func (m *Mock) ApplyMode(mode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
	return nil
}

// CallCount returns how many times Dispatch has been invoked.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
