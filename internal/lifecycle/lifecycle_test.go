package lifecycle

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/evalforge/promptbroker/internal/audit"
	"github.com/evalforge/promptbroker/internal/dispatch"
	"github.com/evalforge/promptbroker/internal/layout"
	"github.com/evalforge/promptbroker/internal/ratelimit"
	"github.com/evalforge/promptbroker/internal/request"
	"github.com/evalforge/promptbroker/internal/statestore"
)

func testEngine(t *testing.T, d dispatch.Dispatcher) (*Engine, layout.Layout) {
	t.Helper()
	lay := layout.New(t.TempDir())
	if err := lay.Ensure(); err != nil {
		t.Fatal(err)
	}
	store, err := statestore.Open(lay.StateFile())
	if err != nil {
		t.Fatal(err)
	}
	eng := New(Config{
		Layout:      lay,
		Store:       store,
		Dispatcher:  d,
		MaxInFlight: 4,
	})
	return eng, lay
}

func writeRequest(t *testing.T, lay layout.Layout, req request.Request) string {
	t.Helper()
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(lay.Requests(), req.RequestID+".json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHandleSuccessWritesResponse(t *testing.T) {
	mock := &dispatch.Mock{}
	mock.Response = dispatch.Result{Success: true, Data: map[string]any{"content": "ok"}}
	eng, lay := testEngine(t, mock)

	req := request.Request{
		RequestID: "r1",
		Command:   request.CommandPing,
		Timestamp: time.Now().UTC(),
	}
	path := writeRequest(t, lay, req)

	eng.Handle(context.Background(), path)

	respPath := filepath.Join(lay.Responses(), "r1.json")
	data, err := os.ReadFile(respPath)
	if err != nil {
		t.Fatalf("expected response file, got: %v", err)
	}
	var resp request.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.FinalStatus != request.StatusSuccess {
		t.Errorf("expected success, got %s", resp.FinalStatus)
	}

	if st, ok := eng.store.Get("r1"); !ok || st.Status != request.StatusCompleted {
		t.Errorf("expected completed state, got %+v ok=%v", st, ok)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("request file should be gone after claim")
	}
}

func TestHandleInvalidJSONWritesErrorResponse(t *testing.T) {
	mock := &dispatch.Mock{}
	eng, lay := testEngine(t, mock)

	path := filepath.Join(lay.Requests(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	eng.Handle(context.Background(), path)

	respPath := filepath.Join(lay.Responses(), "bad.json")
	data, err := os.ReadFile(respPath)
	if err != nil {
		t.Fatalf("expected error response file: %v", err)
	}
	var resp request.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.FinalStatus != request.StatusError {
		t.Errorf("expected error status, got %s", resp.FinalStatus)
	}
}

func TestHandleTerminalFailureAfterMaxRetries(t *testing.T) {
	mock := &dispatch.Mock{}
	mock.Response = dispatch.Result{Success: false, Error: "boom"}
	eng, lay := testEngine(t, mock)
	eng.maxAge = time.Hour

	zero := 0
	req := request.Request{
		RequestID:  "r2",
		Command:    request.CommandPing,
		Timestamp:  time.Now().UTC(),
		MaxRetries: &zero,
	}
	path := writeRequest(t, lay, req)

	eng.Handle(context.Background(), path)

	failedPath := filepath.Join(lay.Failed(), "r2.json")
	if _, err := os.Stat(failedPath); err != nil {
		t.Fatalf("expected failed mirror for single-attempt request, got: %v", err)
	}

	st, ok := eng.store.Get("r2")
	if !ok || st.Status != request.StatusFailed {
		t.Errorf("expected failed state, got %+v ok=%v", st, ok)
	}
}

func TestHandleRetriesBeforeTerminalFailure(t *testing.T) {
	mock := &dispatch.Mock{}
	mock.Response = dispatch.Result{Success: false, Error: "transient"}
	eng, lay := testEngine(t, mock)
	eng.maxAge = time.Hour

	one := 1
	req := request.Request{
		RequestID:  "r3",
		Command:    request.CommandPing,
		Timestamp:  time.Now().UTC(),
		MaxRetries: &one,
	}
	path := writeRequest(t, lay, req)

	eng.Handle(context.Background(), path)

	// First failure (retry_count 0 -> 1) re-emits into requests/.
	retryPath := filepath.Join(lay.Requests(), "r3.json")
	data, err := os.ReadFile(retryPath)
	if err != nil {
		t.Fatalf("expected re-emitted request, got: %v", err)
	}
	var retried request.Request
	if err := json.Unmarshal(data, &retried); err != nil {
		t.Fatal(err)
	}
	if retried.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", retried.RetryCount)
	}

	st, _ := eng.store.Get("r3")
	if st.Status != request.StatusRetry {
		t.Errorf("expected retry state, got %s", st.Status)
	}

	// Second dispatch (retry_count 1) exhausts max_retries=1.
	eng.Handle(context.Background(), retryPath)

	failedPath := filepath.Join(lay.Failed(), "r3.json")
	if _, err := os.Stat(failedPath); err != nil {
		t.Fatalf("expected terminal failure after exhausting retries, got: %v", err)
	}

	respData, err := os.ReadFile(filepath.Join(lay.Responses(), "r3.json"))
	if err != nil {
		t.Fatal(err)
	}
	var resp request.Response
	if err := json.Unmarshal(respData, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Attempts) != 2 {
		t.Errorf("expected 2 accumulated attempts, got %d", len(resp.Attempts))
	}
}

func TestHandleRateLimitedRequestTimesOutWithoutDispatching(t *testing.T) {
	mock := &dispatch.Mock{}
	mock.Response = dispatch.Result{Success: true, Data: map[string]any{"content": "ok"}}
	eng, lay := testEngine(t, mock)

	tracker := ratelimit.NewTracker(ratelimit.Limit{MaxRequests: 1, Window: time.Minute})
	// Consume the one available slot so the first Allow call inside
	// dispatchOnce blocks until the test's own deadline cuts it off.
	tracker.Allow("ws1", time.Now())
	eng.rateLimit = tracker
	eng.workspace = "ws1"

	// A zero max_retries means no backoff-and-retry branch: the first
	// rate-limited "failure" goes straight to terminal failure, keeping
	// the test from sleeping through a real backoff window.
	zero := 0
	req := request.Request{
		RequestID:  "r5",
		Command:    request.CommandPing,
		Timestamp:  time.Now().UTC(),
		MaxRetries: &zero,
		TimeoutMS:  1000,
	}
	path := writeRequest(t, lay, req)

	eng.Handle(context.Background(), path)

	// The limiter never frees up within the request's own 1s timeout, so
	// dispatch should never have been attempted.
	if mock.CallCount() != 0 {
		t.Errorf("expected dispatcher not to be called while rate limited, got %d calls", mock.CallCount())
	}

	failedPath := filepath.Join(lay.Failed(), "r5.json")
	if _, err := os.Stat(failedPath); err != nil {
		t.Fatalf("expected terminal failure after rate-limited timeout, got: %v", err)
	}
}

func TestHandleDuplicateCompletedIsDropped(t *testing.T) {
	mock := &dispatch.Mock{}
	eng, lay := testEngine(t, mock)

	req := request.Request{
		RequestID: "r4",
		Command:   request.CommandPing,
		Timestamp: time.Now().UTC(),
	}
	_ = eng.store.Put(request.ProcessingState{RequestID: "r4", Status: request.StatusCompleted, LastUpdate: time.Now()})
	path := writeRequest(t, lay, req)

	eng.Handle(context.Background(), path)

	if mock.CallCount() != 0 {
		t.Errorf("expected dispatcher not to be called for a known-completed id, got %d calls", mock.CallCount())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("duplicate request file should be deleted")
	}
}

func TestHandleRecordsAuditTrailForSuccess(t *testing.T) {
	mock := &dispatch.Mock{}
	mock.Response = dispatch.Result{Success: true, Data: map[string]any{"content": "ok"}}
	eng, lay := testEngine(t, mock)

	auditPath := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := audit.Open(auditPath)
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()
	eng.auditLog = log

	req := request.Request{
		RequestID: "r6",
		Command:   request.CommandPing,
		Timestamp: time.Now().UTC(),
		Params:    map[string]any{"email": "user@example.com"},
	}
	path := writeRequest(t, lay, req)

	eng.Handle(context.Background(), path)

	result := audit.Verify(auditPath)
	if !result.Valid {
		t.Fatalf("expected valid audit chain, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 3 {
		t.Fatalf("expected 3 audit entries (claimed, dispatched, succeeded), got %d", result.Lines)
	}
}
