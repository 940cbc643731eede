// Package dispatch defines the Dispatcher collaborator contract (spec.md
// §4.5): the boundary between the broker's lifecycle engine and whatever
// actually talks to a code-assistant model. The core never knows how a
// Dispatcher implementation reaches the model; it only calls Dispatch and
// honors the result.
package dispatch

import "context"

// Result is what a Dispatcher call returns.
type Result struct {
	Success   bool
	Data      map[string]any
	Error     string
	ModelUsed string
	ModeUsed  string
}

// Dispatcher is the collaborator the Lifecycle Engine calls for every
// submitPrompt/setMode/getCurrentState/ping command. Implementations must
// honor ctx cancellation cooperatively — check it at the next suspension
// point rather than ignoring it.
type Dispatcher interface {
	Dispatch(ctx context.Context, command string, params map[string]any) (Result, error)
}

// SetModeApplier is an optional capability: a Dispatcher that tracks a
// current "mode" (spec.md §4.6 Step D — setMode commands apply
// configuration before any subsequent submitPrompt). Dispatchers that
// don't need persistent mode state need not implement it.
type SetModeApplier interface {
	ApplyMode(mode string) error
}
