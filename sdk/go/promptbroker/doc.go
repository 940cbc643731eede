// Package promptbroker is the Go client for the file-based prompt broker
// (SPEC_FULL.md §4.16). It is the client-side mirror of the broker's own
// watcher: Submit writes a request file and then polls (or fsnotify-watches)
// responses/ and failed/ for the matching id, so a caller never has to
// re-derive the file-naming and atomicity rules of spec.md §6 by hand.
//
// Usage:
//
//	c, err := promptbroker.New(promptbroker.WithBaseDir("/tmp/copilot-evaluation"))
//	resp, err := c.Submit(ctx, promptbroker.Request{
//	    RequestID: "req_001",
//	    Command:   promptbroker.CommandSubmitPrompt,
//	    Params:    map[string]any{"prompt": "explain this function"},
//	})
//
// The SDK links directly against the broker's internal request/layout
// packages since both sides of the IPC boundary live in the same module —
// external callers import github.com/evalforge/promptbroker/sdk/go/promptbroker
// and never see those internal packages directly.
package promptbroker
