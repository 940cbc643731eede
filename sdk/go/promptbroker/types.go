package promptbroker

import "github.com/evalforge/promptbroker/internal/request"

// Request, Response, and FailedResponse are aliases of the broker's own
// wire types, so callers marshal/unmarshal exactly what the broker reads
// and writes on disk rather than a parallel SDK-side redefinition that
// could drift from it.
type (
	Request        = request.Request
	Response       = request.Response
	FailedResponse = request.FailedResponse
	Attempt        = request.Attempt
)

// Command name constants, re-exported for callers that don't want to
// import the internal request package's constants directly.
const (
	CommandPing            = request.CommandPing
	CommandSubmitPrompt    = request.CommandSubmitPrompt
	CommandSetMode         = request.CommandSetMode
	CommandGetCurrentState = request.CommandGetCurrentState
)
