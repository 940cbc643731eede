package request

// Command name constants recognized by the Dispatcher surface (spec.md §6).
// Unknown command strings are a validation error, not a runtime dispatch
// failure — the tagged-variant redesign from spec.md §9.
const (
	CommandPing            = "ping"
	CommandSubmitPrompt    = "submitPrompt"
	CommandSetMode         = "setMode"
	CommandGetCurrentState = "getCurrentState"
)

// validCommands is the closed set of command names the broker accepts.
// Mirrors the teacher's validJobTypes lookup-table pattern in job.go.
var validCommands = map[string]bool{
	CommandPing:            true,
	CommandSubmitPrompt:    true,
	CommandSetMode:         true,
	CommandGetCurrentState: true,
}

// ValidCommand reports whether name is one of the closed set of commands
// the broker recognizes.
func ValidCommand(name string) bool {
	return validCommands[name]
}

// Prompt extracts the "prompt" string param for a submitPrompt command.
// Returns ok=false if absent or not a string.
func (r Request) Prompt() (string, bool) {
	v, ok := r.Params["prompt"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Mode extracts the "mode" string param for a setMode command.
func (r Request) Mode() (string, bool) {
	v, ok := r.Params["mode"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
