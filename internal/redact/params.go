package redact

// Params scrubs a command's params map before it is written to the broker's
// system log (the lifecycle engine's "request claimed" line): default PII
// keys plus any operator-defined extra keys are masked, and values are left
// untouched. Used only for the log copy — the original params still flow to the Dispatcher
// unredacted, since the log's purpose is operator/debugging visibility, not
// re-deriving the request.
func Params(params map[string]any, cfg *RedactConfig) map[string]any {
	if params == nil {
		return nil
	}
	var extraKeys []string
	if cfg != nil {
		for _, lit := range cfg.Literals {
			extraKeys = append(extraKeys, lit)
		}
	}
	return RedactAuto(params, extraKeys)
}
