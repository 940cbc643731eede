package request

import (
	"testing"
	"time"
)

func validRequest() Request {
	return Request{
		RequestID: "r1",
		Command:   CommandPing,
		Params:    map[string]any{},
		Timestamp: time.Now().UTC(),
	}
}

func TestValidateValid(t *testing.T) {
	r := validRequest()
	if err := Validate(r, "r1", time.Now().UTC(), 0); err != nil {
		t.Errorf("valid request should pass: %v", err)
	}
}

func TestValidateMissingID(t *testing.T) {
	r := validRequest()
	r.RequestID = ""
	if err := Validate(r, "", time.Now().UTC(), 0); err == nil {
		t.Error("expected error for missing request_id")
	}
}

func TestValidateFilenameMismatch(t *testing.T) {
	r := validRequest()
	if err := Validate(r, "other-id", time.Now().UTC(), 0); err == nil {
		t.Error("expected error when filename stem does not match request_id")
	}
}

func TestValidateInvalidIDChars(t *testing.T) {
	for _, id := range []string{"r 1", "r/../1", "r;drop"} {
		r := validRequest()
		r.RequestID = id
		if err := Validate(r, id, time.Now().UTC(), 0); err == nil {
			t.Errorf("expected error for invalid id chars %q", id)
		}
	}
}

func TestValidateUnknownCommand(t *testing.T) {
	r := validRequest()
	r.Command = "deleteEverything"
	if err := Validate(r, r.RequestID, time.Now().UTC(), 0); err == nil {
		t.Error("expected error for unrecognized command")
	}
}

func TestValidateFutureTimestamp(t *testing.T) {
	r := validRequest()
	r.Timestamp = time.Now().UTC().Add(1 * time.Hour)
	if err := Validate(r, r.RequestID, time.Now().UTC(), 0); err == nil {
		t.Error("expected error for future-dated timestamp")
	}
}

func TestValidateStaleTimestamp(t *testing.T) {
	r := validRequest()
	r.Timestamp = time.Now().UTC().Add(-48 * time.Hour)
	if err := Validate(r, r.RequestID, time.Now().UTC(), 0); err == nil {
		t.Error("expected error for stale timestamp")
	}
}

func TestValidateSmallSkewAllowed(t *testing.T) {
	r := validRequest()
	r.Timestamp = time.Now().UTC().Add(30 * time.Second)
	if err := Validate(r, r.RequestID, time.Now().UTC(), 0); err != nil {
		t.Errorf("small clock skew should be tolerated: %v", err)
	}
}

func TestEffectiveMaxRetriesDefault(t *testing.T) {
	r := validRequest()
	if got := r.EffectiveMaxRetries(); got != DefaultMaxRetries {
		t.Errorf("expected default max_retries %d, got %d", DefaultMaxRetries, got)
	}
}

func TestEffectiveMaxRetriesExplicitZero(t *testing.T) {
	zero := 0
	r := validRequest()
	r.MaxRetries = &zero
	if got := r.EffectiveMaxRetries(); got != 0 {
		t.Errorf("explicit max_retries=0 should mean single attempt, got %d", got)
	}
}

func TestResponseFilenameStripsReqPrefix(t *testing.T) {
	if got := ResponseFilename("req_abc123"); got != "abc123.json" {
		t.Errorf("expected req_ prefix stripped, got %q", got)
	}
	if got := ResponseFilename("abc123"); got != "abc123.json" {
		t.Errorf("expected unchanged id, got %q", got)
	}
}

func TestValidCommand(t *testing.T) {
	for _, c := range []string{CommandPing, CommandSubmitPrompt, CommandSetMode, CommandGetCurrentState} {
		if !ValidCommand(c) {
			t.Errorf("expected %q to be a valid command", c)
		}
	}
	if ValidCommand("shutdown") {
		t.Error("unrecognized command should not validate")
	}
}
