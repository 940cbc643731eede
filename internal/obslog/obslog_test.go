package obslog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system.log")
	log, err := New(path, "info")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Infow("lock acquired", "workspace_id", "abc123")
	log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := strings.TrimSpace(string(data))
	var decoded map[string]any
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("log line is not valid JSON: %v", err)
	}
	if decoded["msg"] != "lock acquired" {
		t.Errorf("msg = %v, want %q", decoded["msg"], "lock acquired")
	}
	if decoded["workspace_id"] != "abc123" {
		t.Errorf("workspace_id = %v, want abc123", decoded["workspace_id"])
	}
}

func TestNewAppendsAcrossReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system.log")
	l1, err := New(path, "info")
	if err != nil {
		t.Fatal(err)
	}
	l1.Infow("first")
	l1.Sync()

	l2, err := New(path, "info")
	if err != nil {
		t.Fatal(err)
	}
	l2.Infow("second")
	l2.Sync()

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
}

func TestDiscardDoesNotPanic(t *testing.T) {
	log := Discard()
	log.Infow("noop")
}
