package statestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/evalforge/promptbroker/internal/request"
)

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processing_state.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(s.All()) != 0 {
		t.Error("expected empty store for missing file")
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processing_state.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	st := request.ProcessingState{
		RequestID: "r1",
		Status:    request.StatusProcessing,
		StartTime: time.Now().UTC(),
	}
	if err := s.Put(st); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := s.Get("r1")
	if !ok {
		t.Fatal("expected r1 to be present")
	}
	if got.Status != request.StatusProcessing {
		t.Errorf("expected status processing, got %s", got.Status)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok := s2.Get("r1"); !ok {
		t.Error("expected state to survive reopen")
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processing_state.json")
	s, _ := Open(path)
	_ = s.Put(request.ProcessingState{RequestID: "r1", Status: request.StatusPending})
	if err := s.Delete("r1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get("r1"); ok {
		t.Error("expected r1 to be gone after Delete")
	}
}

func TestOpenCorruptFileArchivesAndStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processing_state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open should tolerate corruption, got: %v", err)
	}
	if len(s.All()) != 0 {
		t.Error("expected empty store after corrupt load")
	}
}

func TestStuckProcessing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processing_state.json")
	s, _ := Open(path)
	old := time.Now().Add(-time.Hour)
	_ = s.Put(request.ProcessingState{RequestID: "stuck", Status: request.StatusProcessing, LastUpdate: old})
	_ = s.Put(request.ProcessingState{RequestID: "fresh", Status: request.StatusProcessing, LastUpdate: time.Now()})

	stuck := s.StuckProcessing(time.Now().Add(-5 * time.Minute))
	if len(stuck) != 1 || stuck[0] != "stuck" {
		t.Errorf("expected only 'stuck' to be reported, got %v", stuck)
	}
}

func TestCompletedOlderThan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processing_state.json")
	s, _ := Open(path)
	old := time.Now().Add(-time.Hour)
	_ = s.Put(request.ProcessingState{RequestID: "done", Status: request.StatusCompleted, LastUpdate: old})
	_ = s.Put(request.ProcessingState{RequestID: "recent", Status: request.StatusCompleted, LastUpdate: time.Now()})

	olds := s.CompletedOlderThan(time.Now().Add(-5 * time.Minute))
	if len(olds) != 1 || olds[0] != "done" {
		t.Errorf("expected only 'done' to be reported, got %v", olds)
	}
}
