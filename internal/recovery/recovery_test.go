package recovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/evalforge/promptbroker/internal/layout"
)

type fakeEngine struct {
	recovered []string
	handled   []string
}

func (f *fakeEngine) Recover(ctx context.Context, requestID string) {
	f.recovered = append(f.recovered, requestID)
}

func (f *fakeEngine) Handle(ctx context.Context, path string) {
	f.handled = append(f.handled, filepath.Base(path))
}

func testLayout(t *testing.T) layout.Layout {
	t.Helper()
	lay := layout.New(t.TempDir())
	if err := lay.Ensure(); err != nil {
		t.Fatal(err)
	}
	return lay
}

func TestRunRecoversProcessingAndReplaysRequests(t *testing.T) {
	lay := testLayout(t)
	os.WriteFile(filepath.Join(lay.Processing(), "p1.json"), []byte("{}"), 0644)
	os.WriteFile(filepath.Join(lay.Requests(), "r1.json"), []byte("{}"), 0644)
	os.WriteFile(filepath.Join(lay.Requests(), "r1.json.tmp"), []byte("{}"), 0644)

	eng := &fakeEngine{}
	if err := Run(context.Background(), lay, eng, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(eng.recovered) != 1 || eng.recovered[0] != "p1" {
		t.Errorf("recovered = %v, want [p1]", eng.recovered)
	}
	if len(eng.handled) != 1 || eng.handled[0] != "r1.json" {
		t.Errorf("handled = %v, want [r1.json]", eng.handled)
	}
}

func TestRunHandlesMissingDirectories(t *testing.T) {
	lay := layout.New(filepath.Join(t.TempDir(), "nonexistent"))
	eng := &fakeEngine{}
	if err := Run(context.Background(), lay, eng, nil); err != nil {
		t.Fatalf("Run on missing dirs: %v", err)
	}
	if len(eng.recovered) != 0 || len(eng.handled) != 0 {
		t.Error("expected no recovery work on missing directories")
	}
}
