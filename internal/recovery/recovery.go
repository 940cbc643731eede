// Package recovery implements the broker's crash recovery pass (spec.md
// §4.7), run once at startup after lock acquisition and before the
// watcher starts. Grounded on the teacher's Daemon.recoverOrphans in
// internal/daemon/daemon.go, which walks state/processing/ at startup
// and mirrors interrupted jobs into failed results — generalized here to
// re-dispatch a non-stuck processing entry instead of always failing it,
// per spec.md's "re-enqueue it through the Lifecycle Engine as a fresh
// claim" recovery contract.
package recovery

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/evalforge/promptbroker/internal/layout"
)

// Engine is the subset of *lifecycle.Engine the recovery pass needs.
type Engine interface {
	Recover(ctx context.Context, requestID string)
	Handle(ctx context.Context, path string)
}

// Logger is the minimal logging surface the pass needs.
type Logger interface {
	Infow(msg string, kv ...any)
	Warnw(msg string, kv ...any)
}

// Run performs the two-step recovery pass described in spec.md §4.7:
// resolve everything left in processing/, then replay everything still
// sitting in requests/ as if a watcher event had fired for it.
func Run(ctx context.Context, lay layout.Layout, eng Engine, log Logger) error {
	processingCount, err := recoverProcessing(ctx, lay, eng)
	if err != nil {
		return err
	}
	requestCount, err := replayRequests(ctx, lay, eng)
	if err != nil {
		return err
	}
	if log != nil && (processingCount > 0 || requestCount > 0) {
		log.Infow("crash recovery complete", "processing_recovered", processingCount, "requests_replayed", requestCount)
	}
	return nil
}

func recoverProcessing(ctx context.Context, lay layout.Layout, eng Engine) (int, error) {
	entries, err := os.ReadDir(lay.Processing())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		eng.Recover(ctx, id)
		n++
	}
	return n, nil
}

func replayRequests(ctx context.Context, lay layout.Layout, eng Engine) (int, error) {
	entries, err := os.ReadDir(lay.Requests())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		eng.Handle(ctx, filepath.Join(lay.Requests(), e.Name()))
		n++
	}
	return n, nil
}
