// Package maintenance runs the broker's periodic housekeeping sweep
// (spec.md §4.8): pruning old completed ProcessingStates, force-failing
// processing entries stuck past StuckThreshold, and republishing the
// advisory config/current_state.json snapshot. Grounded on the teacher's
// internal/daemon.runExpirationSweeper/runCacheRetrySweeper — a
// ticker-driven goroutine selecting on ctx.Done() between ticks, logging
// sweep results rather than treating them as fatal.
package maintenance

import (
	"context"
	"encoding/json"
	"time"

	"github.com/evalforge/promptbroker/internal/layout"
	"github.com/evalforge/promptbroker/internal/request"
	"github.com/evalforge/promptbroker/internal/statestore"
)

// DefaultInterval is how often the loop sweeps when Config.Interval is
// unset. spec.md bounds the configurable interval to [5s, 300s]; 30s is
// the documented default.
const DefaultInterval = 30 * time.Second

// CompletedRetention is how long a completed or failed ProcessingState is
// kept before the sweep removes it.
const CompletedRetention = time.Hour

// StuckThreshold is how long a processing entry may sit idle before the
// maintenance sweep force-fails it (spec.md §4.8). This is distinct from
// and longer than lifecycle.StuckThreshold, which crash recovery uses at
// startup (spec.md §4.7) — the sweep gives a live daemon more slack before
// declaring a request abandoned than a restart does.
const StuckThreshold = 10 * time.Minute

// Logger is the minimal logging surface the loop needs.
type Logger interface {
	Infow(msg string, kv ...any)
	Warnw(msg string, kv ...any)
}

// Engine is the subset of *lifecycle.Engine the loop needs to force-fail
// stuck requests, narrowed to an interface so tests can supply a stub.
type Engine interface {
	ForceFail(requestID, reason string)
}

// Metrics is the subset of *brokermetrics.Metrics the loop updates.
type Metrics interface {
	SetInFlight(n int)
}

// Snapshot is the shape written to config/current_state.json.
type Snapshot struct {
	BrokerVersion string         `json:"broker_version"`
	BaseDirectory string         `json:"base_directory"`
	GeneratedAt   time.Time      `json:"generated_at"`
	CountsByState map[string]int `json:"counts_by_state"`
}

// Loop owns the periodic sweep.
type Loop struct {
	layout  layout.Layout
	store   *statestore.Store
	engine  Engine
	log     Logger
	metrics Metrics
	version string

	interval  time.Duration
	retention time.Duration
}

// Config configures a Loop.
type Config struct {
	Layout  layout.Layout
	Store   *statestore.Store
	Engine  Engine
	Log     Logger
	Metrics Metrics
	Version string

	// Interval overrides DefaultInterval; callers are expected to clamp
	// to spec.md's documented [5s, 300s] bound before constructing Loop.
	Interval time.Duration
	// Retention overrides CompletedRetention.
	Retention time.Duration
}

// New creates a Loop.
func New(cfg Config) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = CompletedRetention
	}
	return &Loop{
		layout:    cfg.Layout,
		store:     cfg.Store,
		engine:    cfg.Engine,
		log:       cfg.Log,
		metrics:   cfg.Metrics,
		version:   cfg.Version,
		interval:  cfg.Interval,
		retention: cfg.Retention,
	}
}

// Run blocks, sweeping every interval until ctx is canceled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.Sweep() // publish an initial snapshot before the first tick.

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Sweep runs one pass of all three maintenance actions. Exported so
// tests can trigger an out-of-band sweep without waiting for the ticker.
func (l *Loop) Sweep() {
	now := time.Now().UTC()

	pruned := l.pruneCompleted(now)
	if pruned > 0 {
		l.logInfo("maintenance: pruned completed states", "count", pruned)
	}

	failed := l.forceFailStuck(now)
	if failed > 0 {
		l.logInfo("maintenance: force-failed stuck requests", "count", failed)
	}

	if err := l.publishSnapshot(now); err != nil {
		l.logWarn("maintenance: snapshot publish failed", "err", err)
	}
}

func (l *Loop) pruneCompleted(now time.Time) int {
	ids := l.store.CompletedOlderThan(now.Add(-l.retention))
	for _, id := range ids {
		_ = l.store.Delete(id)
	}
	return len(ids)
}

func (l *Loop) forceFailStuck(now time.Time) int {
	ids := l.store.StuckProcessing(now.Add(-StuckThreshold))
	for _, id := range ids {
		l.engine.ForceFail(id, "processing timeout during maintenance sweep")
	}
	return len(ids)
}

func (l *Loop) publishSnapshot(now time.Time) error {
	counts := make(map[string]int)
	for _, st := range l.store.All() {
		counts[string(st.Status)]++
	}
	for _, s := range []request.Status{
		request.StatusPending, request.StatusProcessing, request.StatusRetry,
		request.StatusCompleted, request.StatusFailed,
	} {
		if _, ok := counts[string(s)]; !ok {
			counts[string(s)] = 0
		}
	}

	if l.metrics != nil {
		l.metrics.SetInFlight(counts[string(request.StatusProcessing)])
	}

	snap := Snapshot{
		BrokerVersion: l.version,
		BaseDirectory: l.layout.Base,
		GeneratedAt:   now,
		CountsByState: counts,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return layout.WriteAtomic(l.layout.CurrentStateFile(), data, 0644)
}

func (l *Loop) logInfo(msg string, kv ...any) {
	if l.log != nil {
		l.log.Infow(msg, kv...)
	}
}

func (l *Loop) logWarn(msg string, kv ...any) {
	if l.log != nil {
		l.log.Warnw(msg, kv...)
	}
}
