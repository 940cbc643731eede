// Package watch implements the broker's request watcher (spec.md §4.4):
// detect new files in requests/ and hand them to the lifecycle engine
// without blocking. Grounded closely on the teacher's InboxWatcher/
// PollWatcher in internal/daemon/watcher.go — same single-debounce-timer,
// fixed-worker-pool design to avoid per-event goroutine explosion under
// burst load — generalized with a settle-delay re-stat before handoff,
// since a request writer may still be mid-write when the create event
// fires and the broker must not read a partial file.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDefault mirrors the teacher's debounce interval.
const DebounceDefault = 200 * time.Millisecond

// SettleDelay is how long a file's size must remain unchanged before it is
// considered fully written and safe to hand off.
const SettleDelay = 50 * time.Millisecond

// DefaultWorkers bounds concurrent handoffs, matching the teacher's
// maxConcurrentJobs rationale: prevent resource exhaustion under a burst
// of simultaneously-dropped request files.
const DefaultWorkers = 5

// DefaultQueueSize must exceed DefaultWorkers to absorb bursts without
// blocking the debounce flush.
const DefaultQueueSize = 200

// PollDefault is the fallback poll interval when fsnotify is unavailable.
const PollDefault = 5 * time.Second

// Handler is invoked once per settled request file. It must not block for
// long; cmd/brokerd's handler starts the lifecycle engine on a new
// goroutine and returns at once.
type Handler func(path string)

// Watcher watches the requests/ directory using fsnotify.
type Watcher struct {
	dir      string
	handler  Handler
	debounce time.Duration
	workers  int
	queueLen int
}

// New creates a fsnotify-based watcher over dir.
func New(dir string, handler Handler) *Watcher {
	return &Watcher{
		dir:      dir,
		handler:  handler,
		debounce: DebounceDefault,
		workers:  DefaultWorkers,
		queueLen: DefaultQueueSize,
	}
}

// Run watches dir for new request files. Blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()

	if err := fw.Add(w.dir); err != nil {
		return err
	}

	var mu sync.Mutex
	ready := make(map[string]bool)

	queue := make(chan string, w.queueLen)

	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range queue {
				w.settleAndHandle(path)
			}
		}()
	}

	flush := func() {
		mu.Lock()
		batch := make([]string, 0, len(ready))
		for p := range ready {
			batch = append(batch, p)
		}
		ready = make(map[string]bool)
		mu.Unlock()

		for _, p := range batch {
			select {
			case queue <- p:
			case <-ctx.Done():
				return
			}
		}
	}

	debounceTimer := time.NewTimer(w.debounce)
	debounceTimer.Stop()

	defer func() {
		debounceTimer.Stop()
		flush()
		close(queue)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-debounceTimer.C:
			flush()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isRequestFile(event.Name) {
				continue
			}

			mu.Lock()
			ready[event.Name] = true
			mu.Unlock()

			if !debounceTimer.Stop() {
				select {
				case <-debounceTimer.C:
				default:
				}
			}
			debounceTimer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			_ = err
		}
	}
}

// settleAndHandle waits for the file's size to stop changing before
// invoking the handler, and silently drops files that vanish before
// settling (claimed by a concurrent watcher instance, or removed).
func (w *Watcher) settleAndHandle(path string) {
	defer func() {
		if r := recover(); r != nil {
			_ = r
		}
	}()

	prevSize := int64(-1)
	for {
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.Size() == prevSize {
			break
		}
		prevSize = info.Size()
		time.Sleep(SettleDelay)
	}
	w.handler(path)
}

// PollWatcher watches a directory by polling, used when fsnotify is
// unavailable (e.g. a network filesystem).
type PollWatcher struct {
	dir      string
	handler  Handler
	interval time.Duration
	seen     map[string]bool
}

// NewPoll creates a polling-based watcher.
func NewPoll(dir string, handler Handler, interval time.Duration) *PollWatcher {
	if interval == 0 {
		interval = PollDefault
	}
	return &PollWatcher{dir: dir, handler: handler, interval: interval, seen: make(map[string]bool)}
}

// Run polls dir until ctx is cancelled.
func (w *PollWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.scan()
		}
	}
}

func (w *PollWatcher) scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		if !isRequestFile(path) {
			continue
		}
		if w.seen[path] {
			continue
		}
		w.seen[path] = true
		w.handler(path)
	}
}

// ScanExisting processes request files already present in dir, for startup
// recovery of requests that arrived while the broker was down.
func ScanExisting(dir string, handler Handler) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if isRequestFile(path) {
			handler(path)
		}
	}
	return nil
}

// isRequestFile reports whether path names a complete (non-temp) JSON file.
func isRequestFile(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, ".tmp")
}
