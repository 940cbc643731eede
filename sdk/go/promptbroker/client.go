package promptbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/evalforge/promptbroker/internal/layout"
	"github.com/evalforge/promptbroker/internal/request"
)

// Client writes request files and waits for the broker's response. Safe for
// concurrent use; each Submit call tracks only its own request id.
type Client struct {
	cfg    clientConfig
	layout layout.Layout
}

// New creates a Client with the given options and ensures the broker's
// directory layout exists (a Submit call may run before the broker daemon
// has started for the first time).
func New(opts ...Option) (*Client, error) {
	cfg := clientConfig{
		timeout:      DefaultTimeout,
		pollInterval: DefaultPollInterval,
	}
	for _, o := range opts {
		o(&cfg)
	}

	lay := layout.New(cfg.baseDir)
	if err := lay.Ensure(); err != nil {
		return nil, fmt.Errorf("promptbroker: ensure directory layout: %w", err)
	}

	return &Client{cfg: cfg, layout: lay}, nil
}

// Submit writes req to requests/ (assigning a request_id and timestamp if
// unset) and waits for a matching file in responses/ or failed/, returning
// whichever appears first. A failed/ arrival is still returned as a
// Response (FinalStatus will be "failed") alongside a non-nil error naming
// the failure reason, so callers can inspect the accumulated Attempts
// either way.
func (c *Client) Submit(ctx context.Context, req Request) (Response, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return Response{}, fmt.Errorf("promptbroker: marshal request: %w", err)
	}

	path := filepath.Join(c.layout.Requests(), req.RequestID+".json")
	if err := layout.WriteAtomic(path, data, 0600); err != nil {
		return Response{}, fmt.Errorf("promptbroker: write request: %w", err)
	}

	dctx, cancel := context.WithTimeout(ctx, c.cfg.timeout)
	defer cancel()

	if c.cfg.watch {
		if resp, err, ok := c.awaitWatch(dctx, req.RequestID); ok {
			return resp, err
		}
		// Watch setup failed; fall through to polling.
	}
	return c.awaitPoll(dctx, req.RequestID)
}

// awaitPoll rechecks responses/ and failed/ for id on a fixed interval
// until one appears or ctx is done.
func (c *Client) awaitPoll(ctx context.Context, id string) (Response, error) {
	respPath, failedPath := c.resultPaths(id)

	ticker := time.NewTicker(c.cfg.pollInterval)
	defer ticker.Stop()

	for {
		if resp, ok := c.tryRead(respPath, failedPath); ok {
			return resp.value, resp.err
		}
		select {
		case <-ctx.Done():
			return Response{}, fmt.Errorf("promptbroker: waiting for %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

// awaitWatch uses fsnotify to wait for id's response/failed file to appear,
// still polling on a longer backstop interval in case the watch misses an
// event (mirrors the broker's own watcher's belt-and-suspenders design).
// The bool return reports whether the watch was established at all; a
// false return means the caller should fall back to awaitPoll.
func (c *Client) awaitWatch(ctx context.Context, id string) (Response, error, bool) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return Response{}, nil, false
	}
	defer fw.Close()

	if err := fw.Add(c.layout.Responses()); err != nil {
		return Response{}, nil, false
	}
	if err := fw.Add(c.layout.Failed()); err != nil {
		return Response{}, nil, false
	}

	respPath, failedPath := c.resultPaths(id)

	// A response may have already landed between the request write and
	// the watch being established.
	if resp, ok := c.tryRead(respPath, failedPath); ok {
		return resp.value, resp.err, true
	}

	backstop := time.NewTicker(c.cfg.pollInterval * 10)
	defer backstop.Stop()

	for {
		select {
		case <-ctx.Done():
			return Response{}, fmt.Errorf("promptbroker: waiting for %s: %w", id, ctx.Err()), true

		case event, ok := <-fw.Events:
			if !ok {
				return Response{}, nil, false
			}
			if event.Name != respPath && event.Name != failedPath {
				continue
			}
			if resp, ok := c.tryRead(respPath, failedPath); ok {
				return resp.value, resp.err, true
			}

		case _, ok := <-fw.Errors:
			if !ok {
				return Response{}, nil, false
			}

		case <-backstop.C:
			if resp, ok := c.tryRead(respPath, failedPath); ok {
				return resp.value, resp.err, true
			}
		}
	}
}

func (c *Client) resultPaths(id string) (respPath, failedPath string) {
	filename := request.ResponseFilename(id)
	return filepath.Join(c.layout.Responses(), filename), filepath.Join(c.layout.Failed(), filename)
}

type readResult struct {
	value Response
	err   error
}

// tryRead checks responses/ then failed/ for a complete file, returning
// ok=false if neither is present yet.
func (c *Client) tryRead(respPath, failedPath string) (readResult, bool) {
	if resp, ok := readJSON[Response](respPath); ok {
		return readResult{value: resp}, true
	}
	if fr, ok := readJSON[FailedResponse](failedPath); ok {
		return readResult{
			value: fr.Response,
			err:   fmt.Errorf("promptbroker: request failed: %s", fr.FailureReason),
		}, true
	}
	return readResult{}, false
}

func readJSON[T any](path string) (T, bool) {
	var v T
	data, err := os.ReadFile(path)
	if err != nil {
		return v, false
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false
	}
	return v, true
}
