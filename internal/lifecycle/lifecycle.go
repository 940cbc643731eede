// Package lifecycle implements the Request Lifecycle Engine (spec.md §4.6):
// validate, claim, bound retries, dispatch, and resolve to success or
// retry-or-fail for every claimed request file. Grounded on the teacher's
// Processor.Process in internal/daemon/processor.go (same
// read-validate-move-execute-write-cleanup shape and symlink defense), with
// the retry-vs-terminal-failure branch and the per-id inFlight set added
// per the spec's stricter lifecycle contract, and dispatch wrapped in a
// circuit breaker so a failing Dispatcher doesn't burn through every
// in-flight request's timeout one at a time.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/evalforge/promptbroker/internal/audit"
	"github.com/evalforge/promptbroker/internal/dispatch"
	"github.com/evalforge/promptbroker/internal/layout"
	"github.com/evalforge/promptbroker/internal/ratelimit"
	"github.com/evalforge/promptbroker/internal/redact"
	"github.com/evalforge/promptbroker/internal/request"
	"github.com/evalforge/promptbroker/internal/statestore"
)

// StuckThreshold is how long a processing/ file may sit idle before crash
// recovery or the maintenance loop force-fails it.
const StuckThreshold = 5 * time.Minute

// BackoffUnit and BackoffCap bound the linear retry backoff: delay is
// BackoffUnit * retryCount, capped at BackoffCap.
const (
	BackoffUnit = 2 * time.Second
	BackoffCap  = 30 * time.Second
)

// rateLimitRecheckInterval is how often a rate-limited dispatch rechecks
// the tracker while waiting for budget to free up.
const rateLimitRecheckInterval = 250 * time.Millisecond

// Logger is the minimal logging surface the engine needs, satisfied by
// *zap.SugaredLogger (see internal/obslog).
type Logger interface {
	Infow(msg string, kv ...any)
	Warnw(msg string, kv ...any)
	Errorw(msg string, kv ...any)
}

// Metrics is the minimal metrics surface the engine updates, satisfied
// by *internal/brokermetrics.Metrics. Declared here rather than
// importing brokermetrics directly so the engine stays testable without
// standing up a Prometheus registry.
type Metrics interface {
	IncClaimed()
	IncRetried()
	IncFailed()
	ObserveDispatch(d time.Duration)
}

// Engine owns the request lifecycle: one call to Handle per claimed file.
type Engine struct {
	layout     layout.Layout
	store      *statestore.Store
	dispatcher dispatch.Dispatcher
	breaker    *gobreaker.CircuitBreaker[dispatch.Result]
	log        Logger
	metrics    Metrics
	rateLimit  *ratelimit.Tracker
	workspace  string
	auditLog   *audit.Log
	redactCfg  *redact.RedactConfig

	maxAge      time.Duration
	maxInFlight int

	mu       sync.Mutex
	inFlight map[string]bool
	sem      chan struct{}
}

// Config configures an Engine.
type Config struct {
	Layout      layout.Layout
	Store       *statestore.Store
	Dispatcher  dispatch.Dispatcher
	Log         Logger
	Metrics     Metrics
	MaxAge      time.Duration
	MaxInFlight int

	// RateLimiter bounds dispatches per workspace (spec.md §4.14); nil
	// means unlimited. WorkspaceID is the key passed to its Allow calls.
	RateLimiter *ratelimit.Tracker
	WorkspaceID string

	// AuditLog records lifecycle transitions to the hash-chained JSONL
	// audit trail (spec.md §4.9); nil disables audit recording.
	AuditLog *audit.Log
	// RedactConfig customizes which param keys are masked before a
	// request's params are written to the structured log (SPEC_FULL.md
	// §4.15); nil applies the default PII key set only.
	RedactConfig *redact.RedactConfig

	// BreakerThreshold is the number of consecutive dispatch failures
	// that trips the circuit breaker open (spec.md §4.13).
	BreakerThreshold uint32
	// BreakerCooldown is how long the breaker stays open before probing
	// again with a single half-open request.
	BreakerCooldown time.Duration
}

// New creates an Engine. MaxAge and MaxInFlight fall back to
// request.DefaultMaxAge and a small worker multiple when zero.
func New(cfg Config) *Engine {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = request.DefaultMaxAge
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker[dispatch.Result](gobreaker.Settings{
		Name:    "dispatcher",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
	})

	return &Engine{
		layout:      cfg.Layout,
		store:       cfg.Store,
		dispatcher:  cfg.Dispatcher,
		breaker:     breaker,
		log:         cfg.Log,
		metrics:     cfg.Metrics,
		rateLimit:   cfg.RateLimiter,
		workspace:   cfg.WorkspaceID,
		auditLog:    cfg.AuditLog,
		redactCfg:   cfg.RedactConfig,
		maxAge:      cfg.MaxAge,
		maxInFlight: cfg.MaxInFlight,
		inFlight:    make(map[string]bool),
		sem:         make(chan struct{}, cfg.MaxInFlight),
	}
}

// Handle runs the full lifecycle for one request file at path. Safe to call
// concurrently; the engine bounds concurrency internally to MaxInFlight and
// deduplicates concurrent claims on the same id via inFlight.
func (e *Engine) Handle(ctx context.Context, path string) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-e.sem }()

	e.handle(ctx, path)
}

func (e *Engine) handle(ctx context.Context, path string) {
	// Structural symlink defense, mirroring the teacher's Process().
	fi, err := os.Lstat(path)
	if err != nil {
		return // vanished before we could claim it; another event raced
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		e.logWarn("rejected symlink request file", "path", path)
		return
	}

	stem := request.IDFromFilename(filepath.Base(path))

	if !e.tryClaim(stem) {
		return // already in flight
	}
	defer e.release(stem)

	data, err := os.ReadFile(path)
	if err != nil {
		return // vanished; another watcher instance or a retry race
	}

	var req request.Request
	if err := json.Unmarshal(data, &req); err != nil {
		e.writeErrorResponse(stem, fmt.Sprintf("invalid JSON: %v", err))
		e.recordAudit(stem, "", audit.EventRejected, fmt.Sprintf("invalid JSON: %v", err))
		_ = os.Remove(path)
		return
	}

	if err := request.Validate(req, stem, time.Now().UTC(), e.maxAge); err != nil {
		e.writeErrorResponse(req.RequestID, err.Error())
		e.recordAudit(req.RequestID, req.Command, audit.EventRejected, err.Error())
		_ = os.Remove(path)
		return
	}

	if e.isDuplicate(req) {
		e.recordAudit(req.RequestID, req.Command, audit.EventRejected, "duplicate of a completed or fresher response")
		_ = os.Remove(path)
		return
	}

	e.claim(ctx, req, path)
}

// isDuplicate reports whether req should be dropped rather than
// (re)dispatched: a fresher response already exists, or the state store
// already marks this id completed.
func (e *Engine) isDuplicate(req request.Request) bool {
	if st, ok := e.store.Get(req.RequestID); ok && st.Status == request.StatusCompleted {
		return true
	}
	respPath := filepath.Join(e.layout.Responses(), request.ResponseFilename(req.RequestID))
	data, err := os.ReadFile(respPath)
	if err != nil {
		return false
	}
	var resp request.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return false
	}
	// Strict greater-than: a tie is left alone, not treated as a reason to
	// suppress — only a response strictly newer than this request wins.
	return resp.RequestTimestamp.After(req.Timestamp)
}

func (e *Engine) tryClaim(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[id] {
		return false
	}
	e.inFlight[id] = true
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	delete(e.inFlight, id)
	e.mu.Unlock()
}

// claim moves the request into processing/, persists ProcessingState, and
// runs Step C/D/E/F.
func (e *Engine) claim(ctx context.Context, req request.Request, path string) {
	processingPath := filepath.Join(e.layout.Processing(), req.RequestID+".json")
	if err := layout.MoveFile(path, processingPath); err != nil {
		if os.IsNotExist(err) {
			return // vanished mid-claim; another event raced
		}
		e.logErr("move to processing failed", "request_id", req.RequestID, "err", err)
		return
	}

	now := time.Now().UTC()
	st := request.ProcessingState{
		RequestID:  req.RequestID,
		Status:     request.StatusProcessing,
		StartTime:  now,
		LastUpdate: now,
		RetryCount: req.RetryCount,
	}
	if err := e.store.Put(st); err != nil {
		e.logErr("persist processing state failed", "request_id", req.RequestID, "err", err)
	}
	e.incClaimed()
	e.recordAudit(req.RequestID, req.Command, audit.EventClaimed, "")
	e.logInfo("request claimed", "request_id", req.RequestID, "command", req.Command,
		"params", redact.Params(req.Params, e.redactCfg))

	e.runClaimed(ctx, req, processingPath)
}

// runClaimed executes Step C through F for a request already moved into
// processing/. Crash recovery (Recover) re-enters at this same point.
func (e *Engine) runClaimed(ctx context.Context, req request.Request, processingPath string) {
	maxRetries := req.EffectiveMaxRetries()

	// Step C — bound retries. retry_count counts attempts already made, so
	// a request is still owed one more dispatch while retry_count <=
	// max_retries (max_retries=0 still gets its one attempt at
	// retry_count=0; it is refused only once a retry would be attempt
	// number max_retries+2).
	if req.RetryCount > maxRetries {
		e.terminalFailureWithAttempts(req, e.priorAttempts(req.RequestID), "max retries exceeded", processingPath)
		return
	}

	attempt, outcomeErr := e.dispatchOnce(ctx, req)

	if outcomeErr == nil && attempt.Success {
		all := append(e.priorAttempts(req.RequestID), toAttempt(req.RetryCount+1, attempt, ""))
		e.succeed(req, all, processingPath)
		return
	}

	errText := attempt.Error
	if outcomeErr != nil {
		errText = outcomeErr.Error()
	}
	e.retryOrFail(req, toAttempt(req.RetryCount+1, attempt, errText), processingPath)
}

func toAttempt(n int, r dispatch.Result, errOverride string) request.Attempt {
	a := request.Attempt{
		Attempt:   n,
		Success:   r.Success,
		Data:      r.Data,
		Error:     r.Error,
		Timestamp: time.Now().UTC(),
	}
	if errOverride != "" {
		a.Error = errOverride
		a.Success = false
	}
	return a
}

// dispatchOnce applies any pending mode change then calls the Dispatcher,
// wrapped in the circuit breaker and bounded by the request's timeout.
func (e *Engine) dispatchOnce(ctx context.Context, req request.Request) (dispatch.Result, error) {
	dctx, cancel := context.WithTimeout(ctx, req.Timeout())
	defer cancel()
	start := time.Now()
	defer func() { e.observeDispatch(time.Since(start)) }()

	// Rate limiting (spec.md §4.14) is a back-pressure valve, not a
	// retry: it holds this worker-pool slot and rechecks rather than
	// failing the attempt outright. It only gives up, as a dispatch
	// failure like any other, if the request's own timeout elapses
	// first — the cleanest way to bound an indefinite wait without a
	// second requeueing mechanism.
	if e.rateLimit != nil {
		for {
			res := e.rateLimit.Allow(e.workspace, time.Now())
			if res.Allowed {
				break
			}
			select {
			case <-dctx.Done():
				return dispatch.Result{Success: false, Error: "rate limited: " + res.Reason}, nil
			case <-time.After(rateLimitRecheckInterval):
			}
		}
	}

	e.recordAudit(req.RequestID, req.Command, audit.EventDispatch, "")

	if req.Command == "setMode" {
		if applier, ok := e.dispatcher.(dispatch.SetModeApplier); ok {
			if mode, ok := req.Mode(); ok {
				if err := applier.ApplyMode(mode); err != nil {
					e.logWarn("setMode application failed, continuing", "request_id", req.RequestID, "err", err)
				}
			}
		}
	}

	result, err := e.breaker.Execute(func() (dispatch.Result, error) {
		r, err := e.dispatcher.Dispatch(dctx, req.Command, req.Params)
		if err != nil {
			return dispatch.Result{}, err
		}
		if !r.Success {
			// A structured failure still counts against the breaker: a
			// Dispatcher returning success=false repeatedly is as dead as
			// one returning transport errors.
			return r, errors.New(r.Error)
		}
		return r, nil
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return dispatch.Result{Success: false, Error: "dispatcher circuit open"}, nil
		}
		// result may carry the structured failure payload even though
		// Execute returned an error (the failure branch above).
		if result.Error != "" {
			return result, nil
		}
		return dispatch.Result{}, err
	}
	return result, nil
}

func (e *Engine) succeed(req request.Request, attempts []request.Attempt, processingPath string) {
	resp := request.Response{
		RequestID:        req.RequestID,
		FinalStatus:      request.StatusSuccess,
		Attempts:         attempts,
		RequestTimestamp: req.Timestamp,
		ExecutionTimeS:   time.Since(req.Timestamp).Seconds(),
	}
	if len(attempts) > 0 {
		resp.ModelUsed = attemptModel(attempts[len(attempts)-1])
	}
	e.writeResponse(resp)
	e.recordAudit(req.RequestID, req.Command, audit.EventSucceeded, "")
	e.clearAttempts(req.RequestID)

	now := time.Now().UTC()
	_ = e.store.Put(request.ProcessingState{
		RequestID:  req.RequestID,
		Status:     request.StatusCompleted,
		StartTime:  req.Timestamp,
		LastUpdate: now,
		RetryCount: req.RetryCount,
	})
	_ = os.Remove(processingPath)
}

func attemptModel(a request.Attempt) string {
	if a.Data == nil {
		return ""
	}
	if v, ok := a.Data["model_used"].(string); ok {
		return v
	}
	return ""
}

// retryOrFail implements Step F: either re-emits the request with a
// backed-off timestamp and incremented retry_count, or writes a terminal
// failure if max_retries has now been exhausted.
func (e *Engine) retryOrFail(req request.Request, failedAttempt request.Attempt, processingPath string) {
	nextRetry := req.RetryCount + 1
	maxRetries := req.EffectiveMaxRetries()

	priorAttempts := e.priorAttempts(req.RequestID)
	allAttempts := append(priorAttempts, failedAttempt)

	if nextRetry > maxRetries {
		e.terminalFailureWithAttempts(req, allAttempts, "max retries exceeded", processingPath)
		return
	}

	backoff := time.Duration(math.Min(float64(BackoffUnit)*float64(nextRetry), float64(BackoffCap)))
	time.Sleep(backoff)

	reReq := req
	reReq.RetryCount = nextRetry
	reReq.Timestamp = time.Now().UTC()

	data, err := json.MarshalIndent(reReq, "", "  ")
	if err != nil {
		e.logErr("marshal retry request failed", "request_id", req.RequestID, "err", err)
		e.terminalFailureWithAttempts(req, allAttempts, fmt.Sprintf("retry re-emit failed: %v", err), processingPath)
		return
	}

	retryPath := filepath.Join(e.layout.Requests(), req.RequestID+".json")
	if err := layout.WriteAtomic(retryPath, data, 0600); err != nil {
		e.logErr("write retry request failed", "request_id", req.RequestID, "err", err)
		e.terminalFailureWithAttempts(req, allAttempts, fmt.Sprintf("retry re-emit failed: %v", err), processingPath)
		return
	}

	e.recordAttempts(req.RequestID, allAttempts)
	e.recordAudit(req.RequestID, req.Command, audit.EventRetried, failedAttempt.Error)

	now := time.Now().UTC()
	_ = e.store.Put(request.ProcessingState{
		RequestID:    req.RequestID,
		Status:       request.StatusRetry,
		StartTime:    req.Timestamp,
		LastUpdate:   now,
		RetryCount:   nextRetry,
		ErrorMessage: failedAttempt.Error,
	})
	_ = os.Remove(processingPath)
	e.incRetried()
}

func (e *Engine) terminalFailureWithAttempts(req request.Request, attempts []request.Attempt, reason string, processingPath string) {
	resp := request.Response{
		RequestID:        req.RequestID,
		FinalStatus:      request.StatusFailed,
		Attempts:         attempts,
		RequestTimestamp: req.Timestamp,
		ExecutionTimeS:   time.Since(req.Timestamp).Seconds(),
	}
	e.writeResponse(resp)

	failed := request.FailedResponse{
		Response:      resp,
		FailureReason: reason,
		FailedAt:      time.Now().UTC(),
	}
	e.writeFailedMirror(failed)
	e.recordAudit(req.RequestID, req.Command, audit.EventFailed, reason)

	now := time.Now().UTC()
	_ = e.store.Put(request.ProcessingState{
		RequestID:    req.RequestID,
		Status:       request.StatusFailed,
		StartTime:    req.Timestamp,
		LastUpdate:   now,
		RetryCount:   req.RetryCount,
		ErrorMessage: reason,
	})
	if processingPath != "" {
		_ = os.Remove(processingPath)
	}
	e.clearAttempts(req.RequestID)
	e.incFailed()
}

func (e *Engine) writeResponse(resp request.Response) {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		e.logErr("marshal response failed", "request_id", resp.RequestID, "err", err)
		return
	}
	path := filepath.Join(e.layout.Responses(), request.ResponseFilename(resp.RequestID))
	if err := layout.WriteAtomic(path, data, 0600); err != nil {
		e.logErr("write response failed", "request_id", resp.RequestID, "err", err)
	}
}

func (e *Engine) writeFailedMirror(fr request.FailedResponse) {
	data, err := json.MarshalIndent(fr, "", "  ")
	if err != nil {
		e.logErr("marshal failed mirror failed", "request_id", fr.RequestID, "err", err)
		return
	}
	path := filepath.Join(e.layout.Failed(), request.ResponseFilename(fr.RequestID))
	if err := layout.WriteAtomic(path, data, 0600); err != nil {
		e.logErr("write failed mirror failed", "request_id", fr.RequestID, "err", err)
	}
}

func (e *Engine) writeErrorResponse(id string, reason string) {
	resp := request.Response{
		RequestID:   id,
		FinalStatus: request.StatusError,
		Attempts: []request.Attempt{{
			Attempt:   1,
			Success:   false,
			Error:     reason,
			Timestamp: time.Now().UTC(),
		}},
	}
	e.writeResponse(resp)
}

// attemptLog tracks the attempts accumulated across retries of one request
// id, since each retry re-dispatch is a fresh Handle() call that otherwise
// has no memory of earlier failures.
var (
	attemptLogMu sync.Mutex
	attemptLog   = make(map[string][]request.Attempt)
)

func (e *Engine) priorAttempts(id string) []request.Attempt {
	attemptLogMu.Lock()
	defer attemptLogMu.Unlock()
	return append([]request.Attempt(nil), attemptLog[id]...)
}

func (e *Engine) recordAttempts(id string, attempts []request.Attempt) {
	attemptLogMu.Lock()
	defer attemptLogMu.Unlock()
	attemptLog[id] = attempts
}

func (e *Engine) clearAttempts(id string) {
	attemptLogMu.Lock()
	defer attemptLogMu.Unlock()
	delete(attemptLog, id)
}

// Recover re-enters the lifecycle for a request id found sitting in
// processing/ at startup (spec.md §4.7 step 1). A processing file idle
// longer than StuckThreshold is terminally failed with reason
// "processing timeout during recovery" rather than re-dispatched, since
// its last attempt's outcome is unknown and re-running it could double
// a side effect the previous process started.
func (e *Engine) Recover(ctx context.Context, requestID string) {
	processingPath := filepath.Join(e.layout.Processing(), requestID+".json")
	fi, err := os.Stat(processingPath)
	if err != nil {
		return // already resolved or removed concurrently
	}

	data, err := os.ReadFile(processingPath)
	if err != nil {
		return
	}
	var req request.Request
	if err := json.Unmarshal(data, &req); err != nil {
		_ = os.Remove(processingPath)
		return
	}

	if time.Since(fi.ModTime()) > StuckThreshold {
		e.terminalFailureWithAttempts(req, e.priorAttempts(req.RequestID), "processing timeout during recovery", processingPath)
		return
	}

	if !e.tryClaim(req.RequestID) {
		return
	}
	defer e.release(req.RequestID)
	e.runClaimed(ctx, req, processingPath)
}

// ForceFail terminally fails a request id currently sitting in
// processing/, used by the maintenance loop's stuck sweep (spec.md
// §4.8). A no-op if the processing file is already gone.
func (e *Engine) ForceFail(requestID, reason string) {
	processingPath := filepath.Join(e.layout.Processing(), requestID+".json")
	data, err := os.ReadFile(processingPath)
	if err != nil {
		return
	}
	var req request.Request
	if err := json.Unmarshal(data, &req); err != nil {
		_ = os.Remove(processingPath)
		return
	}
	if !e.tryClaim(req.RequestID) {
		return
	}
	defer e.release(req.RequestID)
	e.terminalFailureWithAttempts(req, e.priorAttempts(req.RequestID), reason, processingPath)
}

func (e *Engine) incClaimed() {
	if e.metrics != nil {
		e.metrics.IncClaimed()
	}
}

func (e *Engine) incRetried() {
	if e.metrics != nil {
		e.metrics.IncRetried()
	}
}

func (e *Engine) incFailed() {
	if e.metrics != nil {
		e.metrics.IncFailed()
	}
}

func (e *Engine) observeDispatch(d time.Duration) {
	if e.metrics != nil {
		e.metrics.ObserveDispatch(d)
	}
}

// recordAudit appends one entry to the hash-chained audit log (spec.md
// §4.9). A failure to write is logged but never blocks the lifecycle -
// the audit trail is a record of what happened, not a gate on it.
func (e *Engine) recordAudit(requestID, command, event, detail string) {
	if e.auditLog == nil {
		return
	}
	if err := e.auditLog.Record(audit.AuditEntry{
		RequestID: requestID,
		Command:   command,
		Event:     event,
		Detail:    detail,
	}); err != nil {
		e.logWarn("audit record failed", "request_id", requestID, "event", event, "err", err)
	}
}

func (e *Engine) logInfo(msg string, kv ...any) {
	if e.log != nil {
		e.log.Infow(msg, kv...)
	}
}

func (e *Engine) logWarn(msg string, kv ...any) {
	if e.log != nil {
		e.log.Warnw(msg, kv...)
	}
}

func (e *Engine) logErr(msg string, kv ...any) {
	if e.log != nil {
		e.log.Errorw(msg, kv...)
	}
}
