package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/evalforge/promptbroker/internal/redact"
)

// HTTPConfig configures an HTTP-backed Dispatcher that talks to an
// OpenAI-compatible chat-completions endpoint. Grounded on the teacher's
// askLLM helper (a raw net/http call to an OpenAI-compatible URL with a
// bearer token). Each Dispatch makes a single HTTP call with no retry of
// its own; retries are the lifecycle engine's job.
type HTTPConfig struct {
	APIURL     string
	APIKey     string
	Model      string
	HTTPClient *http.Client

	// RedactConfig customizes the text-scanning redaction engine applied
	// to prompts before they leave for a non-local endpoint (spec.md
	// §4.15). nil uses the engine's built-in patterns and safe lists only.
	RedactConfig *redact.RedactConfig
	// RedactOverride forces redaction on ("always") or off ("never"),
	// overriding the URL-based local/cloud auto-detection; empty means
	// auto-detect. Typically sourced from PROMPTBROKER_REDACT.
	RedactOverride string
}

// HTTPDispatcher implements Dispatcher by POSTing chat-completion requests.
type HTTPDispatcher struct {
	cfg      HTTPConfig
	patterns []redact.ExtraPattern
	mu       sync.Mutex
	mode     string
}

// NewHTTP creates an HTTP-backed Dispatcher. Extra redaction patterns from
// cfg.RedactConfig are compiled once up front since they never change for
// the life of the process.
func NewHTTP(cfg HTTPConfig) *HTTPDispatcher {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if cfg.RedactOverride == "" {
		cfg.RedactOverride = os.Getenv("PROMPTBROKER_REDACT")
	}
	patterns, _ := redact.CompilePatterns(cfg.RedactConfig)
	return &HTTPDispatcher{cfg: cfg, patterns: patterns}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Model string `json:"model"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Dispatch implements Dispatcher. ping and getCurrentState are answered
// locally without a network call; setMode updates local state; submitPrompt
// is the only command that reaches the HTTP endpoint.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, command string, params map[string]any) (Result, error) {
	switch command {
	case "ping":
		return Result{Success: true, Data: map[string]any{"pong": true}}, nil
	case "getCurrentState":
		d.mu.Lock()
		mode := d.mode
		d.mu.Unlock()
		return Result{Success: true, Data: map[string]any{"mode": mode}}, nil
	case "setMode":
		mode, _ := params["mode"].(string)
		if err := d.ApplyMode(mode); err != nil {
			return Result{Success: false, Error: err.Error()}, nil
		}
		return Result{Success: true, ModeUsed: mode}, nil
	case "submitPrompt":
		prompt, _ := params["prompt"].(string)
		return d.submitPrompt(ctx, prompt)
	default:
		return Result{}, fmt.Errorf("dispatch: unsupported command %q", command)
	}
}

// ApplyMode implements SetModeApplier.
func (d *HTTPDispatcher) ApplyMode(mode string) error {
	d.mu.Lock()
	d.mode = mode
	d.mu.Unlock()
	return nil
}

func (d *HTTPDispatcher) submitPrompt(ctx context.Context, prompt string) (Result, error) {
	if d.cfg.APIURL == "" {
		return Result{}, fmt.Errorf("dispatch: no API URL configured")
	}

	var tm *redact.TokenMap
	outgoing := prompt
	if redact.ResolveMode(d.cfg.APIURL, d.cfg.RedactOverride) == redact.ModeCloud {
		tm = redact.NewTokenMap(fmt.Sprintf("dispatch-%d", time.Now().UnixNano()))
		outgoing = redact.RedactWithConfig(prompt, tm, d.cfg.RedactConfig, d.patterns)
		if tm.Len() > 0 {
			outgoing = tm.Legend() + "\n" + outgoing
		}
	}

	body, err := json.Marshal(chatRequest{
		Model: d.cfg.Model,
		Messages: []chatMessage{
			{Role: "user", Content: outgoing},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	}

	resp, err := d.cfg.HTTPClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("call model endpoint: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return Result{Success: false, Error: fmt.Sprintf("model endpoint returned %d: %s", resp.StatusCode, raw)}, nil
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{}, fmt.Errorf("decode chat response: %w", err)
	}
	if parsed.Error != nil {
		return Result{Success: false, Error: parsed.Error.Message}, nil
	}
	if len(parsed.Choices) == 0 {
		return Result{Success: false, Error: "model endpoint returned no choices"}, nil
	}

	content := parsed.Choices[0].Message.Content
	if tm != nil {
		if leaks := redact.CheckLeaks(content, tm); len(leaks) > 0 {
			return Result{Success: false, Error: fmt.Sprintf("dispatch: model response leaked %d redacted value(s)", len(leaks))}, nil
		}
		content = redact.Detoken(content, tm)
	}

	d.mu.Lock()
	mode := d.mode
	d.mu.Unlock()

	return Result{
		Success:   true,
		Data:      map[string]any{"content": content},
		ModelUsed: parsed.Model,
		ModeUsed:  mode,
	}, nil
}
