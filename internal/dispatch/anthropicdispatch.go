package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig configures an Anthropic-backed Dispatcher.
type AnthropicConfig struct {
	APIKey    string
	Model     anthropic.Model
	MaxTokens int64
}

// AnthropicDispatcher implements Dispatcher against the Anthropic Messages
// API. This is an alternative to HTTPDispatcher for workspaces configured
// to use Claude directly rather than an OpenAI-compatible gateway.
type AnthropicDispatcher struct {
	client anthropic.Client
	cfg    AnthropicConfig
	mu     sync.Mutex
	mode   string
}

// NewAnthropic creates an Anthropic-backed Dispatcher.
func NewAnthropic(cfg AnthropicConfig) *AnthropicDispatcher {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Model == "" {
		cfg.Model = anthropic.ModelClaudeSonnet4_5
	}
	return &AnthropicDispatcher{
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		cfg:    cfg,
	}
}

// Dispatch implements Dispatcher.
func (d *AnthropicDispatcher) Dispatch(ctx context.Context, command string, params map[string]any) (Result, error) {
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
		_ = d.ApplyMode(mode)
		return Result{Success: true, ModeUsed: mode}, nil
	case "submitPrompt":
		prompt, _ := params["prompt"].(string)
		return d.submitPrompt(ctx, prompt)
	default:
		return Result{}, fmt.Errorf("dispatch: unsupported command %q", command)
	}
}

// ApplyMode implements SetModeApplier.
func (d *AnthropicDispatcher) ApplyMode(mode string) error {
	d.mu.Lock()
	d.mode = mode
	d.mu.Unlock()
	return nil
}

func (d *AnthropicDispatcher) submitPrompt(ctx context.Context, prompt string) (Result, error) {
	msg, err := d.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     d.cfg.Model,
		MaxTokens: d.cfg.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	d.mu.Lock()
	mode := d.mode
	d.mu.Unlock()

	return Result{
		Success:   true,
		Data:      map[string]any{"content": text},
		ModelUsed: string(msg.Model),
		ModeUsed:  mode,
	}, nil
}
