// brokerd is the file-based prompt broker daemon. It watches requests/ for
// new files, runs each through the lifecycle engine, and keeps the
// maintenance loop and crash recovery pass running until signaled.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/evalforge/promptbroker/internal/audit"
	"github.com/evalforge/promptbroker/internal/brokermetrics"
	"github.com/evalforge/promptbroker/internal/config"
	"github.com/evalforge/promptbroker/internal/dispatch"
	"github.com/evalforge/promptbroker/internal/idhash"
	"github.com/evalforge/promptbroker/internal/layout"
	"github.com/evalforge/promptbroker/internal/lifecycle"
	"github.com/evalforge/promptbroker/internal/lock"
	"github.com/evalforge/promptbroker/internal/maintenance"
	"github.com/evalforge/promptbroker/internal/obslog"
	"github.com/evalforge/promptbroker/internal/ratelimit"
	"github.com/evalforge/promptbroker/internal/recovery"
	"github.com/evalforge/promptbroker/internal/redact"
	"github.com/evalforge/promptbroker/internal/statestore"
	"github.com/evalforge/promptbroker/internal/systemd"
	"github.com/evalforge/promptbroker/internal/watch"
)

// version is set by ldflags at build time.
var version = "dev"

func main() {
	var (
		flagWorkspace  string
		flagConfig     string
		flagLogLevel   string
		flagDispatcher string
		flagAPIURL     string
		flagAPIKey     string
		flagModel      string
	)

	rootCmd := &cobra.Command{
		Use:   "brokerd",
		Short: "file-based prompt broker daemon",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run the broker daemon until signaled",
		Long: `Watches requests/ for new request files, dispatches each through the
configured Dispatcher, and resolves it to a response or a terminal failure.
Runs the crash recovery pass once at startup, then the watcher and the
maintenance loop concurrently until interrupted.

Examples:
  brokerd run --workspace /tmp/copilot-evaluation
  brokerd run --workspace ws1 --dispatcher anthropic`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(runOptions{
				workspace:  flagWorkspace,
				configPath: flagConfig,
				logLevel:   flagLogLevel,
				dispatcher: flagDispatcher,
				apiURL:     flagAPIURL,
				apiKey:     flagAPIKey,
				model:      flagModel,
			})
		},
	}
	runCmd.Flags().StringVar(&flagWorkspace, "workspace", "", "broker base directory (env: PROMPTBROKER_BASE_DIR)")
	runCmd.Flags().StringVar(&flagConfig, "config", "", "path to broker.yaml (env: PROMPTBROKER_CONFIG)")
	runCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "log level (env: PROMPTBROKER_LOG_LEVEL)")
	runCmd.Flags().StringVar(&flagDispatcher, "dispatcher", "http", "dispatcher backend: http, anthropic, or mock")
	runCmd.Flags().StringVar(&flagAPIURL, "api-url", "", "OpenAI-compatible chat completions URL (http dispatcher)")
	runCmd.Flags().StringVar(&flagAPIKey, "api-key", "", "model endpoint API key (env: PROMPTBROKER_API_KEY, ANTHROPIC_API_KEY)")
	runCmd.Flags().StringVar(&flagModel, "model", "", "model name")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "install the brokerd systemd unit",
		Long: `Writes the brokerd@.service template to /etc/systemd/system, records its
install-time hash for later integrity checks, and reloads systemd.
Requires root on Linux.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return installSystemdUnit()
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "print brokerd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("brokerd %s\n", version)
		},
	}

	rootCmd.AddCommand(runCmd, initCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type runOptions struct {
	workspace  string
	configPath string
	logLevel   string
	dispatcher string
	apiURL     string
	apiKey     string
	model      string
}

func run(opts runOptions) error {
	cfg, err := config.Load(opts.configPath, opts.workspace, opts.logLevel)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	lay := layout.New(cfg.BaseDirectory)
	if err := lay.Ensure(); err != nil {
		return fmt.Errorf("ensure directory layout: %w", err)
	}

	workspaceID, err := idhash.Workspace(cfg.BaseDirectory)
	if err != nil {
		return fmt.Errorf("derive workspace id: %w", err)
	}

	lk, err := lock.Acquire(lay.LockFile(workspaceID))
	if err != nil {
		return fmt.Errorf("acquire workspace lock: %w", err)
	}
	defer lk.Release()

	log, err := obslog.New(lay.SystemLog(), cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("open system log: %w", err)
	}
	defer log.Sync()

	metrics := brokermetrics.New("promptbroker")

	store, err := statestore.Open(lay.StateFile())
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}

	auditLog, err := audit.Open(filepath.Join(lay.State(), "audit.jsonl"))
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	redactCfg, err := redact.LoadConfig("")
	if err != nil {
		return fmt.Errorf("load redaction config: %w", err)
	}

	dispatcher, err := buildDispatcher(opts)
	if err != nil {
		return fmt.Errorf("configure dispatcher: %w", err)
	}

	rateLimiter := ratelimit.NewTracker(ratelimit.Limit{
		MaxRequests: cfg.RateLimitPerMinute,
		Window:      time.Minute,
	})

	eng := lifecycle.New(lifecycle.Config{
		Layout:           lay,
		Store:            store,
		Dispatcher:       dispatcher,
		Log:              log,
		Metrics:          metrics,
		RateLimiter:      rateLimiter,
		WorkspaceID:      workspaceID,
		AuditLog:         auditLog,
		RedactConfig:     redactCfg,
		BreakerThreshold: uint32(cfg.CircuitBreakerThreshold),
		BreakerCooldown:  cfg.CircuitBreakerCooldown(),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if warning := systemd.CheckUnitFileIntegrity(); warning != "" {
		log.Warnw("systemd unit integrity check failed", "detail", warning)
	}

	log.Infow("crash recovery starting", "base_directory", cfg.BaseDirectory, "workspace_id", workspaceID)
	if err := recovery.Run(ctx, lay, eng, log); err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}

	maintLoop := maintenance.New(maintenance.Config{
		Layout:   lay,
		Store:    store,
		Engine:   eng,
		Log:      log,
		Metrics:  metrics,
		Version:  version,
		Interval: cfg.MaintenanceInterval(),
	})

	// Each settled file is handed to the engine on its own goroutine so the
	// watcher never waits on a dispatch; the engine bounds concurrency.
	handoff := func(path string) { go eng.Handle(ctx, path) }
	watcher := watch.New(lay.Requests(), handoff)

	log.Infow("brokerd started", "base_directory", cfg.BaseDirectory, "workspace_id", workspaceID,
		"dispatcher", opts.dispatcher, "rate_limit_per_minute", cfg.RateLimitPerMinute)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := watcher.Run(gctx); err != nil {
			log.Warnw("fsnotify watcher unavailable, falling back to polling", "err", err, "poll_interval", cfg.PollingInterval())
			poller := watch.NewPoll(lay.Requests(), handoff, cfg.PollingInterval())
			return poller.Run(gctx)
		}
		return nil
	})
	g.Go(func() error {
		maintLoop.Run(gctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Warnw("brokerd subsystem exited with error", "err", err)
		return err
	}

	log.Infow("brokerd shutting down")
	return nil
}

// buildDispatcher picks a Dispatcher implementation from opts.dispatcher,
// falling back to environment variables the way config.Load does for the
// rest of brokerd's settings.
func buildDispatcher(opts runOptions) (dispatch.Dispatcher, error) {
	apiKey := firstNonEmpty(opts.apiKey, os.Getenv("PROMPTBROKER_API_KEY"))

	switch opts.dispatcher {
	case "", "http":
		return dispatch.NewHTTP(dispatch.HTTPConfig{
			APIURL:     firstNonEmpty(opts.apiURL, os.Getenv("PROMPTBROKER_API_URL")),
			APIKey:     apiKey,
			Model:      firstNonEmpty(opts.model, os.Getenv("PROMPTBROKER_MODEL")),
			HTTPClient: &http.Client{Timeout: 2 * time.Minute},
		}), nil

	case "anthropic":
		key := firstNonEmpty(apiKey, os.Getenv("ANTHROPIC_API_KEY"))
		if key == "" {
			return nil, fmt.Errorf("anthropic dispatcher requires --api-key or ANTHROPIC_API_KEY")
		}
		return dispatch.NewAnthropic(dispatch.AnthropicConfig{
			APIKey: key,
			Model:  anthropic.Model(firstNonEmpty(opts.model, os.Getenv("PROMPTBROKER_MODEL"))),
		}), nil

	case "mock":
		return &dispatch.Mock{Response: dispatch.Result{Success: true, Data: map[string]any{"content": "mock response"}}}, nil

	default:
		return nil, fmt.Errorf("unknown dispatcher backend %q", opts.dispatcher)
	}
}

// installSystemdUnit writes the brokerd@.service template, records its
// hash so a later run can detect tampering or drift, and reloads systemd.
func installSystemdUnit() error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("init is only supported on Linux")
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("init requires root; run with sudo")
	}

	unitPath := systemd.UnitFilePaths[0]
	content := systemd.DaemonTemplate()
	if err := os.WriteFile(unitPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("write systemd unit: %w", err)
	}

	if err := systemd.RecordUnitFileHash(); err != nil {
		return fmt.Errorf("record unit file hash: %w", err)
	}

	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: systemctl daemon-reload failed: %v\n", err)
	}

	fmt.Printf("installed %s\n", unitPath)
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
