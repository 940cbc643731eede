// evalctl is the command-line evaluation client for the prompt broker. It
// submits request files, inspects the maintenance loop's advisory
// snapshot, and follows the broker's system log, all without requiring a
// caller to hand-author JSON or re-derive the directory layout.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/evalforge/promptbroker/internal/layout"
	"github.com/evalforge/promptbroker/sdk/go/promptbroker"
)

// version is set by ldflags at build time.
var version = "dev"

func main() {
	var flagWorkspace string

	rootCmd := &cobra.Command{
		Use:   "evalctl",
		Short: "command-line client for the prompt broker",
	}
	rootCmd.PersistentFlags().StringVar(&flagWorkspace, "workspace", "", "broker base directory (env: PROMPTBROKER_BASE_DIR)")

	var (
		submitCommand string
		submitParams  []string
		submitID      string
		submitWait    bool
		submitTimeout time.Duration
	)

	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "write a request file, optionally waiting for its response",
		Long: `Writes a Request file to requests/. With --wait, blocks until the
matching response or failure arrives (or --timeout elapses) and prints it.

Examples:
  evalctl submit --command ping
  evalctl submit --command submitPrompt --param prompt="explain this function" --wait
  evalctl submit --command setMode --param mode=agent --request-id req_042`,
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(submitParams)
			if err != nil {
				return err
			}

			req := promptbroker.Request{
				RequestID: submitID,
				Command:   submitCommand,
				Params:    params,
			}

			if !submitWait {
				return writeOnly(baseDir(flagWorkspace), req)
			}

			client, err := promptbroker.New(
				promptbroker.WithBaseDir(baseDir(flagWorkspace)),
				promptbroker.WithTimeout(submitTimeout),
			)
			if err != nil {
				return err
			}

			resp, err := client.Submit(context.Background(), req)
			data, marshalErr := json.MarshalIndent(resp, "", "  ")
			if marshalErr == nil {
				fmt.Println(string(data))
			}
			return err
		},
	}
	submitCmd.Flags().StringVar(&submitCommand, "command", "", "command name: ping, submitPrompt, setMode, getCurrentState (required)")
	submitCmd.Flags().StringArrayVar(&submitParams, "param", nil, "request param as key=value, may be repeated")
	submitCmd.Flags().StringVar(&submitID, "request-id", "", "request id (default: generated)")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "wait for and print the response")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", promptbroker.DefaultTimeout, "how long --wait waits before giving up")
	_ = submitCmd.MarkFlagRequired("command")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "print the maintenance loop's current_state.json snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			lay := layout.New(baseDir(flagWorkspace))
			data, err := os.ReadFile(lay.CurrentStateFile())
			if err != nil {
				return fmt.Errorf("read snapshot: %w", err)
			}
			fmt.Println(strings.TrimSpace(string(data)))
			return nil
		},
	}

	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "follow logs/system.log",
		RunE: func(cmd *cobra.Command, args []string) error {
			lay := layout.New(baseDir(flagWorkspace))
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return tailFile(ctx, lay.SystemLog())
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "print evalctl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("evalctl %s\n", version)
		},
	}

	rootCmd.AddCommand(submitCmd, statusCmd, tailCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// baseDir resolves the broker base directory the same way internal/config
// does for brokerd: explicit flag first, then the environment variable,
// then layout's own default.
func baseDir(flag string) string {
	if flag != "" {
		return flag
	}
	return os.Getenv("PROMPTBROKER_BASE_DIR")
}

// parseParams turns repeated --param key=value flags into a params map.
// Values are parsed as JSON when possible (so --param count=3 yields a
// number), falling back to the raw string otherwise.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			params[key] = decoded
		} else {
			params[key] = value
		}
	}
	return params, nil
}

// writeOnly writes req's file directly without waiting for a response, for
// fire-and-forget use (e.g. scripted load generation). Mirrors the write
// half of sdk/go/promptbroker.Client.Submit without its response wait.
func writeOnly(base string, req promptbroker.Request) error {
	lay := layout.New(base)
	if err := lay.Ensure(); err != nil {
		return fmt.Errorf("ensure directory layout: %w", err)
	}

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	path := filepath.Join(lay.Requests(), req.RequestID+".json")
	if err := layout.WriteAtomic(path, data, 0600); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	fmt.Printf("submitted request_id=%s command=%s\n", req.RequestID, req.Command)
	return nil
}

// tailFile follows path, printing new lines as they're appended. Grounded
// on the SDK client's awaitWatch: an fsnotify watch on the containing
// directory with a polling backstop, since a log file may not exist yet
// when tail starts.
func tailFile(ctx context.Context, path string) error {
	offset, err := printExisting(path, 0)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err == nil {
		defer fw.Close()
		_ = fw.Add(filepath.Dir(path))
	}

	backstop := time.NewTicker(time.Second)
	defer backstop.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-backstop.C:
			offset, _ = printExisting(path, offset)
		case event, ok := <-watchEvents(fw):
			if !ok {
				continue
			}
			if event.Name == path {
				offset, _ = printExisting(path, offset)
			}
		}
	}
}

// watchEvents returns fw.Events, or a nil channel (which blocks forever in
// a select) when fw is nil because the watch couldn't be established.
func watchEvents(fw *fsnotify.Watcher) chan fsnotify.Event {
	if fw == nil {
		return nil
	}
	return fw.Events
}

// printExisting prints any bytes appended to path since offset, returning
// the new offset.
func printExisting(path string, offset int64) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return offset, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var n int64
	for scanner.Scan() {
		fmt.Println(scanner.Text())
		n += int64(len(scanner.Bytes())) + 1
	}
	return offset + n, nil
}
