// Package main is the CLI entry point for actionaudit, a tamper-evident
// ledger of the actions an autonomous agent takes.
//
// Every action is appended to a JSONL file as one hash-chained entry. The
// live file rotates by size into gzip segments under <name>_archive/ and
// the chain continues across rotations, so `actionaudit verify` can prove
// that no committed entry was edited, removed, inserted, or reordered.
//
// CLI commands (cobra):
//
//	actionaudit init        - Create the config directory and default config
//	actionaudit serve       - Serve the log over HTTP to collaborator processes
//	actionaudit status      - Check whether a server is running
//	actionaudit log         - Append one action
//	actionaudit head        - Print the current chain head
//	actionaudit verify      - Verify one file or the whole log
//	actionaudit archives    - List rotated segments
//	actionaudit query       - Query entries with filters
//	actionaudit tail        - Show recent entries
//	actionaudit export      - Export all entries (jsonl, json, csv)
//	actionaudit reindex     - Rebuild the SQLite index from the files
//	actionaudit config show - Print the config file
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ctrlai/actionaudit/internal/api"
	"github.com/ctrlai/actionaudit/internal/audit"
	"github.com/ctrlai/actionaudit/internal/config"
	"github.com/ctrlai/actionaudit/internal/redact"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-02-10"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns ~/.actionaudit/, which holds config.yaml and,
// by default, the audit/ directory.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".actionaudit"
	}
	return filepath.Join(home, ".actionaudit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configDir is the global flag for the config/state directory.
var configDir string

var rootCmd = &cobra.Command{
	Use:   "actionaudit",
	Short: "actionaudit: tamper-evident action log for agents",
	Long: `actionaudit records every consequential action an agent takes as one
hash-chained JSON line. Editing, deleting, inserting, or reordering any
committed entry breaks verification from that entry forward.

Run 'actionaudit init' to create a config, then 'actionaudit serve' to
accept actions over HTTP or 'actionaudit log' to append from scripts.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to actionaudit config and state directory",
	)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(headCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(archivesCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig reads <config-dir>/config.yaml, falling back to defaults.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(filepath.Join(configDir, config.FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// denyKeys returns the active denylist for cfg; nil when redaction is off.
func denyKeys(cfg *config.Config) []string {
	if !cfg.Redact.Enabled {
		return nil
	}
	return cfg.Redact.DenyKeys
}

// openLog opens the audit log described by cfg for writing. The returned
// Redactor is the one wired into the log, so callers can reload it in place.
// Only one process may hold the log open for writing.
func openLog(cfg *config.Config) (*audit.ActionLog, *redact.Redactor, error) {
	red, err := redact.New(denyKeys(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redaction config: %w", err)
	}

	opts := audit.Options{
		LogPath:      cfg.Log.Path,
		MaxFileBytes: cfg.Log.MaxFileBytes,
		Redactor:     red,
	}
	if cfg.Index.Enabled {
		opts.IndexPath = cfg.Index.Path
	}

	l, err := audit.Open(opts)
	if err != nil {
		if errors.Is(err, audit.ErrLocked) {
			return nil, nil, fmt.Errorf("audit log %s is held by another process (is 'actionaudit serve' running? use 'log --remote'): %w", cfg.Log.Path, err)
		}
		return nil, nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return l, red, nil
}

// inspectLog opens the audit log read-only. Safe while a server owns it.
func inspectLog(cfg *config.Config) (*audit.ActionLog, error) {
	opts := audit.Options{
		LogPath:      cfg.Log.Path,
		MaxFileBytes: cfg.Log.MaxFileBytes,
	}
	if cfg.Index.Enabled {
		opts.IndexPath = cfg.Index.Path
	}
	l, err := audit.OpenReadOnly(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return l, nil
}

// ============================================================================
// actionaudit init
// ============================================================================

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the config directory, default config, and an empty log",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
		}

		configPath := filepath.Join(configDir, config.FileName)
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			if err := config.WriteDefault(configPath); err != nil {
				return fmt.Errorf("failed to write default config: %w", err)
			}
			fmt.Printf("[actionaudit] Wrote %s\n", configPath)
		} else {
			fmt.Printf("[actionaudit] Keeping existing %s\n", configPath)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		l, _, err := openLog(cfg)
		if errors.Is(err, audit.ErrLocked) {
			// Already initialised and owned by a running server.
			l, err = inspectLog(cfg)
		}
		if err != nil {
			return err
		}
		defer l.Close()

		fmt.Printf("[actionaudit] Log:     %s\n", l.Path())
		fmt.Printf("[actionaudit] Archive: %s\n", audit.ArchiveDir(l.Path()))
		if cfg.Index.Enabled {
			fmt.Printf("[actionaudit] Index:   %s\n", cfg.Index.Path)
		}
		fmt.Printf("[actionaudit] Head:    %s\n", l.ChainHead())
		return nil
	},
}

// ============================================================================
// actionaudit serve
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the audit log over HTTP",
	Long: `Open the audit log and serve it to collaborator processes. All writers
share one chain through this process:

  POST /api/actions   append a record
  GET  /api/head      current chain head
  GET  /api/verify    verify archives and live file
  GET  /api/entries   query entries
  GET  /health        liveness

Changes to config.yaml (rotation threshold, redaction) apply without a
restart.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	auditLog, redactor, err := openLog(cfg)
	if err != nil {
		return err
	}
	defer auditLog.Close()
	fmt.Printf("[actionaudit] Log %s (head %s)\n", auditLog.Path(), auditLog.ChainHead())

	watcher, err := config.NewWatcher(configDir, config.WatchTargets{
		OnConfigChange: func() {
			next, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "[actionaudit] Warning: ignoring config change: %v\n", err)
				return
			}
			if next.Log.Path != cfg.Log.Path {
				fmt.Fprintln(os.Stderr, "[actionaudit] Warning: log.path changed; restart to switch logs")
			}
			auditLog.SetMaxFileBytes(next.Log.MaxFileBytes)
			if err := redactor.Reload(denyKeys(next)); err != nil {
				fmt.Fprintf(os.Stderr, "[actionaudit] Warning: failed to reload redaction: %v\n", err)
				return
			}
			fmt.Println("[actionaudit] Config reloaded")
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           api.New(api.Options{Log: auditLog, Version: version}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[actionaudit] Listening on http://%s\n", addr)
		fmt.Println("[actionaudit] Press Ctrl+C to stop")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[actionaudit] Shutting down (signal received)...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "[actionaudit] Shutdown error: %v\n", err)
	}

	// Let pending archive compression finish before exit.
	auditLog.Flush()
	fmt.Printf("[actionaudit] Stopped (head %s)\n", auditLog.ChainHead())
	return nil
}

// ============================================================================
// actionaudit status
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a server is running and its chain head",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		addr := serverURL(cfg)
		client := &http.Client{Timeout: 2 * time.Second}

		resp, err := client.Get(addr + "/health")
		if err != nil {
			fmt.Println("[actionaudit] Status: NOT RUNNING")
			fmt.Printf("[actionaudit] Expected at: %s\n", addr)
			return nil
		}
		resp.Body.Close()

		fmt.Println("[actionaudit] Status: RUNNING")
		fmt.Printf("[actionaudit] Listening on: %s\n", addr)

		var head struct {
			Head string `json:"head"`
		}
		if err := getJSON(client, addr+"/api/head", &head); err != nil {
			fmt.Printf("[actionaudit] Could not read chain head: %v\n", err)
			return nil
		}
		fmt.Printf("[actionaudit] Head: %s\n", head.Head)
		return nil
	},
}

func serverURL(cfg *config.Config) string {
	return fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
}

func getJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// ============================================================================
// actionaudit log
// ============================================================================

var (
	logRunID      string
	logSessionID  string
	logClass      string
	logTool       string
	logArgs       string
	logArgPairs   []string
	logOutcome    string
	logReversible bool
	logAuthorized bool
	logRemote     bool
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Append one action to the log",
	Long: `Append one action. The entry is hashed, written, and synced before the
command returns.

With --remote the record is sent to a running 'actionaudit serve' instead
of opening the file directly. Only one process may write the log at a
time; while a server owns it, a local write fails and --remote is needed.

Examples:
  actionaudit log --run-id r1 --class x --tool http_get --args "url=https://example.test"
  actionaudit log --run-id r1 --class w --tool write_file --arg path=/tmp/out --arg mode=0644 --reversible`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if logSessionID == "" {
			logSessionID = uuid.NewString()
		}

		summary := logArgs
		if len(logArgPairs) > 0 {
			pairs := make(map[string]any, len(logArgPairs))
			for _, p := range logArgPairs {
				k, v, ok := strings.Cut(p, "=")
				if !ok || k == "" {
					return fmt.Errorf("--arg %q: want key=value", p)
				}
				pairs[k] = v
			}
			red, err := redact.New(denyKeys(cfg))
			if err != nil {
				return fmt.Errorf("invalid redaction config: %w", err)
			}
			structured := red.Summarize(pairs)
			if summary != "" {
				summary += " "
			}
			summary += structured
		}

		rec := audit.Record{
			RunID:              logRunID,
			SessionID:          logSessionID,
			ActionClass:        logClass,
			ToolName:           logTool,
			ArgsSummary:        summary,
			Outcome:            logOutcome,
			Reversible:         logReversible,
			OperatorAuthorized: logAuthorized,
		}

		if logRemote {
			head, err := postRecord(serverURL(cfg), rec)
			if err != nil {
				return err
			}
			fmt.Println(head)
			return nil
		}

		l, _, err := openLog(cfg)
		if err != nil {
			return err
		}
		defer l.Close()

		if err := l.LogAction(cmd.Context(), rec); err != nil {
			return fmt.Errorf("failed to log action: %w", err)
		}
		l.Flush()
		fmt.Println(l.ChainHead())
		return nil
	},
}

func init() {
	logCmd.Flags().StringVar(&logRunID, "run-id", "", "Run identifier (required)")
	logCmd.Flags().StringVar(&logSessionID, "session-id", "", "Session identifier (default: a new UUID)")
	logCmd.Flags().StringVar(&logClass, "class", "", "Action class: r, w, d, x, e (required)")
	logCmd.Flags().StringVar(&logTool, "tool", "", "Tool name (required)")
	logCmd.Flags().StringVar(&logArgs, "args", "", "Free-form argument summary")
	logCmd.Flags().StringArrayVar(&logArgPairs, "arg", nil, "Structured argument key=value (repeatable)")
	logCmd.Flags().StringVar(&logOutcome, "outcome", audit.OutcomeOK, "Outcome of the action")
	logCmd.Flags().BoolVar(&logReversible, "reversible", false, "The action can be undone")
	logCmd.Flags().BoolVar(&logAuthorized, "authorized", false, "An operator explicitly authorized the action")
	logCmd.Flags().BoolVar(&logRemote, "remote", false, "Send to the running server instead of the local file")
	logCmd.MarkFlagRequired("run-id")
	logCmd.MarkFlagRequired("class")
	logCmd.MarkFlagRequired("tool")
}

// postRecord sends rec to a running server and returns the new head.
func postRecord(base string, rec audit.Record) (string, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshaling record: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, base+"/api/actions", strings.NewReader(string(body)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.RequestIDHeader, uuid.NewString())

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("server unreachable at %s: %w", base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("server rejected record (%s): %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	var out struct {
		Head string `json:"head"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding server response: %w", err)
	}
	return out.Head, nil
}

// ============================================================================
// actionaudit head
// ============================================================================

var headCmd = &cobra.Command{
	Use:   "head",
	Short: "Print the current chain head",
	Long: `Print the hash of the most recently committed entry, or 64 zeros for an
empty log. Store it out of band to detect truncation of the tail.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		l, err := inspectLog(cfg)
		if err != nil {
			return err
		}
		defer l.Close()

		fmt.Println(l.ChainHead())
		return nil
	},
}

// ============================================================================
// actionaudit verify
// ============================================================================

var (
	verifyStartHash string
	verifyJSON      bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Verify hash chain integrity",
	Long: `Verify the hash chain. Each entry's hash is
SHA-256(previous_hash || canonical_entry), so any edit breaks the chain
from that entry forward.

With no argument, every archived segment is verified oldest first and then
the live file, each seeded with the head of the one before it.

With a file argument (live file or a .jsonl.gz segment) only that file is
verified, starting from --start-hash (default: 64 zeros).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			res, err := audit.VerifyChain(args[0], verifyStartHash)
			if err != nil {
				return err
			}
			if verifyJSON {
				return printJSON(res)
			}
			printVerifyResult(args[0], res)
			if !res.OK {
				return fmt.Errorf("audit chain integrity violation detected")
			}
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		report, err := audit.VerifyLog(cfg.Log.Path)
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		if verifyJSON {
			if err := printJSON(report); err != nil {
				return err
			}
		} else {
			for _, s := range report.Segments {
				printVerifyResult(s.Name, s.Result)
			}
		}
		if !report.OK {
			return fmt.Errorf("audit chain integrity violation detected in %s", report.BrokenFile)
		}
		if !verifyJSON {
			fmt.Printf("[actionaudit] Hash chain VALID (%d entries in %d files, head %s)\n",
				report.Verified, len(report.Segments), report.Head)
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyStartHash, "start-hash", "", "Hash preceding the first entry of the file (default: genesis)")
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "Print the result as JSON")
}

func printVerifyResult(name string, res audit.VerifyResult) {
	if res.OK {
		fmt.Printf("[actionaudit] %s: VALID (%d entries)\n", name, res.Verified)
		return
	}
	fmt.Printf("[actionaudit] %s: BROKEN at line %d (%s)\n", name, res.FirstBadLine, res.Kind)
	fmt.Printf("  Reason:        %s\n", res.Reason)
	if res.ExpectedHash != "" {
		fmt.Printf("  Expected hash: %s\n", res.ExpectedHash)
		fmt.Printf("  Actual hash:   %s\n", res.ActualHash)
	}
	fmt.Printf("  Verified before break: %d\n", res.Verified)
}

// ============================================================================
// actionaudit archives
// ============================================================================

var archivesCmd = &cobra.Command{
	Use:   "archives",
	Short: "List rotated segments, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		segments, err := audit.ListArchives(cfg.Log.Path)
		if err != nil {
			return err
		}
		if len(segments) == 0 {
			fmt.Printf("No archived segments in %s\n", audit.ArchiveDir(cfg.Log.Path))
			return nil
		}

		fmt.Printf("  %-48s %-12s %s\n", "SEGMENT", "SIZE", "STATE")
		for _, s := range segments {
			state := "compressed"
			if !s.Compressed {
				state = "pending"
			}
			fmt.Printf("  %-48s %-12d %s\n", s.Name, s.Size, state)
		}
		return nil
	},
}

// ============================================================================
// actionaudit query / tail
// ============================================================================

var (
	queryRunID     string
	querySessionID string
	queryTool      string
	queryClass     string
	queryOutcome   string
	querySince     string
	queryLimit     int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query entries with filters",
	Long: `Query the audit log, newest first. Uses the SQLite index when enabled,
otherwise scans the archives and the live file.

Examples:
  actionaudit query --run-id r1 --outcome error --since 1h
  actionaudit query --tool write_file --limit 100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		l, err := inspectLog(cfg)
		if err != nil {
			return err
		}
		defer l.Close()

		entries, err := l.Query(audit.QueryParams{
			RunID:       queryRunID,
			SessionID:   querySessionID,
			ToolName:    queryTool,
			ActionClass: queryClass,
			Outcome:     queryOutcome,
			Since:       querySince,
			Limit:       queryLimit,
		})
		if err != nil {
			return fmt.Errorf("audit query failed: %w", err)
		}

		if len(entries) == 0 {
			fmt.Println("No matching audit entries found.")
			return nil
		}
		for _, e := range entries {
			printEntry(e)
		}
		fmt.Printf("\n%d entries found.\n", len(entries))
		return nil
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryRunID, "run-id", "", "Filter by run ID")
	queryCmd.Flags().StringVar(&querySessionID, "session-id", "", "Filter by session ID")
	queryCmd.Flags().StringVar(&queryTool, "tool", "", "Filter by tool name")
	queryCmd.Flags().StringVar(&queryClass, "class", "", "Filter by action class")
	queryCmd.Flags().StringVar(&queryOutcome, "outcome", "", "Filter by outcome")
	queryCmd.Flags().StringVar(&querySince, "since", "", "Entries since a duration (1h, 24h) or RFC 3339 time")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 50, "Maximum number of entries to return")
}

var tailLimit int

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		l, err := inspectLog(cfg)
		if err != nil {
			return err
		}
		defer l.Close()

		entries, err := l.Tail(tailLimit)
		if err != nil {
			return fmt.Errorf("failed to read audit log: %w", err)
		}
		// Oldest first, like tail(1).
		for i := len(entries) - 1; i >= 0; i-- {
			printEntry(entries[i])
		}
		return nil
	},
}

func init() {
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 20, "Number of recent entries to show")
}

// printEntry formats and prints a single entry to stdout.
func printEntry(e audit.IndexedEntry) {
	outcome := e.Outcome
	if outcome != audit.OutcomeOK {
		outcome = strings.ToUpper(outcome)
	}
	flags := ""
	if e.Reversible {
		flags += "R"
	}
	if e.OperatorAuthorized {
		flags += "A"
	}
	fmt.Printf("[%s] run=%-12s class=%-2s tool=%-16s outcome=%-6s %-2s %s\n",
		e.Timestamp, e.RunID, e.ActionClass, e.ToolName, outcome, flags, e.ArgsSummary)
}

// ============================================================================
// actionaudit export / reindex
// ============================================================================

var exportFormat string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the full log",
	Long: `Export every entry, oldest first, to stdout.
Supported formats: jsonl, json, csv.

Example:
  actionaudit export --format csv > actions.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		l, err := inspectLog(cfg)
		if err != nil {
			return err
		}
		defer l.Close()

		return l.Export(os.Stdout, exportFormat)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Export format: jsonl, json, csv")
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the SQLite index from the archives and live file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.Index.Enabled {
			return fmt.Errorf("index is disabled in %s", filepath.Join(configDir, config.FileName))
		}
		l, _, err := openLog(cfg)
		if err != nil {
			return err
		}
		defer l.Close()

		n, err := l.Reindex()
		if err != nil {
			return fmt.Errorf("reindex failed: %w", err)
		}
		fmt.Printf("[actionaudit] Indexed %d entries into %s\n", n, cfg.Index.Path)
		return nil
	},
}

// ============================================================================
// actionaudit config
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View configuration",
}

func init() {
	configCmd.AddCommand(configShowCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(configDir, config.FileName)
		data, err := os.ReadFile(configPath)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s\n", configPath)
				fmt.Println("Run 'actionaudit init' to create one.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
