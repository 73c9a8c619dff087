package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/floegence/agentloop/internal/auditlog"
	"github.com/floegence/agentloop/internal/config"
	"github.com/floegence/agentloop/internal/engine"
	"github.com/floegence/agentloop/internal/history"
	"github.com/floegence/agentloop/internal/journal"
	"github.com/floegence/agentloop/internal/lockfile"
	"github.com/floegence/agentloop/internal/provider"
	"github.com/floegence/agentloop/internal/tools"
	"github.com/floegence/agentloop/internal/turn"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

const exampleConfig = `{
  "provider": {
    "type": "anthropic",
    "model": "claude-sonnet-4-5",
    "api_key_env": "ANTHROPIC_API_KEY"
  }
}`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentloop: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", config.DefaultConfigPath(), "Config file path")
	dataDir := flag.String("data-dir", "", "Data directory (default: $AGENTLOOP_DATA_DIR, then the config data_dir)")
	model := flag.String("model", "", "Model id override")
	resetJournals := flag.Bool("reset-journals", false, "Clear both write-ahead journals before starting")
	logLevel := flag.String("log-level", "", "Log level: debug|info|warn|error (default: from config)")
	logFormat := flag.String("log-format", "", "Log format: json|text (default: from config)")
	version := flag.Bool("version", false, "Print build information and exit")
	flag.Parse()

	if *version {
		fmt.Printf("agentloop %s (%s) %s\n", Version, Commit, BuildTime)
		return nil
	}

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("no config at %s; create one like:\n%s", filepath.Clean(*cfgPath), exampleConfig)
		}
		return fmt.Errorf("load config: %w", err)
	}
	if v := strings.TrimSpace(*model); v != "" {
		cfg.Provider.Model = v
		if err := cfg.Provider.Validate(); err != nil {
			return fmt.Errorf("model override: %w", err)
		}
	}

	format := cfg.EffectiveLogFormat()
	if *logFormat != "" {
		format = *logFormat
	}
	level := cfg.EffectiveLogLevel()
	if *logLevel != "" {
		level = *logLevel
	}
	logger, err := newLogger(format, level)
	if err != nil {
		return err
	}

	dir := resolveDataDir(*dataDir, cfg)
	if err := ensureSecureDir(dir); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	// The journals tolerate exactly one writer.
	lock, err := lockfile.Acquire(filepath.Join(dir, "agentloop.lock"))
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			return fmt.Errorf("data dir %s is in use (%v); stop the other agentloop first", dir, err)
		}
		return fmt.Errorf("lock data dir: %w", err)
	}
	defer lock.Release()

	audit, err := auditlog.New(auditlog.Options{Logger: logger, DataDir: dir})
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hist, err := history.Open(filepath.Join(dir, "history.db"))
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer hist.Close()
	if _, err := hist.EnsureSession(ctx, cfg.Provider.Model); err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	streams, err := journal.OpenStream(filepath.Join(dir, "stream_journal.db"))
	if err != nil {
		return fmt.Errorf("open stream journal: %w", err)
	}
	defer streams.Close()

	batches, err := journal.OpenTool(filepath.Join(dir, "tool_journal.db"))
	if err != nil {
		return fmt.Errorf("open tool journal: %w", err)
	}
	defer batches.Close()

	policy, err := tools.LoadPolicy(filepath.Join(dir, "toolpolicy.yaml"))
	if err != nil {
		return fmt.Errorf("load tool policy: %w", err)
	}

	apiKey, err := cfg.Provider.ResolveAPIKey()
	if err != nil {
		return err
	}
	streamer, err := provider.New(cfg.Provider.EffectiveType(), cfg.Provider.BaseURL, apiKey)
	if err != nil {
		return err
	}

	var shellTimeout time.Duration
	if cfg.Limits != nil {
		shellTimeout = time.Duration(cfg.Limits.ShellTimeoutSeconds) * time.Second
	}
	registry := tools.NewRegistry()
	for _, exec := range []tools.Executor{
		tools.NewReadFile(tools.ReadFileLimits{}),
		tools.NewRunShellWith("", shellTimeout),
		tools.NewProposePlan(),
	} {
		if err := registry.Register(exec); err != nil {
			return fmt.Errorf("register tool %s: %w", exec.Name(), err)
		}
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("working dir: %w", err)
	}

	ui := newConsole(term.IsTerminal(int(os.Stdin.Fd())), audit)

	eng, err := engine.New(engine.Options{
		Logger:               logger,
		Streamer:             streamer,
		Registry:             registry,
		Policy:               policy,
		History:              hist,
		StreamJournal:        streams,
		ToolJournal:          batches,
		Model:                cfg.Provider.Model,
		MaxOutputTokens:      int(cfg.Provider.MaxOutputTokens),
		ThinkingBudgetTokens: int(cfg.Provider.ThinkingBudgetTokens),
		WorkingDir:           workingDir,
		Limits:               engineLimits(cfg.Limits),
		OnTurnFinished:       func() { ui.turnDone = true },
		Distiller:            &streamDistiller{streamer: streamer, model: cfg.Provider.Model},
		OnDistilled: func(summary string) {
			if _, err := hist.NewSession(ctx, cfg.Provider.Model); err != nil {
				logger.Error("new session after distillation", "error", err)
				return
			}
			seed := turn.SystemMessage("Summary of the conversation so far:\n\n" + strings.TrimSpace(summary))
			if _, err := hist.PushMessage(ctx, seed); err != nil {
				logger.Error("seed distilled session", "error", err)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	ui.eng = eng

	if *resetJournals {
		if err := eng.ResetJournals(ctx); err != nil {
			return fmt.Errorf("reset journals: %w", err)
		}
		audit.Append(auditlog.Entry{Action: "journals_reset", Decision: "reset"})
	}
	if err := eng.CheckCrashRecovery(ctx); err != nil {
		logger.Error("crash recovery", "error", err)
	}

	ui.welcome(cfg.Provider.Model, dir)
	return ui.loop(ctx)
}

// newLogger writes to stderr; stdout carries the conversation.
func newLogger(format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}
}

func resolveDataDir(flagVal string, cfg *config.Config) string {
	if v := strings.TrimSpace(flagVal); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTLOOP_DATA_DIR")); v != "" {
		return v
	}
	if v := strings.TrimSpace(cfg.DataDir); v != "" {
		return v
	}
	return config.DefaultDataDir()
}

// ensureSecureDir creates the data dir owner-only and tightens the mode
// of a pre-existing one. Journals and history hold conversation content.
func ensureSecureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return os.Chmod(dir, 0o700)
}

func engineLimits(l *config.Limits) engine.Limits {
	if l == nil {
		return engine.Limits{}
	}
	return engine.Limits{
		MaxToolCallsPerBatch:     l.MaxToolCallsPerBatch,
		MaxToolIterationsPerTurn: l.MaxToolIterationsPerTurn,
		MaxToolArgsBytes:         l.MaxToolArgsBytes,
		MaxToolOutputBytes:       l.MaxToolOutputBytes,
		StreamBudgetBytesPerPoll: l.StreamBudgetBytesPerPoll,
		ToolTimeout:              time.Duration(l.ToolTimeoutSeconds) * time.Second,
	}
}
