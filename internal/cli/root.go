// Package cli defines the cobra commands of the baton CLI.
// This file contains the root command, shared flags and the engine wiring
// every subcommand opens.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/berth-dev/baton/internal/config"
	"github.com/berth-dev/baton/internal/ledger"
	"github.com/berth-dev/baton/internal/lifecycle"
	"github.com/berth-dev/baton/internal/store"
	"github.com/berth-dev/baton/internal/workflow"
)

var version = "dev" // set via ldflags at build time

// app holds the state shared by every command of one invocation.
type app struct {
	dir      string
	logLevel string
	asJSON   bool

	cfg    *config.Config
	logger *slog.Logger
}

// NewRootCmd builds the baton command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "baton",
		Short: "Workflow and session state engine for multi-role agent runs",
		Long: `Baton records what each role of a multi-agent run did, decides which
role goes next from a declarative transition table, and streams every
committed change to observers.`,
		Version:           version,
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	root.PersistentFlags().StringVarP(&a.dir, "dir", "C", "", "Project directory (default: current directory)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides config)")
	root.PersistentFlags().BoolVar(&a.asJSON, "json", false, "Print results as JSON")

	root.AddCommand(
		newInitCmd(a),
		newServeCmd(a),
		newSessionCmd(a),
		newGroupCmd(a),
		newTurnCmd(a),
		newReasonCmd(a),
		newAdvanceCmd(a),
		newPhasesCmd(a),
		newEventCmd(a),
		newUsageCmd(a),
		newWatchCmd(a),
		newTransitionsCmd(a),
		newBridgeCmd(a),
	)
	return root
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup resolves the project directory, loads configuration and installs
// the default logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if a.dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting current directory: %w", err)
		}
		a.dir = wd
	}
	cfg, err := config.Load(a.dir)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg

	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(a.logger)
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openStore opens the configured database, creating its directory.
func (a *app) openStore() (*store.Store, error) {
	path := a.cfg.DBPath(a.dir)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	return store.OpenWithOptions(store.Options{
		Path:         path,
		BusyTimeout:  a.cfg.Store.BusyTimeout(),
		OpTimeout:    a.cfg.Store.OpTimeout(),
		MaxOpenConns: a.cfg.Store.MaxOpenConns,
	})
}

func (a *app) loadTable() (*workflow.Table, error) {
	return workflow.Load(a.cfg.TransitionsPath(a.dir))
}

func (a *app) retryPolicy() lifecycle.RetryPolicy {
	return lifecycle.RetryPolicy{
		MaxAttempts:  a.cfg.Retry.MaxAttempts,
		InitialDelay: a.cfg.Retry.InitialDelay(),
		Multiplier:   a.cfg.Retry.Multiplier,
		MaxDelay:     a.cfg.Retry.MaxDelay(),
	}
}

// engine is an opened store with the lifecycle manager and ledger on top.
type engine struct {
	store   *store.Store
	table   *workflow.Table
	manager *lifecycle.Manager
	ledger  *ledger.Ledger
}

func (e *engine) Close() error {
	return e.store.Close()
}

// openEngine loads the transition table before touching the database, so
// a bad table blocks every command that could start or advance work.
func (a *app) openEngine() (*engine, error) {
	table, err := a.loadTable()
	if err != nil {
		return nil, err
	}
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	retry := a.retryPolicy()
	mgr := lifecycle.New(st, workflow.NewRouter(table), lifecycle.Options{
		MaxRevisions:  a.cfg.Workflow.MaxRevisions,
		EnforcePhases: a.cfg.Workflow.EnforcePhases,
		ReviewerRole:  a.cfg.Workflow.ReviewerRole,
		Retry:         retry,
		Logger:        a.logger,
	})
	return &engine{
		store:   st,
		table:   table,
		manager: mgr,
		ledger:  ledger.New(st, retry, a.logger),
	}, nil
}

// withEngine opens the engine for the duration of fn.
func (a *app) withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *engine) error) error {
	e, err := a.openEngine()
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(cmd.Context(), e)
}

// emit prints v as indented JSON when --json is set, otherwise calls text.
func (a *app) emit(cmd *cobra.Command, v any, text func(w io.Writer) error) error {
	w := cmd.OutOrStdout()
	if a.asJSON || text == nil {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(w)
}

// readContent returns the flag value, or stdin when it is "-".
func readContent(cmd *cobra.Command, value string) (string, error) {
	if value != "-" {
		return value, nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}

// resolveSession returns id, or the active session when id is empty.
func resolveSession(ctx context.Context, st *store.Store, id string) (string, error) {
	if id != "" {
		return id, nil
	}
	sess, err := st.FindActiveSession(ctx)
	if err != nil {
		return "", fmt.Errorf("finding active session: %w", err)
	}
	if sess == nil {
		return "", fmt.Errorf("no active session; pass --session or start one with: baton session start")
	}
	return sess.ID, nil
}
