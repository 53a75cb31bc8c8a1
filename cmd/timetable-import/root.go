package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"timetable-import/importer"
)

type globalOptions struct {
	configPath string
	dbDriver   string
	dsn        string
	debug      bool
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	var g globalOptions
	cmd := &cobra.Command{
		Use:           "timetable-import",
		Short:         "Stage, review, commit and roll back timetable imports",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	g.bind(cmd)

	cmd.AddCommand(newServeCmd(&g))
	cmd.AddCommand(newStageCmd(&g))
	cmd.AddCommand(newPreviewCmd(&g))
	cmd.AddCommand(newCommitCmd(&g))
	cmd.AddCommand(newDiscardCmd(&g))
	cmd.AddCommand(newRollbackCmd(&g))
	cmd.AddCommand(newHistoryCmd(&g))
	return cmd
}

func (g *globalOptions) bind(cmd *cobra.Command) {
	fs := cmd.PersistentFlags()
	fs.StringVar(&g.configPath, "config", "", "YAML config file path.")
	fs.StringVar(&g.dbDriver, "db-driver", importer.DriverSQLite, "Database driver: sqlite or postgres.")
	fs.StringVar(&g.dsn, "dsn", "", "Database DSN (SQLite path or postgres connection string).")
	fs.BoolVar(&g.debug, "debug", false, "Enable debug logs.")
	fs.DurationVar(&g.timeout, "timeout", 0, "Overall timeout for one command (e.g. 30s, 2m).")
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		code := exitCode(err)
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(code)
	}
}

// settings layers the YAML file, .env files and TIMETABLE_* variables, then the flags
// the user actually set.
func (g *globalOptions) settings(cmd *cobra.Command) (*importer.FileConfig, error) {
	cfg := &importer.FileConfig{}
	if g.configPath != "" {
		loaded, err := importer.LoadConfig(g.configPath)
		if err != nil {
			return nil, withCode(exitUsage, fmt.Errorf("load config: %w", err))
		}
		cfg = loaded
	}
	if err := importer.LoadEnv(cfg, ".env.local", ".env"); err != nil {
		return nil, withCode(exitUsage, fmt.Errorf("load env: %w", err))
	}

	flags := cmd.Flags()
	if flags.Changed("db-driver") {
		cfg.Database.Driver = g.dbDriver
	}
	if flags.Changed("dsn") {
		cfg.Database.DSN = g.dsn
	}
	if flags.Changed("debug") {
		cfg.Debug = g.debug
	}
	if flags.Changed("timeout") {
		cfg.Timeout = g.timeout
	}
	cfg.ApplyDefaults()

	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, withCode(exitUsage, fmt.Errorf("missing database DSN (use --dsn, database.dsn or TIMETABLE_DB_DSN)"))
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, withCode(exitUsage, fmt.Errorf("invalid log_level: %w", err))
	}
	if cfg.Debug {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)
	return cfg, nil
}

// openEngine opens the store and pings it within the command timeout.
func openEngine(cmd *cobra.Command, cfg *importer.FileConfig, reg prometheus.Registerer) (*importer.Engine, error) {
	e, err := importer.NewEngine(importer.EngineConfig{
		Driver:                 cfg.Database.Driver,
		DSN:                    cfg.Database.DSN,
		Debug:                  cfg.Debug,
		Registerer:             reg,
		RequireApproval:        cfg.Review.RequireApproval,
		RejectDuplicateUploads: cfg.RejectDuplicateUploads,
	})
	if err != nil {
		return nil, withCode(exitDB, fmt.Errorf("open store: %w", err))
	}
	ctx, cancel := readContext(cmd, cfg)
	defer cancel()
	if err := e.Ping(ctx); err != nil {
		_ = e.Close()
		return nil, withCode(exitDB, fmt.Errorf("ping store: %w", err))
	}
	return e, nil
}

func baseContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// readContext bounds store opening and read-only commands by --timeout.
func readContext(cmd *cobra.Command, cfg *importer.FileConfig) (context.Context, context.CancelFunc) {
	ctx := baseContext(cmd)
	if cfg.Timeout > 0 {
		return context.WithTimeout(ctx, cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// writeContext is used for stage, commit, discard and rollback. Once a transaction has
// begun it runs to commit or rollback, so no deadline or cancellation is carried.
func writeContext(cmd *cobra.Command) context.Context {
	return context.WithoutCancel(baseContext(cmd))
}

func parseID(arg, what string) (uint, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(arg), 10, 64)
	if err != nil || id == 0 {
		return 0, withCode(exitUsage, fmt.Errorf("invalid %s id %q", what, arg))
	}
	return uint(id), nil
}
