package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mudrockdev/mudrockmigrate/migrator"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	exitOK      = 0
	exitFatal   = 1
	exitPartial = 2
)

var errCancelled = errors.New("migration cancelled by user")

type cliOptions struct {
	envFile        string
	checkpoint     string
	logLevel       string
	nonInteractive bool

	batchSize     int
	workers       int
	maxRetries    int
	reset         bool
	noTruncate    bool
	maxFailedRows int64
	jsonFallback  bool
	exclude       []string
	reportFile    string
	metricsFile   string
	pushgateway   string
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func fatal(err error) error {
	return &exitError{code: exitFatal, err: err}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", exit.err)
		}
		return exit.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitFatal
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}

	cmd := &cobra.Command{
		Use:   "mudrockmigrate",
		Short: "Migrate an SQLite database into a bootstrapped PostgreSQL database",
		Long: `Copies every table of an SQLite database into a PostgreSQL database whose
tables were already created by the application. Progress is checkpointed after
every batch, so an interrupted run resumes where it stopped.

Environment file keys:
  SQLITE_DB_PATH
  POSTGRES_HOST, POSTGRES_PORT, POSTGRES_DB, POSTGRES_USER, POSTGRES_PASSWORD,
  POSTGRES_SSLMODE, POSTGRES_SCHEMA, MIGRATION_BATCH_SIZE
  (PG_HOST, PG_PORT, PG_DATABASE, PG_USER, PG_PASSWORD, PG_SSLMODE are accepted too)

Exit status is 0 when every table completed within --max-failed-rows, 1 when
the run was refused before writing, and 2 on partial completion.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	persistent := cmd.PersistentFlags()
	persistent.StringVar(&opts.envFile, "env-file", "", "Path to an environment file with connection settings")
	persistent.StringVar(&opts.checkpoint, "checkpoint", "", "Checkpoint file (default <source>.checkpoint)")
	persistent.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	persistent.BoolVar(&opts.nonInteractive, "non-interactive", false, "Never prompt; fail when a setting is missing")

	flags := cmd.Flags()
	flags.IntVar(&opts.batchSize, "batch-size", 0, "Rows per batch (default from MIGRATION_BATCH_SIZE or 500)")
	flags.IntVar(&opts.workers, "workers", 1, "Tables transferred concurrently")
	flags.IntVar(&opts.maxRetries, "max-retries", 0, "Retries of a batch on transient target errors (default 3)")
	flags.BoolVar(&opts.reset, "reset", false, "Forget previous progress and start every table over")
	flags.BoolVar(&opts.noTruncate, "no-truncate", false, "Do not truncate target tables before their first batch")
	flags.Int64Var(&opts.maxFailedRows, "max-failed-rows", 0, "Failed rows tolerated for a successful exit")
	flags.BoolVar(&opts.jsonFallback, "json-fallback", false, "Write {} for invalid JSON instead of failing the row")
	flags.StringSliceVar(&opts.exclude, "exclude", nil, "Tables to skip (default migratehistory,alembic_version)")
	flags.StringVar(&opts.reportFile, "report-file", "", "Write the migration report as JSON to this file")
	flags.StringVar(&opts.metricsFile, "metrics-file", "", "Write Prometheus metrics in textfile format to this file")
	flags.StringVar(&opts.pushgateway, "pushgateway", "", "Push metrics to this Prometheus Pushgateway URL")

	cmd.AddCommand(newFailedRowsCommand(opts))
	return cmd
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("%w: log level %q", migrator.ErrInvalidConfig, level)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func runMigrate(ctx context.Context, opts *cliOptions, out io.Writer) error {
	logger, err := newLogger(opts.logLevel)
	if err != nil {
		return fatal(err)
	}
	defer logger.Sync()

	env, err := loadEnvironment(opts.envFile)
	if err != nil {
		return fatal(err)
	}

	interactive := !opts.nonInteractive && stdinIsTerminal()
	var p *prompter
	if interactive {
		p = newTerminalPrompter()
	}

	cfg, err := resolveConfig(opts, env, p)
	if errors.Is(err, errCancelled) {
		fmt.Fprintln(out, "Migration cancelled by user")
		return nil
	}
	if err != nil {
		return fatal(err)
	}

	src, err := migrator.OpenSQLiteSource(ctx, cfg.SourcePath, logger)
	if err != nil {
		return fatal(err)
	}
	defer src.Close()

	tgt, cfg, err := connectTarget(ctx, cfg, p, logger)
	if errors.Is(err, errCancelled) {
		fmt.Fprintln(out, "Migration cancelled by user")
		return nil
	}
	if err != nil {
		return fatal(err)
	}
	defer tgt.Close()

	store, err := migrator.OpenCheckpointStore(ctx, cfg.CheckpointPath, cfg.RunKey(), logger)
	if err != nil {
		return fatal(err)
	}
	defer store.Close()

	if opts.reset {
		if err := store.Lock(ctx, cfg.LockTTL); err != nil {
			return fatal(err)
		}
		if err := store.Reset(ctx); err != nil {
			return fatal(fmt.Errorf("reset checkpoint: %w", err))
		}
		logger.Info("checkpoint reset", zap.String("path", store.Path()))
	}

	printDatabaseInfo(ctx, out, src, cfg, logger)

	bars := interactive && cfg.Workers == 1 && isTerminal(out)
	engineLogger := logger
	if bars {
		engineLogger = logger.WithOptions(zap.IncreaseLevel(zapcore.WarnLevel))
	}
	renderer := newRenderer(out, engineLogger, bars)
	metrics := migrator.NewMetrics()

	engine := migrator.NewEngine(cfg, src, tgt, store, engineLogger,
		migrator.WithObserver(renderer),
		migrator.WithMetrics(metrics),
	)
	report, migrateErr := engine.Migrate(ctx)
	renderer.Close()

	printSummary(out, report, cfg.MaxFailedRows)
	publishResults(opts, report, metrics, logger)

	code := exitCode(report, migrateErr, cfg.MaxFailedRows)
	if code == exitOK {
		return nil
	}
	return &exitError{code: code, err: migrateErr}
}

// connectTarget opens the target and checks it answers. Interactive runs may
// re-enter the target settings after a failed attempt.
func connectTarget(ctx context.Context, cfg migrator.Config, p *prompter, logger *zap.Logger) (*migrator.PostgreSQLAdapter, migrator.Config, error) {
	for {
		tgt, err := migrator.OpenPostgresTarget(cfg.Target, cfg.Workers+1, logger)
		if err == nil {
			if err = tgt.Ping(ctx); err == nil {
				logger.Info("connected to target", zap.String("target", tgt.Address()))
				return tgt, cfg, nil
			}
			tgt.Close()
		}
		if p == nil {
			return nil, cfg, err
		}

		retry, promptErr := p.retryTarget(err)
		if promptErr != nil {
			return nil, cfg, promptErr
		}
		if !retry {
			return nil, cfg, errCancelled
		}

		raw := cfg
		if raw.Target, err = resolveTarget(environment{}, p); err != nil {
			return nil, cfg, err
		}
		raw.Target.SSLMode, raw.Target.Schema = cfg.Target.SSLMode, cfg.Target.Schema
		if cfg, err = migrator.NewConfig(raw); err != nil {
			return nil, cfg, err
		}
	}
}

func publishResults(opts *cliOptions, report migrator.MigrationReport, metrics *migrator.Metrics, logger *zap.Logger) {
	if opts.reportFile != "" {
		if err := writeReportFile(opts.reportFile, report); err != nil {
			logger.Warn("failed to write report file", zap.Error(err))
		}
	}
	if opts.metricsFile != "" {
		if err := metrics.WriteToTextfile(opts.metricsFile); err != nil {
			logger.Warn("failed to write metrics file", zap.Error(err))
		}
	}
	if opts.pushgateway != "" {
		if err := metrics.Push(opts.pushgateway, "mudrockmigrate"); err != nil {
			logger.Warn("failed to push metrics", zap.Error(err))
		}
	}
}

func exitCode(report migrator.MigrationReport, err error, maxFailedRows int64) int {
	switch {
	case err == nil && report.Succeeded(maxFailedRows):
		return exitOK
	case errors.Is(err, migrator.ErrInterrupted):
		return exitPartial
	case err != nil && migrator.IsFatal(err):
		return exitFatal
	default:
		return exitPartial
	}
}

func newFailedRowsCommand(opts *cliOptions) *cobra.Command {
	var table, output string

	cmd := &cobra.Command{
		Use:   "failed-rows",
		Short: "List rows that previous runs could not migrate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFailedRows(cmd.Context(), opts, table, output, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&table, "table", "", "Only list rows of this table")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table or json")
	return cmd
}

func runFailedRows(ctx context.Context, opts *cliOptions, table, output string, out io.Writer) error {
	if output != "table" && output != "json" {
		return fatal(fmt.Errorf("%w: unknown output format %q", migrator.ErrInvalidConfig, output))
	}

	env, err := loadEnvironment(opts.envFile)
	if err != nil {
		return fatal(err)
	}
	cfg, err := resolveConfig(opts, env, nil)
	if err != nil {
		return fatal(err)
	}
	if _, err := os.Stat(cfg.CheckpointPath); err != nil {
		return fatal(fmt.Errorf("no checkpoint at %s: %w", cfg.CheckpointPath, err))
	}

	store, err := migrator.OpenCheckpointStore(ctx, cfg.CheckpointPath, cfg.RunKey(), zap.NewNop())
	if err != nil {
		return fatal(err)
	}
	defer store.Close()

	rows, err := store.FailedRows(ctx, table)
	if err != nil {
		return fatal(fmt.Errorf("read failed rows: %w", err))
	}

	if output == "json" {
		return writeJSON(out, rows)
	}
	printFailedRows(out, rows, 0)
	return nil
}
