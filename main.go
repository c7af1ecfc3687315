package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// cliOptions holds the parsed command-line flags.
type cliOptions struct {
	configPath      string
	clone           int64
	setNames        int64
	database        string
	category        string
	workers         int
	dryRun          bool
	allowUnresolved bool
	logLevel        string
}

var errCardsFailed = errors.New("one or more cards failed")

func newRootCmd(getenv func(string) string) *cobra.Command {
	var opts cliOptions
	cmd := &cobra.Command{
		Use:   "petabase (--clone <sourceId> <destParentId> | --set-names <collectionId>)",
		Short: "Mass migration of Metabase cards between Trackdéchets categories",
		Long: `petabase clones a Metabase collection and retargets every card of the copy
to the table of another category, rewriting field references by display name.
With --set-names it only retags card names with the collection's category.

Credentials are read from METABASE_URL, METABASE_USER, METABASE_PASSWORD or
METABASE_API_KEY; the password falls back to the OS keyring (service "petabase").`,
		Version:       versionString(),
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.MaximumNArgs(1)(cmd, args); err != nil {
				return configErrorf("%w", err)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPetabase(cmd.Context(), opts, args, getenv, cmd.OutOrStdout())
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return configErrorf("%w", err)
	})

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "path to TOML config file")
	f.Int64Var(&opts.clone, "clone", 0, "clone collection `sourceId` into the collection given as positional argument")
	f.Int64Var(&opts.setNames, "set-names", 0, "retag the card names of `collectionId` without touching queries")
	f.StringVar(&opts.database, "database", "", "target database alias (prod|sandbox)")
	f.StringVar(&opts.category, "category", "", "target category ("+categoryNames()+"); default: the collection name")
	f.IntVar(&opts.workers, "workers", 0, "number of cards migrated in parallel (default min(NumCPU, 8))")
	f.BoolVar(&opts.dryRun, "dry-run", false, "do everything except saving cards")
	f.BoolVar(&opts.allowUnresolved, "allow-unresolved-fields", false, "save cards even when some field references could not be rewritten")
	f.StringVar(&opts.logLevel, "log-level", "", "log level (debug|info|warn|error)")
	return cmd
}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd(os.Getenv).ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "petabase:", err)
	}
	return exitCodeFor(err)
}

// runPlan is the fully validated input of a run. Building it never touches
// the network.
type runPlan struct {
	cfg         *Config
	creds       Credentials
	migrate     MigrateOptions
	clone       bool
	sourceID    int64
	destination int64
}

func buildRunPlan(opts cliOptions, args []string, getenv func(string) string) (*runPlan, error) {
	plan := &runPlan{}

	switch {
	case opts.clone != 0 && opts.setNames != 0:
		return nil, configErrorf("--clone and --set-names are mutually exclusive")
	case opts.clone != 0:
		if opts.clone < 0 {
			return nil, configErrorf("--clone: invalid id %d: must be a positive integer", opts.clone)
		}
		if len(args) != 1 {
			return nil, configErrorf("--clone requires the destination parent collection: --clone <sourceId> <destParentId>")
		}
		dest, err := parseID(args[0])
		if err != nil {
			return nil, configErrorf("destination collection: %w", err)
		}
		plan.clone = true
		plan.sourceID = opts.clone
		plan.destination = dest
	case opts.setNames != 0:
		if opts.setNames < 0 {
			return nil, configErrorf("--set-names: invalid id %d: must be a positive integer", opts.setNames)
		}
		if len(args) != 0 {
			return nil, configErrorf("--set-names takes no positional argument")
		}
		plan.destination = opts.setNames
	default:
		return nil, configErrorf("one of --clone or --set-names is required")
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.workers > 0 {
		cfg.Workers = opts.workers
	}
	if opts.allowUnresolved {
		cfg.AllowUnresolvedFields = true
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	plan.cfg = cfg

	plan.migrate = MigrateOptions{
		Schema:                cfg.Schema,
		Workers:               cfg.Workers,
		DryRun:                opts.dryRun,
		AllowUnresolvedFields: cfg.AllowUnresolvedFields,
	}
	if opts.category != "" {
		c, err := parseCategory(opts.category)
		if err != nil {
			return nil, configErrorf("--category: %w", err)
		}
		plan.migrate.Category = c
	}
	if plan.clone {
		alias := opts.database
		if alias == "" {
			alias = cfg.DefaultDatabase
		}
		if alias == "" {
			return nil, configErrorf("--database is required (no default_database configured)")
		}
		id, err := cfg.databaseID(alias)
		if err != nil {
			return nil, err
		}
		plan.migrate.DatabaseID = id
	}

	creds, err := loadCredentials(cfg.Metabase, getenv)
	if err != nil {
		return nil, err
	}
	plan.creds = creds
	return plan, nil
}

func runPetabase(ctx context.Context, opts cliOptions, args []string, getenv func(string) string, stdout io.Writer) error {
	plan, err := buildRunPlan(opts, args, getenv)
	if err != nil {
		return err
	}

	logger, err := newLogger(plan.cfg.Log)
	if err != nil {
		return configErrorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("petabase starting",
		zap.String("version", versionString()),
		zap.String("metabase", plan.creds.URL),
		zap.Int("workers", plan.migrate.Workers),
		zap.Bool("dry_run", plan.migrate.DryRun),
		zap.String("catalog_source", plan.cfg.Catalog.Source),
	)

	client := newMetabaseClient(plan.cfg.Metabase, plan.creds, logger)

	var catalog CatalogSource
	if plan.clone && plan.cfg.Catalog.Source != "api" {
		appDB, err := openAppDBCatalog(ctx, plan.cfg.Catalog)
		if err != nil {
			return err
		}
		defer appDB.Close()
		catalog = appDB
	}

	m := newMigrator(client, catalog, plan.migrate, logger)

	var report *MigrationReport
	if plan.clone {
		report, err = m.clone(ctx, plan.sourceID, plan.destination)
	} else {
		report, err = m.setNames(ctx, plan.destination)
	}
	if err != nil {
		logger.Error("migration aborted", zap.Error(err))
		return err
	}

	report.log(logger)
	if err := report.Render(stdout); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	recordJournal(ctx, plan.cfg, report, logger)

	if report.HasFailures() {
		return errCardsFailed
	}
	return nil
}

// recordJournal appends the run to the optional journal. Journal failures
// are logged and never fail the run.
func recordJournal(ctx context.Context, cfg *Config, report *MigrationReport, logger *zap.Logger) {
	if cfg.Journal.Path == "" {
		return
	}
	path := cfg.resolvePath(cfg.Journal.Path)
	j, err := openJournal(ctx, path)
	if err != nil {
		logger.Warn("journal unavailable", zap.String("path", path), zap.Error(err))
		return
	}
	defer j.Close()

	runID, err := j.Record(ctx, report)
	if err != nil {
		logger.Warn("journal write failed", zap.String("path", path), zap.Error(err))
		return
	}
	logger.Debug("run journaled", zap.String("path", path), zap.Int64("run_id", runID))
}
