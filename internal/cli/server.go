package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-idp/pipeline/internal/api"
	"github.com/go-idp/pipeline/internal/config"
	"github.com/go-idp/pipeline/internal/engine"
	"github.com/go-idp/pipeline/internal/executor"
	"github.com/go-idp/pipeline/internal/store"
)

func newServerCommand(a *app) *cobra.Command {
	cfg := a.cfg

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve the pipeline API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.logLevel != "" {
				cfg.LogLevel = config.ParseLogLevel(a.logLevel)
			}
			return serve(cmd.Context(), cfg, a)
		},
	}

	cmd.Flags().StringVar(&cfg.ListenAddr, "addr", cfg.ListenAddr, "Listen address")
	cmd.Flags().IntVar(&cfg.MaxConcurrency, "max-concurrency", cfg.MaxConcurrency, "Maximum steps running at once within a run")
	cmd.Flags().IntVar(&cfg.MaxRuns, "max-runs", cfg.MaxRuns, "Maximum runs executing at once")
	cmd.Flags().StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	cmd.Flags().StringVar(&cfg.Username, "username", cfg.Username, "Basic auth username (empty disables auth)")
	cmd.Flags().StringVar(&cfg.Password, "password", cfg.Password, "Basic auth password")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, a *app) error {
	logger := config.NewLogger(a.stdout, cfg.LogLevel)

	logger.Info("pipeline: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"max_runs", cfg.MaxRuns,
		"max_concurrency", cfg.MaxConcurrency,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	builder, x := newBuilder(cfg,
		executor.WithMaxConcurrency(cfg.MaxConcurrency),
		executor.WithLogger(logger),
	)
	eng := engine.New(db, builder, x, logger, engine.WithMaxRuns(cfg.MaxRuns))
	n, err := eng.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Warn("marked unfinished runs interrupted", "count", n)
	}

	srv := api.NewServer(cfg.ListenAddr, eng, logger, api.WithBasicAuth(cfg.Username, cfg.Password))
	return srv.Run(ctx)
}
