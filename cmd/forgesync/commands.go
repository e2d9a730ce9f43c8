package main

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drewdunne/forgesync/internal/gitsync"
	"github.com/drewdunne/forgesync/internal/server"
	"github.com/drewdunne/forgesync/internal/store/postgres"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API and webhook server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()

			if interval := a.cfg.Sync.Interval(); interval > 0 {
				scheduler := gitsync.NewScheduler(a.facade, interval, a.logger.Named("scheduler"))
				scheduler.Start(ctx)
				defer scheduler.Stop()
				a.logger.Info("periodic sync enabled", zap.Duration("interval", interval))
			}

			srv := server.New(a.cfg, a.facade, a.logger.Named("server"))
			return srv.ListenAndServe(ctx)
		},
	}
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [repository-id]",
		Short: "Run one reconciliation pass for a repository, or all active repositories",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()

			var (
				out     interface{}
				syncErr error
			)
			if len(args) == 1 {
				out, syncErr = a.facade.SyncRepository(ctx, args[0])
			} else {
				out, syncErr = a.facade.SyncAll(ctx)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			return syncErr
		},
	}
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cfg.Database.Driver != "postgres" {
				return fmt.Errorf("migrate requires the postgres driver, got %q", cfg.Database.Driver)
			}

			ctx := cmd.Context()
			s, err := postgres.Open(ctx, cfg.Database.DSN, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.RunMigrations(ctx); err != nil {
				return err
			}
			names, err := postgres.MigrationNames()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migrations\n", len(names))
			return nil
		},
	}
}
