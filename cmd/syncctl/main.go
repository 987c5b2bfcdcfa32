// Command syncctl runs maintenance tasks against the activitysync database.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"example.com/activitysync/internal/app"
	"example.com/activitysync/internal/config"
	"example.com/activitysync/internal/domain"
	"example.com/activitysync/internal/jobs"
	"example.com/activitysync/internal/migrations"
	"example.com/activitysync/internal/observability"
	persistence "example.com/activitysync/internal/persistence/postgres"
	"example.com/activitysync/internal/reconcile"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type options struct {
	configPath string
	cfg        config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "syncctl",
		Short:        "Operate the activitysync database and jobs",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(opts.configPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.logger = observability.NewLoggerTo(cmd.ErrOrStderr(), cfg.LogLevel)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML file overriding environment settings")

	root.AddCommand(
		newMigrateCmd(opts),
		newSyncCmd(opts),
		newStatusCmd(opts),
		newPruneCmd(opts),
	)
	return root
}

func newMigrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := migrations.Up(ctx, opts.cfg.PostgresURL); err != nil {
				return err
			}
			version, err := migrations.Version(ctx, opts.cfg.PostgresURL)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
			return nil
		},
	}
}

func newSyncCmd(opts *options) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one synchronization for a user and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := pgxpool.New(ctx, opts.cfg.PostgresURL)
			if err != nil {
				return fmt.Errorf("connect to postgres: %w", err)
			}
			defer pool.Close()

			stack, err := app.NewStack(ctx, opts.cfg, pool, opts.logger)
			if err != nil {
				return err
			}
			user, err := stack.Repository.GetUser(ctx, email)
			if err != nil {
				return fmt.Errorf("load user %s: %w", email, err)
			}

			progress := reconcile.ProgressFunc(func(_ context.Context, p domain.Progress) {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s (%d/%d)\n", p.Status, p.Current, p.Total)
			})
			result, err := stack.Engine.Synchronize(ctx, user, progress)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email of the connected user")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print the status view of a synchronization job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJobs(cmd.Context(), opts, func(store domain.JobRepository) error {
				job, err := store.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), jobs.NewStatusView(job))
			})
		},
	}
}

func newPruneCmd(opts *options) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune-jobs",
		Short: "Delete finished jobs older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("older-than") {
				olderThan = opts.cfg.JobRetention
			}
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			return withJobs(cmd.Context(), opts, func(store domain.JobRepository) error {
				removed, err := store.PruneFinished(cmd.Context(), time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d jobs\n", removed)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age of finished jobs to delete (defaults to JOB_RETENTION)")
	return cmd
}

func withJobs(ctx context.Context, opts *options, fn func(domain.JobRepository) error) error {
	pool, err := pgxpool.New(ctx, opts.cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()
	return fn(persistence.NewJobStore(pool))
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
