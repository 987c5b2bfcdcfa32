// Package app assembles the synchronization stack shared by the binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/activitysync/internal/archive"
	"example.com/activitysync/internal/config"
	"example.com/activitysync/internal/jobs"
	persistence "example.com/activitysync/internal/persistence/postgres"
	"example.com/activitysync/internal/reconcile"
	"example.com/activitysync/internal/strava"
)

// stravaScopes grants read access to private activities.
var stravaScopes = []string{"read,activity:read_all"}

// Stack holds the components that run synchronization jobs.
type Stack struct {
	Repository *persistence.Repository
	Jobs       *persistence.JobStore
	Strava     *strava.Client
	Engine     *reconcile.Engine
	Runner     *jobs.Runner
}

// NewStack wires the provider client, the engine and the job runner over pool.
func NewStack(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, logger *slog.Logger) (*Stack, error) {
	repo := persistence.NewRepository(pool)
	jobStore := persistence.NewJobStore(pool)

	opts := []strava.Option{strava.WithLogger(logger)}
	if cfg.Archive.Bucket != "" {
		store, err := archive.New(ctx, archive.Config{
			Bucket:          cfg.Archive.Bucket,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("raw payload archive: %w", err)
		}
		opts = append(opts, strava.WithArchive(store))
		logger.Info("raw payload archive enabled", slog.String("bucket", cfg.Archive.Bucket))
	}

	throttle := strava.NewThrottle(cfg.Strava.RateLimitThreshold, strava.WithThrottleLogger(logger))
	client := strava.New(StravaConfig(cfg.Strava), repo, throttle, opts...)
	engine := reconcile.NewEngine(repo, client, reconcile.WithLogger(logger))
	runner := jobs.NewRunner(jobStore, repo, engine, jobs.RunnerConfig{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
	}, jobs.WithRunnerLogger(logger))

	return &Stack{
		Repository: repo,
		Jobs:       jobStore,
		Strava:     client,
		Engine:     engine,
		Runner:     runner,
	}, nil
}

// StravaConfig maps the provider settings onto the client configuration.
func StravaConfig(cfg config.StravaConfig) strava.Config {
	return strava.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		AuthURL:      cfg.AuthURL,
		TokenURL:     cfg.TokenURL,
		APIBaseURL:   cfg.APIBaseURL,
		Scopes:       stravaScopes,
		PageSize:     cfg.PageSize,
		MaxPages:     cfg.MaxPages,
		HTTPTimeout:  cfg.HTTPTimeout,
	}
}

// TrackerConfig maps the job liveness settings.
func TrackerConfig(cfg config.Config) jobs.TrackerConfig {
	return jobs.TrackerConfig{
		PendingTimeout:   cfg.PendingTimeout,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	}
}
