// Package app assembles the ledger, queue, storage and reconciliation
// components from configuration. Both binaries share it.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/aura-webinar/recording-sync/config"
	"github.com/aura-webinar/recording-sync/internal/mediainfo"
	"github.com/aura-webinar/recording-sync/internal/metrics"
	"github.com/aura-webinar/recording-sync/internal/pathresolver"
	"github.com/aura-webinar/recording-sync/internal/reconcile"
	"github.com/aura-webinar/recording-sync/internal/recordings"
	"github.com/aura-webinar/recording-sync/internal/retry"
	"github.com/aura-webinar/recording-sync/internal/uploadqueue"
	"github.com/aura-webinar/recording-sync/internal/worker"
	"github.com/aura-webinar/recording-sync/pkg/database"
	"github.com/aura-webinar/recording-sync/pkg/queue"
	"github.com/aura-webinar/recording-sync/pkg/redis"
	"github.com/aura-webinar/recording-sync/pkg/storage"
)

// App holds the wired components. Storage and Pool are nil when uploads are disabled.
type App struct {
	DB          *pgxpool.Pool
	Redis       *redis.Client
	Storage     *storage.S3
	Recordings  *recordings.Repository
	Locator     *pathresolver.Locator
	Notifier    *queue.Notifier
	Coordinator *uploadqueue.Coordinator
	Reconciler  *reconcile.Engine
	Pool        *worker.Pool
}

// New connects to Postgres, Redis and S3 and builds every component.
// withPool controls whether the upload worker pool is created.
func New(ctx context.Context, cfg *config.Config, withPool bool, logger *zap.Logger) (*App, error) {
	a := &App{}
	var err error

	a.DB, err = database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{
		MaxConns:        int32(cfg.Database.MaxConns),
		MinConns:        int32(cfg.Database.MinConns),
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, a.DB, logger); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	a.Redis, err = redis.NewClient(ctx, redis.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}

	if cfg.AWS.RecordingsBucket != "" {
		a.Storage, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			Endpoint:             cfg.AWS.Endpoint,
			Bucket:               cfg.AWS.RecordingsBucket,
			UsePathStyle:         cfg.AWS.UsePathStyle,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
			PartSize:             int64(cfg.AWS.PartSizeMB) * 1024 * 1024,
			UploadConcurrency:    cfg.AWS.PartConcurrency,
			BreakerFailures:      uint32(cfg.AWS.BreakerFailures),
			BreakerCooldown:      cfg.AWS.BreakerCooldown,
			OnBreakerChange:      metrics.SetBreakerState,
		}, logger.Named("s3"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("s3: %w", err)
		}
	}

	a.Recordings = recordings.NewRepository(a.DB)
	layout := pathresolver.Layout{
		Root:         cfg.Storage.RecordingsPath,
		AltRoots:     cfg.Storage.AltRoots,
		RemotePrefix: cfg.AWS.RemotePrefix,
	}
	a.Locator = pathresolver.New(layout, a.Recordings, logger.Named("locator"))
	a.Notifier = queue.NewNotifier(a.Redis.Client, logger)

	policy := retry.NewPolicy(cfg.Upload.BackoffBase, cfg.Upload.BackoffCeiling, cfg.Upload.MaxRetries)
	a.Coordinator = uploadqueue.New(a.Recordings, a.Locator, policy, a.Notifier, uploadqueue.Options{}, logger.Named("queue"))

	rc := cfg.Reconcile
	a.Reconciler = reconcile.New(
		a.Recordings,
		a.Coordinator,
		a.Locator,
		mediainfo.NewProber(cfg.Storage.FFProbePath),
		queue.NewAttemptCounter(a.Redis.Client, rc.OrphanAttemptTTL),
		reconcile.Options{
			UploadsEnabled:          cfg.Upload.Enabled,
			StuckUploadThreshold:    rc.StuckUploadThreshold,
			StuckRecordingThreshold: rc.StuckRecordingThreshold,
			MissedEnqueueGrace:      rc.MissedEnqueueGrace,
			OrphanMatchWindow:       rc.OrphanMatchWindow,
			OrphanMinAge:            rc.OrphanMinAge,
			OrphanMaxAttempts:       rc.OrphanMaxAttempts,
			MaxDurationEstimate:     rc.MaxDurationEstimate,
			ArchiveAfter:            rc.ArchiveAfter,
			BatchSize:               rc.BatchSize,
		},
		logger.Named("reconcile"),
	)
	if a.Storage != nil {
		a.Reconciler.SetObjectStore(a.Storage)
	}

	if withPool && cfg.Upload.Enabled && a.Storage != nil {
		processor := worker.NewRecordingProcessor(a.Coordinator, a.Locator, a.Storage, cfg.Upload.ProgressInterval, logger.Named("upload"))
		a.Pool = worker.NewPool(a.Coordinator, processor, a.Notifier, worker.Options{
			Concurrency:  cfg.Upload.Concurrency,
			PollInterval: cfg.Upload.PollInterval,
			MaxIdle:      cfg.Upload.MaxIdle,
		}, logger.Named("pool"))
	}
	return a, nil
}

// Ping checks Postgres and Redis.
func (a *App) Ping(ctx context.Context) error {
	if err := a.DB.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// Close releases connections.
func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
