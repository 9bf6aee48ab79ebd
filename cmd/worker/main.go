// Package main runs the recording upload worker: the upload pool, the
// reconciliation schedule and the admin HTTP surface.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-webinar/recording-sync/config"
	"github.com/aura-webinar/recording-sync/internal/admin"
	"github.com/aura-webinar/recording-sync/internal/app"
	"github.com/aura-webinar/recording-sync/internal/reconcile"
	"github.com/aura-webinar/recording-sync/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	logger := newLogger(levelOf(cfg))
	defer logger.Sync()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, true, logger)
	if err != nil {
		logger.Fatal("startup", zap.Error(err))
	}
	defer a.Close()

	sched := scheduler.New("recording-sync", scheduler.Options{ShutdownTimeout: cfg.Upload.ShutdownTimeout}, logger.Named("supervisor"))
	if a.Pool != nil {
		sched.AddService(a.Pool)
	} else {
		logger.Warn("uploads disabled; worker pool not started")
	}
	if cfg.Reconcile.Enabled {
		mustAdd(logger, sched, scheduler.Task{
			Name:       "reconcile",
			Interval:   cfg.Reconcile.Interval,
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				_, err := a.Reconciler.RunCycle(ctx)
				if errors.Is(err, reconcile.ErrCycleRunning) {
					return nil
				}
				return err
			},
		})
		mustAdd(logger, sched, scheduler.Task{
			Name:     "archive",
			Interval: cfg.Reconcile.ArchiveInterval,
			Run: func(ctx context.Context) error {
				_, err := a.Reconciler.Archive(ctx)
				return err
			},
		})
	}
	mustAdd(logger, sched, scheduler.Task{
		Name:       "queue-stats",
		Interval:   time.Minute,
		RunOnStart: true,
		Timeout:    30 * time.Second,
		Run: func(ctx context.Context) error {
			_, err := a.Coordinator.Stats(ctx)
			return err
		},
	})

	deps := admin.Deps{
		Queue:       a.Coordinator,
		Reconciler:  a.Reconciler,
		Recordings:  a.Recordings,
		DeadLetters: a.Notifier,
		Tasks:       sched,
		Checks: map[string]admin.Check{
			"postgres": a.DB.Ping,
			"redis":    func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() },
		},
	}
	if a.Pool != nil {
		deps.Pool = a.Pool
	}
	if a.Storage != nil {
		deps.Presigner = a.Storage
	}
	handler := admin.NewHandler(deps, logger.Named("admin"))
	sched.AddService(admin.NewServer(cfg.Admin.Addr, handler.Router(), cfg.Admin.ReadTimeout, cfg.Admin.WriteTimeout, logger.Named("admin")))

	supCtx, cancelSup := context.WithCancel(context.Background())
	supDone := sched.ServeBackground(supCtx)
	logger.Info("worker started",
		zap.Bool("uploads_enabled", cfg.Upload.Enabled),
		zap.Bool("reconcile_enabled", cfg.Reconcile.Enabled),
		zap.String("admin_addr", cfg.Admin.Addr))

	<-ctx.Done()
	logger.Info("shutdown requested")

	if a.Pool != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Upload.ShutdownTimeout)
		if err := a.Pool.Shutdown(drainCtx); err != nil {
			logger.Warn("uploads still in flight at shutdown", zap.Error(err))
		}
		cancel()
	}
	cancelSup()
	if err := <-supDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("supervisor stopped", zap.Error(err))
	}
	logger.Info("worker stopped")
}

func mustAdd(logger *zap.Logger, s *scheduler.Scheduler, t scheduler.Task) {
	if err := s.Add(t); err != nil {
		logger.Fatal("schedule task", zap.String("task", t.Name), zap.Error(err))
	}
}

func levelOf(cfg *config.Config) string {
	if cfg == nil {
		return "info"
	}
	return cfg.LogLevel
}

func newLogger(level string) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		config.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, _ := config.Build()
	return logger
}
