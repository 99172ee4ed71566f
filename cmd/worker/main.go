package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fresco-retail/fresco/internal/app"
	"github.com/fresco-retail/fresco/internal/batch"
	"github.com/fresco-retail/fresco/internal/campaign"
	"github.com/fresco-retail/fresco/internal/catalog"
	"github.com/fresco-retail/fresco/internal/platform/cache"
	"github.com/fresco-retail/fresco/internal/platform/db"
	"github.com/fresco-retail/fresco/internal/pricing"
	"github.com/fresco-retail/fresco/internal/shared"
	"github.com/fresco-retail/fresco/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	clock := func() time.Time { return time.Now().UTC() }

	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)
	batchRepo := batch.NewRepository(pool)
	batchService := batch.NewService(batchRepo, auditLogger, logger, clock)

	catalogRepo := catalog.NewRepository(pool)
	pricingRepo := pricing.NewRepository(pool)
	priceRecorder := pricing.NewRecorder(pricingRepo, logger, clock)

	applyLock := campaign.NewApplyLock(redisClient, cfg.ApplyLockTTL)
	campaignRepo := campaign.NewRepository(pool)
	campaignService := campaign.NewService(campaignRepo, batchService, catalogRepo, priceRecorder, applyLock, logger, clock)

	sweepJob := jobs.NewExpirySweepJob(batchService, logger, nil)
	reapplyJob := jobs.NewCampaignReapplyJob(campaignService, logger, nil)
	cleanupJob := jobs.NewIdempotencyCleanupJob(idempotencyStore, logger, nil)

	sweepTask, err := jobs.NewExpirySweepTask(time.Now().UTC())
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	reapplyTask, err := jobs.NewCampaignReapplyTask(0)
	if err != nil {
		logger.Error("build reapply task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(cfg.IdempotencyRetention)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskExpirySweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskCampaignReapply, Handler: reapplyJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.SweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.ReapplyCron, Task: reapplyTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.CleanupCron, Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
