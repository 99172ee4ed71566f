package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fresco-retail/fresco/internal/allocation"
	"github.com/fresco-retail/fresco/internal/app"
	"github.com/fresco-retail/fresco/internal/batch"
	"github.com/fresco-retail/fresco/internal/campaign"
	"github.com/fresco-retail/fresco/internal/catalog"
	"github.com/fresco-retail/fresco/internal/observability"
	"github.com/fresco-retail/fresco/internal/platform/cache"
	"github.com/fresco-retail/fresco/internal/platform/db"
	"github.com/fresco-retail/fresco/internal/pricing"
	"github.com/fresco-retail/fresco/internal/shared"
	"github.com/fresco-retail/fresco/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
		logger.Error("connect postgres", slog.Any("error", err))
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

	queueClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init queue client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)

	batchRepo := batch.NewRepository(pool)
	batchService := batch.NewService(batchRepo, auditLogger, logger, clock)
	batchHandler := batch.NewHandler(logger, batchService, queueClient)

	catalogRepo := catalog.NewRepository(pool)

	allocationService := allocation.NewService(batchRepo, batchService, idempotencyStore, logger, clock)
	allocationHandler := allocation.NewHandler(logger, allocationService, catalogRepo)

	pricingRepo := pricing.NewRepository(pool)
	priceRecorder := pricing.NewRecorder(pricingRepo, logger, clock)
	pricingHandler := pricing.NewHandler(logger, priceRecorder)

	applyLock := campaign.NewApplyLock(redisClient, cfg.ApplyLockTTL)
	campaignRepo := campaign.NewRepository(pool)
	campaignService := campaign.NewService(campaignRepo, batchService, catalogRepo, priceRecorder, applyLock, logger, clock)
	campaignHandler := campaign.NewHandler(logger, campaignService, queueClient)

	metrics := observability.NewMetrics()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		Metrics:           metrics,
		BatchHandler:      batchHandler,
		AllocationHandler: allocationHandler,
		CampaignHandler:   campaignHandler,
		PricingHandler:    pricingHandler,
		JobHandler:        jobHandler,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
