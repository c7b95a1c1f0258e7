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

	"github.com/meridian-erp/meridian-erp/internal/app"
	"github.com/meridian-erp/meridian-erp/internal/batch"
	"github.com/meridian-erp/meridian-erp/internal/costing"
	costinghttp "github.com/meridian-erp/meridian-erp/internal/costing/http"
	"github.com/meridian-erp/meridian-erp/internal/observability"
	"github.com/meridian-erp/meridian-erp/internal/platform/cache"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/procurement"
	"github.com/meridian-erp/meridian-erp/internal/shared"
	"github.com/meridian-erp/meridian-erp/internal/stocktake"
	"github.com/meridian-erp/meridian-erp/internal/valuation"
	"github.com/meridian-erp/meridian-erp/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	batchRepo := batch.NewRepository(pool)
	costingRepo := costing.NewRepository(pool)
	procurementRepo := procurement.NewRepository(pool)
	stocktakeRepo := stocktake.NewRepository(pool)

	auditLogger := shared.NewAuditLogger(pool)
	procurementService := procurement.NewService(procurementRepo, auditLogger)
	snapshotCache := valuation.NewCache(redisClient, cfg.SnapshotCacheTTL)
	valuationService := valuation.NewService(costingRepo, stocktakeRepo, procurementRepo, snapshotCache)

	syncClient := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := syncClient.Close(); err != nil {
			logger.Warn("asynq client close", slog.Any("error", err))
		}
	}()

	defaults := costing.RestoreRatios{
		Return:     cfg.ReturnRatio,
		Credit:     cfg.CreditRatio,
		Chargeback: cfg.ChargebackRatio,
	}
	if err := defaults.Validate(); err != nil {
		logger.Error("invalid default ratios", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	costingHandler := costinghttp.NewHandler(logger, syncClient, batchRepo, defaults)
	valuationHandler := valuation.NewHandler(logger, valuationService, cfg.SnapshotRateLimit, cfg.SnapshotRateWindow)
	procurementHandler := procurement.NewHandler(logger, procurementService)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		CostingHandler:     costingHandler,
		ValuationHandler:   valuationHandler,
		ProcurementHandler: procurementHandler,
		Metrics:            metrics,
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
		logger.Error("server shutdown", slog.Any("error", err))
	}
}
