package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/studioledger/studioledger/internal/aging"
	"github.com/studioledger/studioledger/internal/app"
	"github.com/studioledger/studioledger/internal/documents"
	"github.com/studioledger/studioledger/internal/observability"
	"github.com/studioledger/studioledger/internal/payments"
	"github.com/studioledger/studioledger/internal/periods"
	"github.com/studioledger/studioledger/internal/platform/cache"
	"github.com/studioledger/studioledger/internal/platform/db"
	"github.com/studioledger/studioledger/internal/rbac"
	"github.com/studioledger/studioledger/internal/sequence"
	"github.com/studioledger/studioledger/internal/shared"
	"github.com/studioledger/studioledger/jobs"
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	var redisClient *redis.Client
	if client, err := cache.New(ctx, cfg.RedisAddr); err != nil {
		logger.Warn("redis unavailable, aging reports are not cached", slog.Any("error", err))
	} else {
		redisClient = client
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()
	ledgerMetrics := metrics.Ledger()
	validate := validator.New()
	rbacService := rbac.NewService()
	rbacMiddleware := rbac.Middleware{Service: rbacService, Logger: logger}
	auditLogger := shared.NewAuditLogger(dbpool)

	sequenceRepo := sequence.NewRepository(dbpool)
	sequenceService := sequence.NewService(sequenceRepo, logger)
	sequenceService.WithPadding(cfg.SequencePad)
	sequenceService.WithMaxAttempts(cfg.TxMaxAttempts)
	sequenceService.WithMetrics(ledgerMetrics)

	documentRepo := documents.NewRepository(dbpool)
	paymentRepo := payments.NewRepository(dbpool)

	periodRepo := periods.NewRepository(dbpool)
	periodService := periods.NewService(periodRepo, documentRepo, paymentRepo, sequenceService, logger)
	periodService.WithMaxAttempts(cfg.TxMaxAttempts)
	periodService.WithMetrics(ledgerMetrics)
	periodService.WithAudit(auditLogger)

	documentService := documents.NewService(documentRepo, sequenceService, periodService, logger)
	documentService.WithDueDays(cfg.DefaultDueDays)
	documentService.WithMaxAttempts(cfg.TxMaxAttempts)
	documentService.WithMetrics(ledgerMetrics)

	paymentService := payments.NewService(paymentRepo, documentService, periodService, logger)
	paymentService.WithMaxAttempts(cfg.TxMaxAttempts)
	paymentService.WithMetrics(ledgerMetrics)

	agingCache := aging.NewCache(redisClient, cfg.AgingCacheTTL)
	agingService := aging.NewService(documentService, agingCache, logger)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		DocumentHandler:    documents.NewHandler(logger, documentService, validate, rbacMiddleware, jobClient),
		PaymentHandler:     payments.NewHandler(logger, paymentService, validate, rbacMiddleware),
		PeriodHandler:      periods.NewHandler(logger, periodService, validate, rbacMiddleware),
		AgingHandler:       aging.NewHandler(logger, agingService, rbacMiddleware),
		AgingCache:         agingCache,
		JobHandler:         jobs.NewHandler(inspector, logger),
		PermissionsHandler: rbac.NewPermissionsHandler(logger, rbacService, rbacMiddleware),
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
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
