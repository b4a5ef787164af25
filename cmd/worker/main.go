package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/studioledger/studioledger/internal/aging"
	"github.com/studioledger/studioledger/internal/app"
	"github.com/studioledger/studioledger/internal/documents"
	jobmetrics "github.com/studioledger/studioledger/internal/jobs"
	"github.com/studioledger/studioledger/internal/payments"
	"github.com/studioledger/studioledger/internal/periods"
	"github.com/studioledger/studioledger/internal/platform/db"
	"github.com/studioledger/studioledger/internal/sequence"
	"github.com/studioledger/studioledger/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}

	metrics := jobmetrics.NewMetrics(nil)

	sequenceService := sequence.NewService(sequence.NewRepository(pool), logger)
	sequenceService.WithPadding(cfg.SequencePad)
	sequenceService.WithMaxAttempts(cfg.TxMaxAttempts)

	documentRepo := documents.NewRepository(pool)
	periodService := periods.NewService(periods.NewRepository(pool), documentRepo, payments.NewRepository(pool), sequenceService, logger)
	periodService.WithMaxAttempts(cfg.TxMaxAttempts)
	documentService := documents.NewService(documentRepo, sequenceService, periodService, logger)
	documentService.WithMaxAttempts(cfg.TxMaxAttempts)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	mailClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := mailClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	sweepJob := jobs.NewOverdueSweepJob(documentRepo, documentService, aging.NewCache(redisClient, cfg.AgingCacheTTL), logger, metrics)
	healthJob := jobs.NewPeriodHealthJob(documentRepo, periodService, logger, metrics)
	notifyJob := jobs.NewDocumentNotifyJob(mailClient, cfg.NotifyFrom, cfg.NotifyLocale, logger, metrics)

	sweepTask, err := jobs.NewOverdueSweepTask("")
	if err != nil {
		logger.Error("build overdue sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	healthTask, err := jobs.NewPeriodHealthTask(jobs.PeriodHealthPayload{})
	if err != nil {
		logger.Error("build period health task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskOverdueSweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskPeriodHealth, Handler: healthJob.Handle},
			{Type: jobs.TaskDocumentNotify, Handler: notifyJob.Handle},
			{Type: jobs.TaskTypeSendEmail, Handler: jobs.SendEmailHandler(jobs.LogMailer{Logger: logger})},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.OverdueSweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.PeriodCheckCron, Task: healthTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
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
