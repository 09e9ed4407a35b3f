package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"newsletter/config"
	"newsletter/internal/emailclient"
	"newsletter/internal/idempotency"
	"newsletter/internal/repository"
	"newsletter/internal/service/delivery"
	"newsletter/pkg/circuitbreaker"
	"newsletter/pkg/db"
	"newsletter/pkg/logger"
	"newsletter/pkg/otel"
	redisclient "newsletter/pkg/redis"
	"newsletter/pkg/util"
)

// 独立的投递进程，可以和 API 进程一起水平扩展，任务协调完全依赖 Postgres 行锁
func main() {
	cfg := config.Load()

	log := logger.NewLoggerWithLevel(cfg.Log.Level)
	defer log.Sync()

	log.Info("Starting delivery worker...",
		zap.String("db_host", cfg.DB.Host),
		zap.Int("workers", cfg.Delivery.Workers),
	)

	shutdownTracing, err := otel.Init(cfg.Otel, log)
	if err != nil {
		log.Fatal("Failed to init tracing", zap.Error(err))
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	issueRepo := repository.NewIssueRepository(dbConn)
	queueRepo := repository.NewDeliveryQueueRepository(dbConn)

	var guard delivery.AttemptGuard
	if cfg.Delivery.DedupEnabled {
		rdb, err := redisclient.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			log.Warn("Redis unavailable, delivery dedup disabled", zap.Error(err))
		} else {
			defer rdb.Close()
			guard = util.NewDeduper(rdb, cfg.Delivery.DedupTTL, log)
		}
	}

	emailClient, err := emailclient.New(cfg.EmailClient, circuitbreaker.DefaultConfig(), log)
	if err != nil {
		log.Fatal("Failed to init email client", zap.Error(err))
	}

	pool := delivery.NewPool(cfg.Delivery.Workers, func(id int) *delivery.Worker {
		w := delivery.NewWorker(id, dbConn, queueRepo, issueRepo, emailClient, cfg.Delivery, log)
		if guard != nil {
			w.WithAttemptGuard(guard)
		}
		return w
	}, log)
	sweeper := idempotency.NewSweeper(dbConn, cfg.Idempotency.Retention, cfg.Idempotency.SweepInterval, log)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	<-ctx.Done()
	log.Info("Shutting down delivery worker gracefully...")
	wg.Wait()
	log.Info("delivery worker shutdown complete")
}
