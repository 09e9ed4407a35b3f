package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"newsletter/config"
	"newsletter/internal/emailclient"
	"newsletter/internal/handler"
	"newsletter/internal/httpserver"
	"newsletter/internal/idempotency"
	"newsletter/internal/repository"
	"newsletter/internal/service/delivery"
	"newsletter/internal/service/newsletter"
	"newsletter/pkg/circuitbreaker"
	"newsletter/pkg/db"
	"newsletter/pkg/logger"
	"newsletter/pkg/mq"
	"newsletter/pkg/otel"
	"newsletter/pkg/outbox"
	redisclient "newsletter/pkg/redis"
	"newsletter/pkg/util"
)

func main() {
	cfg := config.Load()

	log := logger.NewLoggerWithLevel(cfg.Log.Level)
	defer log.Sync()

	shutdownTracing, err := otel.Init(cfg.Otel, log)
	if err != nil {
		log.Fatal("Failed to init tracing", zap.Error(err))
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	// Redis 只做幂等响应的读缓存和投递去重，连不上时退回纯 Postgres
	var (
		cache idempotency.ResponseCache
		guard delivery.AttemptGuard
	)
	if cfg.Idempotency.CacheEnabled || cfg.Delivery.DedupEnabled {
		rdb, err := redisclient.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			log.Warn("Redis unavailable, idempotency cache and delivery dedup disabled", zap.Error(err))
		} else {
			defer rdb.Close()
			if cfg.Idempotency.CacheEnabled {
				cache = idempotency.NewRedisCache(rdb, cfg.Idempotency.Retention, log)
			}
			if cfg.Delivery.DedupEnabled {
				guard = util.NewDeduper(rdb, cfg.Delivery.DedupTTL, log)
			}
		}
	}

	// Repositories
	issueRepo := repository.NewIssueRepository(dbConn)
	queueRepo := repository.NewDeliveryQueueRepository(dbConn)

	// Outbox（可选）
	var (
		outboxRepo   *outbox.Repository
		adminHandler *handler.AdminHandler
		dispatcher   *outbox.Dispatcher
	)
	if cfg.MQ.Enabled {
		publisher, err := mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			log.Fatal("Failed to init MQ publisher", zap.Error(err))
		}
		defer publisher.Close()

		outboxRepo = outbox.NewRepository(dbConn)
		dispatcher = outbox.NewDispatcher(dbConn, outboxRepo, publisher, log)
		adminHandler = handler.NewAdminHandler(outbox.NewReplayService(outboxRepo, log), log)
	}

	// Services
	ledger := idempotency.NewLedger(dbConn, cache, cfg.Idempotency.ReservationTimeout, log)
	newsletterService := newsletter.NewService(ledger, issueRepo, queueRepo, outboxRepo, log)

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

	// Background loops
	var wg sync.WaitGroup
	runLoop := func(run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}
	runLoop(pool.Run)
	runLoop(sweeper.Run)
	if dispatcher != nil {
		runLoop(dispatcher.Start)
	}

	// HTTP
	newsletterHandler := handler.NewNewsletterHandler(newsletterService, time.Second, log)
	router := httpserver.NewRouter(newsletterHandler, adminHandler, cfg.JWT.Secret, dbConn, log)

	srv := &http.Server{
		Addr:    cfg.Server.Port,
		Handler: router.Engine,
	}
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	log.Info("newsletter api is running",
		zap.Int("delivery_workers", pool.Size()),
		zap.Bool("mq_enabled", cfg.MQ.Enabled),
		zap.Bool("idempotency_cache", cache != nil),
		zap.Bool("delivery_dedup", guard != nil),
	)

	<-ctx.Done()
	log.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}

	// 等待 worker 完成当前任务，事务提交或回滚后再关闭连接池
	wg.Wait()
	log.Info("newsletter api shutdown complete")
}
