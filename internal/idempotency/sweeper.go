package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"newsletter/pkg/metrics"
)

// Sweeper 定期删除超过保留期的幂等记录
type Sweeper struct {
	db        *pgxpool.Pool
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger
}

func NewSweeper(db *pgxpool.Pool, retention, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		db:        db,
		retention: retention,
		interval:  interval,
		logger:    logger,
	}
}

// DeleteExpired 删除 created_at 早于 now() - retention 的记录
func (s *Sweeper) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM idempotency
		WHERE created_at < NOW() - make_interval(secs => $1::float8)
	`, s.retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Run 先清理一次再按间隔循环，出错只记录日志
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("Starting idempotency sweeper",
		zap.Duration("retention", s.retention),
		zap.Duration("interval", s.interval),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Idempotency sweeper stopped")
			return
		case <-timer.C:
		}

		deleted, err := s.DeleteExpired(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			s.logger.Error("Failed to sweep idempotency keys", zap.Error(err))
		case deleted > 0:
			metrics.AddIdempotencyExpired(deleted)
			s.logger.Info("Swept expired idempotency keys", zap.Int64("deleted", deleted))
		}

		timer.Reset(s.interval)
	}
}
