package outbox

import (
	"context"

	"go.uber.org/zap"
)

// ReplayService 重新投递失败的 Outbox 事件
type ReplayService struct {
	repo   *Repository
	logger *zap.Logger
}

// NewReplayService 创建新的 ReplayService
func NewReplayService(repo *Repository, logger *zap.Logger) *ReplayService {
	return &ReplayService{
		repo:   repo,
		logger: logger,
	}
}

// ListFailedEvents 最近失败的事件
func (s *ReplayService) ListFailedEvents(ctx context.Context, limit int) ([]*Event, error) {
	return s.repo.GetFailedEvents(ctx, limit)
}

// ReplayFailedEvents 把失败事件重新置为 pending，返回被重置的数量
func (s *ReplayService) ReplayFailedEvents(ctx context.Context, limit int) (int64, error) {
	n, err := s.repo.ReplayFailed(ctx, limit)
	if err != nil {
		return 0, err
	}

	s.logger.Info("Re-armed failed outbox events",
		zap.Int64("count", n),
		zap.Int("limit", limit),
	)
	return n, nil
}
