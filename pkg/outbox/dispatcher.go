package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"newsletter/pkg/metrics"
	"newsletter/pkg/trace"
)

// EventPublisher 把事件投递到消息中间件
type EventPublisher interface {
	PublishWithContext(ctx context.Context, routingKey string, body []byte) error
}

// Dispatcher 负责从 outbox 中读取事件并发布到 MQ
type Dispatcher struct {
	db         *pgxpool.Pool
	repo       *Repository
	publisher  EventPublisher
	logger     *zap.Logger
	maxRetries int
	interval   time.Duration
	batchSize  int
}

// NewDispatcher 创建新的 Dispatcher
func NewDispatcher(
	db *pgxpool.Pool,
	repo *Repository,
	publisher EventPublisher,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		db:         db,
		repo:       repo,
		publisher:  publisher,
		logger:     logger,
		maxRetries: 5,               // 默认最大重试5次
		interval:   1 * time.Second, // 默认每秒扫描一次
		batchSize:  100,             // 默认每次处理100个事件
	}
}

// WithMaxRetries 设置最大重试次数
func (d *Dispatcher) WithMaxRetries(maxRetries int) *Dispatcher {
	d.maxRetries = maxRetries
	return d
}

// WithInterval 设置扫描间隔
func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	d.interval = interval
	return d
}

// WithBatchSize 设置批次大小
func (d *Dispatcher) WithBatchSize(batchSize int) *Dispatcher {
	d.batchSize = batchSize
	return d
}

// Start 启动 Dispatcher，阻塞直到 ctx 结束
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting Outbox Dispatcher",
		zap.Int("max_retries", d.maxRetries),
		zap.Duration("interval", d.interval),
		zap.Int("batch_size", d.batchSize),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Outbox Dispatcher stopped")
			return
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("Failed to dispatch outbox events", zap.Error(err))
			}
		}
	}
}

// DispatchOnce 在一个事务中处理一批事件，返回发布成功的数量
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	tx, err := d.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	events, err := d.repo.ClaimPending(ctx, tx, d.batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	sent := 0
	for _, event := range events {
		if err := d.publishEvent(ctx, event); err != nil {
			d.logger.Warn("Failed to publish event",
				zap.Int64("event_id", event.ID),
				zap.String("routing_key", event.RoutingKey),
				zap.Int("retry_count", event.RetryCount),
				zap.Error(err),
			)
			metrics.IncrementOutboxDispatched("failed")

			if err := d.repo.MarkAsFailed(ctx, tx, event, d.maxRetries); err != nil {
				return sent, err
			}
			if event.Status == StatusFailed {
				d.logger.Error("Outbox event exhausted retries",
					zap.Int64("event_id", event.ID),
					zap.String("routing_key", event.RoutingKey),
				)
			}
			continue
		}

		if err := d.repo.Delete(ctx, tx, event.ID); err != nil {
			return sent, err
		}
		metrics.IncrementOutboxDispatched("sent")
		sent++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit outbox batch: %w", err)
	}

	d.logger.Debug("Outbox batch dispatched",
		zap.Int("claimed", len(events)),
		zap.Int("sent", sent),
	)
	return sent, nil
}

// publishEvent 发布单个事件到 MQ，payload 中的 trace_id 会被带上
func (d *Dispatcher) publishEvent(ctx context.Context, event *Event) error {
	ctx = withPayloadTraceID(ctx, event.Payload)
	return d.publisher.PublishWithContext(ctx, event.RoutingKey, event.Payload)
}

// withPayloadTraceID 从 payload 中提取 trace_id（如果存在）
func withPayloadTraceID(ctx context.Context, payload json.RawMessage) context.Context {
	var envelope struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.TraceID == "" {
		return ctx
	}
	return trace.WithContext(ctx, envelope.TraceID)
}
