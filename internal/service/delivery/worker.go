package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"newsletter/internal/domain"
	"newsletter/internal/emailclient"
	"newsletter/internal/model"
	"newsletter/internal/repository"
	"newsletter/pkg/config"
	"newsletter/pkg/metrics"
	"newsletter/pkg/otel"
	"newsletter/pkg/util"
)

// ExecutionOutcome 一次 TryExecuteTask 的结果
type ExecutionOutcome int

const (
	TaskCompleted ExecutionOutcome = iota
	EmptyQueue
)

func (o ExecutionOutcome) String() string {
	switch o {
	case TaskCompleted:
		return "task_completed"
	case EmptyQueue:
		return "empty_queue"
	default:
		return "unknown"
	}
}

// EmailSender 发送一封邮件
type EmailSender interface {
	SendEmail(ctx context.Context, recipient domain.SubscriberEmail, subject, htmlBody, textBody string) error
}

// AttemptGuard 跨进程记录某个收件人是否已经尝试过投递
type AttemptGuard interface {
	AcquireOnce(ctx context.Context, scope, id string) bool
	Release(ctx context.Context, scope, id string)
}

// Worker 从 issue_delivery_queue 中取任务并投递
type Worker struct {
	id                int
	db                *pgxpool.Pool
	queue             *repository.DeliveryQueueRepository
	issues            *repository.IssueRepository
	sender            EmailSender
	guard             AttemptGuard
	emptyQueueBackoff time.Duration
	errorBackoff      time.Duration
	logger            *zap.Logger
}

func NewWorker(
	id int,
	db *pgxpool.Pool,
	queue *repository.DeliveryQueueRepository,
	issues *repository.IssueRepository,
	sender EmailSender,
	cfg config.DeliveryConfig,
	logger *zap.Logger,
) *Worker {
	return &Worker{
		id:                id,
		db:                db,
		queue:             queue,
		issues:            issues,
		sender:            sender,
		emptyQueueBackoff: cfg.EmptyQueueBackoff,
		errorBackoff:      cfg.ErrorBackoff,
		logger:            logger.With(zap.Int("worker_id", id)),
	}
}

// WithAttemptGuard 发送前先登记，任务在发送后、提交前崩溃被重新认领时不会重复发送
func (w *Worker) WithAttemptGuard(g AttemptGuard) *Worker {
	w.guard = g
	return w
}

// TryExecuteTask 认领一个任务，最多尝试发送一次，然后删除任务。
// 认领、删除在同一个事务里，崩溃时事务回滚，任务会被其他 worker 重新认领。
// 邮件服务熔断时不删除任务，返回错误由 Run 退避重试。
func (w *Worker) TryExecuteTask(ctx context.Context) (ExecutionOutcome, error) {
	ctx, span := otel.StartSpan(ctx, "delivery.try_execute_task")
	defer span.End()

	tx, err := w.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	task, err := w.queue.Claim(ctx, tx)
	if err != nil {
		return 0, err
	}
	if task == nil {
		if err := tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("failed to commit empty claim: %w", err)
		}
		return EmptyQueue, nil
	}

	span.SetAttributes(
		attribute.String("newsletter_issue_id", task.NewsletterIssueID.String()),
		attribute.String("subscriber_email", task.SubscriberEmail),
	)
	log := w.logger.With(
		zap.String("newsletter_issue_id", task.NewsletterIssueID.String()),
		zap.String("subscriber_email", task.SubscriberEmail),
	)

	email, err := domain.ParseSubscriberEmail(task.SubscriberEmail)
	if err != nil {
		log.Error("Skipping a confirmed subscriber. Their stored contact details are invalid", zap.Error(err))
		metrics.IncrementDeliveryAttempt("invalid_recipient")
	} else {
		issue, err := w.issues.Get(ctx, tx, task.NewsletterIssueID)
		if err != nil {
			return 0, err
		}
		if err := w.deliver(ctx, log, issue, email); err != nil {
			return 0, err
		}
	}

	if err := w.queue.Delete(ctx, tx, task); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit delivery task: %w", err)
	}
	return TaskCompleted, nil
}

// deliver 只有在邮件服务熔断时返回错误，此时任务保留在队列中
func (w *Worker) deliver(ctx context.Context, log *zap.Logger, issue *model.NewsletterIssue, email domain.SubscriberEmail) error {
	scope := issue.ID.String()
	if w.guard != nil && !w.guard.AcquireOnce(ctx, scope, email.String()) {
		log.Warn("Delivery already attempted for this subscriber. Skipping")
		metrics.IncrementDeliveryAttempt("duplicate")
		return nil
	}

	err := w.sender.SendEmail(ctx, email, issue.Title, issue.HTMLContent, issue.TextContent)
	switch {
	case err == nil:
		log.Debug("Newsletter issue delivered")
		metrics.IncrementDeliveryAttempt("sent")
	case errors.Is(err, emailclient.ErrUnavailable):
		if w.guard != nil {
			w.guard.Release(ctx, scope, email.String())
		}
		return err
	default:
		_, errType := util.IsRetryableError(err)
		log.Error("Failed to deliver issue to a confirmed subscriber. Skipping",
			zap.String("error_type", errType),
			zap.Error(err),
		)
		metrics.IncrementDeliveryAttempt("failed")
	}
	return nil
}

// Run 循环执行任务直到 ctx 结束，临时错误不会让循环退出。
// ctx 只在两轮之间检查，进行中的一轮不会因为关闭而中断，发送由邮件客户端超时兜底。
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("Delivery worker started")
	defer w.logger.Info("Delivery worker stopped")

	iterCtx := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			return
		}

		outcome, err := w.TryExecuteTask(iterCtx)
		if err != nil {
			metrics.IncrementWorkerIteration("error")
			_, errType := util.IsRetryableError(err)
			w.logger.Warn("Delivery attempt failed, backing off",
				zap.Duration("backoff", w.errorBackoff),
				zap.String("error_type", errType),
				zap.Error(err),
			)
		} else {
			metrics.IncrementWorkerIteration(outcome.String())
		}

		if !sleep(ctx, w.nextDelay(outcome, err)) {
			return
		}
	}
}

// nextDelay 空队列长退避，出错短退避，完成任务立即继续
func (w *Worker) nextDelay(outcome ExecutionOutcome, err error) time.Duration {
	switch {
	case err != nil:
		return w.errorBackoff
	case outcome == EmptyQueue:
		return w.emptyQueueBackoff
	default:
		return 0
	}
}

// sleep 返回 false 表示 ctx 已结束
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
