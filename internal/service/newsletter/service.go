package newsletter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	contracts "newsletter/contracts/mq"
	"newsletter/internal/idempotency"
	"newsletter/internal/model"
	"newsletter/internal/repository"
	"newsletter/pkg/logger"
	"newsletter/pkg/metrics"
	"newsletter/pkg/otel"
	"newsletter/pkg/outbox"
	"newsletter/pkg/trace"
)

const publishedMessage = "The newsletter issue has been accepted and will be delivered shortly."

// PublishCommand 已校验的发布请求
type PublishCommand struct {
	Title          string
	Text           string
	HTML           string
	IdempotencyKey idempotency.Key
}

// PublishResult 发布响应体
type PublishResult struct {
	IssueID    uuid.UUID `json:"issue_id"`
	Recipients int64     `json:"recipients"`
	Message    string    `json:"message"`
}

// IssueStatus 一期 newsletter 及其剩余投递数
type IssueStatus struct {
	Issue             *model.NewsletterIssue `json:"issue"`
	PendingDeliveries int64                  `json:"pending_deliveries"`
}

type Service struct {
	ledger *idempotency.Ledger
	issues *repository.IssueRepository
	queue  *repository.DeliveryQueueRepository
	events *outbox.Repository
	logger *zap.Logger
}

// NewService events 为 nil 时不写集成事件
func NewService(
	ledger *idempotency.Ledger,
	issues *repository.IssueRepository,
	queue *repository.DeliveryQueueRepository,
	events *outbox.Repository,
	logger *zap.Logger,
) *Service {
	return &Service{
		ledger: ledger,
		issues: issues,
		queue:  queue,
		events: events,
		logger: logger,
	}
}

// Publish 同一 (userID, key) 只执行一次，之后的请求重放第一次的响应。
// 期刊、投递任务、集成事件和幂等响应在同一个事务中提交。
func (s *Service) Publish(ctx context.Context, userID uuid.UUID, cmd PublishCommand) (idempotency.Response, error) {
	ctx, span := otel.StartSpan(ctx, "newsletter.publish")
	defer span.End()

	log := logger.WithTrace(ctx, s.logger).With(
		zap.String("user_id", userID.String()),
		zap.String("idempotency_key", cmd.IdempotencyKey.String()),
	)

	res, err := s.ledger.Reserve(ctx, userID, cmd.IdempotencyKey)
	if err != nil {
		return idempotency.Response{}, err
	}
	if !res.Fresh() {
		log.Info("Replaying saved response for newsletter publish")
		span.SetAttributes(attribute.Bool("idempotency.replayed", true))
		return *res.Saved, nil
	}

	tx := res.Tx
	defer tx.Rollback(ctx)

	issue := &model.NewsletterIssue{
		Title:       cmd.Title,
		TextContent: cmd.Text,
		HTMLContent: cmd.HTML,
	}
	if err := s.issues.Create(ctx, tx, issue); err != nil {
		return idempotency.Response{}, err
	}

	recipients, err := s.queue.Enqueue(ctx, tx, issue.ID)
	if err != nil {
		return idempotency.Response{}, err
	}

	if err := s.recordPublishedEvent(ctx, tx, userID, issue, recipients); err != nil {
		return idempotency.Response{}, err
	}

	resp, err := publishedResponse(issue.ID, recipients)
	if err != nil {
		return idempotency.Response{}, err
	}

	saved, err := s.ledger.Complete(ctx, tx, userID, cmd.IdempotencyKey, resp)
	if err != nil {
		return idempotency.Response{}, err
	}

	metrics.AddDeliveryTasksEnqueued(recipients)
	span.SetAttributes(
		attribute.String("newsletter_issue_id", issue.ID.String()),
		attribute.Int64("recipients", recipients),
	)
	log.Info("Newsletter issue published",
		zap.String("newsletter_issue_id", issue.ID.String()),
		zap.Int64("recipients", recipients),
	)
	return saved, nil
}

func (s *Service) recordPublishedEvent(ctx context.Context, tx pgx.Tx, userID uuid.UUID, issue *model.NewsletterIssue, recipients int64) error {
	if s.events == nil {
		return nil
	}
	payload := contracts.IssuePublishedPayload{
		IssueID:     issue.ID,
		Title:       issue.Title,
		Recipients:  recipients,
		PublishedBy: userID,
		PublishedAt: issue.PublishedAt,
		TraceID:     trace.FromContext(ctx),
	}
	return outbox.InsertEventInTx(ctx, tx, s.events, "newsletter_issue", issue.ID.String(), contracts.RoutingKeyIssuePublished, payload)
}

// GetIssueStatus 查询期刊及剩余投递数
func (s *Service) GetIssueStatus(ctx context.Context, id uuid.UUID) (*IssueStatus, error) {
	issue, err := s.issues.Get(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	pending, err := s.queue.CountPending(ctx, id)
	if err != nil {
		return nil, err
	}
	return &IssueStatus{Issue: issue, PendingDeliveries: pending}, nil
}

func publishedResponse(issueID uuid.UUID, recipients int64) (idempotency.Response, error) {
	body, err := json.Marshal(PublishResult{
		IssueID:    issueID,
		Recipients: recipients,
		Message:    publishedMessage,
	})
	if err != nil {
		return idempotency.Response{}, fmt.Errorf("failed to encode publish response: %w", err)
	}

	resp := idempotency.Response{StatusCode: http.StatusSeeOther, Body: body}
	resp.AddHeader("Location", "/admin/newsletters/"+issueID.String())
	resp.AddHeader("Content-Type", "application/json; charset=utf-8")
	return resp, nil
}
