package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"newsletter/internal/model"
	"newsletter/pkg/otel"
)

type DeliveryQueueRepository struct {
	db *pgxpool.Pool
}

func NewDeliveryQueueRepository(db *pgxpool.Pool) *DeliveryQueueRepository {
	return &DeliveryQueueRepository{db: db}
}

// Enqueue creates one task per confirmed subscriber with a single set-based
// statement in the caller's transaction, and returns how many were created.
func (r *DeliveryQueueRepository) Enqueue(ctx context.Context, tx pgx.Tx, issueID uuid.UUID) (n int64, err error) {
	ctx, span := otel.DBSpan(ctx, "insert", "issue_delivery_queue")
	defer func() { otel.EndSpan(span, err) }()

	query := `
        INSERT INTO issue_delivery_queue (newsletter_issue_id, subscriber_email)
        SELECT $1, email
        FROM subscriptions
        WHERE status = 'confirmed'
    `
	tag, err := tx.Exec(ctx, query, issueID)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue delivery tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Claim locks one task that no other transaction holds.
// It returns nil when there is nothing claimable.
func (r *DeliveryQueueRepository) Claim(ctx context.Context, tx pgx.Tx) (task *model.DeliveryTask, err error) {
	ctx, span := otel.DBSpan(ctx, "select", "issue_delivery_queue")
	defer func() { otel.EndSpan(span, err) }()

	query := `
        SELECT newsletter_issue_id, subscriber_email
        FROM issue_delivery_queue
        FOR UPDATE
        SKIP LOCKED
        LIMIT 1
    `
	var t model.DeliveryTask
	err = tx.QueryRow(ctx, query).Scan(&t.NewsletterIssueID, &t.SubscriberEmail)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim delivery task: %w", err)
	}
	return &t, nil
}

// Delete removes a claimed task; it becomes permanent when tx commits.
func (r *DeliveryQueueRepository) Delete(ctx context.Context, tx pgx.Tx, task *model.DeliveryTask) (err error) {
	ctx, span := otel.DBSpan(ctx, "delete", "issue_delivery_queue")
	defer func() { otel.EndSpan(span, err) }()

	query := `
        DELETE FROM issue_delivery_queue
        WHERE newsletter_issue_id = $1
          AND subscriber_email = $2
    `
	if _, err = tx.Exec(ctx, query, task.NewsletterIssueID, task.SubscriberEmail); err != nil {
		return fmt.Errorf("failed to delete delivery task: %w", err)
	}
	return nil
}

// CountPending returns how many tasks of the issue are still queued.
func (r *DeliveryQueueRepository) CountPending(ctx context.Context, issueID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM issue_delivery_queue WHERE newsletter_issue_id = $1`,
		issueID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending deliveries: %w", err)
	}
	return n, nil
}
