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

var ErrIssueNotFound = errors.New("newsletter issue not found")

type IssueRepository struct {
	db *pgxpool.Pool
}

func NewIssueRepository(db *pgxpool.Pool) *IssueRepository {
	return &IssueRepository{db: db}
}

// Create inserts the issue inside the publish transaction.
// A zero ID is replaced with a new random one.
func (r *IssueRepository) Create(ctx context.Context, tx pgx.Tx, issue *model.NewsletterIssue) (err error) {
	ctx, span := otel.DBSpan(ctx, "insert", "newsletter_issues")
	defer func() { otel.EndSpan(span, err) }()

	if issue.ID == uuid.Nil {
		issue.ID = uuid.New()
	}

	query := `
        INSERT INTO newsletter_issues (id, title, text_content, html_content, published_at)
        VALUES ($1, $2, $3, $4, NOW())
        RETURNING published_at
    `
	err = tx.QueryRow(ctx, query, issue.ID, issue.Title, issue.TextContent, issue.HTMLContent).
		Scan(&issue.PublishedAt)
	if err != nil {
		return fmt.Errorf("failed to insert newsletter issue: %w", err)
	}
	return nil
}

// Get loads an issue with the pool, or with q when it is non-nil (e.g. the worker's transaction).
func (r *IssueRepository) Get(ctx context.Context, q Querier, id uuid.UUID) (issue *model.NewsletterIssue, err error) {
	ctx, span := otel.DBSpan(ctx, "select", "newsletter_issues")
	defer func() { otel.EndSpan(span, err) }()

	if q == nil {
		q = r.db
	}

	query := `
        SELECT id, title, text_content, html_content, published_at
        FROM newsletter_issues
        WHERE id = $1
    `
	var i model.NewsletterIssue
	err = q.QueryRow(ctx, query, id).Scan(
		&i.ID,
		&i.Title,
		&i.TextContent,
		&i.HTMLContent,
		&i.PublishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIssueNotFound
		}
		return nil, fmt.Errorf("failed to get newsletter issue: %w", err)
	}
	return &i, nil
}
