package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"newsletter/pkg/metrics"
	"newsletter/pkg/otel"
)

// ErrReservationInProgress 同一个键的首次执行尚未完成
var ErrReservationInProgress = errors.New("idempotency key is already being processed")

// Reservation 是 Reserve 的结果，二者只有一个非空：
// Tx 表示本次请求获得了执行权，调用方负责在该事务中完成业务并调用 Complete；
// Saved 表示该键已经完成，直接重放保存的响应。
type Reservation struct {
	Tx    pgx.Tx
	Saved *Response
}

// Fresh 本次请求是否需要执行业务
func (r Reservation) Fresh() bool {
	return r.Tx != nil
}

// Ledger 基于 idempotency 表的幂等账本
type Ledger struct {
	db                 *pgxpool.Pool
	cache              ResponseCache
	reservationTimeout time.Duration
	logger             *zap.Logger
}

// NewLedger 创建账本，cache 可以为 nil
func NewLedger(db *pgxpool.Pool, cache ResponseCache, reservationTimeout time.Duration, logger *zap.Logger) *Ledger {
	if reservationTimeout <= 0 {
		reservationTimeout = 5 * time.Minute
	}
	return &Ledger{
		db:                 db,
		cache:              cache,
		reservationTimeout: reservationTimeout,
		logger:             logger,
	}
}

// Reserve 为 (userID, key) 申请执行权。
//
// INSERT ... ON CONFLICT DO NOTHING 在一个不提交的事务里执行，
// 并发的同键请求会阻塞在这一行上，直到持有者提交或回滚。
func (l *Ledger) Reserve(ctx context.Context, userID uuid.UUID, key Key) (Reservation, error) {
	ctx, span := otel.StartSpan(ctx, "idempotency.reserve")
	defer span.End()
	span.SetAttributes(attribute.String("idempotency.key", key.String()))

	if l.cache != nil {
		if saved, ok := l.cache.Get(ctx, userID, key); ok {
			metrics.IncrementIdempotencyResult("replayed")
			span.SetAttributes(attribute.String("idempotency.result", "cache_hit"))
			return Reservation{Saved: saved}, nil
		}
	}

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return Reservation{}, fmt.Errorf("failed to begin transaction: %w", err)
	}

	res, err := l.reserveInTx(ctx, tx, userID, key)
	if err != nil || !res.Fresh() {
		_ = tx.Rollback(ctx)
	}
	if err != nil {
		span.RecordError(err)
		return Reservation{}, err
	}
	return res, nil
}

func (l *Ledger) reserveInTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, key Key) (Reservation, error) {
	// 第二次循环只会发生在记录被清理或被接管之后
	for attempt := 0; attempt < 2; attempt++ {
		inserted, err := insertReservation(ctx, tx, userID, key)
		if err != nil {
			return Reservation{}, err
		}
		if inserted {
			if attempt == 0 {
				metrics.IncrementIdempotencyResult("executed")
			} else {
				metrics.IncrementIdempotencyResult("reclaimed")
			}
			return Reservation{Tx: tx}, nil
		}

		rec, err := loadRecord(ctx, tx, userID, key, l.reservationTimeout)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return Reservation{}, err
		}

		// 不回填缓存：缓存 TTL 从 Complete 起算，回填会让它比数据库记录活得更久
		if rec.response != nil {
			metrics.IncrementIdempotencyResult("replayed")
			return Reservation{Saved: rec.response}, nil
		}

		if !rec.stale {
			metrics.IncrementIdempotencyResult("in_progress")
			return Reservation{}, ErrReservationInProgress
		}

		l.logger.Warn("Reclaiming stale idempotency reservation",
			zap.String("user_id", userID.String()),
			zap.String("idempotency_key", key.String()),
		)
		if err := deleteIncomplete(ctx, tx, userID, key); err != nil {
			return Reservation{}, err
		}
	}

	metrics.IncrementIdempotencyResult("in_progress")
	return Reservation{}, ErrReservationInProgress
}

// Complete 在预留事务中保存响应并提交
func (l *Ledger) Complete(ctx context.Context, tx pgx.Tx, userID uuid.UUID, key Key, resp Response) (Response, error) {
	names, values := resp.headerColumns()

	query := `
		UPDATE idempotency
		SET response_status_code = $3,
		    response_header_names = $4,
		    response_header_values = $5,
		    response_body = $6
		WHERE user_id = $1 AND idempotency_key = $2
	`
	tag, err := tx.Exec(ctx, query, userID, key.String(), int16(resp.StatusCode), names, values, resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("failed to save idempotent response: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return Response{}, fmt.Errorf("failed to save idempotent response: reservation for key %s not found", key)
	}

	if err := tx.Commit(ctx); err != nil {
		return Response{}, fmt.Errorf("failed to commit idempotent response: %w", err)
	}

	if l.cache != nil {
		l.cache.Put(ctx, userID, key, resp)
	}
	return resp, nil
}

type record struct {
	response *Response
	stale    bool
}

func insertReservation(ctx context.Context, tx pgx.Tx, userID uuid.UUID, key Key) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO idempotency (user_id, idempotency_key, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT DO NOTHING
	`, userID, key.String())
	if err != nil {
		return false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func loadRecord(ctx context.Context, tx pgx.Tx, userID uuid.UUID, key Key, timeout time.Duration) (record, error) {
	var (
		status *int16
		names  []string
		values [][]byte
		body   []byte
		rec    record
	)
	err := tx.QueryRow(ctx, `
		SELECT response_status_code,
		       response_header_names,
		       response_header_values,
		       response_body,
		       created_at < NOW() - make_interval(secs => $3::float8)
		FROM idempotency
		WHERE user_id = $1 AND idempotency_key = $2
	`, userID, key.String(), timeout.Seconds()).Scan(&status, &names, &values, &body, &rec.stale)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return record{}, err
		}
		return record{}, fmt.Errorf("failed to load idempotency record: %w", err)
	}

	if status != nil {
		rec.response = &Response{
			StatusCode: int(*status),
			Headers:    headersFromColumns(names, values),
			Body:       body,
		}
	}
	return rec, nil
}

func deleteIncomplete(ctx context.Context, tx pgx.Tx, userID uuid.UUID, key Key) error {
	_, err := tx.Exec(ctx, `
		DELETE FROM idempotency
		WHERE user_id = $1 AND idempotency_key = $2 AND response_status_code IS NULL
	`, userID, key.String())
	if err != nil {
		return fmt.Errorf("failed to delete stale reservation: %w", err)
	}
	return nil
}
