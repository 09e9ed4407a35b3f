package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Querier 同时被 *pgxpool.Pool 和 pgx.Tx 实现
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
