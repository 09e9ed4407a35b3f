//go:build integration

package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"newsletter/migrations"
	"newsletter/pkg/config"
	"newsletter/pkg/db"
)

// NewPostgres starts a disposable PostgreSQL container, applies the
// migrations and returns a pool. Everything is torn down via t.Cleanup.
func NewPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("newsletter"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := zap.NewNop()
	require.NoError(t, db.Migrate(dsn, migrations.FS, logger))

	pool, err := db.Connect(ctx, dsn, config.DBConfig{MaxConns: 20}, logger)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

// SeedSubscriber inserts a subscription row with the given status.
func SeedSubscriber(t *testing.T, pool *pgxpool.Pool, email, status string) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO subscriptions (id, email, name, status)
		VALUES ($1, $2, $3, $4)
	`, uuid.New(), email, "Subscriber "+email, status)
	require.NoError(t, err)
}

// Count runs a COUNT(*) style query and returns the single value.
func Count(t *testing.T, pool *pgxpool.Pool, query string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, pool.QueryRow(context.Background(), query, args...).Scan(&n))
	return n
}
