package util

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestDeduper(t *testing.T) (*Deduper, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewDeduper(rdb, time.Hour, zap.NewNop()), mr
}

func TestDeduper_AcquireOnce(t *testing.T) {
	d, mr := newTestDeduper(t)
	ctx := context.Background()

	assert.True(t, d.AcquireOnce(ctx, "issue-1", "a@example.com"))
	assert.False(t, d.AcquireOnce(ctx, "issue-1", "a@example.com"))
	assert.True(t, d.AcquireOnce(ctx, "issue-2", "a@example.com"))

	assert.Equal(t, time.Hour, mr.TTL("dedup:issue-1:a@example.com"))

	mr.FastForward(2 * time.Hour)
	assert.True(t, d.AcquireOnce(ctx, "issue-1", "a@example.com"))
}

func TestDeduper_Release(t *testing.T) {
	d, _ := newTestDeduper(t)
	ctx := context.Background()

	assert.True(t, d.AcquireOnce(ctx, "issue-1", "a@example.com"))
	d.Release(ctx, "issue-1", "a@example.com")
	assert.True(t, d.AcquireOnce(ctx, "issue-1", "a@example.com"))
}

func TestDeduper_FailsOpenWhenRedisIsDown(t *testing.T) {
	d, mr := newTestDeduper(t)
	mr.Close()

	assert.True(t, d.AcquireOnce(context.Background(), "issue-1", "a@example.com"))
	assert.True(t, d.AcquireOnce(context.Background(), "issue-1", "a@example.com"))
}
