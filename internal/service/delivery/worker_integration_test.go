//go:build integration

package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"newsletter/internal/domain"
	"newsletter/internal/emailclient"
	"newsletter/internal/model"
	"newsletter/internal/repository"
	"newsletter/internal/testutil"
	"newsletter/pkg/config"
)

// recordingSender 记录每个收件人被发送的次数
type recordingSender struct {
	mu    sync.Mutex
	sends map[string]int
	delay time.Duration
	err   error

	// 非空时，每次开始发送都会写入一次
	started chan string
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sends: map[string]int{}}
}

func (s *recordingSender) SendEmail(ctx context.Context, recipient domain.SubscriberEmail, _, _, _ string) error {
	if s.started != nil {
		s.started <- recipient.String()
	}
	if s.delay > 0 {
		// 与 HTTP 客户端一样，ctx 取消时中断发送
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			s.mu.Lock()
			s.sends[recipient.String()]++
			s.mu.Unlock()
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends[recipient.String()]++
	return s.err
}

func (s *recordingSender) snapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.sends))
	for k, v := range s.sends {
		out[k] = v
	}
	return out
}

type fixture struct {
	pool   *pgxpool.Pool
	issues *repository.IssueRepository
	queue  *repository.DeliveryQueueRepository
}

func newFixture(t *testing.T) fixture {
	pool := testutil.NewPostgres(t)
	return fixture{
		pool:   pool,
		issues: repository.NewIssueRepository(pool),
		queue:  repository.NewDeliveryQueueRepository(pool),
	}
}

func (f fixture) publish(t *testing.T) uuid.UUID {
	t.Helper()
	ctx := context.Background()

	tx, err := f.pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	issue := &model.NewsletterIssue{Title: "Weekly", TextContent: "text", HTMLContent: "<p>html</p>"}
	require.NoError(t, f.issues.Create(ctx, tx, issue))
	_, err = f.queue.Enqueue(ctx, tx, issue.ID)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	return issue.ID
}

func (f fixture) worker(id int, sender EmailSender) *Worker {
	return NewWorker(id, f.pool, f.queue, f.issues, sender, config.DeliveryConfig{
		EmptyQueueBackoff: 20 * time.Millisecond,
		ErrorBackoff:      20 * time.Millisecond,
	}, zap.NewNop())
}

func drain(t *testing.T, w *Worker) int {
	t.Helper()
	completed := 0
	for i := 0; i < 1000; i++ {
		outcome, err := w.TryExecuteTask(context.Background())
		require.NoError(t, err)
		if outcome == EmptyQueue {
			return completed
		}
		completed++
	}
	t.Fatal("queue never drained")
	return completed
}

func TestWorker_DeliversToConfirmedSubscribersOnce(t *testing.T) {
	f := newFixture(t)
	testutil.SeedSubscriber(t, f.pool, "a@example.com", "confirmed")
	testutil.SeedSubscriber(t, f.pool, "b@example.com", "confirmed")
	testutil.SeedSubscriber(t, f.pool, "pending@example.com", "pending_confirmation")
	issueID := f.publish(t)

	sender := newRecordingSender()
	completed := drain(t, f.worker(1, sender))

	assert.Equal(t, 2, completed)
	assert.Equal(t, map[string]int{"a@example.com": 1, "b@example.com": 1}, sender.snapshot())

	pending, err := f.queue.CountPending(context.Background(), issueID)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestWorker_SkipsInvalidRecipient(t *testing.T) {
	f := newFixture(t)
	testutil.SeedSubscriber(t, f.pool, "not-an-email", "confirmed")
	testutil.SeedSubscriber(t, f.pool, "ok@example.com", "confirmed")
	f.publish(t)

	sender := newRecordingSender()
	assert.Equal(t, 2, drain(t, f.worker(1, sender)))
	assert.Equal(t, map[string]int{"ok@example.com": 1}, sender.snapshot())
	assert.Zero(t, testutil.Count(t, f.pool, `SELECT COUNT(*) FROM issue_delivery_queue`))
}

func TestWorker_SendFailureDiscardsTask(t *testing.T) {
	f := newFixture(t)
	testutil.SeedSubscriber(t, f.pool, "a@example.com", "confirmed")
	f.publish(t)

	sender := newRecordingSender()
	sender.err = errors.New("email service returned 500")

	assert.Equal(t, 1, drain(t, f.worker(1, sender)))
	assert.Equal(t, map[string]int{"a@example.com": 1}, sender.snapshot())
	assert.Zero(t, testutil.Count(t, f.pool, `SELECT COUNT(*) FROM issue_delivery_queue`))
}

func TestWorker_UnavailableSenderKeepsTask(t *testing.T) {
	f := newFixture(t)
	testutil.SeedSubscriber(t, f.pool, "a@example.com", "confirmed")
	f.publish(t)

	sender := newRecordingSender()
	sender.err = fmt.Errorf("%w: circuit breaker is open", emailclient.ErrUnavailable)

	_, err := f.worker(1, sender).TryExecuteTask(context.Background())
	require.ErrorIs(t, err, emailclient.ErrUnavailable)
	assert.Equal(t, int64(1), testutil.Count(t, f.pool, `SELECT COUNT(*) FROM issue_delivery_queue`))
}

func TestWorker_ConcurrentWorkersClaimEachTaskOnce(t *testing.T) {
	f := newFixture(t)
	const subscribers = 20
	for i := 0; i < subscribers; i++ {
		testutil.SeedSubscriber(t, f.pool, fmt.Sprintf("user%02d@example.com", i), "confirmed")
	}
	f.publish(t)

	sender := newRecordingSender()
	sender.delay = 10 * time.Millisecond

	const workers = 4
	var wg sync.WaitGroup
	counts := make([]int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := f.worker(i+1, sender)
			for {
				outcome, err := w.TryExecuteTask(context.Background())
				if !assert.NoError(t, err) || outcome == EmptyQueue {
					return
				}
				counts[i]++
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, c := range counts {
		total += c
	}
	assert.Equal(t, subscribers, total)

	sends := sender.snapshot()
	assert.Len(t, sends, subscribers)
	for email, n := range sends {
		assert.Equal(t, 1, n, email)
	}
	assert.Zero(t, testutil.Count(t, f.pool, `SELECT COUNT(*) FROM issue_delivery_queue`))
}

func TestWorker_ShutdownFinishesInFlightTask(t *testing.T) {
	f := newFixture(t)
	testutil.SeedSubscriber(t, f.pool, "a@example.com", "confirmed")
	issueID := f.publish(t)

	sender := newRecordingSender()
	sender.delay = 300 * time.Millisecond
	sender.started = make(chan string, 1)
	guard := &stubGuard{seen: map[string]bool{}}
	w := f.worker(1, sender).WithAttemptGuard(guard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	select {
	case <-sender.started:
	case <-time.After(5 * time.Second):
		t.Fatal("send never started")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	assert.Equal(t, map[string]int{"a@example.com": 1}, sender.snapshot())
	assert.Zero(t, testutil.Count(t, f.pool, `SELECT COUNT(*) FROM issue_delivery_queue`))
	assert.True(t, guard.seen[issueID.String()+"/a@example.com"])
	assert.Empty(t, guard.released)

	// 重启后没有残留任务，也不会再次发送
	assert.Equal(t, 0, drain(t, f.worker(2, sender)))
	assert.Equal(t, map[string]int{"a@example.com": 1}, sender.snapshot())
}

func TestPool_RunDrainsQueueAndStops(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		testutil.SeedSubscriber(t, f.pool, fmt.Sprintf("p%d@example.com", i), "confirmed")
	}
	f.publish(t)

	sender := newRecordingSender()
	pool := NewPool(3, func(id int) *Worker { return f.worker(id, sender) }, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return testutil.Count(t, f.pool, `SELECT COUNT(*) FROM issue_delivery_queue`) == 0
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
	assert.Len(t, sender.snapshot(), 5)
}
