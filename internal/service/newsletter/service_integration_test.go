//go:build integration

package newsletter

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	contracts "newsletter/contracts/mq"
	"newsletter/internal/domain"
	"newsletter/internal/idempotency"
	"newsletter/internal/repository"
	"newsletter/internal/service/delivery"
	"newsletter/internal/testutil"
	"newsletter/pkg/config"
	"newsletter/pkg/outbox"
)

type countingSender struct {
	mu    sync.Mutex
	sends map[string]int
	delay time.Duration
}

func (s *countingSender) SendEmail(_ context.Context, recipient domain.SubscriberEmail, _, _, _ string) error {
	time.Sleep(s.delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends[recipient.String()]++
	return nil
}

type harness struct {
	pool    *pgxpool.Pool
	service *Service
	issues  *repository.IssueRepository
	queue   *repository.DeliveryQueueRepository
}

func newHarness(t *testing.T, withOutbox bool) harness {
	pool := testutil.NewPostgres(t)
	logger := zap.NewNop()
	issues := repository.NewIssueRepository(pool)
	queue := repository.NewDeliveryQueueRepository(pool)

	var events *outbox.Repository
	if withOutbox {
		events = outbox.NewRepository(pool)
	}
	ledger := idempotency.NewLedger(pool, nil, time.Minute, logger)

	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		testutil.SeedSubscriber(t, pool, email, "confirmed")
	}

	return harness{
		pool:    pool,
		service: NewService(ledger, issues, queue, events, logger),
		issues:  issues,
		queue:   queue,
	}
}

func (h harness) drain(t *testing.T, sender delivery.EmailSender) {
	t.Helper()
	w := delivery.NewWorker(1, h.pool, h.queue, h.issues, sender, config.DeliveryConfig{}, zap.NewNop())
	for i := 0; i < 100; i++ {
		outcome, err := w.TryExecuteTask(context.Background())
		require.NoError(t, err)
		if outcome == delivery.EmptyQueue {
			return
		}
	}
	t.Fatal("queue never drained")
}

func command(t *testing.T, key string) PublishCommand {
	t.Helper()
	k, err := idempotency.ParseKey(key)
	require.NoError(t, err)
	return PublishCommand{Title: "Weekly", Text: "plain body", HTML: "<p>html body</p>", IdempotencyKey: k}
}

func TestPublish_ReplaysSameKeyWithoutReEnqueue(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	user := uuid.New()
	cmd := command(t, uuid.NewString())

	first, err := h.service.Publish(ctx, user, cmd)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSeeOther, first.StatusCode)

	var body PublishResult
	require.NoError(t, json.Unmarshal(first.Body, &body))
	assert.Equal(t, int64(3), body.Recipients)
	assert.Equal(t, int64(3), testutil.Count(t, h.pool, `SELECT COUNT(*) FROM issue_delivery_queue`))

	second, err := h.service.Publish(ctx, user, cmd)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), testutil.Count(t, h.pool, `SELECT COUNT(*) FROM newsletter_issues`))
	assert.Equal(t, int64(3), testutil.Count(t, h.pool, `SELECT COUNT(*) FROM issue_delivery_queue`))

	sender := &countingSender{sends: map[string]int{}}
	h.drain(t, sender)
	assert.Equal(t, map[string]int{"a@example.com": 1, "b@example.com": 1, "c@example.com": 1}, sender.sends)

	// 新的键会生成新的一期
	third, err := h.service.Publish(ctx, user, command(t, uuid.NewString()))
	require.NoError(t, err)
	assert.NotEqual(t, first.Body, third.Body)
	assert.Equal(t, int64(2), testutil.Count(t, h.pool, `SELECT COUNT(*) FROM newsletter_issues`))
	assert.Equal(t, int64(3), testutil.Count(t, h.pool, `SELECT COUNT(*) FROM issue_delivery_queue`))

	status, err := h.service.GetIssueStatus(ctx, mustIssueID(t, third))
	require.NoError(t, err)
	assert.Equal(t, "Weekly", status.Issue.Title)
	assert.Equal(t, int64(3), status.PendingDeliveries)
}

func TestPublish_ConcurrentSameKeyExecutesOnce(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	user := uuid.New()
	cmd := command(t, uuid.NewString())

	// 让持有者在事务里停一秒，保证另一个请求一定在它提交前到达
	_, err := h.pool.Exec(ctx, `
		CREATE FUNCTION slow_issue_insert() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_sleep(1);
			RETURN NEW;
		END
		$$ LANGUAGE plpgsql;
		CREATE TRIGGER slow_issue_insert BEFORE INSERT ON newsletter_issues
			FOR EACH ROW EXECUTE FUNCTION slow_issue_insert();
	`)
	require.NoError(t, err)

	start := make(chan struct{})
	var wg sync.WaitGroup
	responses := make([]idempotency.Response, 2)
	errs := make([]error, 2)
	took := make([]time.Duration, 2)
	for i := range responses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			began := time.Now()
			responses[i], errs[i] = h.service.Publish(ctx, user, cmd)
			took[i] = time.Since(began)
		}(i)
	}
	close(start)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, responses[0], responses[1])
	// 重放的一方必须等持有者提交
	assert.GreaterOrEqual(t, took[0], 900*time.Millisecond)
	assert.GreaterOrEqual(t, took[1], 900*time.Millisecond)
	assert.Equal(t, int64(1), testutil.Count(t, h.pool, `SELECT COUNT(*) FROM newsletter_issues`))

	sender := &countingSender{sends: map[string]int{}, delay: 2 * time.Second}
	h.drain(t, sender)
	assert.Equal(t, map[string]int{"a@example.com": 1, "b@example.com": 1, "c@example.com": 1}, sender.sends)
}

func TestPublish_RecordsIntegrationEvent(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	user := uuid.New()

	resp, err := h.service.Publish(ctx, user, command(t, uuid.NewString()))
	require.NoError(t, err)
	issueID := mustIssueID(t, resp)

	var (
		routingKey string
		payload    []byte
	)
	err = h.pool.QueryRow(ctx, `
		SELECT routing_key, payload FROM outbox_events WHERE aggregate_id = $1
	`, issueID.String()).Scan(&routingKey, &payload)
	require.NoError(t, err)
	assert.Equal(t, contracts.RoutingKeyIssuePublished, routingKey)

	var event contracts.IssuePublishedPayload
	require.NoError(t, json.Unmarshal(payload, &event))
	assert.Equal(t, issueID, event.IssueID)
	assert.Equal(t, int64(3), event.Recipients)
	assert.Equal(t, user, event.PublishedBy)
}

func mustIssueID(t *testing.T, resp idempotency.Response) uuid.UUID {
	t.Helper()
	var body PublishResult
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	return body.IssueID
}
