package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scds7xdxnd-bit/lifeos-sub001/internal/config"
	"github.com/scds7xdxnd-bit/lifeos-sub001/internal/domain"
	"github.com/scds7xdxnd-bit/lifeos-sub001/internal/repository/outbox_repo/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// scriptedBus replays a fixed sequence of dispatch outcomes and records every
// message it was handed.
type scriptedBus struct {
	mu       sync.Mutex
	outcomes []error
	calls    []domain.OutboxMessage
}

func (b *scriptedBus) Dispatch(ctx context.Context, msg *domain.OutboxMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, *msg)
	if len(b.outcomes) == 0 {
		return nil
	}
	out := b.outcomes[0]
	b.outcomes = b.outcomes[1:]
	return out
}

func (b *scriptedBus) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		BatchSize:         10,
		PollInterval:      time.Second,
		YieldInterval:     time.Millisecond,
		MaxAttempts:       5,
		Backoff:           4 * time.Second,
		BackoffMultiplier: 2,
		SendingTimeout:    5 * time.Minute,
		ReaperInterval:    time.Minute,
		Dispatchers:       1,
	}
}

func newTestProcessor(t *testing.T, repo *memory.OutboxRepository, bus EventBus, cfg config.DispatchConfig) (*Processor, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	p := NewProcessor(repo, repo, bus, cfg, zap.NewNop())
	p.now = clk.Now
	return p, clk
}

func enqueueTest(t *testing.T, repo *memory.OutboxRepository, clk *fakeClock, eventType string) *domain.OutboxMessage {
	t.Helper()
	enq := NewEnqueuer(repo, zap.NewNop())
	enq.now = clk.Now
	msg, err := enq.Enqueue(context.Background(), nil, eventType, map[string]any{"id": 1}, nil)
	require.NoError(t, err)
	return msg
}

func TestProcessor_ProcessReadyBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("successful dispatch marks the message sent", func(t *testing.T) {
		repo := memory.NewOutboxRepository()
		bus := &scriptedBus{}
		p, clk := newTestProcessor(t, repo, bus, testDispatchConfig())
		msg := enqueueTest(t, repo, clk, domain.EventProjectTaskCompleted)

		processed := p.ProcessReadyBatch(ctx)
		assert.Equal(t, 1, processed)
		assert.Equal(t, 1, bus.callCount())

		row, ok := repo.Get(msg.ID)
		require.True(t, ok)
		assert.Equal(t, domain.OutboxStatusSent, row.Status)
		assert.Equal(t, 1, row.Attempts)
		assert.Empty(t, row.LastError)
	})

	t.Run("each claimed message is dispatched exactly once", func(t *testing.T) {
		repo := memory.NewOutboxRepository()
		bus := &scriptedBus{}
		p, clk := newTestProcessor(t, repo, bus, testDispatchConfig())
		for i := 0; i < 3; i++ {
			enqueueTest(t, repo, clk, domain.EventSkillPracticeLogged)
		}

		processed := p.ProcessReadyBatch(ctx)
		assert.Equal(t, 3, processed)
		assert.Equal(t, 3, bus.callCount())
	})

	t.Run("failure schedules a retry with backoff", func(t *testing.T) {
		repo := memory.NewOutboxRepository()
		bus := &scriptedBus{outcomes: []error{errors.New("broker unreachable")}}
		cfg := testDispatchConfig()
		p, clk := newTestProcessor(t, repo, bus, cfg)
		msg := enqueueTest(t, repo, clk, domain.EventTransactionRecorded)

		processed := p.ProcessReadyBatch(ctx)
		assert.Equal(t, 1, processed)

		row, ok := repo.Get(msg.ID)
		require.True(t, ok)
		assert.Equal(t, domain.OutboxStatusRetry, row.Status)
		assert.Equal(t, 1, row.Attempts)
		assert.Equal(t, "broker unreachable", row.LastError)
		assert.Equal(t, clk.Now().Add(cfg.Backoff), row.AvailableAt, "first failure waits the base delay")
	})

	t.Run("retry before the backoff window claims nothing", func(t *testing.T) {
		repo := memory.NewOutboxRepository()
		bus := &scriptedBus{outcomes: []error{errors.New("broker unreachable")}}
		p, clk := newTestProcessor(t, repo, bus, testDispatchConfig())
		enqueueTest(t, repo, clk, domain.EventTransactionRecorded)

		require.Equal(t, 1, p.ProcessReadyBatch(ctx))
		assert.Equal(t, 0, p.ProcessReadyBatch(ctx), "backoff window has not elapsed")
		assert.Equal(t, 1, bus.callCount(), "no second dispatch inside the window")
	})

	t.Run("attempts exhausted parks the message as failed", func(t *testing.T) {
		repo := memory.NewOutboxRepository()
		bus := &scriptedBus{outcomes: []error{
			errors.New("attempt one failed"),
			errors.New("attempt two failed"),
		}}
		cfg := testDispatchConfig()
		cfg.MaxAttempts = 2
		p, clk := newTestProcessor(t, repo, bus, cfg)
		msg := enqueueTest(t, repo, clk, domain.EventContactInteraction)

		require.Equal(t, 1, p.ProcessReadyBatch(ctx))
		row, _ := repo.Get(msg.ID)
		require.Equal(t, domain.OutboxStatusRetry, row.Status)
		require.Equal(t, 1, row.Attempts)

		clk.Advance(cfg.Backoff)
		require.Equal(t, 1, p.ProcessReadyBatch(ctx))

		row, ok := repo.Get(msg.ID)
		require.True(t, ok)
		assert.Equal(t, domain.OutboxStatusFailed, row.Status)
		assert.Equal(t, 2, row.Attempts)
		assert.Equal(t, "attempt two failed", row.LastError)

		// Terminal: a later cycle never resurrects it.
		clk.Advance(24 * time.Hour)
		assert.Equal(t, 0, p.ProcessReadyBatch(ctx))
		assert.Equal(t, 2, bus.callCount())
	})

	t.Run("available_at never moves backwards across failures", func(t *testing.T) {
		repo := memory.NewOutboxRepository()
		bus := &scriptedBus{outcomes: []error{
			errors.New("failure one"),
			errors.New("failure two"),
		}}
		cfg := testDispatchConfig()
		p, clk := newTestProcessor(t, repo, bus, cfg)
		msg := enqueueTest(t, repo, clk, domain.EventStatementGenerated)

		require.Equal(t, 1, p.ProcessReadyBatch(ctx))
		first, _ := repo.Get(msg.ID)

		clk.Advance(cfg.Backoff)
		require.Equal(t, 1, p.ProcessReadyBatch(ctx))
		second, _ := repo.Get(msg.ID)

		assert.False(t, second.AvailableAt.Before(first.AvailableAt))
		minNext := clk.Now().Add(ComputeBackoff(2, cfg.Backoff, cfg.BackoffMultiplier))
		assert.False(t, second.AvailableAt.Before(minNext))
	})

	t.Run("store failure during claim rolls the batch back and returns zero", func(t *testing.T) {
		repo := memory.NewOutboxRepository()
		bus := &scriptedBus{}
		p, clk := newTestProcessor(t, repo, bus, testDispatchConfig())
		enqueueTest(t, repo, clk, domain.EventProjectCreated)

		repo.FailNextClaim = errors.New("connection reset")
		assert.Equal(t, 0, p.ProcessReadyBatch(ctx))
		assert.Equal(t, 0, bus.callCount())

		// Next poll sees the message untouched.
		assert.Equal(t, 1, p.ProcessReadyBatch(ctx))
	})

	t.Run("store failure while recording an outcome returns zero", func(t *testing.T) {
		repo := memory.NewOutboxRepository()
		bus := &scriptedBus{}
		p, clk := newTestProcessor(t, repo, bus, testDispatchConfig())
		enqueueTest(t, repo, clk, domain.EventProjectCreated)

		repo.FailNextMark = errors.New("connection reset")
		assert.Equal(t, 0, p.ProcessReadyBatch(ctx))
	})

	t.Run("already sent rows are skipped without dispatching", func(t *testing.T) {
		repo := &stubRepo{
			claim: []domain.OutboxMessage{
				{ID: 1, Status: domain.OutboxStatusSent, EventType: domain.EventProjectCreated},
				{ID: 2, Status: domain.OutboxStatusSending, Attempts: 1, EventType: domain.EventProjectCreated},
			},
		}
		bus := &scriptedBus{}
		p := NewProcessor(repo, repo, bus, testDispatchConfig(), zap.NewNop())

		processed := p.ProcessReadyBatch(ctx)
		assert.Equal(t, 2, processed)
		require.Equal(t, 1, bus.callCount())
		assert.Equal(t, int64(2), bus.calls[0].ID)
		assert.Equal(t, []int64{2}, repo.sent)
	})

	t.Run("empty queue processes nothing", func(t *testing.T) {
		repo := memory.NewOutboxRepository()
		bus := &scriptedBus{}
		p, _ := newTestProcessor(t, repo, bus, testDispatchConfig())
		assert.Equal(t, 0, p.ProcessReadyBatch(ctx))
		assert.Equal(t, 0, bus.callCount())
	})
}

func TestProcessor_ConcurrentProcessorsShareTheBacklog(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOutboxRepository()
	bus := &scriptedBus{}
	cfg := testDispatchConfig()
	cfg.BatchSize = 1

	pa, clk := newTestProcessor(t, repo, bus, cfg)
	pb := NewProcessor(repo, repo, bus, cfg, zap.NewNop())
	pb.now = clk.Now

	enqueueTest(t, repo, clk, domain.EventCalendarEntryMoved)
	enqueueTest(t, repo, clk, domain.EventCalendarEntryMoved)

	var wg sync.WaitGroup
	totals := make([]int, 2)
	for i, p := range []*Processor{pa, pb} {
		wg.Add(1)
		go func(i int, p *Processor) {
			defer wg.Done()
			totals[i] = p.ProcessReadyBatch(ctx)
		}(i, p)
	}
	wg.Wait()

	assert.Equal(t, 2, totals[0]+totals[1])
	assert.Equal(t, 2, bus.callCount())

	counts, err := repo.CountByStatus(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[domain.OutboxStatusSent])
}

func TestProcessor_ReapStuckSending(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOutboxRepository()
	bus := &scriptedBus{}
	cfg := testDispatchConfig()
	p, clk := newTestProcessor(t, repo, bus, cfg)

	// Claim a row, then simulate its claimant dying by never recording an
	// outcome while the clock moves past the sending timeout.
	msg := enqueueTest(t, repo, clk, domain.EventTransactionRecorded)
	claimed, err := repo.ClaimReadyBatch(ctx, nil, clk.Now(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	clk.Advance(cfg.SendingTimeout + time.Second)
	p.reapStuckSending(ctx)

	row, ok := repo.Get(msg.ID)
	require.True(t, ok)
	assert.Equal(t, domain.OutboxStatusPending, row.Status)

	// The requeued row is claimable again on the next cycle.
	assert.Equal(t, 1, p.ProcessReadyBatch(ctx))
	row, _ = repo.Get(msg.ID)
	assert.Equal(t, domain.OutboxStatusSent, row.Status)
	assert.Equal(t, 2, row.Attempts)
}

func TestProcessor_RunStopsOnContextCancel(t *testing.T) {
	repo := memory.NewOutboxRepository()
	bus := &scriptedBus{}
	cfg := testDispatchConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ReaperInterval = 5 * time.Millisecond
	p, _ := newTestProcessor(t, repo, bus, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after context cancellation")
	}
}

// stubRepo is a hand-written fake for paths the in-memory store cannot
// produce, such as a claim returning an already sent row.
type stubRepo struct {
	claim []domain.OutboxMessage
	sent  []int64
}

func (r *stubRepo) WithinTx(ctx context.Context, fn func(q domain.Querier) error) error {
	return fn(nil)
}

func (r *stubRepo) CreateMessageTx(ctx context.Context, q domain.Querier, msg *domain.OutboxMessage) error {
	return nil
}

func (r *stubRepo) ClaimReadyBatch(ctx context.Context, q domain.Querier, now time.Time, limit int) ([]domain.OutboxMessage, error) {
	out := r.claim
	r.claim = nil
	return out, nil
}

func (r *stubRepo) MarkSentTx(ctx context.Context, q domain.Querier, id int64) error {
	r.sent = append(r.sent, id)
	return nil
}

func (r *stubRepo) MarkRetryTx(ctx context.Context, q domain.Querier, id int64, availableAt time.Time, lastError string) error {
	return nil
}

func (r *stubRepo) MarkFailedTx(ctx context.Context, q domain.Querier, id int64, lastError string) error {
	return nil
}

func (r *stubRepo) RequeueStuckSendingTx(ctx context.Context, q domain.Querier, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (r *stubRepo) CountByStatus(ctx context.Context, q domain.Querier) (map[domain.OutboxMessageStatus]int64, error) {
	return nil, nil
}

func (r *stubRepo) ListByStatus(ctx context.Context, q domain.Querier, status domain.OutboxMessageStatus, limit int) ([]domain.OutboxMessage, error) {
	return nil, nil
}

func (r *stubRepo) ReplayFailedTx(ctx context.Context, q domain.Querier, id int64) error {
	return nil
}

func (r *stubRepo) DeleteFailedTx(ctx context.Context, q domain.Querier, id int64) error {
	return nil
}
