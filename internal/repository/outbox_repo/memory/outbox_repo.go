package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/scds7xdxnd-bit/lifeos-sub001/internal/domain"
)

// OutboxRepository is an in-memory implementation of the outbox store for
// engines without SKIP LOCKED and for tests. Claiming is a compare-and-swap
// on status under one mutex, which gives the same disjoint-batch guarantee
// the row lock gives in Postgres.
type OutboxRepository struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*domain.OutboxMessage

	// FailNextClaim makes the next ClaimReadyBatch return this error once,
	// simulating a store failure at the batch boundary.
	FailNextClaim error
	// FailNextMark does the same for the next Mark*Tx call.
	FailNextMark error
}

func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{rows: make(map[int64]*domain.OutboxMessage)}
}

// WithinTx satisfies domain.UnitOfWork. The in-memory store mutates rows
// atomically per call and has no rollback, so the scope is pass-through.
func (r *OutboxRepository) WithinTx(ctx context.Context, fn func(q domain.Querier) error) error {
	return fn(nil)
}

func (r *OutboxRepository) CreateMessageTx(ctx context.Context, q domain.Querier, msg *domain.OutboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	msg.ID = r.nextID
	clone := *msg
	r.rows[msg.ID] = &clone
	return nil
}

func (r *OutboxRepository) ClaimReadyBatch(ctx context.Context, q domain.Querier, now time.Time, limit int) ([]domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.FailNextClaim; err != nil {
		r.FailNextClaim = nil
		return nil, err
	}

	var ready []*domain.OutboxMessage
	for _, row := range r.rows {
		if row.Status.Claimable() && !row.AvailableAt.After(now) {
			ready = append(ready, row)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].AvailableAt.Equal(ready[j].AvailableAt) {
			return ready[i].ID < ready[j].ID
		}
		return ready[i].AvailableAt.Before(ready[j].AvailableAt)
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}

	claimed := make([]domain.OutboxMessage, 0, len(ready))
	for _, row := range ready {
		row.Status = domain.OutboxStatusSending
		row.Attempts++
		row.AvailableAt = now
		claimed = append(claimed, *row)
	}
	return claimed, nil
}

func (r *OutboxRepository) MarkSentTx(ctx context.Context, q domain.Querier, id int64) error {
	return r.transition(id, domain.OutboxStatusSent, func(row *domain.OutboxMessage) {
		row.LastError = ""
	})
}

func (r *OutboxRepository) MarkRetryTx(ctx context.Context, q domain.Querier, id int64, availableAt time.Time, lastError string) error {
	return r.transition(id, domain.OutboxStatusRetry, func(row *domain.OutboxMessage) {
		if availableAt.After(row.AvailableAt) {
			row.AvailableAt = availableAt
		}
		row.LastError = lastError
	})
}

func (r *OutboxRepository) MarkFailedTx(ctx context.Context, q domain.Querier, id int64, lastError string) error {
	return r.transition(id, domain.OutboxStatusFailed, func(row *domain.OutboxMessage) {
		row.LastError = lastError
	})
}

func (r *OutboxRepository) RequeueStuckSendingTx(ctx context.Context, q domain.Querier, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var requeued int64
	for _, row := range r.rows {
		if row.Status == domain.OutboxStatusSending && !row.AvailableAt.After(cutoff) {
			row.Status = domain.OutboxStatusPending
			requeued++
		}
	}
	return requeued, nil
}

func (r *OutboxRepository) CountByStatus(ctx context.Context, q domain.Querier) (map[domain.OutboxMessageStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[domain.OutboxMessageStatus]int64)
	for _, row := range r.rows {
		counts[row.Status]++
	}
	return counts, nil
}

func (r *OutboxRepository) ListByStatus(ctx context.Context, q domain.Querier, status domain.OutboxMessageStatus, limit int) ([]domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*domain.OutboxMessage
	for _, row := range r.rows {
		if row.Status == status {
			matched = append(matched, row)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]domain.OutboxMessage, 0, len(matched))
	for _, row := range matched {
		out = append(out, *row)
	}
	return out, nil
}

func (r *OutboxRepository) ReplayFailedTx(ctx context.Context, q domain.Querier, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[id]
	if !ok || row.Status != domain.OutboxStatusFailed {
		return domain.ErrMessageNotFound
	}
	row.Status = domain.OutboxStatusPending
	now := time.Now().UTC()
	if now.After(row.AvailableAt) {
		row.AvailableAt = now
	}
	return nil
}

func (r *OutboxRepository) DeleteFailedTx(ctx context.Context, q domain.Querier, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[id]
	if !ok || row.Status != domain.OutboxStatusFailed {
		return domain.ErrMessageNotFound
	}
	delete(r.rows, id)
	return nil
}

// Get returns a copy of one row; test helper.
func (r *OutboxRepository) Get(id int64) (domain.OutboxMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[id]
	if !ok {
		return domain.OutboxMessage{}, false
	}
	return *row, true
}

func (r *OutboxRepository) transition(id int64, to domain.OutboxMessageStatus, mutate func(*domain.OutboxMessage)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.FailNextMark; err != nil {
		r.FailNextMark = nil
		return err
	}

	row, ok := r.rows[id]
	if !ok {
		return domain.ErrMessageNotFound
	}
	if !row.Status.CanTransition(to) {
		return domain.ErrInvalidStatusTransition
	}
	row.Status = to
	mutate(row)
	return nil
}
