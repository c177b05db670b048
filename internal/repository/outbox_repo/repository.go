package outbox_repo

import (
	"context"
	"time"

	"github.com/scds7xdxnd-bit/lifeos-sub001/internal/domain"
)

// OutboxRepository persists and mutates outbox rows. Every method takes a
// domain.Querier so it can participate in the caller's transaction; in
// particular ClaimReadyBatch must run inside an open transaction that the
// caller commits or rolls back.
type OutboxRepository interface {
	// CreateMessageTx inserts a new pending row and fills in its generated ID.
	CreateMessageTx(ctx context.Context, q domain.Querier, msg *domain.OutboxMessage) error

	// ClaimReadyBatch atomically reserves up to limit rows that are pending or
	// retry with available_at <= now, oldest-ready-first. Claimed rows are
	// transitioned to sending with attempts incremented before they are
	// returned. Rows already locked by a concurrent claimant are skipped, so
	// two racing callers never receive the same row. Zero ready rows yields an
	// empty batch, not an error.
	ClaimReadyBatch(ctx context.Context, q domain.Querier, now time.Time, limit int) ([]domain.OutboxMessage, error)

	// MarkSentTx finalizes a delivered row: status sent, last_error cleared.
	MarkSentTx(ctx context.Context, q domain.Querier, id int64) error

	// MarkRetryTx reschedules a failed attempt: status retry, available_at
	// pushed to the given time, last_error recorded.
	MarkRetryTx(ctx context.Context, q domain.Querier, id int64, availableAt time.Time, lastError string) error

	// MarkFailedTx parks a row terminally after attempts are exhausted.
	MarkFailedTx(ctx context.Context, q domain.Querier, id int64, lastError string) error

	// RequeueStuckSendingTx returns rows stuck in sending since before the
	// cutoff back to pending, and reports how many were requeued. Covers
	// claimants that died mid-send.
	RequeueStuckSendingTx(ctx context.Context, q domain.Querier, cutoff time.Time) (int64, error)

	// CountByStatus reports row counts per status for operational visibility.
	CountByStatus(ctx context.Context, q domain.Querier) (map[domain.OutboxMessageStatus]int64, error)

	// ListByStatus returns up to limit rows in the given status, oldest first.
	ListByStatus(ctx context.Context, q domain.Querier, status domain.OutboxMessageStatus, limit int) ([]domain.OutboxMessage, error)

	// ReplayFailedTx moves a failed row back to pending for redelivery.
	// Returns domain.ErrMessageNotFound if the row is absent or not failed.
	ReplayFailedTx(ctx context.Context, q domain.Querier, id int64) error

	// DeleteFailedTx discards a failed row. Returns domain.ErrMessageNotFound
	// if the row is absent or not failed.
	DeleteFailedTx(ctx context.Context, q domain.Querier, id int64) error
}
