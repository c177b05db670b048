package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/scds7xdxnd-bit/lifeos-sub001/internal/domain"
)

type OutboxRepository struct{}

func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{}
}

const outboxColumns = "id, user_id, event_type, payload, status, attempts, available_at, last_error, created_at"

func (r *OutboxRepository) CreateMessageTx(ctx context.Context, q domain.Querier, msg *domain.OutboxMessage) error {
	query := `
		INSERT INTO outbox_messages (user_id, event_type, payload, status, attempts, available_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	var userID sql.NullInt64
	if msg.UserID != nil {
		userID = sql.NullInt64{Int64: *msg.UserID, Valid: true}
	}

	err := q.QueryRowContext(ctx, query,
		userID,
		msg.EventType,
		[]byte(msg.Payload),
		msg.Status,
		msg.Attempts,
		msg.AvailableAt,
		msg.CreatedAt,
	).Scan(&msg.ID)
	if err != nil {
		return fmt.Errorf("failed to create outbox message: %w", err)
	}
	return nil
}

// ClaimReadyBatch reserves ready rows with a single statement: the inner
// select takes row locks with SKIP LOCKED so concurrent claimants receive
// disjoint batches, and the update moves the winners to sending with attempts
// incremented before they are returned. available_at is stamped with the
// claim time (>= its prior value for any ready row), which is what the
// stuck-sending reaper measures against.
func (r *OutboxRepository) ClaimReadyBatch(ctx context.Context, q domain.Querier, now time.Time, limit int) ([]domain.OutboxMessage, error) {
	query := `
		UPDATE outbox_messages
		SET status = $1, attempts = attempts + 1, available_at = $4
		WHERE id IN (
			SELECT id
			FROM outbox_messages
			WHERE status IN ($2, $3) AND available_at <= $4
			ORDER BY available_at ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + outboxColumns
	rows, err := q.QueryContext(ctx, query,
		domain.OutboxStatusSending,
		domain.OutboxStatusPending,
		domain.OutboxStatusRetry,
		now,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim ready outbox messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (r *OutboxRepository) MarkSentTx(ctx context.Context, q domain.Querier, id int64) error {
	query := `
		UPDATE outbox_messages
		SET status = $1, last_error = NULL
		WHERE id = $2
	`
	return r.execOne(ctx, q, query, domain.OutboxStatusSent, id)
}

func (r *OutboxRepository) MarkRetryTx(ctx context.Context, q domain.Querier, id int64, availableAt time.Time, lastError string) error {
	query := `
		UPDATE outbox_messages
		SET status = $1, available_at = GREATEST(available_at, $2), last_error = $3
		WHERE id = $4
	`
	return r.execOne(ctx, q, query, domain.OutboxStatusRetry, availableAt, lastError, id)
}

func (r *OutboxRepository) MarkFailedTx(ctx context.Context, q domain.Querier, id int64, lastError string) error {
	query := `
		UPDATE outbox_messages
		SET status = $1, last_error = $2
		WHERE id = $3
	`
	return r.execOne(ctx, q, query, domain.OutboxStatusFailed, lastError, id)
}

func (r *OutboxRepository) RequeueStuckSendingTx(ctx context.Context, q domain.Querier, cutoff time.Time) (int64, error) {
	query := `
		UPDATE outbox_messages
		SET status = $1
		WHERE id IN (
			SELECT id
			FROM outbox_messages
			WHERE status = $2 AND available_at <= $3
			FOR UPDATE SKIP LOCKED
		)
	`
	res, err := q.ExecContext(ctx, query, domain.OutboxStatusPending, domain.OutboxStatusSending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stuck sending messages: %w", err)
	}
	requeued, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected for requeue: %w", err)
	}
	return requeued, nil
}

func (r *OutboxRepository) CountByStatus(ctx context.Context, q domain.Querier) (map[domain.OutboxMessageStatus]int64, error) {
	query := `
		SELECT status, COUNT(*)
		FROM outbox_messages
		GROUP BY status
	`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count outbox messages by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.OutboxMessageStatus]int64)
	for rows.Next() {
		var status domain.OutboxMessageStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan outbox status count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox status counts: %w", err)
	}
	return counts, nil
}

func (r *OutboxRepository) ListByStatus(ctx context.Context, q domain.Querier, status domain.OutboxMessageStatus, limit int) ([]domain.OutboxMessage, error) {
	query := `
		SELECT ` + outboxColumns + `
		FROM outbox_messages
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := q.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (r *OutboxRepository) ReplayFailedTx(ctx context.Context, q domain.Querier, id int64) error {
	query := `
		UPDATE outbox_messages
		SET status = $1, available_at = $2
		WHERE id = $3 AND status = $4
	`
	res, err := q.ExecContext(ctx, query, domain.OutboxStatusPending, time.Now().UTC(), id, domain.OutboxStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to replay outbox message %d: %w", id, err)
	}
	return requireOneRow(res, id)
}

func (r *OutboxRepository) DeleteFailedTx(ctx context.Context, q domain.Querier, id int64) error {
	query := `
		DELETE FROM outbox_messages
		WHERE id = $1 AND status = $2
	`
	res, err := q.ExecContext(ctx, query, id, domain.OutboxStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to delete outbox message %d: %w", id, err)
	}
	return requireOneRow(res, id)
}

func (r *OutboxRepository) execOne(ctx context.Context, q domain.Querier, query string, args ...any) error {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update outbox message: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for outbox update: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func requireOneRow(res sql.Result, id int64) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for outbox message %d: %w", id, err)
	}
	if rowsAffected == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]domain.OutboxMessage, error) {
	var messages []domain.OutboxMessage
	for rows.Next() {
		var msg domain.OutboxMessage
		var userID sql.NullInt64
		var lastError sql.NullString
		err := rows.Scan(
			&msg.ID,
			&userID,
			&msg.EventType,
			(*[]byte)(&msg.Payload),
			&msg.Status,
			&msg.Attempts,
			&msg.AvailableAt,
			&lastError,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		if userID.Valid {
			msg.UserID = &userID.Int64
		}
		if lastError.Valid {
			msg.LastError = lastError.String
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox messages: %w", err)
	}
	return messages, nil
}
