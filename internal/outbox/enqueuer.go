package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scds7xdxnd-bit/lifeos-sub001/internal/domain"
	"github.com/scds7xdxnd-bit/lifeos-sub001/internal/repository/outbox_repo"
)

// Enqueuer is the write side of the outbox. Domain services call Enqueue with
// the querier of their own open transaction, so the event row commits or
// rolls back together with the business write that produced it. No network
// I/O happens here.
type Enqueuer struct {
	repo   outbox_repo.OutboxRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewEnqueuer(repo outbox_repo.OutboxRepository, logger *zap.Logger) *Enqueuer {
	return &Enqueuer{repo: repo, logger: logger, now: time.Now}
}

func (e *Enqueuer) Enqueue(ctx context.Context, q domain.Querier, eventType string, payload any, userID *int64) (*domain.OutboxMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload for event %s: %w", eventType, err)
	}

	now := e.now().UTC()
	msg := &domain.OutboxMessage{
		UserID:      userID,
		EventType:   eventType,
		Payload:     raw,
		Status:      domain.OutboxStatusPending,
		Attempts:    0,
		AvailableAt: now,
		CreatedAt:   now,
	}
	if err := e.repo.CreateMessageTx(ctx, q, msg); err != nil {
		return nil, fmt.Errorf("failed to enqueue event %s: %w", eventType, err)
	}

	e.logger.Debug("Enqueued outbox message",
		zap.Int64("message_id", msg.ID),
		zap.String("event_type", eventType))
	return msg, nil
}
