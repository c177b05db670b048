package domain

import (
	"encoding/json"
	"errors"
	"time"
)

type OutboxMessageStatus string

const (
	OutboxStatusPending OutboxMessageStatus = "pending"
	OutboxStatusSending OutboxMessageStatus = "sending"
	OutboxStatusSent    OutboxMessageStatus = "sent"
	OutboxStatusRetry   OutboxMessageStatus = "retry"
	OutboxStatusFailed  OutboxMessageStatus = "failed"
)

var (
	ErrInvalidStatusTransition = errors.New("invalid outbox status transition")
	ErrMessageNotFound         = errors.New("outbox message not found")
)

// OutboxMessage is one row of the outbox table: a domain event recorded in the
// same transaction as the business write that produced it, waiting to be
// relayed to the event bus.
type OutboxMessage struct {
	ID          int64
	UserID      *int64
	EventType   string
	Payload     json.RawMessage
	Status      OutboxMessageStatus
	Attempts    int
	AvailableAt time.Time
	LastError   string
	CreatedAt   time.Time
}

func (s OutboxMessageStatus) Valid() bool {
	switch s {
	case OutboxStatusPending, OutboxStatusSending, OutboxStatusSent, OutboxStatusRetry, OutboxStatusFailed:
		return true
	}
	return false
}

// Claimable reports whether a row in this status may be picked up by the
// dispatcher. Sent and failed are terminal; sending rows belong to an
// in-flight claimant.
func (s OutboxMessageStatus) Claimable() bool {
	return s == OutboxStatusPending || s == OutboxStatusRetry
}

func (s OutboxMessageStatus) Terminal() bool {
	return s == OutboxStatusSent || s == OutboxStatusFailed
}

// CanTransition encodes the lifecycle: pending/retry -> sending on claim,
// sending -> sent|retry|failed on dispatch outcome, sending -> pending when a
// stuck claim is requeued, failed -> pending only through operator replay.
func (s OutboxMessageStatus) CanTransition(to OutboxMessageStatus) bool {
	switch s {
	case OutboxStatusPending, OutboxStatusRetry:
		return to == OutboxStatusSending
	case OutboxStatusSending:
		return to == OutboxStatusSent || to == OutboxStatusRetry || to == OutboxStatusFailed || to == OutboxStatusPending
	case OutboxStatusFailed:
		return to == OutboxStatusPending
	}
	return false
}
