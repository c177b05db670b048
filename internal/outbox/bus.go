package outbox

import (
	"context"

	"github.com/scds7xdxnd-bit/lifeos-sub001/internal/domain"
)

// EventBus abstracts the transport the dispatch loop forwards messages to.
// Dispatch returns nil only when the transport accepted the message; any
// error means not delivered and is treated as a transient send failure for
// backoff purposes. No partial outcome is exposed, so subscribers must
// consume idempotently under at-least-once delivery.
type EventBus interface {
	Dispatch(ctx context.Context, msg *domain.OutboxMessage) error
}
