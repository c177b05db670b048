package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scds7xdxnd-bit/lifeos-sub001/internal/config"
	"github.com/scds7xdxnd-bit/lifeos-sub001/internal/domain"
	"github.com/scds7xdxnd-bit/lifeos-sub001/internal/repository/outbox_repo"
)

// Processor is the dispatch loop: it claims ready outbox rows, forwards each
// to the event bus, and records the outcome, all inside one batch
// transaction. Any number of processors may run against the same store; the
// claim's row locking keeps their batches disjoint.
type Processor struct {
	uow    domain.UnitOfWork
	repo   outbox_repo.OutboxRepository
	bus    EventBus
	cfg    config.DispatchConfig
	logger *zap.Logger

	now func() time.Time
}

func NewProcessor(
	uow domain.UnitOfWork,
	repo outbox_repo.OutboxRepository,
	bus EventBus,
	cfg config.DispatchConfig,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		uow:    uow,
		repo:   repo,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// ProcessReadyBatch runs one claim-dispatch-record cycle and returns how many
// messages reached a per-batch decision (sent, retry, or failed). A store
// failure rolls the whole batch back, is logged, and yields 0; bus failures
// never escape, they only reschedule the affected message.
func (p *Processor) ProcessReadyBatch(ctx context.Context) int {
	processed := 0
	err := p.uow.WithinTx(ctx, func(q domain.Querier) error {
		now := p.now().UTC()
		claimed, err := p.repo.ClaimReadyBatch(ctx, q, now, p.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to claim batch: %w", err)
		}

		for i := range claimed {
			msg := &claimed[i]
			if msg.Status == domain.OutboxStatusSent {
				// Already delivered by an earlier cycle; never dispatch twice.
				processed++
				continue
			}
			if err := p.dispatchOne(ctx, q, msg); err != nil {
				return err
			}
			processed++
		}
		return nil
	})
	if err != nil {
		p.logger.Error("Outbox batch rolled back", zap.Error(err))
		return 0
	}
	return processed
}

// dispatchOne sends a single claimed message and records the outcome. Only
// store errors are returned; a transport error is recorded on the row and
// absorbed.
func (p *Processor) dispatchOne(ctx context.Context, q domain.Querier, msg *domain.OutboxMessage) error {
	sendErr := p.bus.Dispatch(ctx, msg)
	if sendErr == nil {
		if err := p.repo.MarkSentTx(ctx, q, msg.ID); err != nil {
			return fmt.Errorf("failed to mark message %d sent: %w", msg.ID, err)
		}
		p.logger.Debug("Dispatched outbox message",
			zap.Int64("message_id", msg.ID),
			zap.String("event_type", msg.EventType))
		return nil
	}

	if msg.Attempts >= p.cfg.MaxAttempts {
		if err := p.repo.MarkFailedTx(ctx, q, msg.ID, sendErr.Error()); err != nil {
			return fmt.Errorf("failed to mark message %d failed: %w", msg.ID, err)
		}
		p.logger.Error("Outbox message exhausted attempts, parked as failed",
			zap.Int64("message_id", msg.ID),
			zap.String("event_type", msg.EventType),
			zap.Int("attempts", msg.Attempts),
			zap.Error(sendErr))
		return nil
	}

	delay := ComputeBackoff(msg.Attempts, p.cfg.Backoff, p.cfg.BackoffMultiplier)
	availableAt := p.now().UTC().Add(delay)
	if err := p.repo.MarkRetryTx(ctx, q, msg.ID, availableAt, sendErr.Error()); err != nil {
		return fmt.Errorf("failed to mark message %d for retry: %w", msg.ID, err)
	}
	p.logger.Warn("Outbox dispatch failed, rescheduled",
		zap.Int64("message_id", msg.ID),
		zap.String("event_type", msg.EventType),
		zap.Int("attempts", msg.Attempts),
		zap.Duration("backoff", delay),
		zap.Error(sendErr))
	return nil
}

// Run polls until the context is cancelled. After an empty batch it sleeps
// PollInterval; after a productive one only YieldInterval, so a backlog
// drains quickly and an idle queue is polled lazily. When a sending timeout
// is configured it also runs the stuck-claim reaper on its own ticker.
func (p *Processor) Run(ctx context.Context) {
	p.logger.Info("Starting outbox dispatcher",
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.Duration("poll_interval", p.cfg.PollInterval))

	var wg sync.WaitGroup
	if p.cfg.SendingTimeout > 0 && p.cfg.ReaperInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runReaper(ctx)
		}()
	}
	defer wg.Wait()

	for {
		processed := p.ProcessReadyBatch(ctx)

		wait := p.cfg.PollInterval
		if processed > 0 {
			wait = p.cfg.YieldInterval
		}
		select {
		case <-ctx.Done():
			p.logger.Info("Outbox dispatcher stopped")
			return
		case <-time.After(wait):
		}
	}
}

func (p *Processor) runReaper(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reapStuckSending(ctx)
		}
	}
}

// reapStuckSending requeues rows whose claimant apparently died mid-send.
// Redelivery of an interrupted-but-delivered send is possible here, which
// at-least-once semantics already allow.
func (p *Processor) reapStuckSending(ctx context.Context) {
	err := p.uow.WithinTx(ctx, func(q domain.Querier) error {
		cutoff := p.now().UTC().Add(-p.cfg.SendingTimeout)
		requeued, err := p.repo.RequeueStuckSendingTx(ctx, q, cutoff)
		if err != nil {
			return err
		}
		if requeued > 0 {
			p.logger.Warn("Requeued stuck sending messages", zap.Int64("count", requeued))
		}
		return nil
	})
	if err != nil {
		p.logger.Error("Stuck sending requeue failed", zap.Error(err))
	}
}
