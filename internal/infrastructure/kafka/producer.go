package kafka_infra

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/scds7xdxnd-bit/lifeos-sub001/internal/domain"
)

// Envelope is the wire format published to the events topic. The payload is
// forwarded as-is; the surrounding metadata lets subscribers deduplicate
// under at-least-once delivery.
type Envelope struct {
	MessageID  string          `json:"message_id"`
	OutboxID   int64           `json:"outbox_id"`
	UserID     *int64          `json:"user_id,omitempty"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Producer publishes outbox messages to Kafka; it is the event bus adapter
// the dispatch loop calls once per attempt.
type Producer struct {
	writer *kafka.Writer
	topic  string
	logger *zap.Logger
}

func NewProducer(brokers []string, topic string, logger *zap.Logger) *Producer {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Balancer: &kafka.Hash{},
	})
	return &Producer{writer: writer, topic: topic, logger: logger}
}

// Dispatch writes one message to the topic. Messages for the same user hash
// to the same partition, keeping per-user delivery roughly ordered; system
// events key on the outbox id. Any write error means not delivered.
func (p *Producer) Dispatch(ctx context.Context, msg *domain.OutboxMessage) error {
	envelope := Envelope{
		MessageID:  uuid.NewString(),
		OutboxID:   msg.ID,
		UserID:     msg.UserID,
		EventType:  msg.EventType,
		Payload:    msg.Payload,
		Attempts:   msg.Attempts,
		OccurredAt: msg.CreatedAt,
	}
	value, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope for message %d: %w", msg.ID, err)
	}

	key := strconv.FormatInt(msg.ID, 10)
	if msg.UserID != nil {
		key = strconv.FormatInt(*msg.UserID, 10)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topic,
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		p.logger.Error("Failed to produce message to Kafka topic",
			zap.String("topic", p.topic),
			zap.Int64("message_id", msg.ID),
			zap.Error(err))
		return fmt.Errorf("failed to produce message %d: %w", msg.ID, err)
	}
	p.logger.Debug("Produced message to topic",
		zap.String("topic", p.topic),
		zap.String("event_type", msg.EventType))
	return nil
}

func (p *Producer) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}
