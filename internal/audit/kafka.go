package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// emitTimeout bounds a single produce so a slow broker cannot stall a flow.
const emitTimeout = 2 * time.Second

// KafkaEmitter produces audit events to a Kafka topic.
type KafkaEmitter struct {
	writer *kafka.Writer
	logger zerolog.Logger
}

// NewKafkaEmitter creates a Kafka-backed audit emitter. The returned emitter
// must be closed on shutdown to flush buffered messages.
func NewKafkaEmitter(brokers []string, topic, clientID string, logger zerolog.Logger) *KafkaEmitter {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Transport:    &kafka.Transport{ClientID: clientID},
	}
	return &KafkaEmitter{
		writer: writer,
		logger: logger.With().Str("component", "audit-kafka").Logger(),
	}
}

// Emit produces the event. Failures are logged and returned; callers treat
// them as non-fatal.
func (e *KafkaEmitter) Emit(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, emitTimeout)
	defer cancel()

	err = e.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.EventID.String()),
		Value: payload,
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("action", event.Action).Msg("audit emit failed")
		return fmt.Errorf("audit: write message: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (e *KafkaEmitter) Close() error {
	return e.writer.Close()
}
