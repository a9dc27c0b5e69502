package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/trogers1052/stock-history-ingestor/internal/ingest"
	"github.com/trogers1052/stock-history-ingestor/internal/models"
)

// messageWriter is the subset of *kafka.Writer the producer needs
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer handles publishing ingestion events to Kafka
type Producer struct {
	writer messageWriter
	topic  string
	now    func() time.Time
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}

	return &Producer{
		writer: writer,
		topic:  topic,
		now:    time.Now,
	}
}

// PublishIssuerIngested publishes an issuer ingested event. Events are keyed
// by issuer so that one issuer's events stay ordered.
func (p *Producer) PublishIssuerIngested(ctx context.Context, outcome ingest.Outcome) error {
	return p.publish(ctx, outcome.Issuer, newIngestionEvent(outcome, p.now()))
}

func newIngestionEvent(outcome ingest.Outcome, ts time.Time) models.IngestionEvent {
	event := models.IngestionEvent{
		EventType: models.EventIssuerIngested,
		RunID:     outcome.RunID,
		Issuer:    outcome.Issuer,
		AsOf:      models.FormatDate(outcome.AsOf),
		Inserted:  outcome.Inserted,
		Windows:   outcome.Windows,
		Timestamp: ts,
	}
	if outcome.Watermark != nil {
		event.Watermark = models.FormatDate(*outcome.Watermark)
	}
	for _, w := range outcome.FailedWindows {
		event.FailedWindows = append(event.FailedWindows, models.EventWindow{
			From: models.FormatDate(w.Start),
			To:   models.FormatDate(w.End),
		})
	}
	return event
}

func (p *Producer) publish(ctx context.Context, key string, event models.IngestionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	return nil
}

// Close closes the Kafka producer
func (p *Producer) Close() error {
	return p.writer.Close()
}
