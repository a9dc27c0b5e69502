package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/trogers1052/stock-history-ingestor/internal/models"
)

// IssuerRepository defines the database operations the discovery consumer needs
type IssuerRepository interface {
	RegisterIssuer(ctx context.Context, issuer string) (bool, error)
}

// messageReader is the subset of *kafka.Reader the consumer needs
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// DiscoveryConsumer registers issuers announced on the discovery topic so
// that the next ingestion run picks them up.
type DiscoveryConsumer struct {
	reader messageReader
	topic  string
	repo   IssuerRepository
	log    zerolog.Logger
}

// NewDiscoveryConsumer creates a new Kafka consumer for issuer events
func NewDiscoveryConsumer(brokers []string, topic, groupID string, repo IssuerRepository, log zerolog.Logger) *DiscoveryConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: time.Second,
	})

	return &DiscoveryConsumer{
		reader: reader,
		topic:  topic,
		repo:   repo,
		log:    log.With().Str("component", "discovery").Logger(),
	}
}

// Start begins consuming messages from Kafka. It returns when ctx is done.
func (c *DiscoveryConsumer) Start(ctx context.Context) error {
	c.log.Info().Str("topic", c.topic).Msg("Starting discovery consumer")

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("Discovery consumer shutting down")
			return c.reader.Close()
		default:
			msg, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil // Context cancelled, normal shutdown
				}
				c.log.Error().Err(err).Msg("Error reading message")
				continue
			}

			if err := c.processMessage(ctx, msg); err != nil {
				c.log.Error().Err(err).Int64("offset", msg.Offset).Msg("Error processing message")
			}
		}
	}
}

// processMessage handles a single Kafka message
func (c *DiscoveryConsumer) processMessage(ctx context.Context, msg kafka.Message) error {
	var event models.IssuerEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal issuer event: %w", err)
	}

	if event.EventType != models.EventIssuerListed {
		c.log.Debug().Str("event_type", event.EventType).Msg("Ignoring event")
		return nil
	}

	issuer := strings.ToUpper(strings.TrimSpace(event.Issuer))
	if !models.ValidIssuerCode(issuer) {
		c.log.Warn().Str("issuer", event.Issuer).Msg("Ignoring invalid issuer code")
		return nil
	}

	created, err := c.repo.RegisterIssuer(ctx, issuer)
	if err != nil {
		return fmt.Errorf("failed to register issuer %s: %w", issuer, err)
	}
	if created {
		c.log.Info().Str("issuer", issuer).Msg("Registered new issuer")
	}
	return nil
}

// Close closes the Kafka consumer
func (c *DiscoveryConsumer) Close() error {
	return c.reader.Close()
}
