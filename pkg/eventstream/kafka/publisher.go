// Package kafka implements the eventstream publisher on Apache Kafka via
// segmentio/kafka-go.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/papercomputeco/spool/pkg/eventstream"
)

// DefaultTopic is the topic stream lifecycle events are published to when
// none is configured.
const DefaultTopic = "spool.stream.finished"

// Config configures the Kafka publisher.
type Config struct {
	// Brokers is the list of bootstrap broker addresses.
	Brokers []string

	// Topic is the destination topic (defaults to DefaultTopic).
	Topic string
}

// Publisher publishes stream lifecycle events to a Kafka topic. Messages
// are keyed by stream id so events for one stream stay ordered within a
// partition.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher creates a Kafka-backed publisher.
func NewPublisher(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}

	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers...),
			Topic:    cfg.Topic,
			Balancer: &kafka.LeastBytes{},
		},
	}, nil
}

// PublishStreamFinished serializes the event as JSON and writes it keyed by
// stream id.
func (p *Publisher) PublishStreamFinished(ctx context.Context, event *eventstream.StreamFinishedEvent) error {
	if event == nil {
		return eventstream.ErrNilEvent
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.StreamID),
		Value: payload,
	}); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

var _ eventstream.Publisher = (*Publisher)(nil)
