// Package events publishes domain events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	k "github.com/segmentio/kafka-go"
)

const TypeMessageCreated = "message.created"

// Event is the JSON envelope written to the topic.
type Event struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurredAt"`
	Data       any       `json:"data"`
}

// Publisher emits events keyed for partitioning.
type Publisher interface {
	Publish(ctx context.Context, key string, ev Event) error
	Close() error
}

// MessageWriter is the subset of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...k.Message) error
	Close() error
}

type KafkaPublisher struct {
	w   MessageWriter
	log zerolog.Logger
}

// NewKafkaWriter builds an async writer for the given brokers and topic.
func NewKafkaWriter(brokers []string, topic string) *k.Writer {
	return &k.Writer{
		Addr:         k.TCP(brokers...),
		Topic:        topic,
		Balancer:     &k.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: k.RequireOne,
		Async:        true,
	}
}

func NewKafkaPublisher(w MessageWriter, log zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{w: w, log: log}
}

func (p *KafkaPublisher) Publish(ctx context.Context, key string, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	err = p.w.WriteMessages(ctx, k.Message{
		Key:   []byte(key),
		Value: value,
		Time:  ev.OccurredAt,
	})
	if err != nil {
		p.log.Warn().Err(err).Str("type", ev.Type).Str("key", key).Msg("Failed to publish event")
	}
	return err
}

func (p *KafkaPublisher) Close() error { return p.w.Close() }

// Nop discards every event. Used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, Event) error { return nil }
func (Nop) Close() error                                 { return nil }
