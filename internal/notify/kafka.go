package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/segmentio/kafka-go"

	"crguard/internal/crguard"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes summary events to a topic, keyed by CR name.
type Kafka struct {
	w     messageWriter
	topic string
}

// NewKafka creates a Kafka notifier. The writer connects lazily on the first
// publish.
func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		topic: topic,
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: publishTimeout,
		},
	}
}

// Notify publishes the summary event.
func (k *Kafka) Notify(ctx context.Context, s crguard.CRSummary) error {
	payload, err := Encode(s)
	if err != nil {
		return err
	}
	msg := kafka.Message{Key: []byte(s.Name), Value: payload, Time: time.Now().UTC()}
	if err := retry.Do(func() error {
		return k.w.WriteMessages(ctx, msg)
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff),
		retry.Context(ctx), retry.LastErrorOnly(true)); err != nil {
		return fmt.Errorf("failed to publish to kafka topic %s: %w", k.topic, err)
	}
	log.Printf("[INFO] Published CR %s summary to kafka topic %s", s.Name, k.topic)
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.w.Close()
}
