// Package ingest feeds row change events into Kafka, from where
// cmd/consumer relays them to the realtime transport.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-feeds/internal/models"
)

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer  MessageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

// NewKafkaProducerWithWriter wraps an existing writer.
func NewKafkaProducerWithWriter(w MessageWriter) *KafkaProducer {
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

// MessageKey keys a change by table and row id so changes to one row stay
// ordered within a partition.
func MessageKey(p models.ChangePayload) []byte {
	return []byte(p.Table + ":" + p.Row().String("id"))
}

// PublishChange writes one change payload.
func (k *KafkaProducer) PublishChange(ctx context.Context, p models.ChangePayload) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: MessageKey(p), Value: b}); err != nil {
		return fmt.Errorf("write change %s: %w", p.Table, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
