package kafka

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/segmentio/kafka-go"
)

// KafkaProducer publishes committed ledger events keyed by their sequence
// number, so a partition preserves log order.
type KafkaProducer interface {
	Send(ctx context.Context, topic string, seq uint64, value []byte) error
	Close() error
}

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		Async:        true,
		RequiredAcks: kafka.RequireOne,
	}
	return &Producer{writer: writer}
}

func (p *Producer) Send(ctx context.Context, topic string, seq uint64, value []byte) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(strconv.FormatUint(seq, 10)),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		slog.Error("failed to publish ledger event", "topic", topic, "seq", seq, "error", err)
		return err
	}
	slog.Info("ledger event published", "topic", topic, "seq", seq)
	return nil
}

func (p *Producer) Close() error {
	if err := p.writer.Close(); err != nil {
		slog.Error("failed to close Kafka writer", "error", err)
		return err
	}
	slog.Info("Kafka writer closed")
	return nil
}
