package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aymanebt/medescrow/internal/models"
	"github.com/aymanebt/medescrow/internal/repository"
	"github.com/segmentio/kafka-go"
)

// Consumer reads committed ledger events from the ledger-events topic and
// materializes alert rows for the parties involved. It is an off-ledger
// indexer: it only sees the event log, never ledger internals.
type Consumer struct {
	reader    *kafka.Reader
	alertRepo repository.AlertRepository
}

func NewConsumer(brokers []string, topic, groupID string, alertRepo repository.AlertRepository) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 10e3,
			MaxBytes: 10e6,
		}),
		alertRepo: alertRepo,
	}
}

func (c *Consumer) Consume(ctx context.Context) {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("failed to read Kafka message", "topic", c.reader.Config().Topic, "error", err)
			continue
		}

		slog.Info("Kafka message received", "topic", msg.Topic, "key", string(msg.Key))

		var event models.Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			slog.Error("failed to unmarshal ledger event", "error", err)
			continue
		}

		for _, alert := range alertsFor(event) {
			a := alert
			if _, err := c.alertRepo.Create(ctx, &a); err != nil {
				slog.Error("failed to create alert", "wallet", a.Wallet, "request_id", a.RequestID, "error", err)
				// TODO: Send to dead-letter queue
				continue
			}
			slog.Info("alert stored", "wallet", a.Wallet, "request_id", a.RequestID, "kind", a.Kind)
		}
	}
}

// alertsFor maps one ledger event to the alert rows it produces: the payer
// hears about new and cancelled requests, the requester about settlements.
func alertsFor(event models.Event) []models.Alert {
	req := event.Request
	switch event.Kind {
	case models.EventRequestCreated:
		return []models.Alert{{
			Wallet:    req.Payer,
			RequestID: req.ID,
			Kind:      event.Kind,
			Message:   fmt.Sprintf("payment of %d requested by %s", req.Amount, req.Requester),
		}}
	case models.EventRequestPaid:
		return []models.Alert{{
			Wallet:    req.Requester,
			RequestID: req.ID,
			Kind:      event.Kind,
			Message:   fmt.Sprintf("request %d settled for %d by %s", req.ID, req.Amount, req.Payer),
		}}
	case models.EventRequestCancelled:
		return []models.Alert{{
			Wallet:    req.Payer,
			RequestID: req.ID,
			Kind:      event.Kind,
			Message:   fmt.Sprintf("request %d cancelled by %s", req.ID, req.Requester),
		}}
	default:
		slog.Error("unknown ledger event kind", "kind", event.Kind)
		return nil
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
