package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/aymanebt/medescrow/internal/infrastructure/observability"
	"github.com/aymanebt/medescrow/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const eventColumns = `seq, kind, request_id, requester, payer, amount, deadline, status, paid_at, description, request_created_at, emitted_at`

type PostgresEventRepository struct {
	db *sql.DB
}

func NewPostgresEventRepository(db *sql.DB) *PostgresEventRepository {
	return &PostgresEventRepository{db: db}
}

func (r *PostgresEventRepository) ReplayAll(ctx context.Context) ([]models.Event, error) {
	var err error
	tracer := otel.Tracer("event-repository")
	ctx, span := tracer.Start(ctx, "ReplayAllEvents")
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("ReplayAllEvents", status).Inc()
		observability.RepositoryDuration.WithLabelValues("ReplayAllEvents").Observe(time.Since(start).Seconds())
	}()

	query := `SELECT ` + eventColumns + ` FROM ledger_events ORDER BY seq ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		slog.Error("failed to replay ledger events", "method", "ReplayAll", "error", err)
		return nil, fmt.Errorf("failed to replay ledger events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		slog.Error("failed to scan ledger events", "method", "ReplayAll", "error", err)
		return nil, err
	}

	slog.Info("ledger events replayed", "method", "ReplayAll", "count", len(events))
	return events, nil
}

func (r *PostgresEventRepository) ListByWallet(ctx context.Context, wallet models.Address, kind models.EventKind) ([]models.Event, error) {
	var err error
	tracer := otel.Tracer("event-repository")
	ctx, span := tracer.Start(ctx, "ListEventsByWallet")
	span.SetAttributes(attribute.String("wallet", string(wallet)), attribute.String("kind", string(kind)))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("ListEventsByWallet", status).Inc()
		observability.RepositoryDuration.WithLabelValues("ListEventsByWallet").Observe(time.Since(start).Seconds())
	}()

	query := `SELECT ` + eventColumns + ` FROM ledger_events WHERE (requester = $1 OR payer = $1) AND kind = $2 ORDER BY seq ASC`
	rows, err := r.db.QueryContext(ctx, query, string(wallet), kind)
	if err != nil {
		slog.Error("failed to list ledger events", "method", "ListByWallet", "wallet", wallet, "error", err)
		return nil, fmt.Errorf("failed to list ledger events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		slog.Error("failed to scan ledger events", "method", "ListByWallet", "wallet", wallet, "error", err)
		return nil, err
	}
	return events, nil
}

func scanEvents(rows *sql.Rows) ([]models.Event, error) {
	var events []models.Event
	for rows.Next() {
		var (
			event     models.Event
			requester string
			payer     string
			paidAt    sql.NullTime
		)
		if err := rows.Scan(&event.Seq, &event.Kind, &event.Request.ID, &requester, &payer,
			&event.Request.Amount, &event.Request.Deadline, &event.Request.Status, &paidAt,
			&event.Request.Description, &event.Request.CreatedAt, &event.EmittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger event: %w", err)
		}
		event.Request.Requester = models.Address(requester)
		event.Request.Payer = models.Address(payer)
		if paidAt.Valid {
			event.Request.PaidAt = paidAt.Time
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger events: %w", err)
	}
	return events, nil
}
