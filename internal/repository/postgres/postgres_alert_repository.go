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

type PostgresAlertRepository struct {
	db *sql.DB
}

func NewPostgresAlertRepository(db *sql.DB) *PostgresAlertRepository {
	return &PostgresAlertRepository{db: db}
}

func (r *PostgresAlertRepository) Create(ctx context.Context, alert *models.Alert) (int64, error) {
	var err error
	tracer := otel.Tracer("alert-repository")
	ctx, span := tracer.Start(ctx, "CreateAlert")
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("CreateAlert", status).Inc()
		observability.RepositoryDuration.WithLabelValues("CreateAlert").Observe(time.Since(start).Seconds())
	}()

	if alert == nil {
		err = fmt.Errorf("alert is nil")
		return 0, err
	}
	span.SetAttributes(
		attribute.String("wallet", string(alert.Wallet)),
		attribute.Int64("request_id", int64(alert.RequestID)),
		attribute.String("kind", string(alert.Kind)),
	)

	query := `INSERT INTO alerts (wallet, request_id, kind, message) VALUES ($1, $2, $3, $4) RETURNING id, created_at`
	err = r.db.QueryRowContext(ctx, query, string(alert.Wallet), alert.RequestID, alert.Kind, alert.Message).
		Scan(&alert.ID, &alert.CreatedAt)
	if err != nil {
		slog.Error("failed to create alert", "method", "Create", "wallet", alert.Wallet, "request_id", alert.RequestID, "error", err)
		return 0, fmt.Errorf("failed to create alert: %w", err)
	}

	slog.Info("alert created", "method", "Create", "id", alert.ID, "wallet", alert.Wallet, "request_id", alert.RequestID)
	return alert.ID, nil
}

func (r *PostgresAlertRepository) ListByWallet(ctx context.Context, wallet models.Address) ([]models.Alert, error) {
	var err error
	tracer := otel.Tracer("alert-repository")
	ctx, span := tracer.Start(ctx, "ListAlertsByWallet")
	span.SetAttributes(attribute.String("wallet", string(wallet)))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("ListAlertsByWallet", status).Inc()
		observability.RepositoryDuration.WithLabelValues("ListAlertsByWallet").Observe(time.Since(start).Seconds())
	}()

	query := `SELECT id, wallet, request_id, kind, message, created_at FROM alerts WHERE wallet = $1 ORDER BY id ASC`
	rows, err := r.db.QueryContext(ctx, query, string(wallet))
	if err != nil {
		slog.Error("failed to list alerts", "method", "ListByWallet", "wallet", wallet, "error", err)
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var alert models.Alert
		var walletCol string
		if err = rows.Scan(&alert.ID, &walletCol, &alert.RequestID, &alert.Kind, &alert.Message, &alert.CreatedAt); err != nil {
			slog.Error("failed to scan alert", "method", "ListByWallet", "error", err)
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alert.Wallet = models.Address(walletCol)
		alerts = append(alerts, alert)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}
	return alerts, nil
}
