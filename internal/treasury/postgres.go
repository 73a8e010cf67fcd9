package treasury

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/aymanebt/medescrow/internal/infrastructure/observability"
	"github.com/aymanebt/medescrow/internal/ledger"
	"github.com/aymanebt/medescrow/internal/models"
	pkgerrors "github.com/aymanebt/medescrow/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// EscrowWallet is the pool account holding funds in the ledger's custody.
const EscrowWallet = models.Address("escrow:pool")

// PostgresTreasury keeps wallet balances in the accounts table. A TreasuryTx
// is a database transaction, so a settlement and its refund land or roll back
// together.
type PostgresTreasury struct {
	db *sql.DB
}

func NewPostgresTreasury(db *sql.DB) *PostgresTreasury {
	return &PostgresTreasury{db: db}
}

func (t *PostgresTreasury) Begin(ctx context.Context) (ledger.TreasuryTx, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin treasury tx: %w", err)
	}
	return &postgresTreasuryTx{tx: tx}, nil
}

// Deposit moves suppliedValue from a payer's wallet into escrow custody ahead
// of settlement.
func (t *PostgresTreasury) Deposit(ctx context.Context, from models.Address, amount int64) error {
	var err error
	tracer := otel.Tracer("treasury")
	ctx, span := tracer.Start(ctx, "Deposit")
	span.SetAttributes(attribute.String("from", string(from)), attribute.Int64("amount", amount))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("TreasuryDeposit", status).Inc()
		observability.RepositoryDuration.WithLabelValues("TreasuryDeposit").Observe(time.Since(start).Seconds())
	}()

	if amount <= 0 {
		err = pkgerrors.ErrInvalidAmount
		return err
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin deposit tx: %w", err)
	}
	if err = debit(ctx, tx, from, amount); err != nil {
		tx.Rollback()
		slog.Error("deposit debit failed", "from", from, "amount", amount, "error", err)
		return err
	}
	if err = credit(ctx, tx, EscrowWallet, amount); err != nil {
		tx.Rollback()
		slog.Error("deposit credit failed", "amount", amount, "error", err)
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit deposit: %w", err)
	}
	slog.Info("deposit into escrow", "from", from, "amount", amount)
	return nil
}

// Refund returns custody funds to a wallet outside a settlement, used to
// compensate a deposit when the ledger rejects the payment.
func (t *PostgresTreasury) Refund(ctx context.Context, to models.Address, amount int64) error {
	tx, err := t.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.Transfer(ctx, to, amount); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Balance reads a wallet's current balance.
func (t *PostgresTreasury) Balance(ctx context.Context, wallet models.Address) (int64, error) {
	var balance int64
	err := t.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE wallet = $1`, string(wallet)).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, pkgerrors.ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

type postgresTreasuryTx struct {
	tx *sql.Tx
}

func (p *postgresTreasuryTx) Transfer(ctx context.Context, recipient models.Address, amount int64) error {
	if amount <= 0 {
		return pkgerrors.ErrInvalidAmount
	}
	if err := debit(ctx, p.tx, EscrowWallet, amount); err != nil {
		return err
	}
	return credit(ctx, p.tx, recipient, amount)
}

// Record inserts the ledger event into the same transaction as the
// transfers, so a settlement and its log entry are durable together.
func (p *postgresTreasuryTx) Record(ctx context.Context, event models.Event) error {
	switch event.Kind {
	case models.EventRequestCreated, models.EventRequestPaid, models.EventRequestCancelled:
	default:
		return fmt.Errorf("%w: %q", pkgerrors.ErrInvalidEventKind, event.Kind)
	}

	req := event.Request
	var paidAt sql.NullTime
	if !req.PaidAt.IsZero() {
		paidAt = sql.NullTime{Time: req.PaidAt, Valid: true}
	}
	_, err := p.tx.ExecContext(ctx,
		`INSERT INTO ledger_events (seq, kind, request_id, requester, payer, amount, deadline, status, paid_at, description, request_created_at, emitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		event.Seq, event.Kind, req.ID, string(req.Requester), string(req.Payer),
		req.Amount, req.Deadline, req.Status, paidAt, req.Description, req.CreatedAt, event.EmittedAt)
	if err != nil {
		return fmt.Errorf("record event %d: %w", event.Seq, err)
	}
	return nil
}

func (p *postgresTreasuryTx) Commit() error {
	return p.tx.Commit()
}

func (p *postgresTreasuryTx) Rollback() error {
	return p.tx.Rollback()
}

func debit(ctx context.Context, tx *sql.Tx, wallet models.Address, amount int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = balance - $1 WHERE wallet = $2 AND balance >= $1`,
		amount, string(wallet))
	if err != nil {
		return fmt.Errorf("debit %s: %w", wallet, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("debit %s: %w", wallet, err)
	}
	if affected == 0 {
		return pkgerrors.ErrInsufficientFunds
	}
	return nil
}

func credit(ctx context.Context, tx *sql.Tx, wallet models.Address, amount int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = balance + $1 WHERE wallet = $2`,
		amount, string(wallet))
	if err != nil {
		return fmt.Errorf("credit %s: %w", wallet, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("credit %s: %w", wallet, err)
	}
	if affected == 0 {
		return pkgerrors.ErrAccountNotFound
	}
	return nil
}
