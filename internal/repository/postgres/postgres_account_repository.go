package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aymanebt/medescrow/internal/infrastructure/observability"
	"github.com/aymanebt/medescrow/internal/models"
	"github.com/lib/pq"

	pkgerrors "github.com/aymanebt/medescrow/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type PostgresAccountRepository struct {
	db *sql.DB
}

func NewPostgresAccountRepository(db *sql.DB) *PostgresAccountRepository {
	return &PostgresAccountRepository{db: db}
}

// Create inserts a new account with the configured starting balance of 0;
// funds arrive through the treasury.
func (r *PostgresAccountRepository) Create(ctx context.Context, account *models.Account) error {
	var err error
	tracer := otel.Tracer("account-repository")
	ctx, span := tracer.Start(ctx, "CreateAccount")
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("CreateAccount", status).Inc()
		observability.RepositoryDuration.WithLabelValues("CreateAccount").Observe(time.Since(start).Seconds())
	}()

	if account == nil {
		err = pkgerrors.ErrNilAccount
		return err
	}
	span.SetAttributes(attribute.String("username", account.Username), attribute.String("wallet", string(account.Wallet)))

	query := `INSERT INTO accounts (username, password_hash, wallet, display_name, balance) VALUES ($1, $2, $3, $4, 0) RETURNING id, created_at`
	err = r.db.QueryRowContext(ctx, query, account.Username, account.PasswordHash, string(account.Wallet), account.DisplayName).
		Scan(&account.ID, &account.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if stderrors.As(err, &pqErr) && pqErr.Code == "23505" {
			if pqErr.Constraint == "accounts_wallet_key" {
				err = pkgerrors.ErrWalletExists
			} else {
				err = pkgerrors.ErrUsernameExists
			}
			slog.Warn("account already exists", "method", "Create", "username", account.Username, "error", err)
			return err
		}
		slog.Error("failed to create account", "method", "Create", "username", account.Username, "error", err)
		return fmt.Errorf("failed to create account: %w", err)
	}

	slog.Info("account created", "method", "Create", "id", account.ID, "username", account.Username, "wallet", account.Wallet)
	return nil
}

func (r *PostgresAccountRepository) GetByUsername(ctx context.Context, username string) (*models.Account, error) {
	var err error
	tracer := otel.Tracer("account-repository")
	ctx, span := tracer.Start(ctx, "GetAccountByUsername")
	span.SetAttributes(attribute.String("username", username))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("GetAccountByUsername", status).Inc()
		observability.RepositoryDuration.WithLabelValues("GetAccountByUsername").Observe(time.Since(start).Seconds())
	}()

	var account *models.Account
	account, err = r.get(ctx, `SELECT id, username, password_hash, wallet, display_name, created_at FROM accounts WHERE username = $1`, username)
	return account, err
}

func (r *PostgresAccountRepository) GetByWallet(ctx context.Context, wallet models.Address) (*models.Account, error) {
	var err error
	tracer := otel.Tracer("account-repository")
	ctx, span := tracer.Start(ctx, "GetAccountByWallet")
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
		observability.RepositoryCalls.WithLabelValues("GetAccountByWallet", status).Inc()
		observability.RepositoryDuration.WithLabelValues("GetAccountByWallet").Observe(time.Since(start).Seconds())
	}()

	var account *models.Account
	account, err = r.get(ctx, `SELECT id, username, password_hash, wallet, display_name, created_at FROM accounts WHERE wallet = $1`, string(wallet))
	return account, err
}

func (r *PostgresAccountRepository) get(ctx context.Context, query string, arg any) (*models.Account, error) {
	var account models.Account
	var wallet string
	err := r.db.QueryRowContext(ctx, query, arg).
		Scan(&account.ID, &account.Username, &account.PasswordHash, &wallet, &account.DisplayName, &account.CreatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrAccountNotFound
	}
	if err != nil {
		slog.Error("failed to get account", "method", "get", "error", err)
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	account.Wallet = models.Address(wallet)
	return &account, nil
}
