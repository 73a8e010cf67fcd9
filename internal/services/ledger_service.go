package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	stderrors "errors"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aymanebt/medescrow/internal/infrastructure/kafka"
	"github.com/aymanebt/medescrow/internal/infrastructure/observability"
	"github.com/aymanebt/medescrow/internal/infrastructure/redis"
	"github.com/aymanebt/medescrow/internal/ledger"
	"github.com/aymanebt/medescrow/internal/models"
	"github.com/aymanebt/medescrow/internal/repository"
	"github.com/aymanebt/medescrow/internal/treasury"
	pkgerrors "github.com/aymanebt/medescrow/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/crypto/bcrypt"
)

const (
	ledgerEventsTopic = "ledger-events"
	requestCacheTTL   = 10 * time.Second
	idempotencyTTL    = 24 * time.Hour
)

type LedgerService interface {
	Register(ctx context.Context, username, password, wallet, displayName string) (int64, error)
	Login(ctx context.Context, username, password string) (string, error)

	CreateRequest(ctx context.Context, caller, payer models.Address, amount, deadline int64, description string) (uint64, error)
	PayRequest(ctx context.Context, caller models.Address, id uint64, suppliedValue int64, clientRequestID string) error
	CancelRequest(ctx context.Context, caller models.Address, id uint64) error

	GetRequest(ctx context.Context, id uint64) (models.Request, error)
	GetRequesterRequests(ctx context.Context, requester models.Address) []uint64
	GetPayerRequests(ctx context.Context, payer models.Address) []uint64
	IsExpired(ctx context.Context, id uint64) (bool, error)
	NextRequestID(ctx context.Context) uint64

	GetPaymentHistory(ctx context.Context, wallet models.Address) ([]models.Event, error)
	GetAlerts(ctx context.Context, wallet models.Address) ([]models.Alert, error)
	GetBalance(ctx context.Context, wallet models.Address) (int64, error)
}

type ledgerService struct {
	ledger      *ledger.Ledger
	treasury    treasury.Treasury
	accountRepo repository.AccountRepository
	eventRepo   repository.EventRepository
	alertRepo   repository.AlertRepository
	redisClient redis.RedisClient
	jwtSecret   string
}

func NewLedgerService(
	l *ledger.Ledger,
	t treasury.Treasury,
	accountRepo repository.AccountRepository,
	eventRepo repository.EventRepository,
	alertRepo repository.AlertRepository,
	redisClient redis.RedisClient,
	jwtSecret string,
) *ledgerService {
	return &ledgerService{
		ledger:      l,
		treasury:    t,
		accountRepo: accountRepo,
		eventRepo:   eventRepo,
		alertRepo:   alertRepo,
		redisClient: redisClient,
		jwtSecret:   jwtSecret,
	}
}

func (s *ledgerService) Register(ctx context.Context, username, password, wallet, displayName string) (int64, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "Register")
	defer span.End()

	if username == "" || password == "" || wallet == "" {
		span.SetStatus(codes.Error, "empty username, password or wallet")
		return 0, pkgerrors.ErrInvalidInput
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "password hashing failed")
		slog.Error("failed to hash password", "username", username, "error", err)
		return 0, fmt.Errorf("%w: failed to hash password", pkgerrors.ErrInternal)
	}

	account := &models.Account{
		Username:     username,
		PasswordHash: string(hash),
		Wallet:       models.Address(wallet),
		DisplayName:  displayName,
	}
	if err := s.accountRepo.Create(ctx, account); err != nil {
		if stderrors.Is(err, pkgerrors.ErrUsernameExists) || stderrors.Is(err, pkgerrors.ErrWalletExists) {
			span.SetStatus(codes.Error, "account already exists")
			return 0, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "account creation failed")
		slog.Error("failed to create account", "username", username, "error", err)
		return 0, fmt.Errorf("%w: failed to create account", pkgerrors.ErrInternal)
	}

	slog.Info("account registered", "account_id", account.ID, "username", username, "wallet", wallet)
	return account.ID, nil
}

func (s *ledgerService) Login(ctx context.Context, username, password string) (string, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "Login")
	defer span.End()

	account, err := s.accountRepo.GetByUsername(ctx, username)
	if err != nil {
		slog.Error("failed to login", "username", username, "error", err)
		return "", pkgerrors.ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		slog.Error("invalid password", "username", username)
		return "", pkgerrors.ErrInvalidCredentials
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"wallet": string(account.Wallet),
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	tokenString, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		slog.Error("failed to generate JWT", "error", err)
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	if err := s.redisClient.Set(ctx, fmt.Sprintf("wallet:%s:token", account.Wallet), tokenString, time.Hour); err != nil {
		slog.Error("failed to cache JWT", "wallet", account.Wallet, "error", err)
	}

	slog.Info("account logged in", "username", username, "wallet", account.Wallet)
	return tokenString, nil
}

// CreateRequest validates that the payer wallet belongs to a registered
// account, then records the request on the ledger.
func (s *ledgerService) CreateRequest(ctx context.Context, caller, payer models.Address, amount, deadline int64, description string) (uint64, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "CreateRequest")
	defer span.End()

	if payer != models.ZeroAddress {
		if _, err := s.accountRepo.GetByWallet(ctx, payer); err != nil {
			if stderrors.Is(err, pkgerrors.ErrAccountNotFound) {
				span.SetStatus(codes.Error, "payer wallet not registered")
				slog.Warn("payer wallet not registered", "payer", payer)
				return 0, pkgerrors.ErrInvalidPayer
			}
			span.RecordError(err)
			return 0, fmt.Errorf("%w: failed to resolve payer", pkgerrors.ErrInternal)
		}
	}

	id, err := s.ledger.CreateRequest(ctx, caller, payer, amount, deadline, description)
	outcome := "success"
	if err != nil {
		outcome = "error"
		span.SetStatus(codes.Error, err.Error())
	}
	observability.LedgerOperations.WithLabelValues("create", outcome).Inc()
	return id, err
}

// PayRequest deposits the supplied value into escrow custody and settles the
// request on the ledger. A failed settlement refunds the deposit. The
// optional clientRequestID deduplicates retried submissions.
func (s *ledgerService) PayRequest(ctx context.Context, caller models.Address, id uint64, suppliedValue int64, clientRequestID string) error {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "PayRequest")
	defer span.End()

	var requestKey string
	if clientRequestID != "" {
		requestKey = fmt.Sprintf("payreq:%s", clientRequestID)
		ok, err := s.redisClient.SetNX(ctx, requestKey, "pending", idempotencyTTL)
		if err != nil {
			span.RecordError(err)
			slog.Error("failed to claim request key", "request_id", clientRequestID, "error", err)
			return err
		}
		if !ok {
			span.SetStatus(codes.Error, "request already processed")
			slog.Warn("request already processed", "request_id", clientRequestID, "payer", caller)
			return pkgerrors.ErrRequestAlreadyProcessed
		}
	}

	fail := func(err error) error {
		if requestKey != "" {
			s.redisClient.Del(ctx, requestKey)
		}
		span.SetStatus(codes.Error, err.Error())
		observability.LedgerOperations.WithLabelValues("pay", "error").Inc()
		return err
	}

	if suppliedValue < 0 {
		return fail(pkgerrors.ErrInvalidAmount)
	}
	// The supplied value enters escrow custody first; the ledger then decides
	// whether the request can actually be settled with it.
	if suppliedValue > 0 {
		if err := s.treasury.Deposit(ctx, caller, suppliedValue); err != nil {
			slog.Error("deposit failed", "payer", caller, "amount", suppliedValue, "error", err)
			return fail(err)
		}
	}

	if err := s.ledger.PayRequest(ctx, caller, id, suppliedValue); err != nil {
		if suppliedValue > 0 {
			if refundErr := s.treasury.Refund(ctx, caller, suppliedValue); refundErr != nil {
				slog.Error("failed to refund rejected deposit", "payer", caller, "amount", suppliedValue, "error", refundErr)
			}
		}
		// A rejected payment can itself move the request past its deadline;
		// a cached pending snapshot would now be stale.
		if stderrors.Is(err, pkgerrors.ErrRequestExpired) {
			s.redisClient.Del(ctx, requestCacheKey(id))
		}
		return fail(err)
	}

	s.redisClient.Del(ctx, requestCacheKey(id))
	observability.LedgerOperations.WithLabelValues("pay", "success").Inc()
	slog.Info("request paid", "request_id", id, "payer", caller, "supplied", suppliedValue)
	return nil
}

func (s *ledgerService) CancelRequest(ctx context.Context, caller models.Address, id uint64) error {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "CancelRequest")
	defer span.End()

	err := s.ledger.CancelRequest(ctx, caller, id)
	outcome := "success"
	if err != nil {
		outcome = "error"
		span.SetStatus(codes.Error, err.Error())
	} else {
		s.redisClient.Del(ctx, requestCacheKey(id))
	}
	observability.LedgerOperations.WithLabelValues("cancel", outcome).Inc()
	return err
}

func (s *ledgerService) GetRequest(ctx context.Context, id uint64) (models.Request, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "GetRequest")
	defer span.End()

	cacheKey := requestCacheKey(id)
	if cached, err := s.redisClient.Get(ctx, cacheKey); err == nil {
		var req models.Request
		if err := json.Unmarshal([]byte(cached), &req); err == nil {
			return req, nil
		}
		slog.Error("failed to unmarshal cached request", "request_id", id)
	}

	req, err := s.ledger.GetRequest(id)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return models.Request{}, err
	}

	if encoded, err := json.Marshal(req); err == nil {
		if err := s.redisClient.Set(ctx, cacheKey, string(encoded), requestCacheTTL); err != nil {
			slog.Error("failed to cache request", "request_id", id, "error", err)
		}
	}
	return req, nil
}

func (s *ledgerService) GetRequesterRequests(ctx context.Context, requester models.Address) []uint64 {
	return s.ledger.GetRequesterRequests(requester)
}

func (s *ledgerService) GetPayerRequests(ctx context.Context, payer models.Address) []uint64 {
	return s.ledger.GetPayerRequests(payer)
}

func (s *ledgerService) IsExpired(ctx context.Context, id uint64) (bool, error) {
	return s.ledger.IsExpired(id)
}

func (s *ledgerService) NextRequestID(ctx context.Context) uint64 {
	return s.ledger.NextRequestID()
}

// GetPaymentHistory returns the settled payments a wallet took part in, read
// from the persisted event log.
func (s *ledgerService) GetPaymentHistory(ctx context.Context, wallet models.Address) ([]models.Event, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "GetPaymentHistory")
	defer span.End()

	events, err := s.eventRepo.ListByWallet(ctx, wallet, models.EventRequestPaid)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		slog.Error("failed to get payment history", "wallet", wallet, "error", err)
		return nil, err
	}
	slog.Info("payment history retrieved", "wallet", wallet, "count", len(events))
	return events, nil
}

func (s *ledgerService) GetAlerts(ctx context.Context, wallet models.Address) ([]models.Alert, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "GetAlerts")
	defer span.End()

	alerts, err := s.alertRepo.ListByWallet(ctx, wallet)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		slog.Error("failed to get alerts", "wallet", wallet, "error", err)
		return nil, err
	}
	return alerts, nil
}

func (s *ledgerService) GetBalance(ctx context.Context, wallet models.Address) (int64, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "GetBalance")
	defer span.End()

	balance, err := s.treasury.Balance(ctx, wallet)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		slog.Error("failed to get balance", "wallet", wallet, "error", err)
		return 0, err
	}
	return balance, nil
}

func requestCacheKey(id uint64) string {
	return fmt.Sprintf("request:%d", id)
}

// EventSink fans committed ledger events out to Kafka for off-ledger
// consumers. Durability is not its concern: events are written to Postgres by
// the treasury, inside the same transaction as the transfers they seal.
type EventSink struct {
	producer kafka.KafkaProducer
}

func NewEventSink(producer kafka.KafkaProducer) *EventSink {
	return &EventSink{producer: producer}
}

var _ ledger.EventSink = (*EventSink)(nil)

func (s *EventSink) Publish(ctx context.Context, event models.Event) {
	if s.producer == nil {
		return
	}
	eventBytes, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal ledger event", "seq", event.Seq, "error", err)
		return
	}
	go func() {
		retries := 3
		for i := 0; i < retries; i++ {
			if err := s.producer.Send(context.Background(), ledgerEventsTopic, event.Seq, eventBytes); err == nil {
				return
			}
			time.Sleep(time.Second * time.Duration(i+1))
		}
		slog.Error("failed to publish ledger event after retries", "seq", event.Seq, "kind", event.Kind)
	}()
}
