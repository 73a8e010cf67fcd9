package errors

import (
	"errors"
	"fmt"
)

var (
	// Ledger errors. Each one aborts the whole operation with no state change
	// (except the lazy expiry write in PayRequest, see internal/ledger).
	ErrRequestNotFound     = errors.New("request not found")
	ErrUnauthorized        = errors.New("caller is not authorized for this request")
	ErrAlreadyPaid         = errors.New("request already paid")
	ErrAlreadyCancelled    = errors.New("request already cancelled")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidPayer        = errors.New("invalid payer address")
	ErrRequestExpired      = errors.New("request expired")
	ErrPaymentFailed       = errors.New("value transfer failed")
	ErrInsufficientPayment = errors.New("supplied value is less than the requested amount")
	ErrRequestBusy         = errors.New("request has an operation in progress")

	ErrAccountNotFound         = errors.New("account not found")
	ErrWalletExists            = errors.New("wallet already registered")
	ErrAlertNotFound           = errors.New("alert not found")
	ErrNilAccount              = errors.New("account is nil")
	ErrInvalidEventKind        = errors.New("invalid event kind")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrRequestAlreadyProcessed = errors.New("request already processed")
	ErrInvalidCredentials      = fmt.Errorf("invalid credentials")
	ErrUsernameExists          = fmt.Errorf("username already exists")
	ErrInternal                = fmt.Errorf("internal error")
	ErrInvalidInput            = fmt.Errorf("invalid input")
)
