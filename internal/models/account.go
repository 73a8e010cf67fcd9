package models

import "time"

// Account is a registered party (a clinic requesting payments or a patient
// settling them). The wallet address is the identity the ledger sees.
type Account struct {
	ID           int64
	Username     string
	PasswordHash string
	Wallet       Address
	DisplayName  string
	CreatedAt    time.Time
}
