package models

import "time"

// Address identifies a party on the ledger. Addresses are opaque wallet
// strings, compared for equality only. The empty string is the zero address
// and never names a real party.
type Address string

const ZeroAddress Address = ""

type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusCancelled || s == StatusExpired
}

// Request is a payment request held in escrow custody. All fields except
// Status and PaidAt are immutable after creation.
type Request struct {
	ID          uint64    `json:"id"`
	Requester   Address   `json:"requester"`
	Payer       Address   `json:"payer"`
	Amount      int64     `json:"amount"`
	Deadline    int64     `json:"deadline,omitempty"` // unix seconds, 0 = no deadline
	Status      Status    `json:"status"`
	PaidAt      time.Time `json:"paid_at,omitzero"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
