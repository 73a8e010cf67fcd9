package models

import "time"

// Alert is an off-ledger notification row produced by the event consumer when
// a request reaches a terminal state.
type Alert struct {
	ID        int64     `json:"id"`
	Wallet    Address   `json:"wallet"`
	RequestID uint64    `json:"request_id"`
	Kind      EventKind `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
