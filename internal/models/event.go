package models

import "time"

type EventKind string

const (
	EventRequestCreated   EventKind = "request_created"
	EventRequestPaid      EventKind = "request_paid"
	EventRequestCancelled EventKind = "request_cancelled"
)

// Event is one entry of the ledger's append-only log. Seq is assigned by the
// ledger, strictly increasing from 0, and the Request field is a snapshot of
// the request as of the moment the event was committed.
type Event struct {
	Seq       uint64    `json:"seq"`
	Kind      EventKind `json:"kind"`
	Request   Request   `json:"request"`
	EmittedAt time.Time `json:"emitted_at"`
}
