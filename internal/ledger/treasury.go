package ledger

import (
	"context"

	"github.com/aymanebt/medescrow/internal/models"
)

// Treasury moves value out of the ledger's custody. A single ledger operation
// may issue several transfers (settlement plus over-payment refund); they are
// grouped in a TreasuryTx so that either all of them land or none do.
type Treasury interface {
	Begin(ctx context.Context) (TreasuryTx, error)
}

// TreasuryTx is one all-or-nothing group of transfers. A Transfer never moves
// funds partially; Record stages the ledger event that seals the group, so a
// settlement and its log entry become durable together. Commit makes the whole
// group durable, Rollback discards it.
type TreasuryTx interface {
	Transfer(ctx context.Context, recipient models.Address, amount int64) error
	Record(ctx context.Context, event models.Event) error
	Commit() error
	Rollback() error
}

// EventSink receives every committed ledger event, in log order, for
// best-effort fanout (message brokers, indexers). Durability is the
// treasury's job, not the sink's. Sinks run after the operation's state is
// committed and must not call back into the ledger's mutating operations.
type EventSink interface {
	Publish(ctx context.Context, event models.Event)
}
