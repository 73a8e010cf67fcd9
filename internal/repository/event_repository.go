package repository

import (
	"context"

	"github.com/aymanebt/medescrow/internal/models"
)

// EventRepository reads the ledger's durable event log. Rows are written by
// the treasury, in the same transaction as the transfers they seal. ReplayAll
// returns every event in sequence order so ledger state can be rebuilt after
// a restart.
type EventRepository interface {
	ReplayAll(ctx context.Context) ([]models.Event, error)
	ListByWallet(ctx context.Context, wallet models.Address, kind models.EventKind) ([]models.Event, error)
}
