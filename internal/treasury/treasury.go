package treasury

import (
	"context"

	"github.com/aymanebt/medescrow/internal/ledger"
	"github.com/aymanebt/medescrow/internal/models"
)

// Treasury extends the ledger's transfer primitive with the custody plumbing
// the service layer needs: funding escrow ahead of a settlement, refunding a
// rejected deposit and reading wallet balances.
type Treasury interface {
	ledger.Treasury
	Deposit(ctx context.Context, from models.Address, amount int64) error
	Refund(ctx context.Context, to models.Address, amount int64) error
	Balance(ctx context.Context, wallet models.Address) (int64, error)
}

var (
	_ Treasury = (*PostgresTreasury)(nil)
	_ Treasury = (*MemoryTreasury)(nil)
)
