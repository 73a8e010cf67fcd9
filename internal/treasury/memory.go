package treasury

import (
	"context"
	"sync"

	"github.com/aymanebt/medescrow/internal/ledger"
	"github.com/aymanebt/medescrow/internal/models"
	pkgerrors "github.com/aymanebt/medescrow/pkg/errors"
)

// MemoryTreasury keeps wallet balances in process memory. Transfers inside a
// session are staged as deltas and only applied on Commit, mirroring the
// all-or-nothing guarantee of the postgres treasury.
type MemoryTreasury struct {
	mu       sync.Mutex
	balances map[models.Address]int64
}

func NewMemoryTreasury() *MemoryTreasury {
	return &MemoryTreasury{balances: make(map[models.Address]int64)}
}

// Credit funds a wallet directly, bypassing custody. Used for seeding.
func (t *MemoryTreasury) Credit(wallet models.Address, amount int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[wallet] += amount
}

func (t *MemoryTreasury) Balance(ctx context.Context, wallet models.Address) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balances[wallet], nil
}

func (t *MemoryTreasury) Deposit(ctx context.Context, from models.Address, amount int64) error {
	if amount <= 0 {
		return pkgerrors.ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.balances[from] < amount {
		return pkgerrors.ErrInsufficientFunds
	}
	t.balances[from] -= amount
	t.balances[EscrowWallet] += amount
	return nil
}

func (t *MemoryTreasury) Refund(ctx context.Context, to models.Address, amount int64) error {
	tx, err := t.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.Transfer(ctx, to, amount); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (t *MemoryTreasury) Begin(ctx context.Context) (ledger.TreasuryTx, error) {
	return &memoryTreasuryTx{treasury: t, deltas: make(map[models.Address]int64)}, nil
}

type memoryTreasuryTx struct {
	treasury *MemoryTreasury
	deltas   map[models.Address]int64
	done     bool
}

func (m *memoryTreasuryTx) Transfer(ctx context.Context, recipient models.Address, amount int64) error {
	if amount <= 0 {
		return pkgerrors.ErrInvalidAmount
	}
	m.treasury.mu.Lock()
	defer m.treasury.mu.Unlock()
	if m.treasury.balances[EscrowWallet]+m.deltas[EscrowWallet] < amount {
		return pkgerrors.ErrInsufficientFunds
	}
	m.deltas[EscrowWallet] -= amount
	m.deltas[recipient] += amount
	return nil
}

// Record is a no-op: the in-memory treasury keeps no durable log, the
// ledger's own log is the only record.
func (m *memoryTreasuryTx) Record(ctx context.Context, event models.Event) error {
	return nil
}

func (m *memoryTreasuryTx) Commit() error {
	m.treasury.mu.Lock()
	defer m.treasury.mu.Unlock()
	if m.done {
		return nil
	}
	for wallet, delta := range m.deltas {
		m.treasury.balances[wallet] += delta
	}
	m.done = true
	return nil
}

func (m *memoryTreasuryTx) Rollback() error {
	m.done = true
	m.deltas = nil
	return nil
}
