package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aymanebt/medescrow/internal/ledger"
	"github.com/aymanebt/medescrow/internal/models"
	"github.com/aymanebt/medescrow/internal/treasury"
	pkgerrors "github.com/aymanebt/medescrow/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	clinicA  = models.Address("0xclinic-a")
	patientB = models.Address("0xpatient-b")
	walletC  = models.Address("0xsomeone-c")
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type captureSink struct {
	events []models.Event
}

func (s *captureSink) Publish(_ context.Context, event models.Event) {
	s.events = append(s.events, event)
}

// flakyTreasury wraps another treasury and fails the nth Transfer or Record
// call, counted separately.
type flakyTreasury struct {
	inner        ledger.Treasury
	failOn       int
	calls        int
	failRecordOn int
	records      int
}

func (f *flakyTreasury) Begin(ctx context.Context) (ledger.TreasuryTx, error) {
	tx, err := f.inner.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &flakyTreasuryTx{parent: f, inner: tx}, nil
}

type flakyTreasuryTx struct {
	parent *flakyTreasury
	inner  ledger.TreasuryTx
}

func (t *flakyTreasuryTx) Transfer(ctx context.Context, recipient models.Address, amount int64) error {
	t.parent.calls++
	if t.parent.failOn != 0 && t.parent.calls == t.parent.failOn {
		return errors.New("wire transfer rejected")
	}
	return t.inner.Transfer(ctx, recipient, amount)
}

func (t *flakyTreasuryTx) Record(ctx context.Context, event models.Event) error {
	t.parent.records++
	if t.parent.failRecordOn != 0 && t.parent.records == t.parent.failRecordOn {
		return errors.New("event insert rejected")
	}
	return t.inner.Record(ctx, event)
}

func (t *flakyTreasuryTx) Commit() error   { return t.inner.Commit() }
func (t *flakyTreasuryTx) Rollback() error { return t.inner.Rollback() }

type fixture struct {
	ledger   *ledger.Ledger
	clock    *fakeClock
	treasury *treasury.MemoryTreasury
	sink     *captureSink
}

func newFixture() *fixture {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	mem := treasury.NewMemoryTreasury()
	sink := &captureSink{}
	return &fixture{
		ledger:   ledger.New(clock, mem, sink),
		clock:    clock,
		treasury: mem,
		sink:     sink,
	}
}

// deposit emulates the custody step the service performs before settlement:
// the supplied value moves from the payer's wallet into the escrow pool.
func (f *fixture) deposit(t *testing.T, from models.Address, amount int64) {
	t.Helper()
	require.NoError(t, f.treasury.Deposit(context.Background(), from, amount))
}

func (f *fixture) balance(t *testing.T, wallet models.Address) int64 {
	t.Helper()
	balance, err := f.treasury.Balance(context.Background(), wallet)
	require.NoError(t, err)
	return balance
}

func TestCreateRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("first request gets id 0 and is stored pending", func(t *testing.T) {
		f := newFixture()
		id, err := f.ledger.CreateRequest(ctx, clinicA, patientB, 100, 0, "x")
		require.NoError(t, err)
		assert.Equal(t, uint64(0), id)

		req, err := f.ledger.GetRequest(0)
		require.NoError(t, err)
		assert.Equal(t, clinicA, req.Requester)
		assert.Equal(t, patientB, req.Payer)
		assert.Equal(t, int64(100), req.Amount)
		assert.Equal(t, int64(0), req.Deadline)
		assert.Equal(t, models.StatusPending, req.Status)
		assert.True(t, req.PaidAt.IsZero())
		assert.Equal(t, "x", req.Description)

		assert.Equal(t, []uint64{0}, f.ledger.GetRequesterRequests(clinicA))
		assert.Equal(t, []uint64{0}, f.ledger.GetPayerRequests(patientB))
		assert.Equal(t, uint64(1), f.ledger.NextRequestID())

		require.Len(t, f.sink.events, 1)
		assert.Equal(t, models.EventRequestCreated, f.sink.events[0].Kind)
		assert.Equal(t, uint64(0), f.sink.events[0].Seq)
		assert.Equal(t, req, f.sink.events[0].Request)
	})

	t.Run("ids are sequential", func(t *testing.T) {
		f := newFixture()
		for want := uint64(0); want < 5; want++ {
			id, err := f.ledger.CreateRequest(ctx, clinicA, patientB, 10, 0, "")
			require.NoError(t, err)
			assert.Equal(t, want, id)
		}
		assert.Equal(t, uint64(5), f.ledger.NextRequestID())
	})

	t.Run("zero payer rejected", func(t *testing.T) {
		f := newFixture()
		_, err := f.ledger.CreateRequest(ctx, clinicA, models.ZeroAddress, 100, 0, "")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidPayer)
	})

	t.Run("non-positive amount rejected", func(t *testing.T) {
		f := newFixture()
		_, err := f.ledger.CreateRequest(ctx, clinicA, patientB, 0, 0, "")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidAmount)
		_, err = f.ledger.CreateRequest(ctx, clinicA, patientB, -5, 0, "")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidAmount)
	})

	t.Run("deadline must be strictly in the future", func(t *testing.T) {
		f := newFixture()
		now := f.clock.Now().Unix()
		_, err := f.ledger.CreateRequest(ctx, clinicA, patientB, 100, now-1, "")
		assert.ErrorIs(t, err, pkgerrors.ErrRequestExpired)
		_, err = f.ledger.CreateRequest(ctx, clinicA, patientB, 100, now, "")
		assert.ErrorIs(t, err, pkgerrors.ErrRequestExpired)
		_, err = f.ledger.CreateRequest(ctx, clinicA, patientB, 100, now+1, "")
		assert.NoError(t, err)
	})

	t.Run("failed creation leaves no partial state", func(t *testing.T) {
		f := newFixture()
		_, err := f.ledger.CreateRequest(ctx, clinicA, patientB, -1, 0, "")
		require.Error(t, err)
		assert.Equal(t, uint64(0), f.ledger.NextRequestID())
		assert.Empty(t, f.ledger.GetRequesterRequests(clinicA))
		assert.Empty(t, f.ledger.GetPayerRequests(patientB))
		assert.Empty(t, f.sink.events)
		_, err = f.ledger.GetRequest(0)
		assert.ErrorIs(t, err, pkgerrors.ErrRequestNotFound)
	})

	t.Run("creation fails when its event cannot be recorded", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
		mem := treasury.NewMemoryTreasury()
		flaky := &flakyTreasury{inner: mem, failRecordOn: 1}
		l := ledger.New(clock, flaky, &captureSink{})

		_, err := l.CreateRequest(ctx, clinicA, patientB, 100, 0, "")
		require.Error(t, err)
		assert.Equal(t, uint64(0), l.NextRequestID())
		assert.Empty(t, l.GetRequesterRequests(clinicA))

		// The unrecorded id is handed out again next time.
		id, err := l.CreateRequest(ctx, clinicA, patientB, 100, 0, "")
		require.NoError(t, err)
		assert.Equal(t, uint64(0), id)
	})
}

func TestPayRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("exact payment settles and moves the amount", func(t *testing.T) {
		f := newFixture()
		f.treasury.Credit(patientB, 1000)
		id, err := f.ledger.CreateRequest(ctx, clinicA, patientB, 100, 0, "consultation")
		require.NoError(t, err)

		f.deposit(t, patientB, 100)
		require.NoError(t, f.ledger.PayRequest(ctx, patientB, id, 100))

		req, err := f.ledger.GetRequest(id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPaid, req.Status)
		assert.Equal(t, f.clock.Now(), req.PaidAt)

		assert.Equal(t, int64(100), f.balance(t, clinicA))
		assert.Equal(t, int64(900), f.balance(t, patientB))
		assert.Equal(t, int64(0), f.balance(t, treasury.EscrowWallet))

		require.Len(t, f.sink.events, 2)
		assert.Equal(t, models.EventRequestPaid, f.sink.events[1].Kind)
		assert.Equal(t, models.StatusPaid, f.sink.events[1].Request.Status)
	})

	t.Run("overpayment refunds the difference", func(t *testing.T) {
		f := newFixture()
		f.treasury.Credit(patientB, 1000)
		id, err := f.ledger.CreateRequest(ctx, clinicA, patientB, 100, 0, "")
		require.NoError(t, err)

		f.deposit(t, patientB, 150)
		require.NoError(t, f.ledger.PayRequest(ctx, patientB, id, 150))

		assert.Equal(t, int64(100), f.balance(t, clinicA))
		assert.Equal(t, int64(900), f.balance(t, patientB))
		assert.Equal(t, int64(0), f.balance(t, treasury.EscrowWallet))
	})

	t.Run("unknown id", func(t *testing.T) {
		f := newFixture()
		err := f.ledger.PayRequest(ctx, patientB, 42, 100)
		assert.ErrorIs(t, err, pkgerrors.ErrRequestNotFound)
	})

	t.Run("only the stored payer may settle", func(t *testing.T) {
		f := newFixture()
		id, err := f.ledger.CreateRequest(ctx, clinicA, patientB, 100, 0, "")
		require.NoError(t, err)

		assert.ErrorIs(t, f.ledger.PayRequest(ctx, walletC, id, 100), pkgerrors.ErrUnauthorized)
		assert.ErrorIs(t, f.ledger.PayRequest(ctx, clinicA, id, 100), pkgerrors.ErrUnauthorized)

		req, err := f.ledger.GetRequest(id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, req.Status)
	})

	t.Run("insufficient value", func(t *testing.T) {
		f := newFixture()
		id, err := f.ledger.CreateRequest(ctx, clinicA, patientB, 100, 0, "")
		require.NoError(t, err)

		assert.ErrorIs(t, f.ledger.PayRequest(ctx, patientB, id, 99), pkgerrors.ErrInsufficientPayment)
		req, _ := f.ledger.GetRequest(id)
		assert.Equal(t, models.StatusPending, req.Status)
	})

	t.Run("second payment fails with AlreadyPaid and changes nothing", func(t *testing.T) {
		f := newFixture()
		f.treasury.Credit(patientB, 1000)
		id, err := f.ledger.CreateRequest(ctx, clinicA, patientB, 100, 0, "")
		require.NoError(t, err)
		f.deposit(t, patientB, 100)
		require.NoError(t, f.ledger.PayRequest(ctx, patientB, id, 100))

		err = f.ledger.PayRequest(ctx, patientB, id, 100)
		assert.ErrorIs(t, err, pkgerrors.ErrAlreadyPaid)
		assert.Equal(t, int64(100), f.balance(t, clinicA))
		assert.Len(t, f.sink.events, 2)
	})

	t.Run("paying a cancelled request reports AlreadyCancelled", func(t *testing.T) {
		f := newFixture()
		id, err := f.ledger.CreateRequest(ctx, clinicA, patientB, 100, 0, "")
		require.NoError(t, err)
		require.NoError(t, f.ledger.CancelRequest(ctx, clinicA, id))

		err = f.ledger.PayRequest(ctx, patientB, id, 100)
		assert.ErrorIs(t, err, pkgerrors.ErrAlreadyCancelled)
	})

	t.Run("deadline passing materializes expiry lazily", func(t *testing.T) {
		f := newFixture()
		deadline := f.clock.Now().Unix() + 3600
		id, err := f.ledger.CreateRequest(ctx, clinicA, patientB, 100, deadline, "")
		require.NoError(t, err)

		f.clock.Advance(3601 * time.Second)
		err = f.ledger.PayRequest(ctx, patientB, id, 100)
		assert.ErrorIs(t, err, pkgerrors.ErrRequestExpired)

		// The expiry write is committed even though the call failed.
		req, err := f.ledger.GetRequest(id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusExpired, req.Status)

		// And stays distinguishable on the next attempt.
		err = f.ledger.PayRequest(ctx, patientB, id, 100)
		assert.ErrorIs(t, err, pkgerrors.ErrRequestExpired)
		// Expiry emits no event.
		assert.Len(t, f.sink.events, 1)
	})

	t.Run("payment on the deadline second still settles", func(t *testing.T) {
		f := newFixture()
		f.treasury.Credit(patientB, 100)
		deadline := f.clock.Now().Unix() + 3600
		id, err := f.ledger.CreateRequest(ctx, clinicA, patientB, 100, deadline, "")
		require.NoError(t, err)

		f.clock.Advance(3600 * time.Second)
		f.deposit(t, patientB, 100)
		assert.NoError(t, f.ledger.PayRequest(ctx, patientB, id, 100))
	})

	t.Run("failed settlement transfer rolls everything back", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
		mem := treasury.NewMemoryTreasury()
		sink := &captureSink{}
		flaky := &flakyTreasury{inner: mem, failOn: 1}
		l := ledger.New(clock, flaky, sink)

		mem.Credit(patientB, 1000)
		id, err := l.CreateRequest(ctx, clinicA, patientB, 100, 0, "")
		require.NoError(t, err)
		require.NoError(t, mem.Deposit(ctx, patientB, 100))

		err = l.PayRequest(ctx, patientB, id, 100)
		assert.ErrorIs(t, err, pkgerrors.ErrPaymentFailed)

		req, err := l.GetRequest(id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, req.Status)
		assert.True(t, req.PaidAt.IsZero())
		assert.Len(t, sink.events, 1) // only the creation event

		balance, _ := mem.Balance(ctx, treasury.EscrowWallet)
		assert.Equal(t, int64(100), balance) // deposit untouched

		// The request stays payable once transfers work again.
		flaky.failOn = 0
		require.NoError(t, l.PayRequest(ctx, patientB, id, 100))
		balance, _ = mem.Balance(ctx, clinicA)
		assert.Equal(t, int64(100), balance)
	})

	t.Run("failed refund rolls back the requester transfer too", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
		mem := treasury.NewMemoryTreasury()
		sink := &captureSink{}
		flaky := &flakyTreasury{inner: mem, failOn: 2} // requester transfer ok, refund fails
		l := ledger.New(clock, flaky, sink)

		mem.Credit(patientB, 1000)
		id, err := l.CreateRequest(ctx, clinicA, patientB, 100, 0, "")
		require.NoError(t, err)
		require.NoError(t, mem.Deposit(ctx, patientB, 150))

		err = l.PayRequest(ctx, patientB, id, 150)
		assert.ErrorIs(t, err, pkgerrors.ErrPaymentFailed)

		req, err := l.GetRequest(id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, req.Status)

		requesterBalance, _ := mem.Balance(ctx, clinicA)
		assert.Equal(t, int64(0), requesterBalance)
		escrowBalance, _ := mem.Balance(ctx, treasury.EscrowWallet)
		assert.Equal(t, int64(150), escrowBalance)
	})

	t.Run("failed event record aborts the settlement", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
		mem := treasury.NewMemoryTreasury()
		flaky := &flakyTreasury{inner: mem, failRecordOn: 2} // creation records fine, the settlement does not
		l := ledger.New(clock, flaky, &captureSink{})

		mem.Credit(patientB, 1000)
		id, err := l.CreateRequest(ctx, clinicA, patientB, 100, 0, "")
		require.NoError(t, err)
		require.NoError(t, mem.Deposit(ctx, patientB, 100))

		err = l.PayRequest(ctx, patientB, id, 100)
		assert.ErrorIs(t, err, pkgerrors.ErrPaymentFailed)

		// No value moved: the transfers share a transaction with the insert.
		balance, _ := mem.Balance(ctx, clinicA)
		assert.Equal(t, int64(0), balance)
		balance, _ = mem.Balance(ctx, treasury.EscrowWallet)
		assert.Equal(t, int64(100), balance)

		// A ledger rebuilt from the log sees the request pending, and the
		// retried payment settles exactly once.
		restored := ledger.New(clock, flaky, nil)
		require.NoError(t, restored.Replay(l.Events()))
		req, err := restored.GetRequest(id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, req.Status)

		require.NoError(t, restored.PayRequest(ctx, patientB, id, 100))
		assert.ErrorIs(t, restored.PayRequest(ctx, patientB, id, 100), pkgerrors.ErrAlreadyPaid)
		balance, _ = mem.Balance(ctx, clinicA)
		assert.Equal(t, int64(100), balance)
	})
}

func TestCancelRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("requester cancels a pending request", func(t *testing.T) {
		f := newFixture()
		id, err := f.ledger.CreateRequest(ctx, clinicA, patientB, 100, 0, "")
		require.NoError(t, err)

		require.NoError(t, f.ledger.CancelRequest(ctx, clinicA, id))

		req, err := f.ledger.GetRequest(id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, req.Status)

		require.Len(t, f.sink.events, 2)
		assert.Equal(t, models.EventRequestCancelled, f.sink.events[1].Kind)

		// No value moved.
		assert.Equal(t, int64(0), f.balance(t, clinicA))
		assert.Equal(t, int64(0), f.balance(t, patientB))
	})

	t.Run("only the requester may cancel", func(t *testing.T) {
		f := newFixture()
		id, err := f.ledger.CreateRequest(ctx, clinicA, patientB, 100, 0, "")
		require.NoError(t, err)

		assert.ErrorIs(t, f.ledger.CancelRequest(ctx, patientB, id), pkgerrors.ErrUnauthorized)
		assert.ErrorIs(t, f.ledger.CancelRequest(ctx, walletC, id), pkgerrors.ErrUnauthorized)

		req, _ := f.ledger.GetRequest(id)
		assert.Equal(t, models.StatusPending, req.Status)
	})

	t.Run("terminal states are reported distinctly", func(t *testing.T) {
		f := newFixture()
		f.treasury.Credit(patientB, 1000)

		paid, err := f.ledger.CreateRequest(ctx, clinicA, patientB, 100, 0, "")
		require.NoError(t, err)
		f.deposit(t, patientB, 100)
		require.NoError(t, f.ledger.PayRequest(ctx, patientB, paid, 100))
		assert.ErrorIs(t, f.ledger.CancelRequest(ctx, clinicA, paid), pkgerrors.ErrAlreadyPaid)

		cancelled, err := f.ledger.CreateRequest(ctx, clinicA, patientB, 100, 0, "")
		require.NoError(t, err)
		require.NoError(t, f.ledger.CancelRequest(ctx, clinicA, cancelled))
		assert.ErrorIs(t, f.ledger.CancelRequest(ctx, clinicA, cancelled), pkgerrors.ErrAlreadyCancelled)

		assert.ErrorIs(t, f.ledger.CancelRequest(ctx, clinicA, 99), pkgerrors.ErrRequestNotFound)
	})
}

func TestQueries(t *testing.T) {
	ctx := context.Background()

	t.Run("index sequences keep creation order and never shrink", func(t *testing.T) {
		f := newFixture()
		f.treasury.Credit(patientB, 1000)

		id0, _ := f.ledger.CreateRequest(ctx, clinicA, patientB, 100, 0, "")
		id1, _ := f.ledger.CreateRequest(ctx, clinicA, walletC, 200, 0, "")
		id2, _ := f.ledger.CreateRequest(ctx, patientB, walletC, 300, 0, "")

		require.NoError(t, f.ledger.CancelRequest(ctx, clinicA, id1))
		f.deposit(t, patientB, 100)
		require.NoError(t, f.ledger.PayRequest(ctx, patientB, id0, 100))

		assert.Equal(t, []uint64{id0, id1}, f.ledger.GetRequesterRequests(clinicA))
		assert.Equal(t, []uint64{id2}, f.ledger.GetRequesterRequests(patientB))
		assert.Equal(t, []uint64{id0}, f.ledger.GetPayerRequests(patientB))
		assert.Equal(t, []uint64{id1, id2}, f.ledger.GetPayerRequests(walletC))
		assert.Empty(t, f.ledger.GetRequesterRequests(walletC))
	})

	t.Run("IsExpired flips strictly after the deadline", func(t *testing.T) {
		f := newFixture()
		deadline := f.clock.Now().Unix() + 3600
		id, err := f.ledger.CreateRequest(ctx, clinicA, patientB, 100, deadline, "")
		require.NoError(t, err)

		expired, err := f.ledger.IsExpired(id)
		require.NoError(t, err)
		assert.False(t, expired)

		f.clock.Advance(3600 * time.Second) // exactly at the deadline
		expired, _ = f.ledger.IsExpired(id)
		assert.False(t, expired)

		f.clock.Advance(time.Second)
		expired, _ = f.ledger.IsExpired(id)
		assert.True(t, expired)

		// Reporting the predicate does not mutate stored state.
		req, _ := f.ledger.GetRequest(id)
		assert.Equal(t, models.StatusPending, req.Status)
	})

	t.Run("IsExpired is false for settled requests and without deadline", func(t *testing.T) {
		f := newFixture()
		f.treasury.Credit(patientB, 1000)

		noDeadline, _ := f.ledger.CreateRequest(ctx, clinicA, patientB, 100, 0, "")
		expired, err := f.ledger.IsExpired(noDeadline)
		require.NoError(t, err)
		assert.False(t, expired)

		deadline := f.clock.Now().Unix() + 10
		paid, _ := f.ledger.CreateRequest(ctx, clinicA, patientB, 100, deadline, "")
		f.deposit(t, patientB, 100)
		require.NoError(t, f.ledger.PayRequest(ctx, patientB, paid, 100))
		f.clock.Advance(time.Minute)
		expired, _ = f.ledger.IsExpired(paid)
		assert.False(t, expired)

		_, err = f.ledger.IsExpired(404)
		assert.ErrorIs(t, err, pkgerrors.ErrRequestNotFound)
	})
}

// reentrantTreasury calls back into the ledger from inside a transfer, the
// way an external recipient could when it receives funds.
type reentrantTreasury struct {
	inner    ledger.Treasury
	callback func(ctx context.Context)
}

func (r *reentrantTreasury) Begin(ctx context.Context) (ledger.TreasuryTx, error) {
	tx, err := r.inner.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &reentrantTreasuryTx{parent: r, inner: tx}, nil
}

type reentrantTreasuryTx struct {
	parent *reentrantTreasury
	inner  ledger.TreasuryTx
	fired  bool
}

func (t *reentrantTreasuryTx) Transfer(ctx context.Context, recipient models.Address, amount int64) error {
	if !t.fired && t.parent.callback != nil {
		t.fired = true
		t.parent.callback(ctx)
	}
	return t.inner.Transfer(ctx, recipient, amount)
}

func (t *reentrantTreasuryTx) Record(ctx context.Context, event models.Event) error {
	return t.inner.Record(ctx, event)
}

func (t *reentrantTreasuryTx) Commit() error   { return t.inner.Commit() }
func (t *reentrantTreasuryTx) Rollback() error { return t.inner.Rollback() }

func TestReentrancy(t *testing.T) {
	ctx := context.Background()

	t.Run("reentrant operations on the in-flight id are rejected", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
		mem := treasury.NewMemoryTreasury()
		reentrant := &reentrantTreasury{inner: mem}
		l := ledger.New(clock, reentrant, &captureSink{})

		mem.Credit(patientB, 1000)
		id, err := l.CreateRequest(ctx, clinicA, patientB, 100, 0, "")
		require.NoError(t, err)
		require.NoError(t, mem.Deposit(ctx, patientB, 100))

		var payErr, cancelErr error
		reentrant.callback = func(ctx context.Context) {
			payErr = l.PayRequest(ctx, patientB, id, 100)
			cancelErr = l.CancelRequest(ctx, clinicA, id)
		}

		require.NoError(t, l.PayRequest(ctx, patientB, id, 100))
		assert.ErrorIs(t, payErr, pkgerrors.ErrRequestBusy)
		assert.ErrorIs(t, cancelErr, pkgerrors.ErrRequestBusy)

		// The outer settlement still landed exactly once.
		balance, _ := mem.Balance(ctx, clinicA)
		assert.Equal(t, int64(100), balance)
	})

	t.Run("reentrant creation of unrelated requests stays safe", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
		mem := treasury.NewMemoryTreasury()
		reentrant := &reentrantTreasury{inner: mem}
		l := ledger.New(clock, reentrant, &captureSink{})

		mem.Credit(patientB, 1000)
		id, err := l.CreateRequest(ctx, clinicA, patientB, 100, 0, "")
		require.NoError(t, err)
		require.NoError(t, mem.Deposit(ctx, patientB, 100))

		var createdID uint64
		var createErr error
		reentrant.callback = func(ctx context.Context) {
			createdID, createErr = l.CreateRequest(ctx, walletC, patientB, 50, 0, "mid-transfer")
		}

		require.NoError(t, l.PayRequest(ctx, patientB, id, 100))
		require.NoError(t, createErr)
		assert.Equal(t, uint64(1), createdID)

		req, err := l.GetRequest(createdID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, req.Status)
	})

	t.Run("queries during settlement see the last committed state", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
		mem := treasury.NewMemoryTreasury()
		reentrant := &reentrantTreasury{inner: mem}
		l := ledger.New(clock, reentrant, &captureSink{})

		mem.Credit(patientB, 1000)
		id, err := l.CreateRequest(ctx, clinicA, patientB, 100, 0, "")
		require.NoError(t, err)
		require.NoError(t, mem.Deposit(ctx, patientB, 100))

		var observed models.Status
		reentrant.callback = func(ctx context.Context) {
			req, err := l.GetRequest(id)
			require.NoError(t, err)
			observed = req.Status
		}

		require.NoError(t, l.PayRequest(ctx, patientB, id, 100))
		assert.Equal(t, models.StatusPending, observed)
	})
}

func TestReplay(t *testing.T) {
	ctx := context.Background()

	t.Run("replay rebuilds state from the event log", func(t *testing.T) {
		f := newFixture()
		f.treasury.Credit(patientB, 1000)

		id0, _ := f.ledger.CreateRequest(ctx, clinicA, patientB, 100, 0, "first")
		id1, _ := f.ledger.CreateRequest(ctx, clinicA, patientB, 200, 0, "second")
		id2, _ := f.ledger.CreateRequest(ctx, patientB, walletC, 300, 0, "third")
		f.deposit(t, patientB, 100)
		require.NoError(t, f.ledger.PayRequest(ctx, patientB, id0, 100))
		require.NoError(t, f.ledger.CancelRequest(ctx, clinicA, id1))

		restored := ledger.New(f.clock, f.treasury, nil)
		require.NoError(t, restored.Replay(f.ledger.Events()))

		assert.Equal(t, f.ledger.NextRequestID(), restored.NextRequestID())
		for _, id := range []uint64{id0, id1, id2} {
			want, err := f.ledger.GetRequest(id)
			require.NoError(t, err)
			got, err := restored.GetRequest(id)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		assert.Equal(t, f.ledger.GetRequesterRequests(clinicA), restored.GetRequesterRequests(clinicA))
		assert.Equal(t, f.ledger.GetPayerRequests(patientB), restored.GetPayerRequests(patientB))

		// The restored ledger keeps allocating where the log left off.
		next, err := restored.CreateRequest(ctx, clinicA, patientB, 50, 0, "")
		require.NoError(t, err)
		assert.Equal(t, uint64(3), next)
	})

	t.Run("sequence gaps from rolled-back settlements replay cleanly", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
		mem := treasury.NewMemoryTreasury()
		flaky := &flakyTreasury{inner: mem, failOn: 1}
		l := ledger.New(clock, flaky, nil)

		mem.Credit(patientB, 1000)
		id0, err := l.CreateRequest(ctx, clinicA, patientB, 100, 0, "")
		require.NoError(t, err)
		require.NoError(t, mem.Deposit(ctx, patientB, 100))
		assert.ErrorIs(t, l.PayRequest(ctx, patientB, id0, 100), pkgerrors.ErrPaymentFailed)
		id1, err := l.CreateRequest(ctx, clinicA, patientB, 200, 0, "")
		require.NoError(t, err)

		events := l.Events()
		require.Len(t, events, 2)
		assert.Equal(t, uint64(0), events[0].Seq)
		assert.Equal(t, uint64(2), events[1].Seq) // seq 1 burned by the rollback

		restored := ledger.New(clock, mem, nil)
		require.NoError(t, restored.Replay(events))
		assert.Equal(t, uint64(2), restored.NextRequestID())
		req, err := restored.GetRequest(id1)
		require.NoError(t, err)
		assert.Equal(t, int64(200), req.Amount)
	})

	t.Run("gaps in the log are rejected", func(t *testing.T) {
		f := newFixture()
		_, err := f.ledger.CreateRequest(ctx, clinicA, patientB, 100, 0, "")
		require.NoError(t, err)
		_, err = f.ledger.CreateRequest(ctx, clinicA, patientB, 200, 0, "")
		require.NoError(t, err)

		events := f.ledger.Events()
		restored := ledger.New(f.clock, f.treasury, nil)
		assert.Error(t, restored.Replay(events[1:]))
	})
}
