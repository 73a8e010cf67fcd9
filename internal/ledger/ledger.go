package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aymanebt/medescrow/internal/models"
	pkgerrors "github.com/aymanebt/medescrow/pkg/errors"
)

// Ledger is the authoritative escrow store of payment requests. It owns every
// request's lifecycle and the fund-transfer choreography; persistence, HTTP
// and messaging layers only consume its event log and query surface.
//
// Mutating operations are serialized per request id: while a payment is in
// flight (between the Paid write and the treasury commit), any other mutating
// call on the same id fails with ErrRequestBusy and queries keep returning
// the last committed snapshot. A failed treasury interaction restores the
// request exactly as it was found.
type Ledger struct {
	clock    Clock
	treasury Treasury
	sink     EventSink

	mu          sync.Mutex
	requests    map[uint64]*models.Request
	byRequester map[models.Address][]uint64
	byPayer     map[models.Address][]uint64
	nextID      uint64
	nextSeq     uint64
	log         []models.Event
	inFlight    map[uint64]models.Request // id -> last committed snapshot
}

func New(clock Clock, treasury Treasury, sink EventSink) *Ledger {
	return &Ledger{
		clock:       clock,
		treasury:    treasury,
		sink:        sink,
		requests:    make(map[uint64]*models.Request),
		byRequester: make(map[models.Address][]uint64),
		byPayer:     make(map[models.Address][]uint64),
		inFlight:    make(map[uint64]models.Request),
	}
}

// CreateRequest records a new pending request owed by payer to caller and
// returns its id. Ids are allocated sequentially from 0 and never reused.
func (l *Ledger) CreateRequest(ctx context.Context, caller, payer models.Address, amount int64, deadline int64, description string) (uint64, error) {
	if payer == models.ZeroAddress {
		return 0, pkgerrors.ErrInvalidPayer
	}
	if amount <= 0 {
		return 0, pkgerrors.ErrInvalidAmount
	}
	now := l.clock.Now()
	if deadline != 0 && deadline <= now.Unix() {
		// A request that could never be paid is rejected instead of stored.
		return 0, pkgerrors.ErrRequestExpired
	}

	l.mu.Lock()
	id := l.nextID
	req := &models.Request{
		ID:          id,
		Requester:   caller,
		Payer:       payer,
		Amount:      amount,
		Deadline:    deadline,
		Status:      models.StatusPending,
		Description: description,
		CreatedAt:   now,
	}
	event := l.composeEvent(models.EventRequestCreated, *req)
	// The event must be durable before the request becomes visible, or a
	// restart would forget the request and hand its id out again.
	if err := l.record(ctx, event); err != nil {
		l.mu.Unlock()
		return 0, fmt.Errorf("record request creation: %w", err)
	}
	l.nextID++
	l.requests[id] = req
	l.byRequester[caller] = append(l.byRequester[caller], id)
	l.byPayer[payer] = append(l.byPayer[payer], id)
	l.commitEvent(event)
	l.mu.Unlock()

	slog.Info("payment request created",
		"request_id", id,
		"requester", caller,
		"payer", payer,
		"amount", amount,
		"deadline", deadline)
	l.publish(ctx, event)
	return id, nil
}

// PayRequest settles a pending request. caller must be the stored payer and
// suppliedValue must cover the amount; any excess is refunded to the caller
// in the same treasury transaction. The request is marked paid before any
// transfer is attempted, and restored untouched if a transfer fails.
func (l *Ledger) PayRequest(ctx context.Context, caller models.Address, id uint64, suppliedValue int64) error {
	l.mu.Lock()
	req, ok := l.requests[id]
	if !ok {
		l.mu.Unlock()
		return pkgerrors.ErrRequestNotFound
	}
	if _, busy := l.inFlight[id]; busy {
		l.mu.Unlock()
		return pkgerrors.ErrRequestBusy
	}
	if caller != req.Payer {
		l.mu.Unlock()
		return pkgerrors.ErrUnauthorized
	}
	if err := terminalStateError(req.Status); err != nil {
		l.mu.Unlock()
		return err
	}
	now := l.clock.Now()
	if req.Deadline != 0 && now.Unix() > req.Deadline {
		// Lazy expiry: the only place the expired state is materialized.
		// The write is committed even though the call fails.
		req.Status = models.StatusExpired
		l.mu.Unlock()
		slog.Info("payment request expired", "request_id", id, "deadline", req.Deadline)
		return pkgerrors.ErrRequestExpired
	}
	if suppliedValue < req.Amount {
		l.mu.Unlock()
		return pkgerrors.ErrInsufficientPayment
	}

	// Effects before interactions: commit the paid state and take a snapshot
	// for rollback before the treasury is touched. The inFlight entry keeps
	// other operations on this id out until the transfers settle. The event's
	// sequence number is reserved here; a rolled-back settlement burns it.
	snapshot := *req
	req.Status = models.StatusPaid
	req.PaidAt = now
	paid := *req
	event := l.composeEvent(models.EventRequestPaid, paid)
	l.nextSeq = event.Seq + 1
	l.inFlight[id] = snapshot
	l.mu.Unlock()

	if err := l.settle(ctx, caller, paid, suppliedValue, event); err != nil {
		l.mu.Lock()
		*req = snapshot
		delete(l.inFlight, id)
		l.mu.Unlock()
		slog.Error("payment rolled back",
			"request_id", id,
			"payer", caller,
			"amount", paid.Amount,
			"supplied", suppliedValue,
			"error", err)
		return fmt.Errorf("%w: %v", pkgerrors.ErrPaymentFailed, err)
	}

	l.mu.Lock()
	delete(l.inFlight, id)
	l.commitEvent(event)
	l.mu.Unlock()

	slog.Info("payment request paid",
		"request_id", id,
		"payer", caller,
		"amount", paid.Amount,
		"refund", suppliedValue-paid.Amount)
	l.publish(ctx, event)
	return nil
}

// settle moves the requested amount to the requester, refunds any excess to
// the payer, and records the settlement event, all in one treasury
// transaction. Either the transfers and the log entry all land, or none do.
func (l *Ledger) settle(ctx context.Context, payer models.Address, req models.Request, suppliedValue int64, event models.Event) error {
	txn, err := l.treasury.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin treasury transaction: %v", err)
	}
	if err := txn.Transfer(ctx, req.Requester, req.Amount); err != nil {
		txn.Rollback()
		return fmt.Errorf("transfer to requester: %v", err)
	}
	if change := suppliedValue - req.Amount; change > 0 {
		if err := txn.Transfer(ctx, payer, change); err != nil {
			txn.Rollback()
			return fmt.Errorf("refund to payer: %v", err)
		}
	}
	if err := txn.Record(ctx, event); err != nil {
		txn.Rollback()
		return fmt.Errorf("record settlement: %v", err)
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("commit transfers: %v", err)
	}
	return nil
}

// CancelRequest voids a pending request. Only the original requester may
// cancel, and no value moves.
func (l *Ledger) CancelRequest(ctx context.Context, caller models.Address, id uint64) error {
	l.mu.Lock()
	req, ok := l.requests[id]
	if !ok {
		l.mu.Unlock()
		return pkgerrors.ErrRequestNotFound
	}
	if _, busy := l.inFlight[id]; busy {
		l.mu.Unlock()
		return pkgerrors.ErrRequestBusy
	}
	if caller != req.Requester {
		l.mu.Unlock()
		return pkgerrors.ErrUnauthorized
	}
	if err := terminalStateError(req.Status); err != nil {
		l.mu.Unlock()
		return err
	}
	cancelled := *req
	cancelled.Status = models.StatusCancelled
	event := l.composeEvent(models.EventRequestCancelled, cancelled)
	if err := l.record(ctx, event); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("record cancellation: %w", err)
	}
	req.Status = models.StatusCancelled
	l.commitEvent(event)
	l.mu.Unlock()

	slog.Info("payment request cancelled", "request_id", id, "requester", caller)
	l.publish(ctx, event)
	return nil
}

// GetRequest returns a snapshot of the stored request. While a payment on the
// id is in flight the last committed state is returned.
func (l *Ledger) GetRequest(id uint64) (models.Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if snapshot, busy := l.inFlight[id]; busy {
		return snapshot, nil
	}
	req, ok := l.requests[id]
	if !ok {
		return models.Request{}, pkgerrors.ErrRequestNotFound
	}
	return *req, nil
}

// GetRequesterRequests returns the ids ever created by the identity, in
// creation order. Settled and cancelled ids stay in the sequence.
func (l *Ledger) GetRequesterRequests(requester models.Address) []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint64(nil), l.byRequester[requester]...)
}

// GetPayerRequests returns the ids ever addressed to the identity, in
// creation order.
func (l *Ledger) GetPayerRequests(payer models.Address) []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint64(nil), l.byPayer[payer]...)
}

// IsExpired reports whether the request has a deadline that has passed while
// the request is still pending. It never mutates stored state.
func (l *Ledger) IsExpired(id uint64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok := l.requests[id]
	if !ok {
		return false, pkgerrors.ErrRequestNotFound
	}
	status := req.Status
	if snapshot, busy := l.inFlight[id]; busy {
		status = snapshot.Status
	}
	return req.Deadline != 0 && l.clock.Now().Unix() > req.Deadline && status == models.StatusPending, nil
}

// NextRequestID returns the id the next CreateRequest will allocate, which
// equals the number of successful creations so far.
func (l *Ledger) NextRequestID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextID
}

// Events returns a copy of the committed event log in sequence order.
func (l *Ledger) Events() []models.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Event(nil), l.log...)
}

// Replay rebuilds ledger state from a persisted event log. It must be called
// before the ledger serves operations; events are expected in strictly
// increasing sequence order. A gap in the sequence is a settlement that was
// rolled back after reserving its number, not a missing event, so gaps are
// tolerated; request ids must still be contiguous.
func (l *Ledger) Replay(events []models.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, event := range events {
		if event.Seq < l.nextSeq {
			return fmt.Errorf("event log out of order: got seq %d, want at least %d", event.Seq, l.nextSeq)
		}
		snapshot := event.Request
		switch event.Kind {
		case models.EventRequestCreated:
			if snapshot.ID != l.nextID {
				return fmt.Errorf("request id gap: got %d, want %d", snapshot.ID, l.nextID)
			}
			req := snapshot
			l.requests[req.ID] = &req
			l.byRequester[req.Requester] = append(l.byRequester[req.Requester], req.ID)
			l.byPayer[req.Payer] = append(l.byPayer[req.Payer], req.ID)
			l.nextID = req.ID + 1
		case models.EventRequestPaid, models.EventRequestCancelled:
			req, ok := l.requests[snapshot.ID]
			if !ok {
				return fmt.Errorf("%w: replayed %s for unknown request %d", pkgerrors.ErrRequestNotFound, event.Kind, snapshot.ID)
			}
			req.Status = snapshot.Status
			req.PaidAt = snapshot.PaidAt
		default:
			return fmt.Errorf("%w: %q", pkgerrors.ErrInvalidEventKind, event.Kind)
		}
		l.log = append(l.log, event)
		l.nextSeq = event.Seq + 1
	}
	return nil
}

// composeEvent builds the event sealing a state change, at the next free
// sequence number. Callers must hold l.mu.
func (l *Ledger) composeEvent(kind models.EventKind, snapshot models.Request) models.Event {
	return models.Event{
		Seq:       l.nextSeq,
		Kind:      kind,
		Request:   snapshot,
		EmittedAt: l.clock.Now(),
	}
}

// record makes an event durable in its own treasury transaction. Used for
// operations that move no value; settlements record inside settle instead.
func (l *Ledger) record(ctx context.Context, event models.Event) error {
	txn, err := l.treasury.Begin(ctx)
	if err != nil {
		return err
	}
	if err := txn.Record(ctx, event); err != nil {
		txn.Rollback()
		return err
	}
	return txn.Commit()
}

// commitEvent adds a durably recorded event to the in-memory log. Callers
// must hold l.mu. Events normally arrive in sequence order; a settlement that
// outlived concurrent creations is placed back where its number belongs.
func (l *Ledger) commitEvent(event models.Event) {
	if event.Seq >= l.nextSeq {
		l.nextSeq = event.Seq + 1
	}
	i := len(l.log)
	for i > 0 && l.log[i-1].Seq > event.Seq {
		i--
	}
	l.log = append(l.log, models.Event{})
	copy(l.log[i+1:], l.log[i:])
	l.log[i] = event
}

func (l *Ledger) publish(ctx context.Context, event models.Event) {
	if l.sink != nil {
		l.sink.Publish(ctx, event)
	}
}

// terminalStateError maps a terminal status to the failure a caller must see,
// so the reason settlement is impossible stays distinguishable.
func terminalStateError(status models.Status) error {
	if !status.Terminal() {
		return nil
	}
	switch status {
	case models.StatusPaid:
		return pkgerrors.ErrAlreadyPaid
	case models.StatusCancelled:
		return pkgerrors.ErrAlreadyCancelled
	default:
		return pkgerrors.ErrRequestExpired
	}
}
