// Package allocation implements the per-allocation receipt-handling actor
// (spec section 4.2): one goroutine per allocation, fed through a mailbox
// channel, validating and buffering receipts and requesting RAVs on demand
// from its sender's supervisor.
package allocation

import (
	"context"
	"fmt"
	"time"

	"github.com/streamingfast/eth-go"
	"github.com/streamingfast/logging"
	"go.uber.org/zap"

	"github.com/graphprotocol/tap-sender-agent/horizon"
	"github.com/graphprotocol/tap-sender-agent/tap/escrow"
	"github.com/graphprotocol/tap-sender-agent/tap/store"
	"github.com/graphprotocol/tap-sender-agent/tap/types"
)

var zlog, _ = logging.PackageLogger("tap-allocation", "github.com/graphprotocol/tap-sender-agent/tap/allocation")

// State is the AllocationActor lifecycle state (spec 4.2: Active -> Finalizing -> Closed).
type State int

const (
	StateActive State = iota
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// AggregatorClient is the subset of aggregator.Client an actor needs; declared
// here (rather than imported from the aggregator package) only to document the
// dependency locally. The concrete type satisfies it structurally.
type AggregatorClient interface {
	AggregateReceipts(ctx context.Context, receipts []*horizon.SignedReceipt, previousRAV *horizon.SignedRAV) (*horizon.SignedRAV, error)
}

// Notifier is implemented by the owning SenderSupervisor. Defined on this side
// of the relationship so that allocation never needs to import the sender
// package: the supervisor imports allocation to hold its children, not the
// other way around.
type Notifier interface {
	// UpdateReceiptFees reports a fee-tracker mutation for alloc.
	UpdateReceiptFees(alloc types.Address, update ReceiptFeeUpdate)
	// UpdateInvalidReceiptFees reports a receipt rejected downstream.
	UpdateInvalidReceiptFees(alloc types.Address, valueAdded types.Fee)
	// ChildStopped reports an orderly shutdown completion for alloc.
	ChildStopped(alloc types.Address)
	// ChildPanicked reports a crashed actor so the supervisor can respawn it.
	ChildPanicked(alloc types.Address, reason any)
}

// ReceiptFeeUpdate is the tagged union carried by UpdateReceiptFees (spec 4.3).
type ReceiptFeeUpdate interface {
	isReceiptFeeUpdate()
}

type NewReceiptUpdate struct {
	Value types.Fee
}

type UpdateValueUpdate struct {
	Value   types.Fee
	Counter uint64
}

type RavRequestResponseUpdate struct {
	Err     error
	Value   types.Fee
	Counter uint64
	RAV     *horizon.SignedRAV
	Last    bool
}

// RetryUpdate carries no payload; the supervisor sends it to itself to
// re-evaluate the deny condition after a scheduled retry interval elapses.
type RetryUpdate struct{}

func (NewReceiptUpdate) isReceiptFeeUpdate()         {}
func (UpdateValueUpdate) isReceiptFeeUpdate()        {}
func (RavRequestResponseUpdate) isReceiptFeeUpdate() {}
func (RetryUpdate) isReceiptFeeUpdate()              {}

// message is the actor's mailbox envelope. Only the actor's own goroutine
// ever reads mailbox contents, so nothing inside needs locking.
type message interface {
	isMessage()
}

type msgNewReceipt struct{ receipt *horizon.SignedReceipt }
type msgTriggerRAVRequest struct{}
type msgShutdown struct{ done chan struct{} }

func (msgNewReceipt) isMessage()        {}
func (msgTriggerRAVRequest) isMessage() {}
func (msgShutdown) isMessage()          {}

// Config bundles the actor's static dependencies and tunables.
type Config struct {
	Sender          types.Address
	Allocation      types.Address
	DataService     types.Address
	ServiceProvider types.Address
	Domain          *horizon.Domain
	Escrow          *escrow.Adapter
	Aggregator      AggregatorClient
	Store           store.Store
	Notifier        Notifier
	BufferWindow    time.Duration
	RAVTimeout      time.Duration
	MailboxSize     int

	// PreviousRAV and PendingReceipts restore a respawned actor's
	// aggregation state: the supervisor loads them from the store before
	// calling Spawn, so a crash doesn't silently drop receipts that arrived
	// before the crash but after the last RAV.
	PreviousRAV     *horizon.SignedRAV
	PendingReceipts []*horizon.SignedReceipt
}

// Actor is the per-allocation receipt-handling state machine.
type Actor struct {
	cfg          Config
	collectionID horizon.CollectionID
	mailbox      chan message

	state          State
	pending        []*horizon.SignedReceipt
	pendingValue   types.Fee
	pendingCounter uint64
	previousRAV    *horizon.SignedRAV
	ravInFlight    bool
}

// Spawn starts a new Actor goroutine and returns a handle to it.
func Spawn(cfg Config) *Actor {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 64
	}
	a := &Actor{
		cfg:          cfg,
		collectionID: horizon.CollectionIDFromAllocation(cfg.Allocation),
		mailbox:      make(chan message, cfg.MailboxSize),
		state:        StateActive,
		pending:      cfg.PendingReceipts,
		previousRAV:  cfg.PreviousRAV,
	}
	a.pendingValue, a.pendingCounter = sumReceipts(a.pending)
	go a.run()
	return a
}

// Send delivers a receipt to the actor (fire-and-forget cast).
func (a *Actor) Send(receipt *horizon.SignedReceipt) {
	a.mailbox <- msgNewReceipt{receipt: receipt}
}

// TriggerRAVRequest asks the actor to request a RAV covering its currently
// bufferable receipts (fire-and-forget cast; the reply arrives later via
// Notifier.UpdateReceiptFees with a RavRequestResponseUpdate).
func (a *Actor) TriggerRAVRequest() {
	a.mailbox <- msgTriggerRAVRequest{}
}

// Stop asks the actor to finalize (last RAV, if any pending value remains)
// and terminate, blocking until it does or ctx is done.
func (a *Actor) Stop(ctx context.Context) error {
	done := make(chan struct{})
	a.mailbox <- msgShutdown{done: done}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) run() {
	defer func() {
		if r := recover(); r != nil {
			zlog.Error("allocation actor panicked", zap.Stringer("allocation", addrStringer(a.cfg.Allocation)), zap.Any("reason", r))
			a.cfg.Notifier.ChildPanicked(a.cfg.Allocation, r)
		}
	}()

	for msg := range a.mailbox {
		switch m := msg.(type) {
		case msgNewReceipt:
			a.handleNewReceipt(m.receipt)
		case msgTriggerRAVRequest:
			a.handleTriggerRAVRequest()
		case msgShutdown:
			a.handleShutdown()
			a.cfg.Notifier.ChildStopped(a.cfg.Allocation)
			close(m.done)
			return
		}
	}
}

func (a *Actor) handleNewReceipt(receipt *horizon.SignedReceipt) {
	if a.state != StateActive {
		return
	}

	if err := a.validateReceipt(receipt); err != nil {
		zlog.Debug("rejecting receipt", zap.Stringer("allocation", addrStringer(a.cfg.Allocation)), zap.Error(err))
		a.cfg.Notifier.UpdateInvalidReceiptFees(a.cfg.Allocation, receipt.Message.Value)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := a.cfg.Store.InsertReceipt(ctx, a.cfg.Sender, a.cfg.Allocation, receipt)
	cancel()
	if err != nil {
		zlog.Error("persisting receipt", zap.Stringer("allocation", addrStringer(a.cfg.Allocation)), zap.Error(err))
		a.cfg.Notifier.UpdateInvalidReceiptFees(a.cfg.Allocation, receipt.Message.Value)
		return
	}

	a.pending = append(a.pending, receipt)
	a.pendingValue = types.AddFee(a.pendingValue, receipt.Message.Value)
	a.pendingCounter++

	a.cfg.Notifier.UpdateReceiptFees(a.cfg.Allocation, NewReceiptUpdate{Value: receipt.Message.Value})
}

func (a *Actor) validateReceipt(receipt *horizon.SignedReceipt) error {
	signer, err := receipt.RecoverSigner(a.cfg.Domain)
	if err != nil {
		return fmt.Errorf("recovering signer: %w", err)
	}
	if !types.AddressEqual(signer, a.cfg.Sender) {
		return fmt.Errorf("receipt signed by %s, expected sender %s", signer.Pretty(), eth.Address(a.cfg.Sender).Pretty())
	}
	if receipt.Message.CollectionID != a.collectionID {
		return fmt.Errorf("receipt collection id does not match allocation")
	}

	available := a.cfg.Escrow.Available()
	committed := types.AddFee(a.pendingValue, receipt.Message.Value)
	if available.Cmp(committed) < 0 {
		return fmt.Errorf("escrow balance does not cover outstanding receipts")
	}
	return nil
}

// handleTriggerRAVRequest gathers receipts outside the timestamp buffer and
// requests a RAV for them, leaving receipts still inside the buffer pending
// for the next trigger.
func (a *Actor) handleTriggerRAVRequest() {
	if a.state == StateClosed || a.ravInFlight {
		return
	}

	ready, rest := a.splitOutsideBuffer(time.Now())
	if len(ready) == 0 {
		return
	}

	a.ravInFlight = true
	defer func() { a.ravInFlight = false }()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RAVTimeout)
	rav, err := a.cfg.Aggregator.AggregateReceipts(ctx, ready, a.previousRAV)
	cancel()
	if err != nil {
		a.cfg.Notifier.UpdateReceiptFees(a.cfg.Allocation, RavRequestResponseUpdate{Err: err})
		return
	}

	insertCtx, insertCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = a.cfg.Store.InsertRAV(insertCtx, a.cfg.Sender, a.cfg.Allocation, rav, false)
	insertCancel()
	if err != nil {
		a.cfg.Notifier.UpdateReceiptFees(a.cfg.Allocation, RavRequestResponseUpdate{Err: err})
		return
	}

	a.previousRAV = rav
	a.pending = rest
	a.pendingValue, a.pendingCounter = sumReceipts(rest)

	a.cfg.Notifier.UpdateReceiptFees(a.cfg.Allocation, RavRequestResponseUpdate{
		RAV:     rav,
		Value:   a.pendingValue,
		Counter: a.pendingCounter,
	})
}

// handleShutdown transitions Active -> Finalizing, requests one last RAV
// covering every remaining pending receipt regardless of the timestamp
// buffer, and transitions to Closed.
func (a *Actor) handleShutdown() {
	if a.state == StateClosed {
		return
	}
	a.state = StateFinalizing

	if len(a.pending) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RAVTimeout)
		rav, err := a.cfg.Aggregator.AggregateReceipts(ctx, a.pending, a.previousRAV)
		cancel()
		if err != nil {
			a.cfg.Notifier.UpdateReceiptFees(a.cfg.Allocation, RavRequestResponseUpdate{Err: err, Last: true})
		} else {
			insertCtx, insertCancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := a.cfg.Store.InsertRAV(insertCtx, a.cfg.Sender, a.cfg.Allocation, rav, true); err != nil {
				a.cfg.Notifier.UpdateReceiptFees(a.cfg.Allocation, RavRequestResponseUpdate{Err: err, Last: true})
			} else {
				a.previousRAV = rav
				a.pending = nil
				a.pendingValue, a.pendingCounter = types.ZeroFee(), 0
				a.cfg.Notifier.UpdateReceiptFees(a.cfg.Allocation, RavRequestResponseUpdate{RAV: rav, Value: a.pendingValue, Counter: 0, Last: true})
			}
		}
	}

	a.state = StateClosed
}

// splitOutsideBuffer partitions pending receipts into those whose timestamp
// is outside [now-BufferWindow, now] (ready to aggregate) and those still
// inside it (left pending for next time).
func (a *Actor) splitOutsideBuffer(now time.Time) (ready, rest []*horizon.SignedReceipt) {
	cutoff := now.Add(-a.cfg.BufferWindow).UnixNano()
	for _, r := range a.pending {
		if int64(r.Message.TimestampNs) <= cutoff {
			ready = append(ready, r)
		} else {
			rest = append(rest, r)
		}
	}
	return ready, rest
}

func sumReceipts(receipts []*horizon.SignedReceipt) (types.Fee, uint64) {
	total := types.ZeroFee()
	for _, r := range receipts {
		total = types.AddFee(total, r.Message.Value)
	}
	return total, uint64(len(receipts))
}

type addrStringer eth.Address

func (a addrStringer) String() string { return eth.Address(a).Pretty() }
