// Package sender implements the SenderSupervisor (spec section 4.3): the
// single writer of all per-sender state, owning three FeeTracker instances,
// the escrow adapter snapshot, the deny/allow decision and the lifecycle of
// every AllocationActor child for this sender.
package sender

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streamingfast/logging"
	"go.uber.org/zap"

	"github.com/graphprotocol/tap-sender-agent/horizon"
	"github.com/graphprotocol/tap-sender-agent/tap/allocation"
	"github.com/graphprotocol/tap-sender-agent/tap/escrow"
	"github.com/graphprotocol/tap-sender-agent/tap/feetracker"
	"github.com/graphprotocol/tap-sender-agent/tap/metrics"
	"github.com/graphprotocol/tap-sender-agent/tap/store"
	"github.com/graphprotocol/tap-sender-agent/tap/types"
)

var zlog, _ = logging.PackageLogger("tap-sender", "github.com/graphprotocol/tap-sender-agent/tap/sender")

// Config bundles a supervisor's dependencies and the tunables carried in its
// state (spec section 3: trigger_value, receipt_limit,
// max_unaggregated_fees_per_sender, buffer_ms, retry_interval,
// rav_request_timeout).
type Config struct {
	Sender types.Address
	Domain *horizon.Domain

	Escrow     *escrow.Adapter
	Aggregator allocation.AggregatorClient
	Store      store.Store
	Metrics    metrics.Recorder

	DataService     types.Address
	ServiceProvider types.Address

	TriggerValue                types.Fee
	ReceiptLimit                uint64
	MaxUnaggregatedFeesPerSender types.Fee
	BufferWindow                 time.Duration
	RetryInterval                time.Duration
	RAVRequestTimeout             time.Duration
	FailedRAVBackoff              time.Duration

	MailboxSize int
}

// Supervisor is the single-writer actor for one sender's state.
type Supervisor struct {
	cfg Config

	mailbox chan supervisorMessage

	// childrenMu guards children: the run loop owns every write, but
	// SubmitReceipt reads it from whichever goroutine delivers inbound
	// receipts, bypassing the mailbox for that hot path. Keyed by
	// types.Key since eth.Address is not itself a comparable map key.
	childrenMu sync.RWMutex
	children   map[string]*allocation.Actor

	senderFeeTracker     *feetracker.FeeTracker
	pendingRAVTracker    *feetracker.FeeTracker
	invalidReceiptTracker *feetracker.FeeTracker

	// allocationIDs tracks the current allocation set, keyed by
	// types.Key with the address kept alongside for iteration.
	allocationIDs map[string]types.Address
	// denied is read by Denied() from arbitrary goroutines (tests,
	// observability) while only the run loop ever writes it.
	denied        atomic.Bool
	senderBalance types.Balance

	scheduledRetry *time.Timer

	stopped chan struct{}
}

// supervisorMessage is the tagged union processed one at a time by the
// supervisor's run loop; this is the single point of mutation for all
// sender-level state.
type supervisorMessage interface {
	isSupervisorMessage()
}

type msgUpdateReceiptFees struct {
	alloc  types.Address
	update allocation.ReceiptFeeUpdate
}

type msgUpdateInvalidReceiptFees struct {
	alloc      types.Address
	valueAdded types.Fee
}

type msgUpdateRav struct {
	alloc types.Address
	value types.Fee
}

type msgUpdateAllocationIDs struct {
	ids map[string]types.Address
}

type msgNewAllocationID struct {
	id types.Address
}

type msgUpdateBalanceAndLastRavs struct {
	balance  types.Balance
	lastRavs map[string]store.AllocationValue
}

type msgChildStopped struct{ alloc types.Address }
type msgChildPanicked struct {
	alloc  types.Address
	reason any
}

type msgShutdown struct{ done chan struct{} }

func (msgUpdateReceiptFees) isSupervisorMessage()        {}
func (msgUpdateInvalidReceiptFees) isSupervisorMessage() {}
func (msgUpdateRav) isSupervisorMessage()                {}
func (msgUpdateAllocationIDs) isSupervisorMessage()      {}
func (msgNewAllocationID) isSupervisorMessage()          {}
func (msgUpdateBalanceAndLastRavs) isSupervisorMessage() {}
func (msgChildStopped) isSupervisorMessage()             {}
func (msgChildPanicked) isSupervisorMessage()            {}
func (msgShutdown) isSupervisorMessage()                 {}

var _ allocation.Notifier = (*Supervisor)(nil)

// New creates a Supervisor for cfg.Sender. Call Start to begin processing,
// after which UpdateAllocationIDs/NewAllocationID/UpdateBalanceAndLastRavs
// are safe to call from any goroutine (typically the watchers).
func New(cfg Config) *Supervisor {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 256
	}
	return &Supervisor{
		cfg:                   cfg,
		mailbox:               make(chan supervisorMessage, cfg.MailboxSize),
		children:              make(map[string]*allocation.Actor),
		senderFeeTracker:      feetracker.New(cfg.BufferWindow),
		pendingRAVTracker:     feetracker.New(0),
		invalidReceiptTracker: feetracker.New(0),
		allocationIDs:         make(map[string]types.Address),
		senderBalance:         types.ZeroBalance(),
		stopped:               make(chan struct{}),
	}
}

// Start reconciles the deny flag from the store and begins the run loop.
func (s *Supervisor) Start(ctx context.Context) error {
	denied, err := s.cfg.Store.IsDenied(ctx, s.cfg.Sender)
	if err != nil {
		return fmt.Errorf("reconciling deny state at startup: %w", err)
	}
	s.denied.Store(denied)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SetDenied(s.cfg.Sender, denied)
		s.cfg.Metrics.SetMaxFeePerSender(s.cfg.Sender, s.cfg.MaxUnaggregatedFeesPerSender)
		s.cfg.Metrics.SetTriggerValue(s.cfg.Sender, s.cfg.TriggerValue)
	}

	go s.run()
	return nil
}

// Denied reports whether the sender is currently denied. Safe to call from
// any goroutine.
func (s *Supervisor) Denied() bool {
	return s.denied.Load()
}

// UpdateAllocationIDs posts the latest allocation-set snapshot.
func (s *Supervisor) UpdateAllocationIDs(ids []types.Address) {
	set := make(map[string]types.Address, len(ids))
	for _, id := range ids {
		set[types.Key(id)] = id
	}
	s.mailbox <- msgUpdateAllocationIDs{ids: set}
}

// NewAllocationID posts a single newly observed allocation id.
func (s *Supervisor) NewAllocationID(id types.Address) {
	s.mailbox <- msgNewAllocationID{id: id}
}

// UpdateBalanceAndLastRavs posts a fresh escrow snapshot.
func (s *Supervisor) UpdateBalanceAndLastRavs(balance types.Balance, lastRavs map[string]store.AllocationValue) {
	s.mailbox <- msgUpdateBalanceAndLastRavs{balance: balance, lastRavs: lastRavs}
}

// SubmitReceipt delivers receipt directly to the allocation actor handling
// alloc, bypassing the supervisor mailbox since the actor itself is the
// single writer of its own pending-receipt buffer. Reports false if alloc
// has no live actor (closed or never opened).
func (s *Supervisor) SubmitReceipt(alloc types.Address, receipt *horizon.SignedReceipt) bool {
	s.childrenMu.RLock()
	child, ok := s.children[types.Key(alloc)]
	s.childrenMu.RUnlock()
	if !ok {
		return false
	}
	child.Send(receipt)
	return true
}

// UpdateRav posts an externally observed RAV (e.g. a redeemed or reconciled
// record surfaced outside the normal RAV-request flow).
func (s *Supervisor) UpdateRav(alloc types.Address, value types.Fee) {
	s.mailbox <- msgUpdateRav{alloc: alloc, value: value}
}

// Stop asks every child to finalize, then stops the supervisor loop.
func (s *Supervisor) Stop(ctx context.Context) error {
	done := make(chan struct{})
	s.mailbox <- msgShutdown{done: done}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notifier implementation. These methods run on allocation actor goroutines
// and must do nothing but enqueue: all mutation happens in run().

func (s *Supervisor) UpdateReceiptFees(alloc types.Address, update allocation.ReceiptFeeUpdate) {
	s.mailbox <- msgUpdateReceiptFees{alloc: alloc, update: update}
}

func (s *Supervisor) UpdateInvalidReceiptFees(alloc types.Address, valueAdded types.Fee) {
	s.mailbox <- msgUpdateInvalidReceiptFees{alloc: alloc, valueAdded: valueAdded}
}

func (s *Supervisor) ChildStopped(alloc types.Address) {
	s.mailbox <- msgChildStopped{alloc: alloc}
}

func (s *Supervisor) ChildPanicked(alloc types.Address, reason any) {
	s.mailbox <- msgChildPanicked{alloc: alloc, reason: reason}
}

func (s *Supervisor) run() {
	defer close(s.stopped)
	for msg := range s.mailbox {
		switch m := msg.(type) {
		case msgUpdateReceiptFees:
			s.handleUpdateReceiptFees(m.alloc, m.update)
		case msgUpdateInvalidReceiptFees:
			s.handleUpdateInvalidReceiptFees(m.alloc, m.valueAdded)
		case msgUpdateRav:
			s.handleUpdateRav(m.alloc, m.value)
		case msgUpdateAllocationIDs:
			s.handleUpdateAllocationIDs(m.ids)
		case msgNewAllocationID:
			s.handleNewAllocationID(m.id)
		case msgUpdateBalanceAndLastRavs:
			s.handleUpdateBalanceAndLastRavs(m.balance, m.lastRavs)
		case msgChildStopped:
			s.handleChildStopped(m.alloc)
		case msgChildPanicked:
			s.handleChildPanicked(m.alloc, m.reason)
		case msgShutdown:
			s.handleShutdown()
			close(m.done)
			return
		}
	}
}

func (s *Supervisor) cancelScheduledRetry() {
	if s.scheduledRetry != nil {
		s.scheduledRetry.Stop()
		s.scheduledRetry = nil
	}
}

// handleUpdateReceiptFees is the heart of the RAV scheduling policy (spec
// section 4.3).
func (s *Supervisor) handleUpdateReceiptFees(alloc types.Address, update allocation.ReceiptFeeUpdate) {
	now := time.Now()
	s.cancelScheduledRetry()

	switch u := update.(type) {
	case allocation.NewReceiptUpdate:
		if s.denied.Load() {
			s.denyStore()
		}
		s.senderFeeTracker.Add(alloc, u.Value, now)

	case allocation.UpdateValueUpdate:
		s.senderFeeTracker.UpdateAt(alloc, u.Value, u.Counter, now)

	case allocation.RavRequestResponseUpdate:
		s.senderFeeTracker.FinishRAVRequest(alloc)
		if u.Err != nil {
			zlog.Warn("rav request failed", zap.Error(u.Err))
			s.senderFeeTracker.FailedRAVRequestBackoff(alloc, now.Add(s.cfg.FailedRAVBackoff))
		} else {
			s.senderFeeTracker.OkRAVRequest(alloc)
			s.pendingRAVTracker.UpdateAt(alloc, u.RAV.Message.ValueAggregate, 0, now)
			s.senderFeeTracker.UpdateAt(alloc, u.Value, u.Counter, now)
			s.cfg.Escrow.SetPendingRAVValue(s.pendingRAVTracker.TotalValue())
			s.recordAllocationMetrics(alloc)
		}

	case allocation.RetryUpdate:
		// no mutation; falls through to re-evaluation below.
	}

	s.eagerDeny(now)
	s.evaluateTriggers(alloc, now)
	s.reconcileDenyAndRetry(now)
	s.recordSenderMetrics()
}

func (s *Supervisor) handleUpdateInvalidReceiptFees(alloc types.Address, valueAdded types.Fee) {
	now := time.Now()
	s.invalidReceiptTracker.Add(alloc, valueAdded, now)
	s.recordAllocationMetrics(alloc)
	s.eagerDeny(now)
	s.reconcileDenyAndRetry(now)
	s.recordSenderMetrics()
}

func (s *Supervisor) handleUpdateRav(alloc types.Address, value types.Fee) {
	now := time.Now()
	s.pendingRAVTracker.UpdateAt(alloc, value, 0, now)
	s.cfg.Escrow.SetPendingRAVValue(s.pendingRAVTracker.TotalValue())
	s.recordAllocationMetrics(alloc)
	s.eagerDeny(now)
	s.reconcileDenyAndRetry(now)
	s.recordSenderMetrics()
}

func (s *Supervisor) handleUpdateAllocationIDs(newSet map[string]types.Address) {
	for key, id := range newSet {
		if _, exists := s.allocationIDs[key]; !exists {
			s.spawnChild(id)
		}
	}
	for key, id := range s.allocationIDs {
		if _, exists := newSet[key]; !exists {
			s.senderFeeTracker.BlockAllocation(id)
			s.childrenMu.RLock()
			child, ok := s.children[key]
			s.childrenMu.RUnlock()
			if ok {
				go func(a *allocation.Actor) { _ = a.Stop(context.Background()) }(child)
			}
		}
	}
	s.allocationIDs = newSet
}

func (s *Supervisor) handleNewAllocationID(id types.Address) {
	key := types.Key(id)
	if _, exists := s.allocationIDs[key]; exists {
		return
	}
	s.spawnChild(id)
	s.allocationIDs[key] = id
}

func (s *Supervisor) handleUpdateBalanceAndLastRavs(newBalance types.Balance, lastRavs map[string]store.AllocationValue) {
	now := time.Now()
	s.senderBalance = newBalance
	s.cfg.Escrow.SetBalance(newBalance)

	active := make(map[string]struct{}, len(s.allocationIDs)+len(lastRavs))
	for key := range s.allocationIDs {
		active[key] = struct{}{}
	}
	for key := range lastRavs {
		active[key] = struct{}{}
	}

	for _, id := range s.pendingRAVTracker.AllocationIDs() {
		if _, ok := active[types.Key(id)]; !ok {
			s.pendingRAVTracker.Remove(id)
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RemoveAllocationLabels(s.cfg.Sender, id)
			}
		}
	}

	for _, entry := range lastRavs {
		s.pendingRAVTracker.UpdateAt(entry.Allocation, entry.Value, 0, now)
		s.recordAllocationMetrics(entry.Allocation)
	}
	s.cfg.Escrow.SetPendingRAVValue(s.pendingRAVTracker.TotalValue())

	cond := s.denyConditionReached()
	if s.denied.Load() && !cond {
		s.allowStore()
	} else if !s.denied.Load() && cond {
		s.denyStore()
	}
	s.recordSenderMetrics()
}

func (s *Supervisor) handleChildStopped(alloc types.Address) {
	s.senderFeeTracker.UnblockAllocation(alloc)
	s.childrenMu.Lock()
	delete(s.children, types.Key(alloc))
	s.childrenMu.Unlock()
	// Reconcile via self-send rather than mutating trackers directly here,
	// matching the single dispatch path every other update goes through.
	s.mailbox <- msgUpdateReceiptFees{alloc: alloc, update: allocation.UpdateValueUpdate{Value: types.ZeroFee(), Counter: 0}}
}

func (s *Supervisor) handleChildPanicked(alloc types.Address, reason any) {
	zlog.Error("allocation actor panicked, respawning", zap.Stringer("allocation", prettyAddr(alloc)), zap.Any("reason", reason))
	s.childrenMu.Lock()
	delete(s.children, types.Key(alloc))
	s.childrenMu.Unlock()
	s.spawnChild(alloc)
}

func (s *Supervisor) handleShutdown() {
	s.childrenMu.RLock()
	stopping := make([]*allocation.Actor, 0, len(s.children))
	for _, child := range s.children {
		stopping = append(stopping, child)
	}
	s.childrenMu.RUnlock()

	var wg sync.WaitGroup
	for _, child := range stopping {
		wg.Add(1)
		go func(a *allocation.Actor) {
			defer wg.Done()
			_ = a.Stop(context.Background())
		}(child)
	}
	wg.Wait()
}

// spawnChild starts the actor for alloc, rebuilding its aggregation state
// from the store first: a fresh allocation has nothing to rebuild, but a
// respawn after a panic must recover whatever receipts arrived after the
// last RAV and were never folded into it, or they'd be silently lost.
func (s *Supervisor) spawnChild(alloc types.Address) {
	s.senderFeeTracker.UnblockAllocation(alloc)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	previousRAV, _, err := s.cfg.Store.LastRAV(ctx, s.cfg.Sender, alloc)
	if err != nil {
		zlog.Error("loading previous rav for respawn", zap.Stringer("allocation", prettyAddr(alloc)), zap.Error(err))
	}
	var afterTimestampNs uint64
	if previousRAV != nil {
		afterTimestampNs = previousRAV.Message.TimestampNs
	}
	pending, err := s.cfg.Store.ReceiptsAfter(ctx, s.cfg.Sender, alloc, afterTimestampNs)
	cancel()
	if err != nil {
		zlog.Error("rebuilding pending receipts for respawn", zap.Stringer("allocation", prettyAddr(alloc)), zap.Error(err))
	}

	child := allocation.Spawn(allocation.Config{
		Sender:          s.cfg.Sender,
		Allocation:      alloc,
		DataService:     s.cfg.DataService,
		ServiceProvider: s.cfg.ServiceProvider,
		Domain:          s.cfg.Domain,
		Escrow:          s.cfg.Escrow,
		Aggregator:      s.cfg.Aggregator,
		Store:           s.cfg.Store,
		Notifier:        s,
		BufferWindow:    s.cfg.BufferWindow,
		RAVTimeout:      s.cfg.RAVRequestTimeout,
		PreviousRAV:     previousRAV,
		PendingReceipts: pending,
	})
	s.childrenMu.Lock()
	s.children[types.Key(alloc)] = child
	s.childrenMu.Unlock()
}

// eagerDeny asserts the deny list before any RAV trigger is attempted, to
// minimize the denial-latency window (spec section 4.3, step 3).
func (s *Supervisor) eagerDeny(now time.Time) {
	if !s.denied.Load() && s.denyConditionReached() {
		s.denyStore()
	}
}

// evaluateTriggers implements the receipt-limit-takes-precedence RAV
// scheduling decision (spec section 4.3, step 4). The receipt-limit trigger
// is scoped to alloc, the allocation named by the update that just arrived
// — it fires only for the allocation that may have just crossed its own
// limit, never for some other allocation that happens to qualify too. The
// value trigger is sender-wide by design, so it still scans every tracked
// allocation for the heaviest one outside the buffer.
func (s *Supervisor) evaluateTriggers(alloc types.Address, now time.Time) {
	if !s.senderFeeTracker.RAVRequestInFlight(alloc) &&
		s.senderFeeTracker.TotalCounterOutsideBuffer(alloc, now) >= s.cfg.ReceiptLimit {
		s.triggerRAV(alloc)
		return
	}

	if types.GreaterOrEqual(s.senderFeeTracker.TotalValueOutsideBuffer(now), s.cfg.TriggerValue) {
		if heaviest, ok := s.senderFeeTracker.HeaviestAllocationOutsideBuffer(now); ok {
			s.triggerRAV(heaviest)
		}
	}
}

func (s *Supervisor) triggerRAV(alloc types.Address) {
	s.childrenMu.RLock()
	child, ok := s.children[types.Key(alloc)]
	s.childrenMu.RUnlock()
	if !ok {
		zlog.Warn("rav trigger raced allocation closure", zap.Stringer("allocation", prettyAddr(alloc)))
		return
	}
	s.senderFeeTracker.StartRAVRequest(alloc)
	child.TriggerRAVRequest()
}

// reconcileDenyAndRetry implements spec section 4.3 step 5.
func (s *Supervisor) reconcileDenyAndRetry(now time.Time) {
	cond := s.denyConditionReached()
	switch {
	case s.denied.Load() && !cond:
		s.allowStore()
	case s.denied.Load() && cond:
		s.scheduledRetry = time.AfterFunc(s.cfg.RetryInterval, func() {
			s.mailbox <- msgUpdateReceiptFees{alloc: types.Address{}, update: allocation.RetryUpdate{}}
		})
	}
}

// denyConditionReached implements the deny formula from spec section 4.3:
// both terms are computed from current (non-buffered) totals.
func (s *Supervisor) denyConditionReached() bool {
	unaggregated := s.senderFeeTracker.TotalValue()
	invalid := s.invalidReceiptTracker.TotalValue()
	pending := s.pendingRAVTracker.TotalValue()

	overCap := types.GreaterOrEqual(types.AddFee(unaggregated, invalid), s.cfg.MaxUnaggregatedFeesPerSender)
	overBalance := types.GreaterOrEqual(types.AddFee(unaggregated, pending), s.senderBalance)
	return overCap || overBalance
}

// denyStore persists the deny decision. A write failure here is fatal for
// the supervisor: a compromised deny guarantee exposes escrow funds, so the
// run loop aborts rather than continue on an unverified deny state.
func (s *Supervisor) denyStore() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.cfg.Store.Deny(ctx, s.cfg.Sender); err != nil {
		zlog.Fatal("denying sender", zap.Stringer("sender", prettyAddr(s.cfg.Sender)), zap.Error(err))
	}
	s.denied.Store(true)
}

func (s *Supervisor) allowStore() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.cfg.Store.Allow(ctx, s.cfg.Sender); err != nil {
		zlog.Fatal("allowing sender", zap.Stringer("sender", prettyAddr(s.cfg.Sender)), zap.Error(err))
	}
	s.denied.Store(false)
}

func (s *Supervisor) recordSenderMetrics() {
	if s.cfg.Metrics == nil {
		return
	}
	s.cfg.Metrics.SetDenied(s.cfg.Sender, s.denied.Load())
	s.cfg.Metrics.SetEscrowBalance(s.cfg.Sender, s.senderBalance)
}

func (s *Supervisor) recordAllocationMetrics(alloc types.Address) {
	if s.cfg.Metrics == nil {
		return
	}
	s.cfg.Metrics.SetUnaggregatedFees(s.cfg.Sender, alloc, s.senderFeeTracker.Value(alloc))
	s.cfg.Metrics.SetInvalidReceiptFees(s.cfg.Sender, alloc, s.invalidReceiptTracker.Value(alloc))
	s.cfg.Metrics.SetPendingRAV(s.cfg.Sender, alloc, s.pendingRAVTracker.Value(alloc))
}

type prettyAddr types.Address

func (a prettyAddr) String() string { return types.Address(a).Pretty() }
