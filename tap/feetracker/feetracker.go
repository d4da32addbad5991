// Package feetracker implements the per-allocation fee bookkeeping used by
// the sender accounting agent: the unaggregated-receipt tracker, the
// pending-RAV tracker and the invalid-receipt tracker are all instances of
// the same FeeTracker type, parameterized only by whether they exclude a
// recent-receipt buffer window from their trigger totals.
//
// A FeeTracker is owned exclusively by a single SenderSupervisor goroutine;
// it carries no internal locking, by design (see DESIGN.md).
package feetracker

import (
	"time"

	"github.com/graphprotocol/tap-sender-agent/tap/types"
)

// entry is one contribution to an allocation's running total, keepable
// track of for buffer-exclusion purposes.
type entry struct {
	ts      time.Time
	value   types.Fee
	counter uint64
}

// allocationState is keyed in FeeTracker.allocations by types.Key(addr)
// rather than by addr itself, since eth.Address is not a comparable type;
// addr is kept here so callers that only have the map key back can recover
// the real address (e.g. AllocationIDs, HeaviestAllocationOutsideBuffer).
type allocationState struct {
	addr    types.Address
	entries []entry

	value   types.Fee
	counter uint64

	blocked      bool
	ravInFlight  bool
	backoffUntil time.Time
}

func newAllocationState(addr types.Address) *allocationState {
	return &allocationState{addr: addr, value: types.ZeroFee()}
}

// FeeTracker tracks, per allocation, a running (value, counter) pair plus
// the finalizing/in-flight/backoff flags from spec section 3. bufferWindow
// is the timestamp buffer B: receipts (or overwritten totals) dated within
// [now-B, now] are excluded from the "outside buffer" trigger totals.
type FeeTracker struct {
	bufferWindow time.Duration
	allocations  map[string]*allocationState
}

// New creates a FeeTracker with the given timestamp buffer window. Pass 0
// for trackers that don't need buffer exclusion (the pending-RAV and
// invalid-receipt trackers).
func New(bufferWindow time.Duration) *FeeTracker {
	return &FeeTracker{
		bufferWindow: bufferWindow,
		allocations:  make(map[string]*allocationState),
	}
}

func (t *FeeTracker) state(alloc types.Address) *allocationState {
	key := types.Key(alloc)
	s, ok := t.allocations[key]
	if !ok {
		s = newAllocationState(alloc)
		t.allocations[key] = s
	}
	return s
}

// Add appends a receipt's value to the allocation's running total at the
// given timestamp.
func (t *FeeTracker) Add(alloc types.Address, value types.Fee, ts time.Time) {
	s := t.state(alloc)
	s.entries = append(s.entries, entry{ts: ts, value: value, counter: 1})
	s.value = types.AddFee(s.value, value)
	s.counter++
}

// Update overwrites the allocation's running totals, as reported back by an
// allocation actor after it reconciles (e.g. post-RAV). The new total is
// recorded as a single entry dated now, so it starts out inside the buffer
// window rather than being immediately eligible to re-trigger a RAV request.
func (t *FeeTracker) Update(alloc types.Address, value types.Fee, counter uint64) {
	t.UpdateAt(alloc, value, counter, time.Now())
}

// UpdateAt is Update with an explicit "now", for deterministic tests.
func (t *FeeTracker) UpdateAt(alloc types.Address, value types.Fee, counter uint64, now time.Time) {
	s := t.state(alloc)
	s.entries = []entry{{ts: now, value: value, counter: counter}}
	s.value = value
	s.counter = counter
}

// Remove drops all tracked state for an allocation (used when a tracker no
// longer needs to account for it, e.g. a redeemed RAV that has left both
// the active allocation set and the last-RAV map).
func (t *FeeTracker) Remove(alloc types.Address) {
	delete(t.allocations, types.Key(alloc))
}

// TotalValue sums the running value across every tracked allocation,
// unconditionally.
func (t *FeeTracker) TotalValue() types.Fee {
	total := types.ZeroFee()
	for _, s := range t.allocations {
		total = types.AddFee(total, s.value)
	}
	return total
}

// TotalValueOutsideBuffer sums the value outside the timestamp buffer
// window across allocations, excluding any allocation with a RAV request
// currently in flight. Pass now explicitly for deterministic tests.
func (t *FeeTracker) TotalValueOutsideBuffer(now time.Time) types.Fee {
	total := types.ZeroFee()
	for _, s := range t.allocations {
		if s.ravInFlight {
			continue
		}
		total = types.AddFee(total, valueOutsideBuffer(s, t.bufferWindow, now))
	}
	return total
}

// TotalCounterOutsideBuffer returns the number of receipts recorded for
// alloc outside the timestamp buffer window.
func (t *FeeTracker) TotalCounterOutsideBuffer(alloc types.Address, now time.Time) uint64 {
	s, ok := t.allocations[types.Key(alloc)]
	if !ok {
		return 0
	}
	var count uint64
	cutoff := now.Add(-t.bufferWindow)
	for _, e := range s.entries {
		if e.ts.Before(cutoff) || e.ts.Equal(cutoff) {
			count += e.counter
		}
	}
	return count
}

func valueOutsideBuffer(s *allocationState, bufferWindow time.Duration, now time.Time) types.Fee {
	cutoff := now.Add(-bufferWindow)
	total := types.ZeroFee()
	for _, e := range s.entries {
		if e.ts.Before(cutoff) || e.ts.Equal(cutoff) {
			total = types.AddFee(total, e.value)
		}
	}
	return total
}

// HeaviestAllocationOutsideBuffer returns the unblocked, not-in-flight,
// not-backing-off allocation with the greatest value outside the buffer
// window. Ties are broken by allocation address, ascending, for
// determinism. Returns false if every allocation is excluded.
func (t *FeeTracker) HeaviestAllocationOutsideBuffer(now time.Time) (types.Address, bool) {
	var (
		best    types.Address
		bestVal types.Fee
		found   bool
	)
	for _, s := range t.allocations {
		if s.blocked || s.ravInFlight || now.Before(s.backoffUntil) {
			continue
		}
		val := valueOutsideBuffer(s, t.bufferWindow, now)
		if !found || val.Cmp(bestVal) > 0 || (val.Cmp(bestVal) == 0 && types.AddressLess(s.addr, best)) {
			best, bestVal, found = s.addr, val, true
		}
	}
	return best, found
}

// StartRAVRequest marks alloc as having a RAV request in flight.
func (t *FeeTracker) StartRAVRequest(alloc types.Address) {
	t.state(alloc).ravInFlight = true
}

// FinishRAVRequest clears the in-flight flag for alloc, regardless of
// success or failure of the request.
func (t *FeeTracker) FinishRAVRequest(alloc types.Address) {
	t.state(alloc).ravInFlight = false
}

// RAVRequestInFlight reports whether alloc currently has an outstanding RAV
// request.
func (t *FeeTracker) RAVRequestInFlight(alloc types.Address) bool {
	s, ok := t.allocations[types.Key(alloc)]
	return ok && s.ravInFlight
}

// OkRAVRequest clears any backoff previously recorded for alloc.
func (t *FeeTracker) OkRAVRequest(alloc types.Address) {
	t.state(alloc).backoffUntil = time.Time{}
}

// FailedRAVRequestBackoff extends alloc's backoff so it is skipped by
// heaviest-allocation selection until the deadline passes.
func (t *FeeTracker) FailedRAVRequestBackoff(alloc types.Address, until time.Time) {
	t.state(alloc).backoffUntil = until
}

// BlockAllocation marks alloc as finalizing: it is excluded from
// heaviest-allocation selection so an in-progress close isn't raced by a
// new ordinary RAV request.
func (t *FeeTracker) BlockAllocation(alloc types.Address) {
	t.state(alloc).blocked = true
}

// UnblockAllocation clears the finalizing flag, e.g. after a respawn.
func (t *FeeTracker) UnblockAllocation(alloc types.Address) {
	t.state(alloc).blocked = false
}

// Value returns the current running value for alloc.
func (t *FeeTracker) Value(alloc types.Address) types.Fee {
	s, ok := t.allocations[types.Key(alloc)]
	if !ok {
		return types.ZeroFee()
	}
	return s.value
}

// Counter returns the current running counter for alloc.
func (t *FeeTracker) Counter(alloc types.Address) uint64 {
	s, ok := t.allocations[types.Key(alloc)]
	if !ok {
		return 0
	}
	return s.counter
}

// AllocationIDs returns every allocation currently tracked, regardless of
// state.
func (t *FeeTracker) AllocationIDs() []types.Address {
	ids := make([]types.Address, 0, len(t.allocations))
	for _, s := range t.allocations {
		ids = append(ids, s.addr)
	}
	return ids
}

// Clone returns a deep-enough copy of the tracker suitable for snapshotting
// in tests (e.g. under a debug/inspection message).
func (t *FeeTracker) Clone() *FeeTracker {
	clone := New(t.bufferWindow)
	for key, s := range t.allocations {
		cp := *s
		cp.entries = append([]entry(nil), s.entries...)
		clone.allocations[key] = &cp
	}
	return clone
}
