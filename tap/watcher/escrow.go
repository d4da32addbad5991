package watcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/graphprotocol/tap-sender-agent/tap/store"
	"github.com/graphprotocol/tap-sender-agent/tap/types"
)

// EscrowTarget is the subset of Supervisor the escrow-accounts watcher
// drives.
type EscrowTarget interface {
	UpdateBalanceAndLastRavs(balance types.Balance, lastRavs map[string]store.AllocationValue)
}

// BalanceSource fetches the current escrow balance for sender, already net
// of thawing per the escrow-accounts stream's own semantics. Out of scope
// per spec section 1.
type BalanceSource func(ctx context.Context, sender types.Address) (types.Balance, error)

// RedeemChecker reports which of the given allocation ids already have a
// recorded on-chain redeem for sender.
type RedeemChecker interface {
	RedeemedAllocations(ctx context.Context, sender types.Address, allocationIDs []types.Address) (map[string]struct{}, error)
}

// EscrowWatcher polls BalanceSource on a fixed interval; on each tick it
// reads the sender's last-non-final RAVs from the store, asks the escrow
// subgraph which of those allocations have already redeemed, and forwards
// the balance plus the non-redeemed subset to its target (spec section
// 4.5). A subgraph failure is treated as "no redeems known" — fail closed,
// so a RAV that actually redeemed keeps being tracked as pending for one
// more cycle rather than risk dropping one that hasn't.
type EscrowWatcher struct {
	sender   types.Address
	balances BalanceSource
	store    store.Store
	subgraph RedeemChecker
	target   EscrowTarget
	interval time.Duration
}

// NewEscrowWatcher creates an EscrowWatcher for sender.
func NewEscrowWatcher(sender types.Address, balances BalanceSource, st store.Store, subgraph RedeemChecker, target EscrowTarget, interval time.Duration) *EscrowWatcher {
	return &EscrowWatcher{
		sender:   sender,
		balances: balances,
		store:    st,
		subgraph: subgraph,
		target:   target,
		interval: interval,
	}
}

// Run polls until ctx is done. Call in its own goroutine.
func (w *EscrowWatcher) Run(ctx context.Context) {
	w.poll(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *EscrowWatcher) poll(ctx context.Context) {
	balance, err := w.balances(ctx, w.sender)
	if err != nil {
		zlog.Warn("fetching escrow balance", zap.Error(err))
		return
	}

	lastNonFinal, err := w.store.LastNonFinalRAVs(ctx, w.sender)
	if err != nil {
		zlog.Warn("fetching last non-final ravs", zap.Error(err))
		return
	}

	allocationIDs := make([]types.Address, 0, len(lastNonFinal))
	for _, entry := range lastNonFinal {
		allocationIDs = append(allocationIDs, entry.Allocation)
	}

	redeemed, err := w.subgraph.RedeemedAllocations(ctx, w.sender, allocationIDs)
	if err != nil {
		zlog.Warn("querying escrow subgraph for redeemed transactions, treating as none redeemed", zap.Error(err))
		redeemed = nil
	}

	nonRedeemed := make(map[string]store.AllocationValue, len(lastNonFinal))
	for key, entry := range lastNonFinal {
		if _, ok := redeemed[key]; ok {
			continue
		}
		nonRedeemed[key] = entry
	}

	w.target.UpdateBalanceAndLastRavs(balance, nonRedeemed)
}
