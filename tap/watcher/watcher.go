// Package watcher bridges the two external reactive streams named in spec
// section 4.5 — the allocation set and the escrow accounts — into
// SenderSupervisor mailbox messages. Neither stream primitive is exposed to
// the supervisor itself; each watcher here only ever calls the two public
// methods a supervisor already exposes for this purpose.
package watcher

import (
	"context"
	"time"

	"github.com/streamingfast/logging"
	"go.uber.org/zap"

	"github.com/graphprotocol/tap-sender-agent/tap/types"
)

var zlog, _ = logging.PackageLogger("tap-watcher", "github.com/graphprotocol/tap-sender-agent/tap/watcher")

// AllocationTarget is the subset of Supervisor the allocation-set watcher
// drives.
type AllocationTarget interface {
	UpdateAllocationIDs(ids []types.Address)
}

// AllocationSource fetches the current allocation-set snapshot for a
// sender's indexer, typically backed by the indexer-management API or the
// network subgraph. Out of scope per spec section 1; the watcher only
// depends on this function signature.
type AllocationSource func(ctx context.Context) ([]types.Address, error)

// AllocationWatcher polls an AllocationSource on a fixed interval and
// forwards every snapshot to its target, trusting UpdateAllocationIDs'
// idempotence (spec section 8) rather than diffing locally.
type AllocationWatcher struct {
	source   AllocationSource
	target   AllocationTarget
	interval time.Duration
}

// NewAllocationWatcher creates an AllocationWatcher polling source every
// interval and forwarding snapshots to target.
func NewAllocationWatcher(source AllocationSource, target AllocationTarget, interval time.Duration) *AllocationWatcher {
	return &AllocationWatcher{source: source, target: target, interval: interval}
}

// Run polls until ctx is done. Call in its own goroutine.
func (w *AllocationWatcher) Run(ctx context.Context) {
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

func (w *AllocationWatcher) poll(ctx context.Context) {
	ids, err := w.source(ctx)
	if err != nil {
		zlog.Warn("fetching allocation set", zap.Error(err))
		return
	}
	w.target.UpdateAllocationIDs(ids)
}
