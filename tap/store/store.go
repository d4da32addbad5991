// Package store defines the relational-store contract the sender
// accounting agent depends on (spec section 6): the deny list and the RAV
// table. Both are genuinely external collaborators — the core only ever
// talks to them through this interface.
package store

import (
	"context"

	"github.com/graphprotocol/tap-sender-agent/horizon"
	"github.com/graphprotocol/tap-sender-agent/tap/types"
)

// AllocationValue pairs an allocation address with a fee amount. Used
// instead of a map[types.Address]types.Fee since eth.Address is not a
// comparable map key type.
type AllocationValue struct {
	Allocation types.Address
	Value      types.Fee
}

// Store is the persistence contract for deny-list membership, RAVs and the
// receipts an allocation actor has accepted but not yet aggregated.
type Store interface {
	// IsDenied reports whether sender is currently on the deny list.
	IsDenied(ctx context.Context, sender types.Address) (bool, error)

	// Deny inserts sender into the deny list. Idempotent.
	Deny(ctx context.Context, sender types.Address) error

	// Allow removes sender from the deny list. Idempotent.
	Allow(ctx context.Context, sender types.Address) error

	// LastNonFinalRAVs returns, for sender, the most recent signed RAV value
	// per allocation among those marked last and not yet final, keyed by
	// types.Key (eth.Address is not itself a comparable map key type).
	LastNonFinalRAVs(ctx context.Context, sender types.Address) (map[string]AllocationValue, error)

	// InsertReceipt persists a validated receipt against (sender, allocation).
	InsertReceipt(ctx context.Context, sender, allocation types.Address, receipt *horizon.SignedReceipt) error

	// ReceiptsAfter returns every persisted receipt for (sender, allocation)
	// with a timestamp strictly greater than afterTimestampNs, used to
	// rebuild an allocation actor's pending-receipt buffer after a respawn.
	// Callers pass LastRAV's timestamp as afterTimestampNs so receipts
	// already folded into that RAV aren't replayed into the rebuilt buffer.
	ReceiptsAfter(ctx context.Context, sender, allocation types.Address, afterTimestampNs uint64) ([]*horizon.SignedReceipt, error)

	// LastRAV returns the most recently signed RAV for (sender, allocation),
	// if one has ever been issued. A respawned allocation actor uses it to
	// restore its aggregation cursor, pairing it with ReceiptsAfter to
	// rebuild exactly the pending buffer it lost.
	LastRAV(ctx context.Context, sender, allocation types.Address) (rav *horizon.SignedRAV, ok bool, err error)

	// InsertRAV persists a signed RAV for (sender, allocation). last marks
	// it as the final RAV issued before the allocation closes.
	InsertRAV(ctx context.Context, sender, allocation types.Address, rav *horizon.SignedRAV, last bool) error
}
