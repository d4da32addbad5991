package escrow

import (
	"math/big"
	"sync"

	"github.com/graphprotocol/tap-sender-agent/tap/types"
)

// Adapter presents allocation actors with a view of the escrow available to
// a single sender: the on-chain balance minus the value already committed
// to pending (unredeemed) RAVs for that sender. One Adapter is created per
// SenderSupervisor and shared by every one of its allocation actors, so its
// snapshot is written from the supervisor goroutine but read concurrently
// from many allocation actor goroutines — the only tracker in this module
// that needs a lock, since it crosses that boundary.
type Adapter struct {
	sender types.Address

	mu         sync.RWMutex
	balance    types.Balance
	pendingRAV types.Balance
}

// New creates an Adapter bound to a single sender, starting from a zero
// balance until the escrow-accounts watcher delivers the first snapshot.
func New(sender types.Address) *Adapter {
	return &Adapter{sender: sender, balance: types.ZeroBalance(), pendingRAV: types.ZeroBalance()}
}

// Sender returns the sender this adapter is bound to.
func (a *Adapter) Sender() types.Address {
	return a.sender
}

// SetBalance updates the raw on-chain escrow balance. Called by the
// SenderSupervisor whenever UpdateBalanceAndLastRavs is handled.
func (a *Adapter) SetBalance(balance types.Balance) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balance = new(big.Int).Set(balance)
}

// SetPendingRAVValue updates the sender-wide value already claimed by
// signed-but-unredeemed RAVs, mirroring the supervisor's own pending-RAV
// tracker total so allocation actors can see it without touching the
// tracker itself.
func (a *Adapter) SetPendingRAVValue(value types.Fee) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingRAV = orZero(value)
}

// Available returns max(0, escrow - pendingRAVValue).
func (a *Adapter) Available() types.Balance {
	a.mu.RLock()
	balance := new(big.Int).Set(a.balance)
	pending := new(big.Int).Set(a.pendingRAV)
	a.mu.RUnlock()

	available := new(big.Int).Sub(balance, pending)
	if available.Sign() < 0 {
		return big.NewInt(0)
	}
	return available
}

func orZero(v types.Fee) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
