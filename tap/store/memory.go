package store

import (
	"context"
	"sync"

	"github.com/graphprotocol/tap-sender-agent/horizon"
	"github.com/graphprotocol/tap-sender-agent/tap/types"
)

// Memory is an in-process Store that keeps deny-list membership, receipts
// and RAVs in memory instead of Postgres.
type Memory struct {
	mu sync.Mutex

	denied map[string]struct{}

	// ravs is keyed by (sender, allocation); only the most recent RAV is
	// kept per key, matching the "last wins" behavior of the postgres
	// upsert in InsertRAV. eth.Address is not a comparable type, so the
	// key is built from types.Key rather than the addresses themselves.
	ravs map[string]*ravRecord

	receipts map[string][]*horizon.SignedReceipt
}

type ravRecord struct {
	sender     types.Address
	allocation types.Address
	rav        *horizon.SignedRAV
	last       bool
	final      bool
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		denied:   make(map[string]struct{}),
		ravs:     make(map[string]*ravRecord),
		receipts: make(map[string][]*horizon.SignedReceipt),
	}
}

func pairKey(sender, allocation types.Address) string {
	return types.Key(sender) + "/" + types.Key(allocation)
}

func (m *Memory) IsDenied(_ context.Context, sender types.Address) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.denied[types.Key(sender)]
	return ok, nil
}

func (m *Memory) Deny(_ context.Context, sender types.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied[types.Key(sender)] = struct{}{}
	return nil
}

func (m *Memory) Allow(_ context.Context, sender types.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.denied, types.Key(sender))
	return nil
}

func (m *Memory) LastNonFinalRAVs(_ context.Context, sender types.Address) (map[string]AllocationValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]AllocationValue)
	for _, rec := range m.ravs {
		if types.Key(rec.sender) != types.Key(sender) || !rec.last || rec.final {
			continue
		}
		out[types.Key(rec.allocation)] = AllocationValue{
			Allocation: rec.allocation,
			Value:      rec.rav.Message.ValueAggregate,
		}
	}
	return out, nil
}

func (m *Memory) InsertReceipt(_ context.Context, sender, allocation types.Address, receipt *horizon.SignedReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(sender, allocation)
	m.receipts[key] = append(m.receipts[key], receipt)
	return nil
}

func (m *Memory) ReceiptsAfter(_ context.Context, sender, allocation types.Address, afterTimestampNs uint64) ([]*horizon.SignedReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*horizon.SignedReceipt
	for _, r := range m.receipts[pairKey(sender, allocation)] {
		if r.Message.TimestampNs > afterTimestampNs {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) LastRAV(_ context.Context, sender, allocation types.Address) (*horizon.SignedRAV, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.ravs[pairKey(sender, allocation)]
	if !ok {
		return nil, false, nil
	}
	return rec.rav, true, nil
}

func (m *Memory) InsertRAV(_ context.Context, sender, allocation types.Address, rav *horizon.SignedRAV, last bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ravs[pairKey(sender, allocation)] = &ravRecord{sender: sender, allocation: allocation, rav: rav, last: last}
	return nil
}
