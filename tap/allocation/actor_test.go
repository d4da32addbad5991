package allocation

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/streamingfast/eth-go"
	"github.com/stretchr/testify/require"

	"github.com/graphprotocol/tap-sender-agent/horizon"
	"github.com/graphprotocol/tap-sender-agent/tap/escrow"
	"github.com/graphprotocol/tap-sender-agent/tap/store"
	"github.com/graphprotocol/tap-sender-agent/tap/types"
)

type fakeStore struct {
	mu       sync.Mutex
	receipts []*horizon.SignedReceipt
	ravs     []*horizon.SignedRAV
	lastRAVs []*horizon.SignedRAV
}

func (s *fakeStore) IsDenied(context.Context, types.Address) (bool, error) { return false, nil }
func (s *fakeStore) Deny(context.Context, types.Address) error             { return nil }
func (s *fakeStore) Allow(context.Context, types.Address) error            { return nil }
func (s *fakeStore) LastNonFinalRAVs(context.Context, types.Address) (map[string]store.AllocationValue, error) {
	return nil, nil
}

func (s *fakeStore) InsertReceipt(_ context.Context, _, _ types.Address, r *horizon.SignedReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *fakeStore) ReceiptsAfter(context.Context, types.Address, types.Address, uint64) ([]*horizon.SignedReceipt, error) {
	return nil, nil
}

func (s *fakeStore) LastRAV(context.Context, types.Address, types.Address) (*horizon.SignedRAV, bool, error) {
	return nil, false, nil
}

func (s *fakeStore) InsertRAV(_ context.Context, _, _ types.Address, rav *horizon.SignedRAV, last bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ravs = append(s.ravs, rav)
	if last {
		s.lastRAVs = append(s.lastRAVs, rav)
	}
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	updates  []ReceiptFeeUpdate
	invalid  []types.Fee
	stopped  bool
	panicked any
	notify   chan struct{}
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{notify: make(chan struct{}, 64)}
}

func (n *fakeNotifier) UpdateReceiptFees(_ types.Address, update ReceiptFeeUpdate) {
	n.mu.Lock()
	n.updates = append(n.updates, update)
	n.mu.Unlock()
	n.notify <- struct{}{}
}

func (n *fakeNotifier) UpdateInvalidReceiptFees(_ types.Address, valueAdded types.Fee) {
	n.mu.Lock()
	n.invalid = append(n.invalid, valueAdded)
	n.mu.Unlock()
	n.notify <- struct{}{}
}

func (n *fakeNotifier) ChildStopped(types.Address) {
	n.mu.Lock()
	n.stopped = true
	n.mu.Unlock()
}

func (n *fakeNotifier) ChildPanicked(_ types.Address, reason any) {
	n.mu.Lock()
	n.panicked = reason
	n.mu.Unlock()
	n.notify <- struct{}{}
}

func (n *fakeNotifier) wait(t *testing.T) {
	t.Helper()
	select {
	case <-n.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notifier")
	}
}

func setupTest(t *testing.T) (*horizon.Domain, *eth.PrivateKey, types.Address, types.Address) {
	t.Helper()
	domain := horizon.NewDomain(1, eth.MustNewAddress("0x1234567890123456789012345678901234567890"))
	senderKey, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)
	sender := senderKey.PublicKey().Address()
	alloc := eth.MustNewAddress("0x2222222222222222222222222222222222222222")
	return domain, senderKey, sender, alloc
}

func newReceipt(domain *horizon.Domain, senderKey *eth.PrivateKey, sender, alloc, dataService types.Address, value int64, ts uint64) *horizon.SignedReceipt {
	receipt := &horizon.Receipt{
		CollectionID:    horizon.CollectionIDFromAllocation(alloc),
		Payer:           sender,
		DataService:     dataService,
		ServiceProvider: alloc,
		TimestampNs:     ts,
		Nonce:           uint64(ts),
		Value:           big.NewInt(value),
	}
	signed, err := horizon.Sign(domain, receipt, senderKey)
	if err != nil {
		panic(err)
	}
	return signed
}

func TestActor_NewReceipt_AcceptedAndBuffered(t *testing.T) {
	domain, senderKey, sender, alloc := setupTest(t)
	dataService := eth.MustNewAddress("0x3333333333333333333333333333333333333333")

	adapter := escrow.New(sender)
	adapter.SetBalance(big.NewInt(1_000_000))

	st := &fakeStore{}
	notifier := newFakeNotifier()
	localAgg := fakeAggregator{}

	a := Spawn(Config{
		Sender:          sender,
		Allocation:      alloc,
		DataService:     dataService,
		ServiceProvider: alloc,
		Domain:          domain,
		Escrow:          adapter,
		Aggregator:      &localAgg,
		Store:           st,
		Notifier:        notifier,
		BufferWindow:    100 * time.Millisecond,
		RAVTimeout:      time.Second,
	})
	defer a.Stop(context.Background())

	receipt := newReceipt(domain, senderKey, sender, alloc, dataService, 100, uint64(time.Now().UnixNano()))
	a.Send(receipt)
	notifier.wait(t)

	require.Len(t, notifier.updates, 1)
	upd, ok := notifier.updates[0].(NewReceiptUpdate)
	require.True(t, ok)
	require.Equal(t, int64(100), upd.Value.Int64())
	require.Empty(t, notifier.invalid)
}

func TestActor_NewReceipt_RejectsWrongSigner(t *testing.T) {
	domain, _, sender, alloc := setupTest(t)
	dataService := eth.MustNewAddress("0x3333333333333333333333333333333333333333")
	otherKey, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)

	adapter := escrow.New(sender)
	adapter.SetBalance(big.NewInt(1_000_000))

	notifier := newFakeNotifier()
	a := Spawn(Config{
		Sender:       sender,
		Allocation:   alloc,
		Domain:       domain,
		Escrow:       adapter,
		Aggregator:   &fakeAggregator{},
		Store:        &fakeStore{},
		Notifier:     notifier,
		BufferWindow: 100 * time.Millisecond,
		RAVTimeout:   time.Second,
	})
	defer a.Stop(context.Background())

	receipt := newReceipt(domain, otherKey, sender, alloc, dataService, 50, uint64(time.Now().UnixNano()))
	a.Send(receipt)
	notifier.wait(t)

	require.Empty(t, notifier.updates)
	require.Len(t, notifier.invalid, 1)
}

func TestActor_NewReceipt_RejectsWhenEscrowExhausted(t *testing.T) {
	domain, senderKey, sender, alloc := setupTest(t)
	dataService := eth.MustNewAddress("0x3333333333333333333333333333333333333333")

	adapter := escrow.New(sender)
	adapter.SetBalance(big.NewInt(10))

	notifier := newFakeNotifier()
	a := Spawn(Config{
		Sender:       sender,
		Allocation:   alloc,
		Domain:       domain,
		Escrow:       adapter,
		Aggregator:   &fakeAggregator{},
		Store:        &fakeStore{},
		Notifier:     notifier,
		BufferWindow: 100 * time.Millisecond,
		RAVTimeout:   time.Second,
	})
	defer a.Stop(context.Background())

	receipt := newReceipt(domain, senderKey, sender, alloc, dataService, 100, uint64(time.Now().UnixNano()))
	a.Send(receipt)
	notifier.wait(t)

	require.Empty(t, notifier.updates)
	require.Len(t, notifier.invalid, 1)
}

func TestActor_TriggerRAVRequest_ExcludesReceiptsInsideBuffer(t *testing.T) {
	domain, senderKey, sender, alloc := setupTest(t)
	dataService := eth.MustNewAddress("0x3333333333333333333333333333333333333333")

	adapter := escrow.New(sender)
	adapter.SetBalance(big.NewInt(1_000_000))

	st := &fakeStore{}
	notifier := newFakeNotifier()
	localAgg := &fakeAggregator{}

	a := Spawn(Config{
		Sender:       sender,
		Allocation:   alloc,
		Domain:       domain,
		Escrow:       adapter,
		Aggregator:   localAgg,
		Store:        st,
		Notifier:     notifier,
		BufferWindow: time.Hour,
		RAVTimeout:   time.Second,
	})
	defer a.Stop(context.Background())

	old := newReceipt(domain, senderKey, sender, alloc, dataService, 100, 1)
	a.Send(old)
	notifier.wait(t)

	recent := newReceipt(domain, senderKey, sender, alloc, dataService, 50, uint64(time.Now().UnixNano()))
	a.Send(recent)
	notifier.wait(t)

	a.TriggerRAVRequest()
	notifier.wait(t)

	require.Len(t, notifier.updates, 3)
	resp, ok := notifier.updates[2].(RavRequestResponseUpdate)
	require.True(t, ok)
	require.NoError(t, resp.Err)
	require.NotNil(t, resp.RAV)
	require.Equal(t, int64(100), resp.RAV.Message.ValueAggregate.Int64())
	require.Equal(t, int64(50), resp.Value.Int64())
	require.EqualValues(t, 1, resp.Counter)
}

func TestActor_Shutdown_RequestsLastRAV(t *testing.T) {
	domain, senderKey, sender, alloc := setupTest(t)
	dataService := eth.MustNewAddress("0x3333333333333333333333333333333333333333")

	adapter := escrow.New(sender)
	adapter.SetBalance(big.NewInt(1_000_000))

	st := &fakeStore{}
	notifier := newFakeNotifier()

	a := Spawn(Config{
		Sender:       sender,
		Allocation:   alloc,
		Domain:       domain,
		Escrow:       adapter,
		Aggregator:   &fakeAggregator{},
		Store:        st,
		Notifier:     notifier,
		BufferWindow: time.Hour,
		RAVTimeout:   time.Second,
	})

	receipt := newReceipt(domain, senderKey, sender, alloc, dataService, 250, 1)
	a.Send(receipt)
	notifier.wait(t)

	require.NoError(t, a.Stop(context.Background()))
	notifier.wait(t)

	require.Len(t, st.lastRAVs, 1)
	require.Equal(t, int64(250), st.lastRAVs[0].Message.ValueAggregate.Int64())
	require.True(t, notifier.stopped)
}

// fakeAggregator aggregates in-process without any signature checks, to keep
// these tests focused on actor behaviour rather than EIP-712 plumbing.
type fakeAggregator struct{}

func (fakeAggregator) AggregateReceipts(_ context.Context, receipts []*horizon.SignedReceipt, previousRAV *horizon.SignedRAV) (*horizon.SignedRAV, error) {
	total := big.NewInt(0)
	var maxTS uint64
	if previousRAV != nil {
		total.Add(total, previousRAV.Message.ValueAggregate)
		maxTS = previousRAV.Message.TimestampNs
	}
	for _, r := range receipts {
		total.Add(total, r.Message.Value)
		if r.Message.TimestampNs > maxTS {
			maxTS = r.Message.TimestampNs
		}
	}
	first := receipts[0].Message
	return &horizon.SignedRAV{
		Message: &horizon.RAV{
			CollectionID:    first.CollectionID,
			Payer:           first.Payer,
			ServiceProvider: first.ServiceProvider,
			DataService:     first.DataService,
			TimestampNs:     maxTS,
			ValueAggregate:  total,
		},
	}, nil
}
