package feetracker

import (
	"math/big"
	"testing"
	"time"

	"github.com/streamingfast/eth-go"
	"github.com/stretchr/testify/require"
)

var (
	allocA = eth.MustNewAddress("0x1111111111111111111111111111111111111111")
	allocB = eth.MustNewAddress("0x2222222222222222222222222222222222222222")
)

func TestAdd_AccumulatesValueAndCounter(t *testing.T) {
	tr := New(100 * time.Millisecond)
	now := time.Now()

	tr.Add(allocA, big.NewInt(100), now)
	tr.Add(allocA, big.NewInt(50), now)

	require.Equal(t, big.NewInt(150), tr.Value(allocA))
	require.EqualValues(t, 2, tr.Counter(allocA))
}

func TestTotalValueOutsideBuffer_ExcludesRecentReceipts(t *testing.T) {
	tr := New(100 * time.Millisecond)
	base := time.Unix(0, 0)

	tr.Add(allocA, big.NewInt(500), base)

	// still inside the buffer relative to base
	require.Equal(t, big.NewInt(0), tr.TotalValueOutsideBuffer(base))

	// after the buffer drains
	require.Equal(t, big.NewInt(500), tr.TotalValueOutsideBuffer(base.Add(150*time.Millisecond)))

	// TotalValue is unconditional, regardless of buffer
	require.Equal(t, big.NewInt(500), tr.TotalValue())
}

func TestTotalValueOutsideBuffer_ExcludesInFlightAllocations(t *testing.T) {
	tr := New(0)
	now := time.Now()

	tr.Add(allocA, big.NewInt(100), now.Add(-time.Second))
	tr.Add(allocB, big.NewInt(200), now.Add(-time.Second))

	tr.StartRAVRequest(allocA)

	require.Equal(t, big.NewInt(200), tr.TotalValueOutsideBuffer(now))
}

func TestHeaviestAllocationOutsideBuffer_TieBreaksByAddress(t *testing.T) {
	tr := New(0)
	now := time.Now()

	tr.Add(allocB, big.NewInt(100), now.Add(-time.Second))
	tr.Add(allocA, big.NewInt(100), now.Add(-time.Second))

	heaviest, ok := tr.HeaviestAllocationOutsideBuffer(now)
	require.True(t, ok)
	require.Equal(t, allocA, heaviest)
}

func TestHeaviestAllocationOutsideBuffer_ExcludesBlockedInFlightAndBackingOff(t *testing.T) {
	tr := New(0)
	now := time.Now()

	tr.Add(allocA, big.NewInt(300), now.Add(-time.Second))
	tr.BlockAllocation(allocA)

	tr.Add(allocB, big.NewInt(100), now.Add(-time.Second))
	tr.StartRAVRequest(allocB)

	_, ok := tr.HeaviestAllocationOutsideBuffer(now)
	require.False(t, ok)

	tr.FinishRAVRequest(allocB)
	heaviest, ok := tr.HeaviestAllocationOutsideBuffer(now)
	require.True(t, ok)
	require.Equal(t, allocB, heaviest)

	tr.FailedRAVRequestBackoff(allocB, now.Add(time.Minute))
	_, ok = tr.HeaviestAllocationOutsideBuffer(now)
	require.False(t, ok)

	tr.OkRAVRequest(allocB)
	_, ok = tr.HeaviestAllocationOutsideBuffer(now)
	require.True(t, ok)
}

func TestUpdate_OverwritesTotalsAndResetsBuffer(t *testing.T) {
	tr := New(100 * time.Millisecond)
	now := time.Now()

	tr.Add(allocA, big.NewInt(500), now.Add(-time.Second))
	require.Equal(t, big.NewInt(500), tr.TotalValueOutsideBuffer(now))

	tr.UpdateAt(allocA, big.NewInt(0), 0, now)

	require.Equal(t, big.NewInt(0), tr.Value(allocA))
	require.EqualValues(t, 0, tr.Counter(allocA))
	require.Equal(t, big.NewInt(0), tr.TotalValueOutsideBuffer(now))
}

func TestTotalCounterOutsideBuffer(t *testing.T) {
	tr := New(100 * time.Millisecond)
	base := time.Unix(0, 0)

	tr.Add(allocA, big.NewInt(1), base)
	tr.Add(allocA, big.NewInt(1), base)

	require.EqualValues(t, 0, tr.TotalCounterOutsideBuffer(allocA, base))
	require.EqualValues(t, 2, tr.TotalCounterOutsideBuffer(allocA, base.Add(200*time.Millisecond)))
}

func TestRemove_DropsAllocation(t *testing.T) {
	tr := New(0)
	now := time.Now()
	tr.Add(allocA, big.NewInt(10), now)
	tr.Remove(allocA)
	require.Equal(t, big.NewInt(0), tr.Value(allocA))
	require.Empty(t, tr.AllocationIDs())
}
