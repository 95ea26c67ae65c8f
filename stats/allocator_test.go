package stats_test

import (
	"encoding/json"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/quartzlibs/memtrace/allocator"
	"github.com/quartzlibs/memtrace/stats"
	"github.com/stretchr/testify/require"
)

func TestAllocExtrema(t *testing.T) {
	proxy := stats.NewObject(newFakeBackend(1024))

	require.Equal(t, 0, proxy.SmallestAlloc())
	require.Equal(t, 0, proxy.LargestAlloc())

	for _, size := range []int{8, 64, 16} {
		handle, err := proxy.Alloc(size, 1)
		require.NoError(t, err)
		require.NotEqual(t, allocator.NoAllocation, handle)
	}

	require.Equal(t, 8, proxy.SmallestAlloc())
	require.Equal(t, 64, proxy.LargestAlloc())
	require.Equal(t, uint64(3), proxy.TotalAllocs())
	require.Equal(t, uint64(88), proxy.TotalAllocBytes())
}

func TestAllocFailureAccounting(t *testing.T) {
	backing := newFakeBackend(1024)
	backing.failAtOrAbove = 50
	proxy := stats.NewObject(backing)

	handle, err := proxy.Alloc(64, 1)
	require.NoError(t, err)
	require.Equal(t, allocator.NoAllocation, handle)
	require.Equal(t, uint64(1), proxy.TotalAllocFails())
	require.Equal(t, 64, proxy.LargestAllocFailed())

	handle, err = proxy.Alloc(32, 1)
	require.NoError(t, err)
	require.NotEqual(t, allocator.NoAllocation, handle)

	require.Equal(t, uint64(2), proxy.TotalAllocs())
	require.Equal(t, uint64(1), proxy.TotalAllocFails())
	require.Equal(t, 64, proxy.LargestAllocFailed())
	require.Equal(t, 32, proxy.SmallestAlloc())
	require.Equal(t, 32, proxy.LargestAlloc())
}

func TestReallocGrowthAndShrink(t *testing.T) {
	proxy := stats.NewObject(newFakeBackend(1024))

	handle, err := proxy.Alloc(32, 1)
	require.NoError(t, err)

	handle, err = proxy.Realloc(handle, 48, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(16), proxy.TotalReallocGrowth())
	require.Equal(t, uint64(0), proxy.TotalReallocShrink())

	handle, err = proxy.Realloc(handle, 16, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(16), proxy.TotalReallocGrowth())
	require.Equal(t, uint64(32), proxy.TotalReallocShrink())

	handle, err = proxy.Realloc(handle, 16, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(16), proxy.TotalReallocGrowth())
	require.Equal(t, uint64(32), proxy.TotalReallocShrink())

	require.Equal(t, uint64(3), proxy.TotalReallocs())
	require.Equal(t, uint64(0), proxy.TotalReallocMoves())
	require.Equal(t, uint64(32+48+16+16), proxy.TotalAllocBytes())
	require.NotEqual(t, allocator.NoAllocation, handle)
}

func TestReallocRelocationAccounting(t *testing.T) {
	backing := newFakeBackend(1024)
	backing.relocateOnRealloc = true
	proxy := stats.NewObject(backing)

	handle, err := proxy.Alloc(32, 1)
	require.NoError(t, err)

	newHandle, err := proxy.Realloc(handle, 80, 1)
	require.NoError(t, err)
	require.NotEqual(t, handle, newHandle)
	require.Equal(t, uint64(1), proxy.TotalReallocMoves())
	require.Equal(t, uint64(80), proxy.TotalReallocMoved())
}

func TestReallocFailureAccounting(t *testing.T) {
	backing := newFakeBackend(1024)
	proxy := stats.NewObject(backing)

	handle, err := proxy.Alloc(32, 1)
	require.NoError(t, err)

	backing.failAtOrAbove = 50
	newHandle, err := proxy.Realloc(handle, 100, 1)
	require.NoError(t, err)
	require.Equal(t, allocator.NoAllocation, newHandle)

	require.Equal(t, uint64(1), proxy.TotalReallocs())
	require.Equal(t, uint64(1), proxy.TotalReallocFails())
	require.Equal(t, uint64(0), proxy.TotalAllocFails())
	require.Equal(t, 100, proxy.LargestAllocFailed())
	require.Equal(t, 32, proxy.AllocSize(handle))
}

func TestOfferReclaimRoundTrip(t *testing.T) {
	proxy := stats.NewObject(newFakeBackend(1024))

	handle, err := proxy.Alloc(40, 1)
	require.NoError(t, err)

	token := proxy.Offer(handle, 0)
	require.NotEqual(t, allocator.NoToken, token)
	require.Equal(t, uint64(1), proxy.TotalOffers())
	require.Equal(t, uint64(40), proxy.TotalOfferBytes())

	reclaimed := proxy.Reclaim(token)
	require.Equal(t, handle, reclaimed)
	require.Equal(t, uint64(1), proxy.TotalReclaims())
	require.Equal(t, uint64(0), proxy.TotalReclaimFails())
	require.Equal(t, uint64(40), proxy.TotalReclaimBytes())
}

func TestReclaimAfterDiscardingOffer(t *testing.T) {
	backing := newFakeBackend(1024)
	backing.discardOffers = true
	proxy := stats.NewObject(backing)

	handle, err := proxy.Alloc(40, 1)
	require.NoError(t, err)

	token := proxy.Offer(handle, 0)
	require.Equal(t, allocator.NoToken, token)
	require.Equal(t, uint64(40), proxy.TotalOfferBytes())

	reclaimed := proxy.Reclaim(token)
	require.Equal(t, allocator.NoAllocation, reclaimed)
	require.Equal(t, uint64(1), proxy.TotalReclaimFails())
	require.Equal(t, uint64(0), proxy.TotalReclaimBytes())
}

func TestErrorPathStillCountsFailure(t *testing.T) {
	backing := newFakeBackend(1024)
	backingErr := errors.New("the backing allocator is on fire")
	backing.err = backingErr
	proxy := stats.NewObject(backing)

	handle, err := proxy.Alloc(64, 1)
	require.Equal(t, allocator.NoAllocation, handle)
	require.Equal(t, backingErr, err)
	require.Equal(t, uint64(1), proxy.TotalAllocs())
	require.Equal(t, uint64(1), proxy.TotalAllocFails())
	require.Equal(t, 64, proxy.LargestAllocFailed())
}

func TestPanicPathStillCountsFailure(t *testing.T) {
	backing := newFakeBackend(1024)
	backing.panicValue = "the backing allocator is on fire"
	proxy := stats.NewObject(backing)

	require.PanicsWithValue(t, "the backing allocator is on fire", func() {
		_, _ = proxy.Alloc(128, 1)
	})
	require.Equal(t, uint64(1), proxy.TotalAllocs())
	require.Equal(t, uint64(1), proxy.TotalAllocFails())
	require.Equal(t, 128, proxy.LargestAllocFailed())

	require.PanicsWithValue(t, "the backing allocator is on fire", func() {
		_, _ = proxy.Realloc(allocator.Handle(1), 256, 1)
	})
	require.Equal(t, uint64(1), proxy.TotalReallocs())
	require.Equal(t, uint64(1), proxy.TotalReallocFails())
	require.Equal(t, 256, proxy.LargestAllocFailed())
}

func TestHighestUsage(t *testing.T) {
	proxy := stats.NewObject(newFakeBackend(1024))

	first, err := proxy.Alloc(100, 1)
	require.NoError(t, err)
	_, err = proxy.Alloc(50, 1)
	require.NoError(t, err)
	require.Equal(t, 150, proxy.HighestUsage())

	proxy.Free(first)
	_, err = proxy.Alloc(10, 1)
	require.NoError(t, err)
	require.Equal(t, 150, proxy.HighestUsage())
}

func TestResetCounters(t *testing.T) {
	backing := newFakeBackend(1024)
	proxy := stats.NewObject(backing)

	handle, err := proxy.Alloc(32, 1)
	require.NoError(t, err)
	handle, err = proxy.Realloc(handle, 64, 1)
	require.NoError(t, err)
	token := proxy.Offer(handle, 0)
	proxy.Reclaim(token)
	backing.failAtOrAbove = 10
	_, err = proxy.Alloc(100, 1)
	require.NoError(t, err)

	proxy.ResetCounters()

	require.Equal(t, 0, proxy.HighestUsage())
	require.Equal(t, 0, proxy.SmallestAlloc())
	require.Equal(t, 0, proxy.LargestAlloc())
	require.Equal(t, uint64(0), proxy.TotalAllocs())
	require.Equal(t, uint64(0), proxy.TotalAllocFails())
	require.Equal(t, 0, proxy.LargestAllocFailed())
	require.Equal(t, uint64(0), proxy.TotalAllocBytes())
	require.Equal(t, uint64(0), proxy.TotalReallocs())
	require.Equal(t, uint64(0), proxy.TotalReallocFails())
	require.Equal(t, uint64(0), proxy.TotalReallocGrowth())
	require.Equal(t, uint64(0), proxy.TotalReallocShrink())
	require.Equal(t, uint64(0), proxy.TotalReallocMoves())
	require.Equal(t, uint64(0), proxy.TotalReallocMoved())
	require.Equal(t, uint64(0), proxy.TotalOffers())
	require.Equal(t, uint64(0), proxy.TotalOfferBytes())
	require.Equal(t, uint64(0), proxy.TotalReclaims())
	require.Equal(t, uint64(0), proxy.TotalReclaimFails())
	require.Equal(t, uint64(0), proxy.TotalReclaimBytes())
}

func TestBasicTierRejectsObjectOperations(t *testing.T) {
	backing := newFakeBackend(1024)
	proxy := stats.NewBasic(backing)

	handle, err := proxy.Alloc(16, 1)
	require.NoError(t, err)
	require.NotEqual(t, allocator.NoAllocation, handle)

	require.Panics(t, func() { proxy.Offer(handle, 0) })
	require.Panics(t, func() { proxy.Reclaim(allocator.OfferToken(1)) })
	require.Panics(t, func() { proxy.Purge(allocator.PurgeAll) })
	require.Panics(t, func() { proxy.Clear() })
	require.Panics(t, func() { proxy.PendingBytes() })
	require.Panics(t, func() { _, _ = proxy.AllocWithFinalizer(16, 1, nil) })

	// Basic-tier operations stay available and counted.
	require.Equal(t, uint64(1), proxy.TotalAllocs())
}

func TestBuildStatsJson(t *testing.T) {
	backing := newFakeBackend(1024)
	backing.failAtOrAbove = 500
	proxy := stats.NewObject(backing)

	_, err := proxy.Alloc(32, 1)
	require.NoError(t, err)
	_, err = proxy.Alloc(600, 1)
	require.NoError(t, err)

	writer := jwriter.NewWriter()
	objState := writer.Object()
	proxy.BuildStatsJson(objState)
	objState.End()
	require.NoError(t, writer.Error())

	var doc map[string]float64
	require.NoError(t, json.Unmarshal(writer.Bytes(), &doc))
	require.Equal(t, float64(2), doc["TotalAllocs"])
	require.Equal(t, float64(1), doc["TotalAllocFails"])
	require.Equal(t, float64(600), doc["LargestAllocFailed"])
	require.Equal(t, float64(32), doc["SmallestAlloc"])
	require.Equal(t, float64(32), doc["TotalAllocBytes"])
}
