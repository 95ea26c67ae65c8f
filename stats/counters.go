package stats

// HighestUsage returns the highest backing-reported memory usage observed since the last
// counter reset. The value updates after every allocation and reallocation, so under
// concurrent callers it is an upper bound seen at some actual instant rather than a value
// attributable to any single call.
func (a *Allocator) HighestUsage() int {
	return int(a.highest.Load())
}

// SmallestAlloc returns the smallest successful allocation size since the last counter
// reset, or 0 when no allocation has succeeded yet.
func (a *Allocator) SmallestAlloc() int {
	smallest := a.smallest.Load()
	if smallest == noSuccessfulAllocs {
		return 0
	}
	return int(smallest)
}

// LargestAlloc returns the largest successful allocation size since the last counter
// reset, or 0 when no allocation has succeeded yet.
func (a *Allocator) LargestAlloc() int {
	return int(a.largest.Load())
}

// TotalAllocs returns the number of times Alloc or AllocWithFinalizer was called since
// the last counter reset, counting both successful and unsuccessful calls.
func (a *Allocator) TotalAllocs() uint64 {
	return a.allocCount.Load()
}

// TotalAllocFails returns the number of allocation calls that failed since the last
// counter reset, whether by returning NoAllocation, returning an error, or panicking.
func (a *Allocator) TotalAllocFails() uint64 {
	return a.allocFailCount.Load()
}

// LargestAllocFailed returns the size of the largest failed allocation or reallocation
// request, or 0 when no request has failed since the last counter reset.
func (a *Allocator) LargestAllocFailed() int {
	return int(a.allocLargestFail.Load())
}

// TotalAllocBytes returns the cumulative bytes successfully granted since the last
// counter reset. Every successful allocation and reallocation contributes its size.
func (a *Allocator) TotalAllocBytes() uint64 {
	return a.allocBytes.Load()
}

// TotalReallocs returns the number of times Realloc or ReallocWithFinalizer was called
// since the last counter reset, counting both successful and unsuccessful calls.
func (a *Allocator) TotalReallocs() uint64 {
	return a.reallocCount.Load()
}

// TotalReallocFails returns the number of reallocation calls that failed since the last
// counter reset. A failed reallocation also updates LargestAllocFailed.
func (a *Allocator) TotalReallocFails() uint64 {
	return a.reallocFailCount.Load()
}

// TotalReallocGrowth returns the cumulative bytes by which reallocations extended
// existing allocations since the last counter reset.
func (a *Allocator) TotalReallocGrowth() uint64 {
	return a.reallocGrowthBytes.Load()
}

// TotalReallocShrink returns the cumulative bytes by which reallocations shrank existing
// allocations since the last counter reset.
func (a *Allocator) TotalReallocShrink() uint64 {
	return a.reallocShrinkBytes.Load()
}

// TotalReallocMoves returns the number of reallocations since the last counter reset that
// returned a handle different from their input, meaning the allocation's contents had to
// be relocated.
func (a *Allocator) TotalReallocMoves() uint64 {
	return a.reallocMoveCount.Load()
}

// TotalReallocMoved returns the cumulative bytes relocated by reallocations since the
// last counter reset. Each relocating reallocation contributes its new size.
func (a *Allocator) TotalReallocMoved() uint64 {
	return a.reallocMoveBytes.Load()
}

// TotalOffers returns the number of times Offer was called since the last counter reset.
func (a *Allocator) TotalOffers() uint64 {
	return a.offerCount.Load()
}

// TotalOfferBytes returns the cumulative size of the blocks passed to Offer since the
// last counter reset, measured immediately before each offer.
func (a *Allocator) TotalOfferBytes() uint64 {
	return a.offerBytes.Load()
}

// TotalReclaims returns the number of times Reclaim was called since the last counter
// reset, counting both successful and unsuccessful calls.
func (a *Allocator) TotalReclaims() uint64 {
	return a.reclaimCount.Load()
}

// TotalReclaimFails returns the number of Reclaim calls since the last counter reset
// whose offered block could no longer be restored.
func (a *Allocator) TotalReclaimFails() uint64 {
	return a.reclaimFailCount.Load()
}

// TotalReclaimBytes returns the cumulative size of the blocks successfully reclaimed
// since the last counter reset.
func (a *Allocator) TotalReclaimBytes() uint64 {
	return a.reclaimBytes.Load()
}

// ResetCounters resets every statistics counter to zero while leaving the backing
// allocator and its allocations intact. SmallestAlloc returns to its "no successes yet"
// state. Each counter resets atomically, but a concurrent writer may land an update
// between two individual resets.
func (a *Allocator) ResetCounters() {
	a.smallest.Store(noSuccessfulAllocs)
	a.largest.Store(0)
	a.highest.Store(0)
	a.allocCount.Store(0)
	a.allocFailCount.Store(0)
	a.allocLargestFail.Store(0)
	a.allocBytes.Store(0)
	a.reallocCount.Store(0)
	a.reallocFailCount.Store(0)
	a.reallocGrowthBytes.Store(0)
	a.reallocShrinkBytes.Store(0)
	a.reallocMoveCount.Store(0)
	a.reallocMoveBytes.Store(0)
	a.offerCount.Store(0)
	a.offerBytes.Store(0)
	a.reclaimCount.Store(0)
	a.reclaimFailCount.Store(0)
	a.reclaimBytes.Store(0)
}
