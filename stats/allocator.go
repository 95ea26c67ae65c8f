package stats

import (
	"math"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/quartzlibs/memtrace/allocator"
)

// noSuccessfulAllocs is the resting value of the smallest-allocation extremum. It makes
// any successful size an improvement and reads back as 0 from SmallestAlloc.
const noSuccessfulAllocs uint64 = math.MaxUint64

// Allocator is a proxy layer over a backing allocator. At the cost of some performance it
// provides diagnostic counters, built from the calls passing through it, that the backing
// allocator may not track itself.
//
// The proxy is a conforming implementation of the capability tier its backing satisfies,
// so it can be substituted anywhere a plain backing allocator is expected. It never alters
// the observable behavior of a call: every operation is forwarded unchanged, counters are
// updated before and after delegation, and failures are recorded on every exit path,
// including when the backing allocator returns an error or panics.
//
// Every counter is an independent atomic word updated with lock-free compare-and-swap
// retry loops, so the proxy adds no locking of its own: it is safe under exactly the
// concurrency the backing allocator allows. Reading a counter never blocks and never
// observes a torn value, but two counters read back to back may come from different
// instants when writers are active.
type Allocator struct {
	basicBacking  allocator.Basic
	objectBacking allocator.Object

	// Extrema
	smallest atomic.Uint64 // Smallest successful allocation size
	largest  atomic.Uint64 // Largest successful allocation size
	highest  atomic.Uint64 // Highest backing-reported usage

	// Alloc counters
	allocCount       atomic.Uint64
	allocFailCount   atomic.Uint64
	allocLargestFail atomic.Uint64
	allocBytes       atomic.Uint64

	// Realloc counters
	reallocCount       atomic.Uint64
	reallocFailCount   atomic.Uint64
	reallocGrowthBytes atomic.Uint64
	reallocShrinkBytes atomic.Uint64
	reallocMoveCount   atomic.Uint64
	reallocMoveBytes   atomic.Uint64

	// Offer/reclaim counters
	offerCount       atomic.Uint64
	offerBytes       atomic.Uint64
	reclaimCount     atomic.Uint64
	reclaimFailCount atomic.Uint64
	reclaimBytes     atomic.Uint64
}

var _ allocator.Object = (*Allocator)(nil)

// NewBasic creates an Allocator proxy bound to the basic capability tier of the provided
// backing allocator. Methods inherited from allocator.Object panic when called on the
// returned proxy.
func NewBasic(backing allocator.Basic) *Allocator {
	a := &Allocator{
		basicBacking: backing,
	}
	a.ResetCounters()
	return a
}

// NewObject creates an Allocator proxy bound to the object capability tier of the
// provided backing allocator. The full allocator.Object method set is available.
func NewObject(backing allocator.Object) *Allocator {
	a := &Allocator{
		basicBacking:  backing,
		objectBacking: backing,
	}
	a.ResetCounters()
	return a
}

// storeMax raises counter to value unless another writer already stored something larger.
// Losing a race re-reads and retries, so concurrent updates are never dropped and no
// writer ever blocks.
func storeMax(counter *atomic.Uint64, value uint64) {
	current := counter.Load()
	for current < value {
		if counter.CompareAndSwap(current, value) {
			return
		}
		current = counter.Load()
	}
}

// storeMin is the inverse of storeMax.
func storeMin(counter *atomic.Uint64, value uint64) {
	current := counter.Load()
	for current > value {
		if counter.CompareAndSwap(current, value) {
			return
		}
		current = counter.Load()
	}
}

func (a *Allocator) requireObject() allocator.Object {
	if a.objectBacking == nil {
		panic(errors.New("object-tier operation called on a statistics allocator bound to a basic-tier backing"))
	}
	return a.objectBacking
}

// recordAllocFail records a failed allocation or reallocation request of the given size
// into failCounter and the largest-failed-size extremum.
func (a *Allocator) recordAllocFail(failCounter *atomic.Uint64, size int) {
	failCounter.Add(1)
	storeMax(&a.allocLargestFail, uint64(size))
}

// recordAllocSuccess records a successful allocation or reallocation of the given size,
// along with the backing allocator's usage as observed after the call.
func (a *Allocator) recordAllocSuccess(size int) {
	currentUse := a.basicBacking.UsedBytes()

	a.allocBytes.Add(uint64(size))
	storeMax(&a.largest, uint64(size))
	storeMin(&a.smallest, uint64(size))
	storeMax(&a.highest, uint64(currentUse))
}

// Alloc forwards to the backing allocator's Alloc, counting the call, the outcome, and
// the size extrema. The failure counters update even when the backing allocator panics.
func (a *Allocator) Alloc(size int, align uint) (allocator.Handle, error) {
	a.allocCount.Add(1)

	succeeded := false
	defer func() {
		if !succeeded {
			a.recordAllocFail(&a.allocFailCount, size)
		}
	}()

	handle, err := a.basicBacking.Alloc(size, align)
	if err != nil || handle == allocator.NoAllocation {
		return handle, err
	}

	succeeded = true
	a.recordAllocSuccess(size)
	return handle, nil
}

// AllocWithFinalizer forwards to the backing allocator's AllocWithFinalizer with the same
// accounting as Alloc. It panics if this proxy is bound to a basic-tier backing.
func (a *Allocator) AllocWithFinalizer(size int, align uint, finalizer allocator.Finalizer) (allocator.Handle, error) {
	backing := a.requireObject()
	a.allocCount.Add(1)

	succeeded := false
	defer func() {
		if !succeeded {
			a.recordAllocFail(&a.allocFailCount, size)
		}
	}()

	handle, err := backing.AllocWithFinalizer(size, align, finalizer)
	if err != nil || handle == allocator.NoAllocation {
		return handle, err
	}

	succeeded = true
	a.recordAllocSuccess(size)
	return handle, nil
}

// Free forwards to the backing allocator without touching any counter.
func (a *Allocator) Free(h allocator.Handle) {
	a.basicBacking.Free(h)
}

// recordReallocOutcome classifies a successful reallocation from lastSize to size into
// the growth/shrink counters and, when the handle changed, the relocation counters.
func (a *Allocator) recordReallocOutcome(oldHandle allocator.Handle, newHandle allocator.Handle, lastSize int, size int) {
	if newHandle != oldHandle {
		a.reallocMoveCount.Add(1)
		a.reallocMoveBytes.Add(uint64(size))
	}

	if lastSize > size {
		a.reallocShrinkBytes.Add(uint64(lastSize - size))
	} else if lastSize < size {
		a.reallocGrowthBytes.Add(uint64(size - lastSize))
	}
}

// Realloc forwards to the backing allocator's Realloc. On top of the counters shared with
// Alloc, it classifies the size delta into the growth or shrink counter and records a
// relocation when the returned handle differs from the input. The block's prior size is
// queried from the backing allocator before delegating.
func (a *Allocator) Realloc(h allocator.Handle, size int, align uint) (allocator.Handle, error) {
	a.reallocCount.Add(1)

	succeeded := false
	defer func() {
		if !succeeded {
			a.recordAllocFail(&a.reallocFailCount, size)
		}
	}()

	lastSize := a.basicBacking.AllocSize(h)

	newHandle, err := a.basicBacking.Realloc(h, size, align)
	if err != nil || newHandle == allocator.NoAllocation {
		return newHandle, err
	}

	succeeded = true
	a.recordAllocSuccess(size)
	a.recordReallocOutcome(h, newHandle, lastSize, size)
	return newHandle, nil
}

// ReallocWithFinalizer forwards to the backing allocator's ReallocWithFinalizer with the
// same accounting as Realloc. It panics if this proxy is bound to a basic-tier backing.
func (a *Allocator) ReallocWithFinalizer(h allocator.Handle, size int, align uint, finalizer allocator.Finalizer) (allocator.Handle, error) {
	backing := a.requireObject()
	a.reallocCount.Add(1)

	succeeded := false
	defer func() {
		if !succeeded {
			a.recordAllocFail(&a.reallocFailCount, size)
		}
	}()

	lastSize := a.basicBacking.AllocSize(h)

	newHandle, err := backing.ReallocWithFinalizer(h, size, align, finalizer)
	if err != nil || newHandle == allocator.NoAllocation {
		return newHandle, err
	}

	succeeded = true
	a.recordAllocSuccess(size)
	a.recordReallocOutcome(h, newHandle, lastSize, size)
	return newHandle, nil
}

// AllocSize forwards to the backing allocator without touching any counter.
func (a *Allocator) AllocSize(h allocator.Handle) int {
	return a.basicBacking.AllocSize(h)
}

// Offer counts the call, adds the block's current size to the cumulative offered bytes,
// and then forwards to the backing allocator. The size has to be captured before
// delegating because the handle may no longer be queryable afterward.
//
// Offer panics if this proxy is bound to a basic-tier backing.
func (a *Allocator) Offer(h allocator.Handle, priority allocator.Priority) allocator.OfferToken {
	backing := a.requireObject()

	a.offerCount.Add(1)
	a.offerBytes.Add(uint64(a.basicBacking.AllocSize(h)))

	return backing.Offer(h, priority)
}

// Reclaim counts the call and forwards to the backing allocator. A NoAllocation result
// increments the reclaim failure counter; otherwise the reclaimed block's size, queried
// through the handle the backing allocator just returned, is added to the cumulative
// reclaimed bytes.
//
// Reclaim panics if this proxy is bound to a basic-tier backing.
func (a *Allocator) Reclaim(t allocator.OfferToken) allocator.Handle {
	backing := a.requireObject()

	a.reclaimCount.Add(1)

	handle := backing.Reclaim(t)
	if handle == allocator.NoAllocation {
		a.reclaimFailCount.Add(1)
	} else {
		a.reclaimBytes.Add(uint64(a.basicBacking.AllocSize(handle)))
	}

	return handle
}

// FreeOffered forwards to the backing allocator without touching any counter. It panics
// if this proxy is bound to a basic-tier backing.
func (a *Allocator) FreeOffered(t allocator.OfferToken) {
	a.requireObject().FreeOffered(t)
}

// Purge forwards to the backing allocator without touching any counter. It panics if this
// proxy is bound to a basic-tier backing.
func (a *Allocator) Purge(priority allocator.Priority) {
	a.requireObject().Purge(priority)
}

// Reset resets every statistics counter and forwards to the backing allocator.
func (a *Allocator) Reset() {
	a.ResetCounters()
	a.basicBacking.Reset()
}

// Clear resets every statistics counter and forwards to the backing allocator. It panics
// if this proxy is bound to a basic-tier backing.
func (a *Allocator) Clear() {
	backing := a.requireObject()
	a.ResetCounters()
	backing.Clear()
}

// FreeBytes forwards to the backing allocator.
func (a *Allocator) FreeBytes() int {
	return a.basicBacking.FreeBytes()
}

// UsedBytes forwards to the backing allocator.
func (a *Allocator) UsedBytes() int {
	return a.basicBacking.UsedBytes()
}

// PendingBytes forwards to the backing allocator. It panics if this proxy is bound to a
// basic-tier backing.
func (a *Allocator) PendingBytes() int {
	return a.requireObject().PendingBytes()
}

// TotalBytes forwards to the backing allocator.
func (a *Allocator) TotalBytes() int {
	return a.basicBacking.TotalBytes()
}

// BuildStatsJson populates a json object with the current value of every counter.
func (a *Allocator) BuildStatsJson(json jwriter.ObjectState) {
	json.Name("HighestUsage").Int(a.HighestUsage())
	json.Name("SmallestAlloc").Int(a.SmallestAlloc())
	json.Name("LargestAlloc").Int(a.LargestAlloc())
	json.Name("TotalAllocs").Float64(float64(a.TotalAllocs()))
	json.Name("TotalAllocFails").Float64(float64(a.TotalAllocFails()))
	json.Name("LargestAllocFailed").Int(a.LargestAllocFailed())
	json.Name("TotalAllocBytes").Float64(float64(a.TotalAllocBytes()))
	json.Name("TotalReallocs").Float64(float64(a.TotalReallocs()))
	json.Name("TotalReallocFails").Float64(float64(a.TotalReallocFails()))
	json.Name("TotalReallocGrowth").Float64(float64(a.TotalReallocGrowth()))
	json.Name("TotalReallocShrink").Float64(float64(a.TotalReallocShrink()))
	json.Name("TotalReallocMoves").Float64(float64(a.TotalReallocMoves()))
	json.Name("TotalReallocMoved").Float64(float64(a.TotalReallocMoved()))
	json.Name("TotalOffers").Float64(float64(a.TotalOffers()))
	json.Name("TotalOfferBytes").Float64(float64(a.TotalOfferBytes()))
	json.Name("TotalReclaims").Float64(float64(a.TotalReclaims()))
	json.Name("TotalReclaimFails").Float64(float64(a.TotalReclaimFails()))
	json.Name("TotalReclaimBytes").Float64(float64(a.TotalReclaimBytes()))
}
