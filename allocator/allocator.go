package allocator

import "math"

// Handle is an opaque value identifying a single live allocation within an allocator.
// Exactly one valid holder exists for a Handle at any time. A Handle becomes invalid
// once it has been freed, successfully offered, or relocated by a reallocation, and
// passing an invalid Handle to any allocator method is undefined behavior.
type Handle uint64

// NoAllocation is the sentinel Handle value meaning "no allocation". Alloc and Realloc
// return it when a request cannot be satisfied, and Reclaim returns it when the offered
// storage has already been repurposed.
const NoAllocation Handle = 0

// OfferToken is an opaque value identifying an allocation that has been offered back to
// its allocator via Object.Offer. It is deliberately a distinct type from Handle: once a
// block has been offered, its pre-offer Handle is invalid and the block may only be
// addressed through the token, by passing it to Object.Reclaim or Object.FreeOffered.
type OfferToken uint64

// NoToken is the sentinel OfferToken value meaning "no offered allocation". Offer returns
// it when the allocator chose to repurpose the block immediately.
const NoToken OfferToken = 0

// Finalizer is a callback that an Object allocator runs exactly once, immediately before
// an allocation's storage becomes unavailable to its holder: on Free, on an
// allocator-initiated discard of an offered block, or on Clear. The mem parameter is the
// allocation's usable byte range at the moment of teardown.
//
// Finalizers must not panic. A panicking finalizer is a contract violation with undefined
// downstream behavior.
type Finalizer func(mem []byte)

// Priority is a hint attached to an offered allocation marking data importance, with 0
// being the least important and the most likely to get repurposed. The order in which
// offered memory is actually repurposed is entirely at the implementation's discretion.
type Priority uint32

// PurgeAll is the Priority value that requests Object.Purge to deallocate every offered
// block regardless of its priority.
const PurgeAll Priority = math.MaxUint32

// Basic is the minimal capability contract for low-level memory allocators. Implementations
// must keep their behavior consistent with the method documentation below; everything the
// documentation leaves open (ordering discipline for frees, behavior on foreign handles,
// thread safety) is implementation-defined and must be documented by the implementation.
//
// Capacity failures are reported by returning NoAllocation with a nil error. A non-nil
// error is reserved for abnormal failures (a broken invariant, a destroyed allocator) and
// callers should not treat it as a retryable out-of-memory condition.
type Basic interface {
	// Alloc allocates a memory block at least size bytes long whose offset within the
	// allocator's backing storage is aligned to at least align bytes. The content of the
	// new block is uninitialized. The size may be zero. The align value must be a power
	// of two; passing any other value is undefined behavior.
	//
	// On capacity failure, Alloc returns NoAllocation and a nil error.
	Alloc(size int, align uint) (Handle, error)

	// Free releases a previously allocated memory block. NoAllocation is accepted as a
	// no-op. The handle is invalid after this call, and the content and accessibility of
	// the freed storage are undefined. The order in which allocations may be freed can be
	// limited by the implementation and is documented there.
	Free(h Handle)

	// Realloc requests a different size or alignment for an existing block while
	// retaining its data up to the smaller of the old and new sizes. The implementation
	// may relocate the block to satisfy the request, in which case the returned Handle
	// differs from h and h is invalid afterward.
	//
	// On capacity failure, Realloc returns NoAllocation and a nil error, and the original
	// allocation remains fully intact. Implementations are permitted to refuse all
	// reallocation requests this way.
	Realloc(h Handle, size int, align uint) (Handle, error)

	// AllocSize returns the usable size of the block identified by h. The whole range
	// indicated by the returned value is safe to access and modify, and it may exceed the
	// size originally requested. Behavior is implementation-defined for a handle that did
	// not come from this allocator.
	AllocSize(h Handle) int

	// Reset brings the allocator back to its initial state, invalidating every live
	// allocation unconditionally. No finalizers run.
	Reset()

	// FreeBytes returns the remaining memory available for the allocator to provision.
	// This is not the largest single allocation that can be requested.
	FreeBytes() int

	// UsedBytes returns the total memory used for allocations inside the allocator. It
	// may be much larger than the sum of all requested sizes because it can include
	// bookkeeping overhead.
	UsedBytes() int

	// TotalBytes returns the total memory available inside the allocator, counting both
	// allocated and free storage.
	TotalBytes() int
}

// Object extends Basic with per-allocation finalizer callbacks and a protocol for
// offering discardable memory back to the allocator.
//
// The discardable lifecycle is: an Allocated block moves to Offered via Offer; an Offered
// block either returns to Allocated (Reclaim succeeds) or is gone for good (Reclaim
// returns NoAllocation, or the allocator repurposed it during Purge, memory pressure, or
// at offer time). Every token returned by Offer must eventually be retired through
// Reclaim or FreeOffered, even when the underlying storage is already gone, or the
// allocator's bookkeeping for that block leaks.
type Object interface {
	Basic

	// AllocWithFinalizer behaves like Alloc and additionally attaches a finalizer to the
	// new block. The finalizer may be nil, in which case no callback runs. It is invoked
	// exactly once, immediately before the block's storage becomes unavailable: on Free,
	// on an allocator-initiated discard of an offered block, or on Clear. It does not run
	// when a reallocation relocates the block, because the caller's data survives the
	// move.
	AllocWithFinalizer(size int, align uint, finalizer Finalizer) (Handle, error)

	// ReallocWithFinalizer behaves like Realloc and additionally replaces the block's
	// finalizer. A nil finalizer removes any previously attached callback. On capacity
	// failure the original allocation, including its original finalizer, remains intact.
	ReallocWithFinalizer(h Handle, size int, align uint, finalizer Finalizer) (Handle, error)

	// Offer hands a still-reusable allocation back to the allocator so its storage can be
	// repurposed when needed. Typical candidates hold data that is expensive to recompute
	// or reload but is not currently in use. After this call h is invalid and the block's
	// content and accessibility are unspecified until a successful Reclaim.
	//
	// The allocator may decide to repurpose the block immediately, in which case the
	// block's finalizer runs and Offer returns NoToken; NoToken does not need to be
	// retired. Any other token must later be passed to Reclaim or FreeOffered.
	Offer(h Handle, priority Priority) OfferToken

	// Reclaim attempts to restore an offered allocation. If the storage is still
	// resident, the block returns to the allocated state with its data intact and Reclaim
	// returns the block's original Handle. If the storage has already been repurposed,
	// Reclaim returns NoAllocation; this is an ordinary, expected outcome, not an error,
	// and the caller should allocate anew and rebuild the data.
	//
	// The token is consumed unconditionally and is invalid after this call regardless of
	// the outcome. NoToken is accepted and returns NoAllocation.
	Reclaim(t OfferToken) Handle

	// FreeOffered permanently releases an offered allocation, retiring its token. If the
	// storage is still resident its finalizer runs; if the allocator already repurposed
	// the storage, only bookkeeping is cleaned up. NoToken is accepted as a no-op.
	FreeOffered(t OfferToken)

	// Purge deallocates every offered block whose priority is at or below the provided
	// priority, running finalizers. Blocks at higher priorities may also be deallocated
	// at the implementation's discretion. Outstanding tokens are not consumed: they must
	// still be retired through Reclaim or FreeOffered even though the storage is gone.
	Purge(priority Priority)

	// Clear brings the allocator back to its initial state like Reset, but runs the
	// finalizer of every live allocation (allocated or offered) before invalidating it.
	// All outstanding offer tokens are invalidated.
	Clear()

	// PendingBytes returns the total offered memory, in bytes, that is still resident and
	// available for the allocator to recycle.
	PendingBytes() int
}
