// Package heap provides an object-tier allocator backend: a first-fit free-list heap with
// per-allocation finalizers and support for the full offer/reclaim protocol.
//
// The heap manages a single contiguous backing buffer obtained from the mcache pool.
// Alignment requests apply to offsets within that buffer, not to virtual addresses.
// Allocations may be freed in any order. All methods are safe for concurrent use unless
// the heap was created with HeapExternallySynchronized.
//
// Finalizers run while the heap's internal lock is held and must not call back into the
// heap.
package heap

import (
	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/quartzlibs/memtrace"
	"github.com/quartzlibs/memtrace/allocator"
	"github.com/quartzlibs/memtrace/internal/utils"
	"golang.org/x/exp/slog"
)

// Heap is a general-purpose allocator over a single backing buffer. It implements
// allocator.Object.
type Heap struct {
	mutex  utils.OptionalRWMutex
	logger *slog.Logger
	flags  CreateFlags

	memory []byte
	size   int

	sumFreeSize  int
	pendingBytes int

	head *heapBlock

	handles *swiss.Map[allocator.Handle, *heapBlock]
	// tokens maps outstanding offer tokens to their blocks. A nil value is a tombstone:
	// the storage was already repurposed but the token has not been retired yet.
	tokens      *swiss.Map[allocator.OfferToken, *heapBlock]
	offeredHead *heapBlock
	offeredTail *heapBlock

	nextID    uint64
	destroyed bool
}

var _ allocator.Object = (*Heap)(nil)

// initBlockList resets the physical block list to a single free block spanning the whole
// backing buffer.
func (h *Heap) initBlockList() {
	for b := h.head; b != nil; {
		next := b.nextPhysical
		h.recycleBlock(b)
		b = next
	}

	first := h.allocateBlock()
	first.size = h.size
	h.head = first
	h.sumFreeSize = h.size
}

// usable returns the byte count the holder of b may access. It excludes the debug margin
// appended in debug builds.
func (b *heapBlock) usable() int {
	return b.size - memtrace.DebugMargin
}

func (h *Heap) blockForHandle(handle allocator.Handle) *heapBlock {
	b, ok := h.handles.Get(handle)
	if !ok {
		panic(errors.Errorf("received a handle that is not a live allocation of this heap: %d", handle))
	}
	return b
}

// Alloc allocates size bytes aligned to align within the backing buffer. On capacity
// failure it returns allocator.NoAllocation with a nil error; offered blocks are
// repurposed, lowest priority first, before the heap gives up.
func (h *Heap) Alloc(size int, align uint) (allocator.Handle, error) {
	return h.AllocWithFinalizer(size, align, nil)
}

// AllocWithFinalizer behaves like Alloc and attaches a finalizer to the new block.
func (h *Heap) AllocWithFinalizer(size int, align uint, finalizer allocator.Finalizer) (allocator.Handle, error) {
	memtrace.DebugCheckPow2(align, "align")

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.destroyed {
		return allocator.NoAllocation, errors.New("attempted to allocate from a destroyed heap")
	}

	return h.allocUnderPressure(size, align, finalizer), nil
}

// allocUnderPressure attempts an allocation and, on failure, repurposes offered blocks
// one at a time until the allocation fits or no offered memory remains.
func (h *Heap) allocUnderPressure(size int, align uint, finalizer allocator.Finalizer) allocator.Handle {
	for {
		handle := h.tryAllocate(size, align, finalizer)
		if handle != allocator.NoAllocation {
			return handle
		}

		if !h.evictLowestPriority() {
			return allocator.NoAllocation
		}
	}
}

// tryAllocate carves an allocation out of the first free block that can hold it.
func (h *Heap) tryAllocate(size int, align uint, finalizer allocator.Finalizer) allocator.Handle {
	// Zero-size requests are legal but every block needs a unique nonempty region.
	blockSize := size
	if blockSize < 1 {
		blockSize = 1
	}
	blockSize += memtrace.DebugMargin

	for b := h.head; b != nil; b = b.nextPhysical {
		if b.state != blockStateFree {
			continue
		}

		userOffset := memtrace.AlignUp(b.offset, align)
		if userOffset+blockSize > b.offset+b.size {
			continue
		}

		h.carve(b, userOffset, blockSize)

		b.state = blockStateAllocated
		b.handle = h.nextHandle()
		b.finalizer = finalizer
		h.handles.Put(b.handle, b)
		h.sumFreeSize -= b.size

		memtrace.WriteMagicValue(h.memory, b.offset+b.usable())
		return b.handle
	}

	return allocator.NoAllocation
}

// carve splits the free block b so that it becomes exactly the region
// [userOffset, userOffset+blockSize), giving any leading padding and trailing remainder
// back to the free list as separate blocks.
func (h *Heap) carve(b *heapBlock, userOffset int, blockSize int) {
	padding := userOffset - b.offset
	if padding > 0 {
		paddingBlock := h.allocateBlock()
		paddingBlock.offset = b.offset
		paddingBlock.size = padding
		h.insertBefore(paddingBlock, b)

		b.offset = userOffset
		b.size -= padding
	}

	remainder := b.size - blockSize
	if remainder > 0 {
		remainderBlock := h.allocateBlock()
		remainderBlock.offset = userOffset + blockSize
		remainderBlock.size = remainder
		h.insertAfter(remainderBlock, b)

		b.size = blockSize
	}
}

func (h *Heap) insertBefore(newBlock *heapBlock, b *heapBlock) {
	newBlock.prevPhysical = b.prevPhysical
	newBlock.nextPhysical = b
	if b.prevPhysical != nil {
		b.prevPhysical.nextPhysical = newBlock
	} else {
		h.head = newBlock
	}
	b.prevPhysical = newBlock
}

func (h *Heap) insertAfter(newBlock *heapBlock, b *heapBlock) {
	newBlock.prevPhysical = b
	newBlock.nextPhysical = b.nextPhysical
	if b.nextPhysical != nil {
		b.nextPhysical.prevPhysical = newBlock
	}
	b.nextPhysical = newBlock
}

func (h *Heap) unlinkPhysical(b *heapBlock) {
	if b.prevPhysical != nil {
		b.prevPhysical.nextPhysical = b.nextPhysical
	} else {
		h.head = b.nextPhysical
	}
	if b.nextPhysical != nil {
		b.nextPhysical.prevPhysical = b.prevPhysical
	}
}

// releaseStorage marks b free and merges it with free physical neighbors, keeping the
// invariant that no two adjacent blocks are free.
func (h *Heap) releaseStorage(b *heapBlock) {
	b.state = blockStateFree
	b.handle = allocator.NoAllocation
	b.finalizer = nil
	b.token = allocator.NoToken
	h.sumFreeSize += b.size

	next := b.nextPhysical
	if next != nil && next.state == blockStateFree {
		b.size += next.size
		h.unlinkPhysical(next)
		h.recycleBlock(next)
	}

	prev := b.prevPhysical
	if prev != nil && prev.state == blockStateFree {
		prev.size += b.size
		h.unlinkPhysical(b)
		h.recycleBlock(b)
	}
}

// runFinalizer invokes b's finalizer on its usable byte range, exactly once.
func (h *Heap) runFinalizer(b *heapBlock) {
	if b.finalizer == nil {
		return
	}
	finalizer := b.finalizer
	b.finalizer = nil
	finalizer(h.memory[b.offset : b.offset+b.usable()])
}

func (h *Heap) checkMargin(b *heapBlock) {
	if memtrace.DebugMargin > 0 && !memtrace.ValidateMagicValue(h.memory, b.offset+b.usable()) {
		panic(errors.Errorf("memory corruption detected behind the allocation at offset %d", b.offset))
	}
}

// Free releases the block identified by h, running its finalizer first. NoAllocation is
// a no-op. Passing any other handle that is not a live allocation of this heap panics.
// Allocations may be freed in any order.
func (h *Heap) Free(handle allocator.Handle) {
	if handle == allocator.NoAllocation {
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	b := h.blockForHandle(handle)
	h.checkMargin(b)
	h.runFinalizer(b)
	h.handles.Delete(handle)
	h.releaseStorage(b)
}

// Realloc resizes or realigns the block identified by handle, preserving its content up
// to the smaller of the old and new sizes. The block is resized in place when possible;
// otherwise it is relocated and the returned handle differs from the input. On capacity
// failure Realloc returns allocator.NoAllocation with a nil error and the original
// allocation is untouched.
func (h *Heap) Realloc(handle allocator.Handle, size int, align uint) (allocator.Handle, error) {
	return h.reallocInternal(handle, size, align, nil, false)
}

// ReallocWithFinalizer behaves like Realloc and additionally replaces the block's
// finalizer. The replacement only happens when the reallocation succeeds.
func (h *Heap) ReallocWithFinalizer(handle allocator.Handle, size int, align uint, finalizer allocator.Finalizer) (allocator.Handle, error) {
	return h.reallocInternal(handle, size, align, finalizer, true)
}

func (h *Heap) reallocInternal(handle allocator.Handle, size int, align uint, finalizer allocator.Finalizer, replaceFinalizer bool) (allocator.Handle, error) {
	memtrace.DebugCheckPow2(align, "align")

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.destroyed {
		return allocator.NoAllocation, errors.New("attempted to reallocate on a destroyed heap")
	}

	b := h.blockForHandle(handle)
	h.checkMargin(b)

	blockSize := size
	if blockSize < 1 {
		blockSize = 1
	}
	blockSize += memtrace.DebugMargin

	if b.offset&(int(align)-1) == 0 && h.resizeInPlace(b, blockSize) {
		if replaceFinalizer {
			b.finalizer = finalizer
		}
		memtrace.WriteMagicValue(h.memory, b.offset+b.usable())
		return handle, nil
	}

	return h.relocate(b, size, align, finalizer, replaceFinalizer), nil
}

// resizeInPlace tries to change b's size without moving it, either by splitting off the
// tail into a free block or by absorbing bytes from a free right neighbor.
func (h *Heap) resizeInPlace(b *heapBlock, blockSize int) bool {
	if blockSize <= b.size {
		remainder := b.size - blockSize
		if remainder > 0 {
			b.size = blockSize
			remainderBlock := h.allocateBlock()
			remainderBlock.offset = b.offset + blockSize
			remainderBlock.size = remainder
			h.insertAfter(remainderBlock, b)
			h.sumFreeSize += remainder

			// The split-off tail may now touch a free block on its right.
			next := remainderBlock.nextPhysical
			if next != nil && next.state == blockStateFree {
				remainderBlock.size += next.size
				h.unlinkPhysical(next)
				h.recycleBlock(next)
			}
		}
		return true
	}

	next := b.nextPhysical
	delta := blockSize - b.size
	if next == nil || next.state != blockStateFree || next.size < delta {
		return false
	}

	next.offset += delta
	next.size -= delta
	if next.size == 0 {
		h.unlinkPhysical(next)
		h.recycleBlock(next)
	}
	b.size = blockSize
	h.sumFreeSize -= delta
	return true
}

// relocate allocates a new block, copies the surviving content over, and releases the old
// block's storage without running its finalizer, because the caller's data survives the
// move. On capacity failure the old block is left untouched.
func (h *Heap) relocate(b *heapBlock, size int, align uint, finalizer allocator.Finalizer, replaceFinalizer bool) allocator.Handle {
	newFinalizer := b.finalizer
	if replaceFinalizer {
		newFinalizer = finalizer
	}

	newHandle := h.allocUnderPressure(size, align, newFinalizer)
	if newHandle == allocator.NoAllocation {
		return allocator.NoAllocation
	}

	newBlock := h.blockForHandle(newHandle)
	copyLen := b.usable()
	if newBlock.usable() < copyLen {
		copyLen = newBlock.usable()
	}
	copy(h.memory[newBlock.offset:newBlock.offset+copyLen], h.memory[b.offset:b.offset+copyLen])

	h.handles.Delete(b.handle)
	h.releaseStorage(b)
	return newHandle
}

// AllocSize returns the usable size of the block identified by handle. It panics if the
// handle is not a live allocation of this heap.
func (h *Heap) AllocSize(handle allocator.Handle) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return h.blockForHandle(handle).usable()
}

// Memory returns the usable byte range of the block identified by handle. The slice stays
// valid until the block is freed, offered, relocated, or the heap is reset, cleared, or
// destroyed.
func (h *Heap) Memory(handle allocator.Handle) []byte {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	b := h.blockForHandle(handle)
	return h.memory[b.offset : b.offset+b.usable()]
}

// Offer hands the block identified by handle back to the heap for possible reuse. The
// block's storage stays resident, with its data intact, until the heap needs the space
// (allocation pressure or Purge). A heap created with HeapDiscardOffers repurposes the
// block immediately, runs its finalizer, and returns allocator.NoToken.
func (h *Heap) Offer(handle allocator.Handle, priority allocator.Priority) allocator.OfferToken {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	b := h.blockForHandle(handle)
	h.checkMargin(b)
	h.handles.Delete(handle)

	if h.flags&HeapDiscardOffers != 0 {
		h.runFinalizer(b)
		h.releaseStorage(b)
		return allocator.NoToken
	}

	b.state = blockStateOffered
	b.priority = priority
	b.token = h.nextToken()
	h.tokens.Put(b.token, b)
	h.pushOffered(b)
	h.pendingBytes += b.usable()

	return b.token
}

// Reclaim consumes the provided token. If the offered block is still resident it returns
// to the allocated state with its data intact and its original handle is returned;
// otherwise Reclaim returns allocator.NoAllocation. NoToken returns NoAllocation.
// Passing a token that is not outstanding on this heap panics.
func (h *Heap) Reclaim(token allocator.OfferToken) allocator.Handle {
	if token == allocator.NoToken {
		return allocator.NoAllocation
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	b, ok := h.tokens.Get(token)
	if !ok {
		panic(errors.Errorf("received a token that is not outstanding on this heap: %d", token))
	}
	h.tokens.Delete(token)

	if b == nil {
		// The storage was repurposed while offered; only the token bookkeeping was left.
		return allocator.NoAllocation
	}

	h.removeOffered(b)
	h.pendingBytes -= b.usable()
	b.state = blockStateAllocated
	b.token = allocator.NoToken
	h.handles.Put(b.handle, b)

	return b.handle
}

// FreeOffered permanently releases an offered block, retiring its token. If the storage
// is still resident its finalizer runs. NoToken is a no-op. Passing a token that is not
// outstanding on this heap panics.
func (h *Heap) FreeOffered(token allocator.OfferToken) {
	if token == allocator.NoToken {
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	b, ok := h.tokens.Get(token)
	if !ok {
		panic(errors.Errorf("received a token that is not outstanding on this heap: %d", token))
	}
	h.tokens.Delete(token)

	if b == nil {
		return
	}

	h.removeOffered(b)
	h.pendingBytes -= b.usable()
	h.runFinalizer(b)
	h.releaseStorage(b)
}

// Purge repurposes every offered block whose priority is at or below the provided
// priority, running finalizers. Outstanding tokens are not consumed and must still be
// retired through Reclaim or FreeOffered.
func (h *Heap) Purge(priority allocator.Priority) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	purged := 0
	for b := h.offeredHead; b != nil; {
		next := b.nextOffered
		if b.priority <= priority {
			h.evictOffered(b)
			purged++
		}
		b = next
	}

	if purged > 0 {
		h.logger.Debug("purged offered blocks", slog.Int("Count", purged))
	}
}

// evictOffered repurposes the offered block b, leaving a tombstone behind its token so it
// can still be retired.
func (h *Heap) evictOffered(b *heapBlock) {
	h.tokens.Put(b.token, nil)
	h.removeOffered(b)
	h.pendingBytes -= b.usable()
	h.runFinalizer(b)
	h.releaseStorage(b)
}

// evictLowestPriority repurposes the lowest-priority offered block, if any, and reports
// whether one was found. Eviction may merge the block away and hand its struct to the
// shared block pool, so it must not be touched afterward.
func (h *Heap) evictLowestPriority() bool {
	var lowest *heapBlock
	for b := h.offeredHead; b != nil; b = b.nextOffered {
		if lowest == nil || b.priority < lowest.priority {
			lowest = b
		}
	}
	if lowest == nil {
		return false
	}

	h.logger.Debug("repurposed an offered block under allocation pressure",
		slog.Int("Size", lowest.size),
		slog.Int("Offset", lowest.offset),
	)
	h.evictOffered(lowest)
	return true
}

func (h *Heap) pushOffered(b *heapBlock) {
	b.prevOffered = h.offeredTail
	b.nextOffered = nil
	if h.offeredTail != nil {
		h.offeredTail.nextOffered = b
	} else {
		h.offeredHead = b
	}
	h.offeredTail = b
}

func (h *Heap) removeOffered(b *heapBlock) {
	if b.prevOffered != nil {
		b.prevOffered.nextOffered = b.nextOffered
	} else {
		h.offeredHead = b.nextOffered
	}
	if b.nextOffered != nil {
		b.nextOffered.prevOffered = b.prevOffered
	} else {
		h.offeredTail = b.prevOffered
	}
	b.prevOffered = nil
	b.nextOffered = nil
}

// Reset brings the heap back to its initial state, invalidating every live allocation and
// every outstanding token unconditionally. No finalizers run.
func (h *Heap) Reset() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.resetInternal()
}

// Clear brings the heap back to its initial state like Reset, but runs the finalizer of
// every allocated and offered block first.
func (h *Heap) Clear() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.handles.Iter(func(handle allocator.Handle, b *heapBlock) bool {
		h.runFinalizer(b)
		return false
	})
	for b := h.offeredHead; b != nil; b = b.nextOffered {
		h.runFinalizer(b)
	}

	h.resetInternal()
}

func (h *Heap) resetInternal() {
	h.handles = swiss.NewMap[allocator.Handle, *heapBlock](42)
	h.tokens = swiss.NewMap[allocator.OfferToken, *heapBlock](42)
	h.offeredHead = nil
	h.offeredTail = nil
	h.pendingBytes = 0
	h.initBlockList()
}

// PendingBytes returns the total offered memory that is still resident.
func (h *Heap) PendingBytes() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return h.pendingBytes
}

// FreeBytes returns the remaining memory available for the heap to provision. Offered
// blocks count as used until they are repurposed.
func (h *Heap) FreeBytes() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return h.sumFreeSize
}

// UsedBytes returns the total memory consumed by allocations, offered blocks, and
// alignment overhead.
func (h *Heap) UsedBytes() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return h.size - h.sumFreeSize
}

// TotalBytes returns the size of the backing buffer.
func (h *Heap) TotalBytes() int {
	return h.size
}

// Destroy returns the backing buffer to the mcache pool. Live allocations and unretired
// tokens are reported through the heap's logger before the memory goes away. The heap
// must not be used after this call.
func (h *Heap) Destroy() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.destroyed {
		return
	}

	h.handles.Iter(func(handle allocator.Handle, b *heapBlock) bool {
		h.logger.Error("leaked allocation at heap Destroy",
			slog.Int("Offset", b.offset),
			slog.Int("Size", b.usable()),
		)
		return false
	})
	for b := h.offeredHead; b != nil; b = b.nextOffered {
		h.logger.Error("unretired offered block at heap Destroy",
			slog.Int("Offset", b.offset),
			slog.Int("Size", b.usable()),
		)
	}

	for b := h.head; b != nil; {
		next := b.nextPhysical
		h.recycleBlock(b)
		b = next
	}
	h.head = nil
	h.handles = nil
	h.tokens = nil
	h.offeredHead = nil
	h.offeredTail = nil
	h.sumFreeSize = 0
	h.pendingBytes = 0

	mcache.Free(h.memory)
	h.memory = nil
	h.destroyed = true
}
