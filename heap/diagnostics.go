package heap

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/quartzlibs/memtrace"
	"github.com/quartzlibs/memtrace/allocator"
)

var _ memtrace.Validatable = (*Heap)(nil)

// Validate performs internal consistency checks on the heap's bookkeeping. When the heap
// is functioning correctly it should not be possible for this method to return an error,
// but it may assist in diagnosing issues.
func (h *Heap) Validate() error {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.destroyed {
		return nil
	}

	var sumFree, allocatedCount, offeredCount int
	expectedOffset := 0

	for b := h.head; b != nil; b = b.nextPhysical {
		if b.offset != expectedOffset {
			return errors.Errorf("the block at offset %d should begin at offset %d, the physical list is not contiguous", b.offset, expectedOffset)
		}
		if b.size <= 0 {
			return errors.Errorf("the block at offset %d has a non-positive size %d", b.offset, b.size)
		}
		if b.state == blockStateFree {
			sumFree += b.size
			if b.nextPhysical != nil && b.nextPhysical.state == blockStateFree {
				return errors.Errorf("the free block at offset %d is adjacent to another free block, they should have been merged", b.offset)
			}
		} else if b.state == blockStateAllocated {
			allocatedCount++
		} else {
			offeredCount++
		}
		expectedOffset = b.offset + b.size
	}

	if expectedOffset != h.size {
		return errors.Errorf("the physical list covers %d bytes, but the heap manages %d", expectedOffset, h.size)
	}
	if sumFree != h.sumFreeSize {
		return errors.Errorf("the heap believes it has %d free bytes, but the physical list contains %d", h.sumFreeSize, sumFree)
	}
	if allocatedCount != h.handles.Count() {
		return errors.Errorf("the physical list contains %d allocated blocks, but %d handles are live", allocatedCount, h.handles.Count())
	}

	listedOffered := 0
	pending := 0
	for b := h.offeredHead; b != nil; b = b.nextOffered {
		listedOffered++
		pending += b.usable()
	}
	if listedOffered != offeredCount {
		return errors.Errorf("the physical list contains %d offered blocks, but the offered list contains %d", offeredCount, listedOffered)
	}
	if pending != h.pendingBytes {
		return errors.Errorf("the heap believes it has %d pending bytes, but the offered list contains %d", h.pendingBytes, pending)
	}

	return nil
}

// CheckCorruption verifies that the anti-corruption markers behind every live allocation
// are intact. Markers are only written when memtrace is built with the debug_memtrace
// build tag; without it this method trivially succeeds.
func (h *Heap) CheckCorruption() error {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if memtrace.DebugMargin == 0 || h.destroyed {
		return nil
	}

	var corrupted error
	h.handles.Iter(func(handle allocator.Handle, b *heapBlock) bool {
		if !memtrace.ValidateMagicValue(h.memory, b.offset+b.usable()) {
			corrupted = errors.Errorf("memory corruption detected behind the allocation at offset %d", b.offset)
			return true
		}
		return false
	})

	return corrupted
}

// PrintDetailedMap populates a json writer with the heap's capacity accounting and one
// entry per physical block.
func (h *Heap) PrintDetailedMap(writer *jwriter.Writer) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	objState := writer.Object()
	defer objState.End()

	objState.Name("TotalBytes").Int(h.size)
	objState.Name("UsedBytes").Int(h.size - h.sumFreeSize)
	objState.Name("FreeBytes").Int(h.sumFreeSize)
	objState.Name("PendingBytes").Int(h.pendingBytes)

	arrayState := objState.Name("Blocks").Array()
	defer arrayState.End()

	for b := h.head; b != nil; b = b.nextPhysical {
		blockObj := arrayState.Object()

		blockObj.Name("Offset").Int(b.offset)
		blockObj.Name("Size").Int(b.size)
		blockObj.Name("State").String(b.state.String())
		if b.state == blockStateOffered {
			blockObj.Name("Priority").Int(int(b.priority))
		}

		blockObj.End()
	}
}
