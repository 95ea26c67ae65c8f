package heap

import (
	"sync"
	"sync/atomic"

	"github.com/quartzlibs/memtrace/allocator"
)

type blockState byte

const (
	blockStateFree blockState = iota
	blockStateAllocated
	blockStateOffered
)

var blockStateMapping = map[blockState]string{
	blockStateFree:      "blockStateFree",
	blockStateAllocated: "blockStateAllocated",
	blockStateOffered:   "blockStateOffered",
}

func (s blockState) String() string {
	return blockStateMapping[s]
}

var blockAllocator = sync.Pool{
	New: func() any {
		return &heapBlock{}
	},
}

// heapBlock is a single region of the backing buffer. Blocks partition the buffer
// completely: every byte belongs to exactly one block and the physical list is ordered
// by offset.
type heapBlock struct {
	offset int
	size   int
	state  blockState

	prevPhysical *heapBlock
	nextPhysical *heapBlock

	handle    allocator.Handle
	finalizer allocator.Finalizer

	token       allocator.OfferToken
	priority    allocator.Priority
	prevOffered *heapBlock
	nextOffered *heapBlock
}

func (h *Heap) allocateBlock() *heapBlock {
	b := blockAllocator.Get().(*heapBlock)
	b.offset = 0
	b.size = 0
	b.state = blockStateFree
	b.prevPhysical = nil
	b.nextPhysical = nil
	b.handle = allocator.NoAllocation
	b.finalizer = nil
	b.token = allocator.NoToken
	b.priority = 0
	b.prevOffered = nil
	b.nextOffered = nil
	return b
}

func (h *Heap) recycleBlock(b *heapBlock) {
	blockAllocator.Put(b)
}

func (h *Heap) nextHandle() allocator.Handle {
	return allocator.Handle(atomic.AddUint64(&h.nextID, 1))
}

func (h *Heap) nextToken() allocator.OfferToken {
	return allocator.OfferToken(atomic.AddUint64(&h.nextID, 1))
}
