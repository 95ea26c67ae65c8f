// Package arena provides a basic-tier allocator backend: a linear stack allocator over a
// single backing buffer.
//
// Allocation is a bump of the stack top and is always O(1). Free is cheap only in LIFO
// order: freeing the most recent allocation releases its bytes immediately, while freeing
// anything else leaves a dead entry behind that is only recovered once everything above it
// has been freed too. Reallocation happens in place for the top allocation and relocates
// otherwise. Alignment requests apply to offsets within the backing buffer, not to
// virtual addresses.
package arena

import (
	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/cockroachdb/errors"
	"github.com/quartzlibs/memtrace"
	"github.com/quartzlibs/memtrace/allocator"
	"github.com/quartzlibs/memtrace/internal/utils"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific arena behaviors to activate or deactivate
type CreateFlags int32

const (
	// ArenaExternallySynchronized ensures that this arena will not be synchronized
	// internally. The consumer must guarantee it is used from only one thread at a time or
	// is synchronized by some other mechanism.
	ArenaExternallySynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = map[CreateFlags]string{
	ArenaExternallySynchronized: "ArenaExternallySynchronized",
}

func (f CreateFlags) String() string {
	return createFlagsMapping[f]
}

// CreateOptions contains optional settings when creating an arena
type CreateOptions struct {
	// Flags indicates specific arena behaviors to activate or deactivate
	Flags CreateFlags
	// Logger is the *slog.Logger the arena should use for diagnostic output.
	// slog.Default() is used when this is left nil.
	Logger *slog.Logger
}

// arenaBlock is a single entry on the allocation stack. start is the stack top before the
// allocation was made, so popping the entry restores any alignment padding along with the
// allocation itself. A block whose handle is NoAllocation is dead: it was freed out of
// LIFO order and its bytes are recovered once it reaches the top of the stack.
type arenaBlock struct {
	start  int
	offset int
	size   int
	handle allocator.Handle
}

// Arena is a linear stack allocator. It implements allocator.Basic.
type Arena struct {
	mutex  utils.OptionalRWMutex
	logger *slog.Logger

	memory []byte
	size   int
	top    int

	blocks        []*arenaBlock
	nullItemCount int
	handles       map[allocator.Handle]*arenaBlock

	nextID    uint64
	destroyed bool
}

var _ allocator.Basic = (*Arena)(nil)
var _ memtrace.Validatable = (*Arena)(nil)

// New creates an Arena managing size bytes of backing storage. The backing buffer is
// taken from the mcache size-classed pool and returned to it by Destroy.
func New(size int, options *CreateOptions) (*Arena, error) {
	if size <= 0 {
		return nil, errors.Errorf("attempted to create an arena with an invalid size %d", size)
	}

	var opts CreateOptions
	if options != nil {
		opts = *options
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	a := &Arena{
		mutex:  utils.OptionalRWMutex{UseMutex: opts.Flags&ArenaExternallySynchronized == 0},
		logger: opts.Logger,

		memory:  mcache.Malloc(size),
		size:    size,
		handles: make(map[allocator.Handle]*arenaBlock),
	}

	a.logger.Debug("created arena",
		slog.Int("Size", size),
		slog.String("Flags", opts.Flags.String()),
	)

	return a, nil
}

func (a *Arena) blockForHandle(handle allocator.Handle) *arenaBlock {
	b, ok := a.handles[handle]
	if !ok {
		panic(errors.Errorf("received a handle that is not a live allocation of this arena: %d", handle))
	}
	return b
}

// Alloc bumps the stack top by size bytes, plus whatever padding the requested alignment
// demands. On capacity failure it returns allocator.NoAllocation with a nil error.
func (a *Arena) Alloc(size int, align uint) (allocator.Handle, error) {
	memtrace.DebugCheckPow2(align, "align")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return allocator.NoAllocation, errors.New("attempted to allocate from a destroyed arena")
	}

	return a.pushBlock(size, align), nil
}

func (a *Arena) pushBlock(size int, align uint) allocator.Handle {
	blockSize := size
	if blockSize < 1 {
		blockSize = 1
	}
	blockSize += memtrace.DebugMargin

	userOffset := memtrace.AlignUp(a.top, align)
	if userOffset+blockSize > a.size {
		return allocator.NoAllocation
	}

	a.nextID++
	b := &arenaBlock{
		start:  a.top,
		offset: userOffset,
		size:   blockSize,
		handle: allocator.Handle(a.nextID),
	}
	a.top = userOffset + blockSize
	a.blocks = append(a.blocks, b)
	a.handles[b.handle] = b

	memtrace.WriteMagicValue(a.memory, b.offset+b.usable())
	return b.handle
}

func (b *arenaBlock) usable() int {
	return b.size - memtrace.DebugMargin
}

func (a *Arena) checkMargin(b *arenaBlock) {
	if memtrace.DebugMargin > 0 && !memtrace.ValidateMagicValue(a.memory, b.offset+b.usable()) {
		panic(errors.Errorf("memory corruption detected behind the allocation at offset %d", b.offset))
	}
}

// Free releases the block identified by handle. NoAllocation is a no-op. Freeing the top
// allocation releases its bytes immediately; freeing anything else leaves a dead entry
// that is recovered once every allocation above it has been freed. Passing any other
// handle that is not a live allocation of this arena panics.
func (a *Arena) Free(handle allocator.Handle) {
	if handle == allocator.NoAllocation {
		return
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	b := a.blockForHandle(handle)
	a.checkMargin(b)
	delete(a.handles, handle)
	b.handle = allocator.NoAllocation
	a.nullItemCount++

	a.compactTail()
}

// compactTail pops dead entries off the top of the stack, restoring their bytes and the
// alignment padding recorded in their start offsets.
func (a *Arena) compactTail() {
	for len(a.blocks) > 0 {
		last := a.blocks[len(a.blocks)-1]
		if last.handle != allocator.NoAllocation {
			return
		}

		a.top = last.start
		a.blocks = a.blocks[:len(a.blocks)-1]
		a.nullItemCount--
	}
}

// Realloc resizes the block identified by handle. The top allocation is resized in place
// when its offset already satisfies the requested alignment; any other block is relocated
// to the top of the stack, which leaves its old bytes dead until the stack unwinds past
// them. On capacity failure Realloc returns allocator.NoAllocation with a nil error and
// the original allocation is untouched.
func (a *Arena) Realloc(handle allocator.Handle, size int, align uint) (allocator.Handle, error) {
	memtrace.DebugCheckPow2(align, "align")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return allocator.NoAllocation, errors.New("attempted to reallocate on a destroyed arena")
	}

	b := a.blockForHandle(handle)
	a.checkMargin(b)

	blockSize := size
	if blockSize < 1 {
		blockSize = 1
	}
	blockSize += memtrace.DebugMargin

	isTop := len(a.blocks) > 0 && a.blocks[len(a.blocks)-1] == b
	if isTop && b.offset&(int(align)-1) == 0 {
		if b.offset+blockSize > a.size {
			return allocator.NoAllocation, nil
		}
		b.size = blockSize
		a.top = b.offset + blockSize
		memtrace.WriteMagicValue(a.memory, b.offset+b.usable())
		return handle, nil
	}

	newHandle := a.pushBlock(size, align)
	if newHandle == allocator.NoAllocation {
		return allocator.NoAllocation, nil
	}

	newBlock := a.handles[newHandle]
	copyLen := b.usable()
	if newBlock.usable() < copyLen {
		copyLen = newBlock.usable()
	}
	copy(a.memory[newBlock.offset:newBlock.offset+copyLen], a.memory[b.offset:b.offset+copyLen])

	delete(a.handles, handle)
	b.handle = allocator.NoAllocation
	a.nullItemCount++
	return newHandle, nil
}

// AllocSize returns the usable size of the block identified by handle. It panics if the
// handle is not a live allocation of this arena.
func (a *Arena) AllocSize(handle allocator.Handle) int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.blockForHandle(handle).usable()
}

// Memory returns the usable byte range of the block identified by handle. The slice stays
// valid until the block is freed, relocated, or the arena is reset or destroyed.
func (a *Arena) Memory(handle allocator.Handle) []byte {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	b := a.blockForHandle(handle)
	return a.memory[b.offset : b.offset+b.usable()]
}

// Reset brings the arena back to its initial state, invalidating every live allocation
// unconditionally.
func (a *Arena) Reset() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.top = 0
	a.blocks = a.blocks[:0]
	a.nullItemCount = 0
	a.handles = make(map[allocator.Handle]*arenaBlock)
}

// FreeBytes returns the bytes between the stack top and the end of the backing buffer.
// Dead entries below the stack top do not count as free until the stack unwinds past
// them.
func (a *Arena) FreeBytes() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.size - a.top
}

// UsedBytes returns the stack top: every byte below it, including alignment padding and
// dead entries, is unavailable.
func (a *Arena) UsedBytes() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.top
}

// TotalBytes returns the size of the backing buffer.
func (a *Arena) TotalBytes() int {
	return a.size
}

// Validate performs internal consistency checks on the arena's bookkeeping.
func (a *Arena) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if a.destroyed {
		return nil
	}

	expectedStart := 0
	deadCount := 0
	for i, b := range a.blocks {
		if b.start != expectedStart {
			return errors.Errorf("the block at index %d should start at %d, but starts at %d", i, expectedStart, b.start)
		}
		if b.offset < b.start || b.offset+b.size > a.size {
			return errors.Errorf("the block at index %d occupies [%d, %d), which is outside its legal range", i, b.offset, b.offset+b.size)
		}
		if b.handle == allocator.NoAllocation {
			deadCount++
		} else if a.handles[b.handle] != b {
			return errors.Errorf("the block at index %d is live but is not tracked by its handle", i)
		}
		expectedStart = b.offset + b.size
	}

	if expectedStart != a.top {
		return errors.Errorf("the arena believes the stack top is %d, but the blocks end at %d", a.top, expectedStart)
	}
	if deadCount != a.nullItemCount {
		return errors.Errorf("the arena believes it has %d dead entries, but the stack contains %d", a.nullItemCount, deadCount)
	}
	if len(a.blocks) > 0 && a.blocks[len(a.blocks)-1].handle == allocator.NoAllocation {
		return errors.New("there should not be lingering dead entries at the top of the stack")
	}
	if len(a.blocks)-deadCount != len(a.handles) {
		return errors.Errorf("the stack contains %d live blocks, but %d handles are live", len(a.blocks)-deadCount, len(a.handles))
	}

	return nil
}

// Destroy returns the backing buffer to the mcache pool. Live allocations are reported
// through the arena's logger before the memory goes away. The arena must not be used
// after this call.
func (a *Arena) Destroy() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return
	}

	for _, b := range a.blocks {
		if b.handle != allocator.NoAllocation {
			a.logger.Error("leaked allocation at arena Destroy",
				slog.Int("Offset", b.offset),
				slog.Int("Size", b.usable()),
			)
		}
	}

	a.top = 0
	a.blocks = nil
	a.nullItemCount = 0
	a.handles = nil
	mcache.Free(a.memory)
	a.memory = nil
	a.destroyed = true
}
