package heap

import (
	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/quartzlibs/memtrace/allocator"
	"github.com/quartzlibs/memtrace/internal/utils"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific heap behaviors to activate or deactivate
type CreateFlags int32

const (
	// HeapExternallySynchronized ensures that this heap will not be synchronized internally.
	// The consumer must guarantee it is used from only one thread at a time or is
	// synchronized by some other mechanism, but performance may improve because internal
	// mutexes are not used.
	HeapExternallySynchronized CreateFlags = 1 << iota
	// HeapDiscardOffers makes the heap repurpose every offered block immediately, so Offer
	// always returns allocator.NoToken. This is primarily useful for exercising consumer
	// code paths that must survive losing offered memory.
	HeapDiscardOffers
)

var createFlagsMapping = map[CreateFlags]string{
	HeapExternallySynchronized: "HeapExternallySynchronized",
	HeapDiscardOffers:          "HeapDiscardOffers",
}

func (f CreateFlags) String() string {
	return createFlagsMapping[f]
}

// CreateOptions contains optional settings when creating a heap
type CreateOptions struct {
	// Flags indicates specific heap behaviors to activate or deactivate
	Flags CreateFlags
	// Logger is the *slog.Logger the heap should use for diagnostic output. slog.Default()
	// is used when this is left nil.
	Logger *slog.Logger
}

// New creates a Heap managing size bytes of backing storage. The backing buffer is taken
// from the mcache size-classed pool and returned to it by Destroy.
func New(size int, options *CreateOptions) (*Heap, error) {
	if size <= 0 {
		return nil, errors.Errorf("attempted to create a heap with an invalid size %d", size)
	}

	var opts CreateOptions
	if options != nil {
		opts = *options
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	h := &Heap{
		mutex:  utils.OptionalRWMutex{UseMutex: opts.Flags&HeapExternallySynchronized == 0},
		logger: opts.Logger,
		flags:  opts.Flags,

		memory: mcache.Malloc(size),
		size:   size,

		handles: swiss.NewMap[allocator.Handle, *heapBlock](42),
		tokens:  swiss.NewMap[allocator.OfferToken, *heapBlock](42),
	}
	h.initBlockList()

	h.logger.Debug("created heap",
		slog.Int("Size", size),
		slog.String("Flags", opts.Flags.String()),
	)

	return h, nil
}
