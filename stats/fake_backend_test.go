package stats_test

import (
	"github.com/quartzlibs/memtrace/allocator"
)

// fakeBackend is a hand-rolled object-tier allocator with knobs for forcing the outcomes
// the statistics proxy has to account for. It hands out handles without managing any real
// memory.
type fakeBackend struct {
	nextID uint64
	allocs map[allocator.Handle]int
	offers map[allocator.OfferToken]fakeOffer
	used   int
	total  int

	// failAtOrAbove makes allocation requests of at least this size report a capacity
	// failure. Zero means never fail.
	failAtOrAbove int
	// err is returned from Alloc/Realloc when set.
	err error
	// panicValue is panicked from Alloc/Realloc when set.
	panicValue any
	// relocateOnRealloc makes every successful Realloc return a fresh handle.
	relocateOnRealloc bool
	// discardOffers makes Offer repurpose blocks immediately and return NoToken.
	discardOffers bool

	finalizers map[allocator.Handle]allocator.Finalizer
}

type fakeOffer struct {
	handle allocator.Handle
	size   int
}

func newFakeBackend(total int) *fakeBackend {
	return &fakeBackend{
		allocs:     map[allocator.Handle]int{},
		offers:     map[allocator.OfferToken]fakeOffer{},
		finalizers: map[allocator.Handle]allocator.Finalizer{},
		total:      total,
	}
}

var _ allocator.Object = (*fakeBackend)(nil)

func (f *fakeBackend) Alloc(size int, align uint) (allocator.Handle, error) {
	return f.AllocWithFinalizer(size, align, nil)
}

func (f *fakeBackend) AllocWithFinalizer(size int, align uint, finalizer allocator.Finalizer) (allocator.Handle, error) {
	if f.panicValue != nil {
		panic(f.panicValue)
	}
	if f.err != nil {
		return allocator.NoAllocation, f.err
	}
	if f.failAtOrAbove > 0 && size >= f.failAtOrAbove {
		return allocator.NoAllocation, nil
	}

	f.nextID++
	handle := allocator.Handle(f.nextID)
	f.allocs[handle] = size
	f.finalizers[handle] = finalizer
	f.used += size
	return handle, nil
}

func (f *fakeBackend) Free(h allocator.Handle) {
	if h == allocator.NoAllocation {
		return
	}
	f.used -= f.allocs[h]
	delete(f.allocs, h)
	delete(f.finalizers, h)
}

func (f *fakeBackend) Realloc(h allocator.Handle, size int, align uint) (allocator.Handle, error) {
	return f.ReallocWithFinalizer(h, size, align, f.finalizers[h])
}

func (f *fakeBackend) ReallocWithFinalizer(h allocator.Handle, size int, align uint, finalizer allocator.Finalizer) (allocator.Handle, error) {
	if f.panicValue != nil {
		panic(f.panicValue)
	}
	if f.err != nil {
		return allocator.NoAllocation, f.err
	}
	if f.failAtOrAbove > 0 && size >= f.failAtOrAbove {
		return allocator.NoAllocation, nil
	}

	f.used += size - f.allocs[h]

	if f.relocateOnRealloc {
		delete(f.allocs, h)
		delete(f.finalizers, h)
		f.nextID++
		newHandle := allocator.Handle(f.nextID)
		f.allocs[newHandle] = size
		f.finalizers[newHandle] = finalizer
		return newHandle, nil
	}

	f.allocs[h] = size
	f.finalizers[h] = finalizer
	return h, nil
}

func (f *fakeBackend) AllocSize(h allocator.Handle) int {
	return f.allocs[h]
}

func (f *fakeBackend) Offer(h allocator.Handle, priority allocator.Priority) allocator.OfferToken {
	size := f.allocs[h]
	delete(f.allocs, h)

	if f.discardOffers {
		f.used -= size
		delete(f.finalizers, h)
		return allocator.NoToken
	}

	f.nextID++
	token := allocator.OfferToken(f.nextID)
	f.offers[token] = fakeOffer{handle: h, size: size}
	return token
}

func (f *fakeBackend) Reclaim(t allocator.OfferToken) allocator.Handle {
	offer, ok := f.offers[t]
	if !ok {
		return allocator.NoAllocation
	}
	delete(f.offers, t)
	f.allocs[offer.handle] = offer.size
	return offer.handle
}

func (f *fakeBackend) FreeOffered(t allocator.OfferToken) {
	if offer, ok := f.offers[t]; ok {
		f.used -= offer.size
		delete(f.offers, t)
	}
}

func (f *fakeBackend) Purge(priority allocator.Priority) {
	for token, offer := range f.offers {
		f.used -= offer.size
		delete(f.offers, token)
	}
}

func (f *fakeBackend) Reset() {
	f.allocs = map[allocator.Handle]int{}
	f.offers = map[allocator.OfferToken]fakeOffer{}
	f.finalizers = map[allocator.Handle]allocator.Finalizer{}
	f.used = 0
}

func (f *fakeBackend) Clear() {
	f.Reset()
}

func (f *fakeBackend) PendingBytes() int {
	pending := 0
	for _, offer := range f.offers {
		pending += offer.size
	}
	return pending
}

func (f *fakeBackend) FreeBytes() int {
	return f.total - f.used
}

func (f *fakeBackend) UsedBytes() int {
	return f.used
}

func (f *fakeBackend) TotalBytes() int {
	return f.total
}
