package heap

import (
	"github.com/cockroachdb/errors"

	"github.com/joshuapare/heapkit/internal/logger"
)

// AllocateLarge returns size bytes from the large free list, growing it from
// the VM when no free object fits. size must be a multiple of LargeAlignment
// within [LargeMin, LargeMax].
func (h *Heap) AllocateLarge(size uintptr) (uintptr, error) {
	h.checkLargeSize(size)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.isAllocatingPages = true
	o := h.largeObjects.take(size)
	if o == nil {
		r, err := h.vm.AllocateLargeObject(size)
		if err != nil {
			return 0, outOfMemory(err, "allocating large object of %d bytes", size)
		}
		assertf(r.Size >= size, "VM returned %v for %d bytes", r, size)
		o = h.newLargeChunk(r)
	}
	return h.allocateLargeObject(o, size), nil
}

// AllocateLargeAligned returns size bytes aligned to alignment. unalignedSize
// is the footprint needed when the candidate object is not aligned and a
// prefix of at least LargeMin bytes has to be carved off first; callers pass
// LargeMin + alignment + size.
func (h *Heap) AllocateLargeAligned(alignment, size, unalignedSize uintptr) (uintptr, error) {
	h.checkLargeSize(size)
	assertf(isPowerOfTwo(alignment) && alignment >= h.cfg.LargeAlignment && alignment <= h.cfg.LargeChunkSize/2,
		"bad large alignment %d", alignment)
	assertf(unalignedSize >= size+h.cfg.LargeMin+alignment-h.cfg.LargeAlignment,
		"unaligned size %d too small for %d bytes at %d", unalignedSize, size, alignment)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.isAllocatingPages = true
	o := h.largeObjects.takeAligned(alignment, size, unalignedSize)
	if o == nil {
		r, err := h.vm.AllocateLargeObjectAligned(alignment, size, unalignedSize)
		if err != nil {
			return 0, outOfMemory(err, "allocating large object of %d bytes at alignment %d", size, alignment)
		}
		assertf(r.Size >= size, "VM returned %v for %d bytes", r, size)
		o = h.newLargeChunk(r)
	}

	if o.Begin&(alignment-1) != 0 {
		prefixSize := roundUpToMultipleOf(alignment, o.Begin+h.cfg.LargeMin) - o.Begin
		rest := h.largeTags.split(o, prefixSize, h.cfg.LargeMin)
		h.counters.largeSplits++
		h.largeObjects.insert(o)
		o = rest
	}
	assertf(o.Begin&(alignment-1) == 0 && o.Size >= size,
		"large object %v cannot host %d bytes at %d", o.Range, size, alignment)
	return h.allocateLargeObject(o, size), nil
}

func (h *Heap) checkLargeSize(size uintptr) {
	assertf(size >= h.cfg.LargeMin && size <= h.cfg.LargeMax && size%h.cfg.LargeAlignment == 0,
		"bad large size %d", size)
}

// newLargeChunk registers a fresh VM chunk as one free, committed object.
func (h *Heap) newLargeChunk(r Range) *largeObject {
	o := &largeObject{Range: r, chunk: r, free: true, committed: true, resident: true, slot: -1}
	h.largeTags.add(o)
	h.counters.largeChunksAllocated++
	h.counters.largeChunkBytes += uint64(r.Size)
	logger.Debug("heap: large chunk from vm", "begin", r.Begin, logger.Bytes("size", uint64(r.Size)))
	return o
}

// allocateLargeObject trims o to size, returning the tail to the free list
// when it is big enough to stand alone, and hands o out.
func (h *Heap) allocateLargeObject(o *largeObject, size uintptr) uintptr {
	if o.Size-size > h.cfg.LargeMin {
		rest := h.largeTags.split(o, size, h.cfg.LargeMin)
		h.counters.largeSplits++
		h.largeObjects.insert(rest)
	}
	if !o.committed {
		h.vm.CommitLargeObject(o.Range)
		o.committed, o.resident = true, true
		h.counters.largeCommits++
	}
	o.free = false
	return o.Begin
}

// DeallocateLarge frees the large object at addr.
func (h *Heap) DeallocateLarge(addr uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deallocateLarge(addr)
}

func (h *Heap) deallocateLarge(addr uintptr) {
	o := h.largeTags.lookup(addr)
	assertf(o != nil, "%#x is not a large object", addr)
	assertf(!o.free, "double free of large object %v", o.Range)
	o.free = true
	h.largeObjects.insert(h.coalesce(o))
	h.requestScavenge()
}

// coalesce merges the unlisted free object o with its free physical
// neighbours, transitively, and returns the union.
func (h *Heap) coalesce(o *largeObject) *largeObject {
	for prev := h.largeTags.prev(o); o.mergeable(prev); prev = h.largeTags.prev(o) {
		h.largeObjects.remove(prev)
		h.largeTags.join(prev, o)
		o = prev
		h.counters.largeMerges++
	}
	for next := h.largeTags.next(o); o.mergeable(next); next = h.largeTags.next(o) {
		h.largeObjects.remove(next)
		h.largeTags.join(o, next)
		h.counters.largeMerges++
	}
	return o
}

// AllocateXLarge maps size bytes directly, aligned to SuperChunkSize. size
// must be a multiple of XLargeAlignment.
func (h *Heap) AllocateXLarge(size uintptr) (uintptr, error) {
	return h.AllocateXLargeAligned(h.cfg.SuperChunkSize, size)
}

// AllocateXLargeAligned maps size bytes directly at the given alignment.
func (h *Heap) AllocateXLargeAligned(alignment, size uintptr) (uintptr, error) {
	assertf(isPowerOfTwo(alignment) && alignment >= h.cfg.XLargeAlignment, "bad extra-large alignment %d", alignment)
	assertf(size > 0 && size%h.cfg.XLargeAlignment == 0, "bad extra-large size %d", size)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.isAllocatingPages = true
	begin, err := h.vm.Allocate(alignment, size)
	if err != nil {
		return 0, outOfMemory(err, "mapping %d bytes", size)
	}
	assertf(begin&(alignment-1) == 0, "VM mapping %#x not aligned to %d", begin, alignment)
	h.xLargeObjects.push(Range{Begin: begin, Size: size})
	h.counters.xLargeAllocated++
	logger.Debug("heap: xlarge mapped", "begin", begin, logger.Bytes("size", uint64(size)))
	return begin, nil
}

// FindXLarge returns the extra-large allocation beginning at addr, or the
// zero Range.
func (h *Heap) FindXLarge(addr uintptr) Range {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i, ok := h.xLargeObjects.find(addr); ok {
		return h.xLargeObjects.ranges[i]
	}
	return Range{}
}

// DeallocateXLarge unmaps the extra-large object at addr. The unmap runs
// without the lock held.
func (h *Heap) DeallocateXLarge(addr uintptr) error {
	h.mu.Lock()
	return h.deallocateXLarge(addr)
}

// deallocateXLarge is entered with the lock held and returns with it
// released.
func (h *Heap) deallocateXLarge(addr uintptr) error {
	i, ok := h.xLargeObjects.find(addr)
	if !ok {
		h.mu.Unlock()
		assertf(false, "%#x is not an allocated object", addr)
	}
	r := h.xLargeObjects.pop(i)
	h.mu.Unlock()

	err := h.vm.Deallocate(r.Begin, r.Size)

	h.mu.Lock()
	h.counters.xLargeFreed++
	h.mu.Unlock()

	if err != nil {
		return errors.Wrapf(err, "unmapping %v", r)
	}
	logger.Debug("heap: xlarge unmapped", "begin", r.Begin, logger.Bytes("size", uint64(r.Size)))
	return nil
}
