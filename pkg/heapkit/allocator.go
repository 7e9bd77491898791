package heapkit

import (
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/heapkit/heap"
	"github.com/joshuapare/heapkit/internal/bounds"
)

// ErrBadAlignment is returned by Memalign for an alignment that is not a
// power of two.
var ErrBadAlignment = errors.New("heapkit: alignment is not a power of two")

// Allocator is a caching front end over a Heap. It keeps one bump allocator
// and one bump range cache per size class.
//
// An Allocator is not safe for concurrent use; give each goroutine its own.
// Objects may be freed through any Allocator of the same Heap.
type Allocator struct {
	h      *heap.Heap
	cfg    heap.Config
	bumps  []heap.BumpAllocator
	caches []heap.BumpRangeCache
}

// NewAllocator returns an Allocator over h.
func NewAllocator(h *heap.Heap) *Allocator {
	cfg := h.Config()
	a := &Allocator{
		h:      h,
		cfg:    cfg,
		bumps:  make([]heap.BumpAllocator, cfg.NumClasses()),
		caches: make([]heap.BumpRangeCache, cfg.NumClasses()),
	}
	for sc := range a.bumps {
		a.bumps[sc].Init(cfg.ObjectSize(sc))
	}
	return a
}

// Heap returns the underlying Heap.
func (a *Allocator) Heap() *heap.Heap { return a.h }

// Malloc returns at least size bytes aligned to the heap's Alignment. A zero
// size gets the smallest object.
func (a *Allocator) Malloc(size uintptr) (uintptr, error) {
	switch {
	case size <= a.cfg.MediumMax:
		return a.allocateBumped(a.cfg.SizeClass(size))
	case size <= a.cfg.LargeMax:
		return a.h.AllocateLarge(a.largeSize(size))
	default:
		xsize, err := a.xLargeSize(size)
		if err != nil {
			return 0, err
		}
		return a.h.AllocateXLarge(xsize)
	}
}

// Memalign returns at least size bytes aligned to alignment.
func (a *Allocator) Memalign(alignment, size uintptr) (uintptr, error) {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return 0, errors.Wrapf(ErrBadAlignment, "alignment %d", alignment)
	}
	if alignment <= a.cfg.Alignment {
		return a.Malloc(size)
	}

	alignment = max(alignment, a.cfg.LargeAlignment)
	largeSize := a.largeSize(size)
	unalignedSize := a.cfg.LargeMin + alignment + largeSize
	if size <= a.cfg.LargeMax && unalignedSize <= a.cfg.LargeMax && alignment <= a.cfg.LargeChunkSize/2 {
		return a.h.AllocateLargeAligned(alignment, largeSize, unalignedSize)
	}
	xsize, err := a.xLargeSize(size)
	if err != nil {
		return 0, err
	}
	return a.h.AllocateXLargeAligned(max(alignment, a.cfg.XLargeAlignment), xsize)
}

// Free releases an object obtained from any Allocator of the same Heap.
// Freeing zero is a no-op.
func (a *Allocator) Free(addr uintptr) error {
	if addr == 0 {
		return nil
	}
	return a.h.Deallocate(addr)
}

// Flush hands every cached, unallocated object back to the Heap so that
// fully free pages can be scavenged.
func (a *Allocator) Flush() {
	for sc := range a.bumps {
		size := a.bumps[sc].Size()
		a.h.DeallocateBumpRange(a.bumps[sc].Clear(), size)
		for a.caches[sc].Len() > 0 {
			a.h.DeallocateBumpRange(a.caches[sc].Pop(), size)
		}
	}
}

// Scavenge flushes the caches and returns all free memory to the VM layer.
func (a *Allocator) Scavenge() {
	a.Flush()
	a.h.Scavenge(0)
}

func (a *Allocator) allocateBumped(sizeClass int) (uintptr, error) {
	bump := &a.bumps[sizeClass]
	if !bump.CanAllocate() {
		cache := &a.caches[sizeClass]
		if cache.Len() == 0 {
			var err error
			if sizeClass < a.cfg.NumSmallClasses() {
				err = a.h.RefillSmallBumpRangeCache(sizeClass, cache)
			} else {
				err = a.h.RefillMediumBumpRangeCache(sizeClass, cache)
			}
			if err != nil {
				return 0, err
			}
		}
		bump.Refill(cache.Pop())
	}
	return bump.Allocate(), nil
}

func (a *Allocator) largeSize(size uintptr) uintptr {
	return max(roundUp(a.cfg.LargeAlignment, size), a.cfg.LargeMin)
}

// xLargeSize rounds size up to the extra-large granule.
func (a *Allocator) xLargeSize(size uintptr) (uintptr, error) {
	xsize, ok := bounds.RoundUp(a.cfg.XLargeAlignment, size)
	if !ok {
		return 0, errors.Mark(errors.Newf("heapkit: size %d overflows the address space", size), heap.ErrOutOfMemory)
	}
	return xsize, nil
}

func roundUp(alignment, v uintptr) uintptr {
	return (v + alignment - 1) &^ (alignment - 1)
}

// Bytes views n bytes at addr. addr must come from a Heap backed by real
// memory and stay allocated while the slice is in use.
func Bytes(addr, n uintptr) []byte {
	if addr == 0 || n == 0 {
		return nil
	}
	if _, ok := bounds.Span(addr, n); !ok {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n) //nolint:govet // heap memory is mapped, not Go-managed
}
