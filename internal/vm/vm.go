// Package vm provides the virtual memory layers a heap.Heap draws from.
//
// OS maps real memory from the operating system. Sim hands out synthetic
// addresses that are never backed, for tests and workload simulation. Both
// reserve address space in superchunks and carve small pages, medium pages
// and large chunks out of them; extra-large requests get their own mapping.
package vm

import (
	"github.com/cockroachdb/errors"

	"github.com/joshuapare/heapkit/heap"
)

// ErrExhausted reports that a VM layer reached its reservation limit.
var ErrExhausted = errors.New("vm: address space exhausted")

var (
	_ heap.VMHeap  = (*OS)(nil)
	_ heap.VMStats = (*OS)(nil)
	_ heap.VMHeap  = (*Sim)(nil)
	_ heap.VMStats = (*Sim)(nil)
)

// carver cuts fixed-size pieces off the current superchunk.
type carver struct {
	cur, end uintptr
}

// take returns n bytes at the given alignment from the current superchunk,
// or false when it does not have room.
func (c *carver) take(alignment, n uintptr) (uintptr, bool) {
	begin := roundUp(alignment, c.cur)
	if c.cur == 0 || begin+n > c.end {
		return 0, false
	}
	c.cur = begin + n
	return begin, true
}

func (c *carver) reset(r heap.Range) {
	c.cur, c.end = r.Begin, r.End()
}

func roundUp(alignment, v uintptr) uintptr {
	return (v + alignment - 1) &^ (alignment - 1)
}

// largeChunkSize is the size of the chunk that serves a large request.
func largeChunkSize(cfg heap.Config, size uintptr) uintptr {
	return roundUp(cfg.LargeAlignment, max(size, cfg.LargeChunkSize))
}
