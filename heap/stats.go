package heap

import (
	"sort"

	"github.com/cockroachdb/errors"
)

type counters struct {
	smallPagesAllocated  uint64
	mediumPagesAllocated uint64
	largeChunksAllocated uint64
	largeChunkBytes      uint64
	largeSplits          uint64
	largeMerges          uint64
	largeCommits         uint64
	xLargeAllocated      uint64
	xLargeFreed          uint64

	scavengeRequests      uint64
	scavengePasses        uint64
	scavengeBackoffs      uint64
	scavengedSmallPages   uint64
	scavengedMediumPages  uint64
	scavengedLargeObjects uint64
	scavengedBytes        uint64
}

// Stats is a point-in-time snapshot of a Heap.
type Stats struct {
	// Page tables.
	SmallPages      int // small pages ever obtained from the VM
	MediumPages     int
	FreeSmallPages  int // small pages with no referenced line, not yet scavenged
	FreeMediumPages int

	// VM traffic.
	SmallPagesAllocated  uint64
	MediumPagesAllocated uint64
	LargeChunksAllocated uint64
	LargeChunkBytes      uint64

	// Large free list.
	LargeFreeObjects        int
	LargeFreeBytes          uint64
	LargeFreeCommittedBytes uint64 // bytes of free objects not yet fully released
	LargeSplits             uint64
	LargeMerges             uint64
	LargeCommits            uint64

	// Extra-large registry.
	XLargeObjects   int
	XLargeBytes     uint64
	XLargeAllocated uint64
	XLargeFreed     uint64

	// Scavenger.
	ScavengeRequests      uint64
	ScavengerRuns         int64
	ScavengePasses        uint64
	ScavengeBackoffs      uint64
	ScavengedSmallPages   uint64
	ScavengedMediumPages  uint64
	ScavengedLargeObjects uint64
	ScavengedBytes        uint64
	Phase                 Phase

	// Reported by the VM layer when it implements VMStats.
	Committed uint64
	Reserved  uint64
}

// Stats returns a snapshot of the Heap's counters.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := h.counters
	st := Stats{
		SmallPages:      len(h.small.table),
		MediumPages:     len(h.medium.table),
		FreeSmallPages:  len(h.small.free),
		FreeMediumPages: len(h.medium.free),

		SmallPagesAllocated:  c.smallPagesAllocated,
		MediumPagesAllocated: c.mediumPagesAllocated,
		LargeChunksAllocated: c.largeChunksAllocated,
		LargeChunkBytes:      c.largeChunkBytes,

		LargeFreeObjects: h.largeObjects.len(),
		LargeSplits:      c.largeSplits,
		LargeMerges:      c.largeMerges,
		LargeCommits:     c.largeCommits,

		XLargeObjects:   len(h.xLargeObjects.ranges),
		XLargeBytes:     h.xLargeObjects.bytes(),
		XLargeAllocated: c.xLargeAllocated,
		XLargeFreed:     c.xLargeFreed,

		ScavengeRequests:      c.scavengeRequests,
		ScavengerRuns:         h.scavenger.Executed(),
		ScavengePasses:        c.scavengePasses,
		ScavengeBackoffs:      c.scavengeBackoffs,
		ScavengedSmallPages:   c.scavengedSmallPages,
		ScavengedMediumPages:  c.scavengedMediumPages,
		ScavengedLargeObjects: c.scavengedLargeObjects,
		ScavengedBytes:        c.scavengedBytes,
		Phase:                 h.Phase(),
	}
	st.LargeFreeBytes, st.LargeFreeCommittedBytes = h.largeObjects.bytes()
	if vs, ok := h.vm.(VMStats); ok {
		st.Committed = vs.Committed()
		st.Reserved = vs.Reserved()
	}
	return st
}

// FreeLargeRanges returns the large free list in address order.
func (h *Heap) FreeLargeRanges() []Range {
	h.mu.Lock()
	defer h.mu.Unlock()
	return sortedRanges(h.largeObjects.ranges())
}

// XLargeRanges returns the extra-large registry in address order.
func (h *Heap) XLargeRanges() []Range {
	h.mu.Lock()
	defer h.mu.Unlock()
	return sortedRanges(append([]Range(nil), h.xLargeObjects.ranges...))
}

func sortedRanges(rs []Range) []Range {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Begin < rs[j].Begin })
	return rs
}

// CheckInvariants walks every structure and reports the first inconsistency.
func (h *Heap) CheckInvariants() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ph := range []*pageHeap{&h.small, &h.medium} {
		if err := ph.check(); err != nil {
			return err
		}
	}
	return h.checkLarge()
}

func (ph *pageHeap) check() error {
	for _, p := range ph.table {
		if n := p.referencedLines(); n != int(p.refCount) {
			return errors.Newf("%s page %#x: refcount %d, %d referenced lines", ph.kind, p.begin, p.refCount, n)
		}
		if p.sizeClass < 0 {
			if p.refCount != 0 {
				return errors.Newf("%s page %#x: untagged but referenced", ph.kind, p.begin)
			}
			continue
		}
		md := ph.metadata[p.sizeClass]
		for i := range p.lines {
			if p.lines[i].refCount > md[i].ObjectCount {
				return errors.Newf("%s page %#x line %d: refcount %d above %d objects",
					ph.kind, p.begin, i, p.lines[i].refCount, md[i].ObjectCount)
			}
		}
	}

	seen := make(map[*Page]bool, len(ph.free))
	for _, p := range ph.free {
		if seen[p] {
			return errors.Newf("%s page %#x pooled twice", ph.kind, p.begin)
		}
		seen[p] = true
		if p.refCount != 0 {
			return errors.Newf("%s page %#x pooled with refcount %d", ph.kind, p.begin, p.refCount)
		}
	}
	return nil
}

func (h *Heap) checkLarge() error {
	for i, o := range h.largeObjects.objects {
		switch {
		case o.slot != i:
			return errors.Newf("large object %v: slot %d at index %d", o.Range, o.slot, i)
		case !o.free:
			return errors.Newf("large object %v listed while live", o.Range)
		case o.releasing:
			return errors.Newf("large object %v listed while being released", o.Range)
		case o.committed && !o.resident:
			return errors.Newf("large object %v committed but not resident", o.Range)
		case h.largeTags.lookup(o.Begin) != o:
			return errors.Newf("large object %v missing from boundary tags", o.Range)
		case o.mergeable(h.largeTags.prev(o)) || o.mergeable(h.largeTags.next(o)):
			return errors.Newf("large object %v has a free neighbour", o.Range)
		}
	}

	for begin, o := range h.largeTags.begins {
		switch {
		case begin != o.Begin || h.largeTags.ends[o.End()] != o:
			return errors.Newf("boundary tags out of sync for %v", o.Range)
		case o.Begin < o.chunk.Begin || o.End() > o.chunk.End():
			return errors.Newf("large object %v outside chunk %v", o.Range, o.chunk)
		case (o.free && !o.releasing) != (o.slot >= 0):
			return errors.Newf("large object %v: free=%t releasing=%t but slot %d", o.Range, o.free, o.releasing, o.slot)
		}
	}
	return nil
}
