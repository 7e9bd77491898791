package vm

import (
	"sort"

	"github.com/joshuapare/heapkit/heap"
)

// intervals is a set of disjoint address ranges, kept sorted and coalesced.
type intervals struct {
	rs    []heap.Range
	total uint64
}

// add inserts r. Parts of r already in the set are not counted twice.
func (s *intervals) add(r heap.Range) {
	if r.Size == 0 {
		return
	}
	s.remove(r)
	i := sort.Search(len(s.rs), func(i int) bool { return s.rs[i].Begin > r.Begin })
	s.rs = append(s.rs, heap.Range{})
	copy(s.rs[i+1:], s.rs[i:])
	s.rs[i] = r
	s.total += uint64(r.Size)

	if i+1 < len(s.rs) && s.rs[i].End() == s.rs[i+1].Begin {
		s.rs[i].Size += s.rs[i+1].Size
		s.rs = append(s.rs[:i+1], s.rs[i+2:]...)
	}
	if i > 0 && s.rs[i-1].End() == s.rs[i].Begin {
		s.rs[i-1].Size += s.rs[i].Size
		s.rs = append(s.rs[:i], s.rs[i+1:]...)
	}
}

// remove takes r out of the set, cutting any interval it overlaps.
func (s *intervals) remove(r heap.Range) {
	if r.Size == 0 {
		return
	}
	out := make([]heap.Range, 0, len(s.rs)+1)
	for _, x := range s.rs {
		if !x.Overlaps(r) {
			out = append(out, x)
			continue
		}
		lo, hi := max(x.Begin, r.Begin), min(x.End(), r.End())
		s.total -= uint64(hi - lo)
		if x.Begin < r.Begin {
			out = append(out, heap.Range{Begin: x.Begin, Size: r.Begin - x.Begin})
		}
		if x.End() > r.End() {
			out = append(out, heap.Range{Begin: r.End(), Size: x.End() - r.End()})
		}
	}
	s.rs = out
}
