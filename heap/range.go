package heap

import "fmt"

// Range is a contiguous [Begin, Begin+Size) interval of address space. All
// address arithmetic on free structures goes through its methods.
type Range struct {
	Begin uintptr
	Size  uintptr
}

// End returns the first address past the range.
func (r Range) End() uintptr { return r.Begin + r.Size }

// IsZero reports whether r is the zero Range.
func (r Range) IsZero() bool { return r.Begin == 0 && r.Size == 0 }

// Contains reports whether addr lies inside r.
func (r Range) Contains(addr uintptr) bool {
	return addr >= r.Begin && addr < r.End()
}

// Adjacent reports whether r and o touch without overlapping.
func (r Range) Adjacent(o Range) bool {
	return r.End() == o.Begin || o.End() == r.Begin
}

// Overlaps reports whether r and o share at least one address.
func (r Range) Overlaps(o Range) bool {
	return r.Begin < o.End() && o.Begin < r.End()
}

// Split cuts r into [Begin, Begin+n) and the remainder. n must lie strictly
// inside r.
func (r Range) Split(n uintptr) (Range, Range) {
	assertf(n > 0 && n < r.Size, "split %d outside range of %d bytes", n, r.Size)
	return Range{Begin: r.Begin, Size: n}, Range{Begin: r.Begin + n, Size: r.Size - n}
}

// Merge returns the union of two adjacent ranges.
func (r Range) Merge(o Range) Range {
	assertf(r.Adjacent(o), "merge of non-adjacent ranges %v and %v", r, o)
	if o.Begin < r.Begin {
		r, o = o, r
	}
	return Range{Begin: r.Begin, Size: r.Size + o.Size}
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Begin, r.End())
}
