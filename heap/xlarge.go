package heap

// xLargeRegistry records directly mapped extra-large allocations.
type xLargeRegistry struct {
	ranges []Range
}

func (x *xLargeRegistry) push(r Range) {
	x.ranges = append(x.ranges, r)
}

func (x *xLargeRegistry) find(begin uintptr) (int, bool) {
	for i, r := range x.ranges {
		if r.Begin == begin {
			return i, true
		}
	}
	return -1, false
}

func (x *xLargeRegistry) pop(i int) Range {
	r := x.ranges[i]
	last := len(x.ranges) - 1
	x.ranges[i] = x.ranges[last]
	x.ranges = x.ranges[:last]
	return r
}

func (x *xLargeRegistry) bytes() (n uint64) {
	for _, r := range x.ranges {
		n += uint64(r.Size)
	}
	return n
}
