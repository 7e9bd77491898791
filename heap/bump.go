package heap

// BumpRange is a run of free lines handed to an allocator cache: ObjectCount
// objects laid out back to back from Begin.
type BumpRange struct {
	Begin       uintptr
	ObjectCount uint16
}

// BumpRangeCache holds bump ranges waiting to be consumed by a BumpAllocator.
type BumpRangeCache struct {
	ranges []BumpRange
}

// Len returns the number of cached ranges.
func (c *BumpRangeCache) Len() int { return len(c.ranges) }

// Push appends a range.
func (c *BumpRangeCache) Push(r BumpRange) { c.ranges = append(c.ranges, r) }

// Pop removes the oldest range, so objects are consumed in address order.
func (c *BumpRangeCache) Pop() BumpRange {
	assertf(len(c.ranges) > 0, "pop from empty bump range cache")
	r := c.ranges[0]
	c.ranges = c.ranges[1:]
	if len(c.ranges) == 0 {
		c.ranges = nil
	}
	return r
}

// BumpAllocator hands out objects of one size from a single BumpRange.
type BumpAllocator struct {
	ptr       uintptr
	size      uintptr
	remaining uint16
}

// Init sets the object size.
func (a *BumpAllocator) Init(size uintptr) {
	a.ptr, a.size, a.remaining = 0, size, 0
}

// Size returns the object size.
func (a *BumpAllocator) Size() uintptr { return a.size }

// CanAllocate reports whether an object is available without a refill.
func (a *BumpAllocator) CanAllocate() bool { return a.remaining > 0 }

// Refill starts consuming r. The allocator must be empty.
func (a *BumpAllocator) Refill(r BumpRange) {
	assertf(a.remaining == 0, "refill of non-empty bump allocator")
	a.ptr, a.remaining = r.Begin, r.ObjectCount
}

// Allocate returns the next object.
func (a *BumpAllocator) Allocate() uintptr {
	assertf(a.remaining > 0, "bump allocator exhausted")
	p := a.ptr
	a.ptr += a.size
	a.remaining--
	return p
}

// Clear returns the unconsumed remainder as a range and empties a.
func (a *BumpAllocator) Clear() BumpRange {
	r := BumpRange{Begin: a.ptr, ObjectCount: a.remaining}
	a.ptr, a.remaining = 0, 0
	return r
}
