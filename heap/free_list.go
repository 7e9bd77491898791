package heap

// freeList holds the free large objects. It is a flat, unordered vector:
// takes are linear best-fit scans and removal swaps with the tail.
type freeList struct {
	objects []*largeObject
}

func (l *freeList) len() int { return len(l.objects) }

func (l *freeList) insert(o *largeObject) {
	assertf(o.free, "inserting live large object %v", o.Range)
	assertf(o.slot < 0, "large object %v listed twice", o.Range)
	o.slot = len(l.objects)
	l.objects = append(l.objects, o)
}

func (l *freeList) remove(o *largeObject) {
	i := o.slot
	assertf(i >= 0 && i < len(l.objects) && l.objects[i] == o, "large object %v not listed", o.Range)
	last := len(l.objects) - 1
	l.objects[i] = l.objects[last]
	l.objects[i].slot = i
	l.objects[last] = nil
	l.objects = l.objects[:last]
	o.slot = -1
}

// better reports whether a is a tighter fit than b.
func better(a, b *largeObject) bool {
	if b == nil {
		return true
	}
	if a.Size != b.Size {
		return a.Size < b.Size
	}
	return a.Begin < b.Begin
}

// take removes and returns the smallest object of at least size bytes,
// lowest address first among equals.
func (l *freeList) take(size uintptr) *largeObject {
	var best *largeObject
	for _, o := range l.objects {
		if o.Size >= size && better(o, best) {
			best = o
		}
	}
	if best != nil {
		l.remove(best)
	}
	return best
}

// takeAligned removes and returns the tightest object that can host size
// bytes at alignment: either it is already aligned and big enough, or it is
// at least unalignedSize bytes so a prefix can be carved off.
func (l *freeList) takeAligned(alignment, size, unalignedSize uintptr) *largeObject {
	mask := alignment - 1
	var best *largeObject
	for _, o := range l.objects {
		if o.Size < size {
			continue
		}
		if o.Begin&mask != 0 && o.Size < unalignedSize {
			continue
		}
		if better(o, best) {
			best = o
		}
	}
	if best != nil {
		l.remove(best)
	}
	return best
}

// takeGreedy removes and returns any object with memory still backed.
func (l *freeList) takeGreedy() *largeObject {
	for i := len(l.objects) - 1; i >= 0; i-- {
		if o := l.objects[i]; o.resident {
			l.remove(o)
			return o
		}
	}
	return nil
}

func (l *freeList) ranges() []Range {
	out := make([]Range, 0, len(l.objects))
	for _, o := range l.objects {
		out = append(out, o.Range)
	}
	return out
}

// bytes returns the free bytes and, of those, the bytes of objects with
// any part still backed.
func (l *freeList) bytes() (free, resident uint64) {
	for _, o := range l.objects {
		free += uint64(o.Size)
		if o.resident {
			resident += uint64(o.Size)
		}
	}
	return free, resident
}
