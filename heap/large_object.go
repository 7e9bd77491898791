package heap

// largeObject is a carved interval of a large chunk. Every carved object,
// free or live, is registered in a boundaryTags index so its physical
// neighbours can be found from its begin and end addresses.
type largeObject struct {
	Range
	chunk Range
	free  bool

	// committed is set when every byte is backed by physical memory, and
	// resident when at least one is. A merge of a released object with a
	// committed one is resident but not committed.
	committed bool
	resident  bool

	// releasing is set while the scavenger hands the object back to the VM
	// with the lock dropped. Such an object is free but unlisted and must
	// not be merged.
	releasing bool

	// slot is the object's position in its freeList, -1 when not listed.
	slot int
}

func (o *largeObject) mergeable(n *largeObject) bool {
	return n != nil && n.free && !n.releasing && n.chunk == o.chunk
}

// boundaryTags maps the begin and end address of every carved large object
// to the object.
type boundaryTags struct {
	begins map[uintptr]*largeObject
	ends   map[uintptr]*largeObject
}

func newBoundaryTags() boundaryTags {
	return boundaryTags{
		begins: make(map[uintptr]*largeObject),
		ends:   make(map[uintptr]*largeObject),
	}
}

func (b *boundaryTags) add(o *largeObject) {
	b.begins[o.Begin] = o
	b.ends[o.End()] = o
}

func (b *boundaryTags) remove(o *largeObject) {
	if b.begins[o.Begin] == o {
		delete(b.begins, o.Begin)
	}
	if b.ends[o.End()] == o {
		delete(b.ends, o.End())
	}
}

// lookup returns the object beginning at addr.
func (b *boundaryTags) lookup(addr uintptr) *largeObject {
	return b.begins[addr]
}

// prev returns the object ending where o begins.
func (b *boundaryTags) prev(o *largeObject) *largeObject {
	return b.ends[o.Begin]
}

// next returns the object beginning where o ends.
func (b *boundaryTags) next(o *largeObject) *largeObject {
	return b.begins[o.End()]
}

// split carves o into a prefix of n bytes, kept in o, and a returned suffix.
// Both halves inherit o's state. Neither half may drop below minSize.
func (b *boundaryTags) split(o *largeObject, n, minSize uintptr) *largeObject {
	assertf(n >= minSize && o.Size-n >= minSize,
		"split of %d bytes at %d leaves a piece below %d", o.Size, n, minSize)
	b.remove(o)
	prefix, suffix := o.Split(n)
	o.Range = prefix
	rest := &largeObject{
		Range:     suffix,
		chunk:     o.chunk,
		free:      o.free,
		committed: o.committed,
		resident:  o.resident,
		slot:      -1,
	}
	b.add(o)
	b.add(rest)
	return rest
}

// join absorbs the adjacent object n into o. n must not be listed anywhere.
// The union is committed only if both halves were, and resident if either
// was.
func (b *boundaryTags) join(o, n *largeObject) {
	assertf(o.chunk == n.chunk, "join across chunks %v and %v", o.chunk, n.chunk)
	b.remove(o)
	b.remove(n)
	o.Range = o.Merge(n.Range)
	o.committed = o.committed && n.committed
	o.resident = o.resident || n.resident
	b.add(o)
}
