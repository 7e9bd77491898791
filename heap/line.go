package heap

const maxRefCount = 1<<16 - 1

// Line is one fixed-size slot of a Page. Its refCount counts the live
// objects that start inside it.
type Line struct {
	refCount uint16
}

// RefCount returns the number of live objects starting in the line.
func (l *Line) RefCount() uint16 { return l.refCount }

func (l *Line) ref(n uint16) {
	assertf(uint32(l.refCount)+uint32(n) <= maxRefCount, "line refcount overflow")
	l.refCount += n
}

// deref drops one object and reports whether the line became empty.
func (l *Line) deref() bool {
	assertf(l.refCount > 0, "line refcount underflow")
	l.refCount--
	return l.refCount == 0
}

// LineMetadata describes where the first object starting in a line begins
// and how many objects start there.
type LineMetadata struct {
	StartOffset uint16
	ObjectCount uint16
}

// computeLineMetadata lays out objects of size across a page of lineCount
// lines. Objects may straddle into the next line, so every line but the last
// rounds its object count up and carries the overlap as the next line's
// start offset. The last line rounds down so no object crosses the page end.
func computeLineMetadata(size, lineSize uintptr, lineCount int) []LineMetadata {
	md := make([]LineMetadata, lineCount)
	startOffset := uintptr(0)
	for i := 0; i < lineCount-1; i++ {
		avail := lineSize - startOffset
		objectCount := (avail + size - 1) / size
		remainder := avail % size
		assertf(objectCount > 0, "no object of %d bytes fits line %d", size, i)
		md[i] = LineMetadata{StartOffset: uint16(startOffset), ObjectCount: uint16(objectCount)}
		if remainder != 0 {
			startOffset = size - remainder
		} else {
			startOffset = 0
		}
	}
	md[lineCount-1] = LineMetadata{
		StartOffset: uint16(startOffset),
		ObjectCount: uint16((lineSize - startOffset) / size),
	}
	return md
}

// buildLineMetadata computes the table for every class of the given kind.
// Rows for classes of the other kind stay nil.
func buildLineMetadata(cfg Config, kind PageKind) [][]LineMetadata {
	table := make([][]LineMetadata, cfg.NumClasses())
	lo, hi := 0, cfg.NumSmallClasses()
	lineSize, lineCount := cfg.SmallLineSize, cfg.SmallLineCount()
	if kind == MediumPage {
		lo, hi = cfg.NumSmallClasses(), cfg.NumClasses()
		lineSize, lineCount = cfg.MediumLineSize, cfg.MediumLineCount()
	}
	for sc := lo; sc < hi; sc++ {
		table[sc] = computeLineMetadata(cfg.ObjectSize(sc), lineSize, lineCount)
	}
	return table
}
