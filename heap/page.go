package heap

// PageKind tells small pages from medium pages.
type PageKind uint8

const (
	SmallPage PageKind = iota
	MediumPage
)

func (k PageKind) String() string {
	if k == SmallPage {
		return "small"
	}
	return "medium"
}

// Page is a size-class page. Its refCount is the number of lines holding at
// least one live object.
//
// A line never points back at its page: the page of any address inside it is
// found by masking the address with the page size and looking it up in the
// Heap's page table. Pages are always page-size aligned, which is what makes
// that identity hold.
type Page struct {
	kind      PageKind
	begin     uintptr
	lineSize  uintptr
	sizeClass int
	refCount  uint16
	lines     []Line

	// capacity is the number of lines able to hold an object of the
	// current class. The last line holds none for some classes.
	capacity uint16
}

func newPage(kind PageKind, begin, lineSize uintptr, lineCount int) *Page {
	return &Page{
		kind:      kind,
		begin:     begin,
		lineSize:  lineSize,
		sizeClass: -1,
		lines:     make([]Line, lineCount),
	}
}

// Begin returns the page's first address.
func (p *Page) Begin() uintptr { return p.begin }

// Kind returns whether p is a small or medium page.
func (p *Page) Kind() PageKind { return p.kind }

// SizeClass returns the class the page currently serves.
func (p *Page) SizeClass() int { return p.sizeClass }

// RefCount returns the number of referenced lines.
func (p *Page) RefCount() uint16 { return p.refCount }

// Capacity returns the number of lines usable by the current class.
func (p *Page) Capacity() uint16 { return p.capacity }

// Lines exposes the page's lines.
func (p *Page) Lines() []Line { return p.lines }

// tag assigns the page to sizeClass. md is the class's line metadata.
func (p *Page) tag(sizeClass int, md []LineMetadata) {
	assertf(p.refCount == 0 || p.sizeClass == sizeClass,
		"retagging live page %#x from class %d to %d", p.begin, p.sizeClass, sizeClass)
	p.sizeClass = sizeClass
	p.capacity = uint16(len(md))
	if md[len(md)-1].ObjectCount == 0 {
		p.capacity--
	}
}

func (p *Page) lineBegin(i int) uintptr {
	return p.begin + uintptr(i)*p.lineSize
}

// lineIndex returns the index of the line holding addr.
func (p *Page) lineIndex(addr uintptr) int {
	i := int((addr - p.begin) / p.lineSize)
	assertf(addr >= p.begin && i < len(p.lines), "address %#x outside page %#x", addr, p.begin)
	return i
}

func (p *Page) ref() {
	assertf(int(p.refCount) < len(p.lines), "page refcount overflow")
	p.refCount++
}

func (p *Page) deref() {
	assertf(p.refCount > 0, "page refcount underflow")
	p.refCount--
}

// referencedLines counts lines with a nonzero refCount.
func (p *Page) referencedLines() int {
	n := 0
	for i := range p.lines {
		if p.lines[i].refCount != 0 {
			n++
		}
	}
	return n
}
