package heap

import (
	"sync"
	"sync/atomic"

	"github.com/joshuapare/heapkit/internal/logger"
	"github.com/joshuapare/heapkit/internal/scavenger"
)

// Heap is a process-wide, multi-size-class memory manager. It hands out
// small and medium objects as bump ranges carved from line-partitioned pages,
// large objects from a best-fit free list with split and merge, and maps
// extra-large objects directly.
//
// All methods are safe for concurrent use. One mutex guards the whole Heap.
type Heap struct {
	mu  sync.Mutex
	cfg Config
	vm  VMHeap

	small  pageHeap
	medium pageHeap

	largeObjects  freeList
	largeTags     boundaryTags
	xLargeObjects xLargeRegistry

	// isAllocatingPages is set whenever the Heap escalates to the VM layer
	// and cleared by the scavenger, which backs off when it finds it set.
	isAllocatingPages bool

	scavenger *scavenger.Scavenger
	phase     atomic.Int32
	counters  counters
}

// pageHeap is the per-kind state of the size-class page allocator.
type pageHeap struct {
	kind      PageKind
	pageSize  uintptr
	lineSize  uintptr
	lineCount int
	shift     uint

	// metadata is indexed by size class, then line.
	metadata [][]LineMetadata

	// table maps every page ever handed out by the VM, keyed by
	// begin >> shift.
	table map[uintptr]*Page

	// free holds pages with no referenced line.
	free []*Page

	// withFreeLines holds, per size class, pages that went from full to
	// having a free line. Entries may be stale and are validated on pop.
	withFreeLines [][]*Page
}

func newPageHeap(cfg Config, kind PageKind) pageHeap {
	ph := pageHeap{
		kind:          kind,
		shift:         cfg.PageShift(kind),
		metadata:      buildLineMetadata(cfg, kind),
		table:         make(map[uintptr]*Page),
		withFreeLines: make([][]*Page, cfg.NumClasses()),
	}
	if kind == SmallPage {
		ph.pageSize, ph.lineSize, ph.lineCount = cfg.SmallPageSize, cfg.SmallLineSize, cfg.SmallLineCount()
	} else {
		ph.pageSize, ph.lineSize, ph.lineCount = cfg.MediumPageSize, cfg.MediumLineSize, cfg.MediumLineCount()
	}
	return ph
}

// lookup returns the page holding addr, or nil.
func (ph *pageHeap) lookup(addr uintptr) *Page {
	return ph.table[addr>>ph.shift]
}

// New returns a Heap drawing memory from vm. The scavenger goroutine, if
// enabled, starts on the first request.
func New(vm VMHeap, cfg Config) (*Heap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Heap{
		cfg:       cfg,
		vm:        vm,
		small:     newPageHeap(cfg, SmallPage),
		medium:    newPageHeap(cfg, MediumPage),
		largeTags: newBoundaryTags(),
	}
	h.scavenger = scavenger.New(h.concurrentScavenge,
		scavenger.WithBackground(cfg.BackgroundScavenger))

	logger.Debug("heap: created",
		logger.Bytes("small_page", uint64(cfg.SmallPageSize)),
		logger.Bytes("medium_page", uint64(cfg.MediumPageSize)),
		logger.Bytes("large_chunk", uint64(cfg.LargeChunkSize)),
		"classes", cfg.NumClasses(),
		"background_scavenger", cfg.BackgroundScavenger)
	return h, nil
}

// Close stops the background scavenger. Memory held by the Heap is not
// returned; that belongs to the VM layer.
func (h *Heap) Close() {
	h.scavenger.Close()
}

// Config returns the Heap's geometry.
func (h *Heap) Config() Config { return h.cfg }

// LineMetadata returns a copy of the line layout for sizeClass.
func (h *Heap) LineMetadata(sizeClass int) []LineMetadata {
	ph := h.pageHeapFor(sizeClass)
	return append([]LineMetadata(nil), ph.metadata[sizeClass]...)
}

func (h *Heap) pageHeapFor(sizeClass int) *pageHeap {
	assertf(sizeClass >= 0 && sizeClass < h.cfg.NumClasses(), "size class %d out of range", sizeClass)
	if sizeClass < h.cfg.NumSmallClasses() {
		return &h.small
	}
	return &h.medium
}

// RefillSmallBumpRangeCache fills the empty cache with bump ranges of small
// size class sizeClass from one page.
func (h *Heap) RefillSmallBumpRangeCache(sizeClass int, cache *BumpRangeCache) error {
	assertf(sizeClass >= 0 && sizeClass < h.cfg.NumSmallClasses(), "size class %d is not small", sizeClass)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refill(&h.small, sizeClass, cache)
}

// RefillMediumBumpRangeCache fills the empty cache with bump ranges of
// medium size class sizeClass from one page.
func (h *Heap) RefillMediumBumpRangeCache(sizeClass int, cache *BumpRangeCache) error {
	assertf(sizeClass >= h.cfg.NumSmallClasses() && sizeClass < h.cfg.NumClasses(),
		"size class %d is not medium", sizeClass)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refill(&h.medium, sizeClass, cache)
}

func (h *Heap) refill(ph *pageHeap, sizeClass int, cache *BumpRangeCache) error {
	assertf(cache.Len() == 0, "refill of non-empty bump range cache")

	p, err := h.allocatePage(ph, sizeClass)
	if err != nil {
		return err
	}

	md := ph.metadata[sizeClass]
	end := int(p.capacity)
	for i := 0; i < end; {
		if p.lines[i].refCount != 0 {
			i++
			continue
		}
		begin := p.lineBegin(i) + uintptr(md[i].StartOffset)
		var objectCount uint16
		for ; i < end && p.lines[i].refCount == 0; i++ {
			objectCount += md[i].ObjectCount
			p.lines[i].ref(md[i].ObjectCount)
			p.ref()
		}
		cache.Push(BumpRange{Begin: begin, ObjectCount: objectCount})
	}
	assertf(cache.Len() > 0, "%s page %#x has no free line", ph.kind, p.begin)
	return nil
}

// allocatePage returns a page of sizeClass with at least one free line.
func (h *Heap) allocatePage(ph *pageHeap, sizeClass int) (*Page, error) {
	bucket := ph.withFreeLines[sizeClass]
	for len(bucket) > 0 {
		p := bucket[len(bucket)-1]
		bucket[len(bucket)-1] = nil
		bucket = bucket[:len(bucket)-1]
		// Skip pages that emptied and moved to the free pool, were retagged
		// for another class, or filled up again since they were pushed.
		if p.refCount == 0 || p.sizeClass != sizeClass || p.refCount >= p.capacity {
			continue
		}
		ph.withFreeLines[sizeClass] = bucket
		return p, nil
	}
	ph.withFreeLines[sizeClass] = bucket

	h.isAllocatingPages = true

	var p *Page
	if n := len(ph.free); n > 0 {
		p = ph.free[n-1]
		ph.free[n-1] = nil
		ph.free = ph.free[:n-1]
	} else {
		var err error
		if p, err = h.newPage(ph); err != nil {
			return nil, err
		}
	}
	p.tag(sizeClass, ph.metadata[sizeClass])
	return p, nil
}

// newPage asks the VM for a page. Addresses the VM hands out again after a
// scavenge map back to their existing Page.
func (h *Heap) newPage(ph *pageHeap) (*Page, error) {
	var (
		begin uintptr
		err   error
	)
	if ph.kind == SmallPage {
		begin, err = h.vm.AllocateSmallPage()
		h.counters.smallPagesAllocated++
	} else {
		begin, err = h.vm.AllocateMediumPage()
		h.counters.mediumPagesAllocated++
	}
	if err != nil {
		return nil, outOfMemory(err, "allocating %s page", ph.kind)
	}
	assertf(begin != 0 && begin&(ph.pageSize-1) == 0, "%s page %#x is not page aligned", ph.kind, begin)

	key := begin >> ph.shift
	p := ph.table[key]
	if p == nil {
		p = newPage(ph.kind, begin, ph.lineSize, ph.lineCount)
		ph.table[key] = p
	}
	assertf(p.refCount == 0, "VM returned live %s page %#x", ph.kind, begin)
	logger.Debug("heap: page from vm", "kind", ph.kind.String(), "begin", begin)
	return p, nil
}

// DeallocateSmall frees the small object at addr.
func (h *Heap) DeallocateSmall(addr uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deallocateObject(&h.small, addr)
}

// DeallocateMedium frees the medium object at addr.
func (h *Heap) DeallocateMedium(addr uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deallocateObject(&h.medium, addr)
}

// DeallocateBumpRange frees every object of r. Allocators use it to hand
// back the unused tail of their caches.
func (h *Heap) DeallocateBumpRange(r BumpRange, objectSize uintptr) {
	if r.ObjectCount == 0 {
		return
	}
	ph := &h.small
	if objectSize > h.cfg.SmallMax {
		ph = &h.medium
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := uintptr(0); i < uintptr(r.ObjectCount); i++ {
		h.deallocateObject(ph, r.Begin+i*objectSize)
	}
}

// deallocateObject drops the reference the object at addr holds on the line
// its first byte lies in.
func (h *Heap) deallocateObject(ph *pageHeap, addr uintptr) {
	p := ph.lookup(addr)
	assertf(p != nil, "%#x is not in a %s page", addr, ph.kind)
	if p.lines[p.lineIndex(addr)].deref() {
		h.deallocateLine(ph, p)
	}
}

// deallocateLine records that one of p's lines became empty.
func (h *Heap) deallocateLine(ph *pageHeap, p *Page) {
	before := p.refCount
	p.deref()
	switch before {
	case 1:
		ph.free = append(ph.free, p)
		h.requestScavenge()
	case p.capacity:
		ph.withFreeLines[p.sizeClass] = append(ph.withFreeLines[p.sizeClass], p)
	}
}

func (h *Heap) requestScavenge() {
	h.counters.scavengeRequests++
	h.scavenger.Run()
}

// Deallocate frees the object at addr, whatever its kind. Extra-large
// objects are unmapped with the lock released.
func (h *Heap) Deallocate(addr uintptr) error {
	h.mu.Lock()
	small, medium := h.small.lookup(addr), h.medium.lookup(addr)
	if small == nil && medium == nil && h.largeTags.lookup(addr) == nil {
		return h.deallocateXLarge(addr)
	}
	defer h.mu.Unlock()

	switch {
	case small != nil:
		h.deallocateObject(&h.small, addr)
	case medium != nil:
		h.deallocateObject(&h.medium, addr)
	default:
		h.deallocateLarge(addr)
	}
	return nil
}
