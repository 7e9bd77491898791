package vm

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/heapkit/heap"
	"github.com/joshuapare/heapkit/internal/logger"
)

// OS is a VM layer over real memory obtained from the operating system.
// Released pages and large objects keep their address space; their physical
// pages are returned to the system and come back zeroed on next touch.
type OS struct {
	mu  sync.Mutex
	cfg heap.Config

	small, medium, large carver

	smallPages, mediumPages []uintptr

	// regions holds every mapping, keyed by the aligned address handed out.
	regions  map[uintptr]region
	reserved uint64

	decommitted intervals
}

// region is one OS mapping. data is exactly what the system returned and
// what must be handed back to unmap it.
type region struct {
	data []byte
	size uintptr
}

// NewOS returns an OS laid out for cfg.
func NewOS(cfg heap.Config) *OS {
	return &OS{
		cfg:     cfg,
		regions: make(map[uintptr]region),
	}
}

// mapAligned maps size bytes at alignment. The mapping is over-allocated by
// alignment and the aligned address inside it is returned.
func (o *OS) mapAligned(alignment, size uintptr) (uintptr, error) {
	pad := uintptr(0)
	if alignment > uintptr(sysPageSize) {
		pad = alignment
	}
	data, err := sysMap(size + pad)
	if err != nil {
		return 0, errors.Wrapf(err, "vm: mapping %d bytes", size+pad)
	}
	begin := roundUp(alignment, uintptr(unsafe.Pointer(unsafe.SliceData(data))))
	o.regions[begin] = region{data: data, size: size}
	o.reserved += uint64(len(data))
	return begin, nil
}

func (o *OS) carve(c *carver, alignment, n uintptr) (uintptr, error) {
	if n > o.cfg.SuperChunkSize {
		return o.mapAligned(alignment, n)
	}
	if begin, ok := c.take(alignment, n); ok {
		return begin, nil
	}
	begin, err := o.mapAligned(o.cfg.SuperChunkSize, o.cfg.SuperChunkSize)
	if err != nil {
		return 0, err
	}
	logger.Debug("vm: superchunk mapped", "begin", begin, logger.Bytes("size", uint64(o.cfg.SuperChunkSize)))
	c.reset(heap.Range{Begin: begin, Size: o.cfg.SuperChunkSize})
	begin, _ = c.take(alignment, n)
	return begin, nil
}

func (o *OS) page(c *carver, pool *[]uintptr, pageSize uintptr) (uintptr, error) {
	if n := len(*pool); n > 0 {
		begin := (*pool)[n-1]
		*pool = (*pool)[:n-1]
		o.decommitted.remove(heap.Range{Begin: begin, Size: pageSize})
		return begin, nil
	}
	return o.carve(c, pageSize, pageSize)
}

// releaseMemory is sysRelease, swapped out by tests.
var releaseMemory = sysRelease

// release returns the physical pages fully inside r to the system. A failed
// release leaves the pages resident; it is logged and otherwise ignored,
// since the memory stays valid either way.
func (o *OS) release(r heap.Range) {
	ps := uintptr(sysPageSize)
	begin, end := roundUp(ps, r.Begin), r.End()&^(ps-1)
	if begin < end {
		if err := releaseMemory(bytesAt(begin, end-begin)); err != nil {
			logger.Warn("vm: release failed",
				"begin", begin, logger.Bytes("size", uint64(end-begin)), "err", err)
			return
		}
	}
	o.decommitted.add(r)
}

// bytesAt views mapped memory outside the Go heap as a byte slice.
func bytesAt(begin, n uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(begin)), n) //nolint:govet // memory is mapped, not Go-managed
}

// AllocateSmallPage implements heap.VMHeap.
func (o *OS) AllocateSmallPage() (uintptr, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.page(&o.small, &o.smallPages, o.cfg.SmallPageSize)
}

// AllocateMediumPage implements heap.VMHeap.
func (o *OS) AllocateMediumPage() (uintptr, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.page(&o.medium, &o.mediumPages, o.cfg.MediumPageSize)
}

// AllocateLargeObject implements heap.VMHeap.
func (o *OS) AllocateLargeObject(size uintptr) (heap.Range, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := largeChunkSize(o.cfg, size)
	begin, err := o.carve(&o.large, o.cfg.LargeAlignment, n)
	if err != nil {
		return heap.Range{}, err
	}
	return heap.Range{Begin: begin, Size: n}, nil
}

// AllocateLargeObjectAligned implements heap.VMHeap.
func (o *OS) AllocateLargeObjectAligned(alignment, size, _ uintptr) (heap.Range, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := largeChunkSize(o.cfg, size)
	begin, err := o.carve(&o.large, alignment, n)
	if err != nil {
		return heap.Range{}, err
	}
	return heap.Range{Begin: begin, Size: n}, nil
}

// DeallocateSmallPage implements heap.VMHeap.
func (o *OS) DeallocateSmallPage(begin uintptr) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.release(heap.Range{Begin: begin, Size: o.cfg.SmallPageSize})
	o.smallPages = append(o.smallPages, begin)
}

// DeallocateMediumPage implements heap.VMHeap.
func (o *OS) DeallocateMediumPage(begin uintptr) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.release(heap.Range{Begin: begin, Size: o.cfg.MediumPageSize})
	o.mediumPages = append(o.mediumPages, begin)
}

// DeallocateLargeObject implements heap.VMHeap.
func (o *OS) DeallocateLargeObject(r heap.Range) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.release(r)
}

// CommitLargeObject implements heap.VMHeap. Released anonymous memory is
// faulted back in on first touch, so only the accounting changes.
func (o *OS) CommitLargeObject(r heap.Range) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decommitted.remove(r)
}

// Allocate implements heap.VMHeap.
func (o *OS) Allocate(alignment, size uintptr) (uintptr, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mapAligned(alignment, size)
}

// Deallocate implements heap.VMHeap.
func (o *OS) Deallocate(begin, size uintptr) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	reg, ok := o.regions[begin]
	if !ok || reg.size != size {
		return errors.Newf("vm: no mapping of %d bytes at %#x", size, begin)
	}
	delete(o.regions, begin)
	o.reserved -= uint64(len(reg.data))
	o.decommitted.remove(heap.Range{Begin: begin, Size: size})
	return errors.Wrapf(sysUnmap(reg.data), "vm: unmapping %d bytes at %#x", size, begin)
}

// Close unmaps everything. No address handed out before remains valid.
func (o *OS) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var errs error
	for begin, reg := range o.regions {
		errs = errors.CombineErrors(errs, sysUnmap(reg.data))
		delete(o.regions, begin)
	}
	o.reserved = 0
	o.decommitted = intervals{}
	o.small, o.medium, o.large = carver{}, carver{}, carver{}
	o.smallPages, o.mediumPages = nil, nil
	return errs
}

// Committed implements heap.VMStats: mapped bytes minus released bytes.
func (o *OS) Committed() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reserved - min(o.reserved, o.decommitted.total)
}

// Reserved implements heap.VMStats.
func (o *OS) Reserved() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reserved
}
