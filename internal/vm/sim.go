package vm

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/heapkit/heap"
)

// simBase is the first synthetic address. It is far from zero so that a
// stray zero address is never mistaken for an allocation.
const simBase uintptr = 0x1000_0000

// Sim is a VM layer over a synthetic address space. Addresses are
// deterministic for a given call sequence and are never backed by memory, so
// they must not be dereferenced.
type Sim struct {
	mu  sync.Mutex
	cfg heap.Config

	next     uintptr
	limit    uint64
	reserved uint64

	small, medium, large carver

	// Decommitted pages handed out again before carving new ones.
	smallPages, mediumPages []uintptr

	decommitted intervals
	mappings    map[uintptr]uintptr

	calls SimCalls
}

// SimCalls counts the calls a Sim has served.
type SimCalls struct {
	SmallPages, MediumPages       int
	LargeObjects                  int
	ReleasedSmall, ReleasedMedium int
	ReleasedLarge, CommittedLarge int
	Mapped, Unmapped              int
	SuperChunks                   int
}

// SimOption configures a Sim.
type SimOption func(*Sim)

// WithLimit caps the bytes of address space the Sim may reserve. Requests
// beyond it fail with ErrExhausted.
func WithLimit(bytes uint64) SimOption {
	return func(s *Sim) { s.limit = bytes }
}

// NewSim returns a Sim laid out for cfg.
func NewSim(cfg heap.Config, opts ...SimOption) *Sim {
	s := &Sim{
		cfg:      cfg,
		next:     simBase,
		mappings: make(map[uintptr]uintptr),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sim) reserve(alignment, size uintptr) (heap.Range, error) {
	if s.limit != 0 && s.reserved+uint64(size) > s.limit {
		return heap.Range{}, errors.Wrapf(ErrExhausted, "reserving %d bytes with %d of %d in use", size, s.reserved, s.limit)
	}
	begin := roundUp(max(alignment, s.cfg.SuperChunkSize), s.next)
	s.next = begin + size
	s.reserved += uint64(size)
	return heap.Range{Begin: begin, Size: size}, nil
}

func (s *Sim) carve(c *carver, alignment, n uintptr) (uintptr, error) {
	if n > s.cfg.SuperChunkSize {
		r, err := s.reserve(alignment, n)
		if err != nil {
			return 0, err
		}
		s.calls.SuperChunks++
		return r.Begin, nil
	}
	if begin, ok := c.take(alignment, n); ok {
		return begin, nil
	}
	r, err := s.reserve(s.cfg.SuperChunkSize, s.cfg.SuperChunkSize)
	if err != nil {
		return 0, err
	}
	s.calls.SuperChunks++
	c.reset(r)
	begin, _ := c.take(alignment, n)
	return begin, nil
}

func (s *Sim) page(c *carver, pool *[]uintptr, pageSize uintptr) (uintptr, error) {
	if n := len(*pool); n > 0 {
		begin := (*pool)[n-1]
		*pool = (*pool)[:n-1]
		s.decommitted.remove(heap.Range{Begin: begin, Size: pageSize})
		return begin, nil
	}
	return s.carve(c, pageSize, pageSize)
}

// AllocateSmallPage implements heap.VMHeap.
func (s *Sim) AllocateSmallPage() (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.SmallPages++
	return s.page(&s.small, &s.smallPages, s.cfg.SmallPageSize)
}

// AllocateMediumPage implements heap.VMHeap.
func (s *Sim) AllocateMediumPage() (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.MediumPages++
	return s.page(&s.medium, &s.mediumPages, s.cfg.MediumPageSize)
}

// AllocateLargeObject implements heap.VMHeap.
func (s *Sim) AllocateLargeObject(size uintptr) (heap.Range, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.LargeObjects++
	n := largeChunkSize(s.cfg, size)
	begin, err := s.carve(&s.large, s.cfg.LargeAlignment, n)
	if err != nil {
		return heap.Range{}, err
	}
	return heap.Range{Begin: begin, Size: n}, nil
}

// AllocateLargeObjectAligned implements heap.VMHeap. The chunk it returns
// begins at the requested alignment.
func (s *Sim) AllocateLargeObjectAligned(alignment, size, _ uintptr) (heap.Range, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.LargeObjects++
	n := largeChunkSize(s.cfg, size)
	begin, err := s.carve(&s.large, alignment, n)
	if err != nil {
		return heap.Range{}, err
	}
	return heap.Range{Begin: begin, Size: n}, nil
}

// DeallocateSmallPage implements heap.VMHeap.
func (s *Sim) DeallocateSmallPage(begin uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.ReleasedSmall++
	s.smallPages = append(s.smallPages, begin)
	s.decommitted.add(heap.Range{Begin: begin, Size: s.cfg.SmallPageSize})
}

// DeallocateMediumPage implements heap.VMHeap.
func (s *Sim) DeallocateMediumPage(begin uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.ReleasedMedium++
	s.mediumPages = append(s.mediumPages, begin)
	s.decommitted.add(heap.Range{Begin: begin, Size: s.cfg.MediumPageSize})
}

// DeallocateLargeObject implements heap.VMHeap.
func (s *Sim) DeallocateLargeObject(r heap.Range) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.ReleasedLarge++
	s.decommitted.add(r)
}

// CommitLargeObject implements heap.VMHeap.
func (s *Sim) CommitLargeObject(r heap.Range) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.CommittedLarge++
	s.decommitted.remove(r)
}

// Allocate implements heap.VMHeap.
func (s *Sim) Allocate(alignment, size uintptr) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.reserve(alignment, size)
	if err != nil {
		return 0, err
	}
	s.calls.Mapped++
	s.mappings[r.Begin] = r.Size
	return r.Begin, nil
}

// Deallocate implements heap.VMHeap.
func (s *Sim) Deallocate(begin, size uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mapped, ok := s.mappings[begin]
	if !ok || mapped != size {
		return errors.Newf("vm: no mapping of %d bytes at %#x", size, begin)
	}
	delete(s.mappings, begin)
	s.calls.Unmapped++
	s.reserved -= uint64(size)
	s.decommitted.remove(heap.Range{Begin: begin, Size: size})
	return nil
}

// Committed implements heap.VMStats.
func (s *Sim) Committed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserved - s.decommitted.total
}

// Reserved implements heap.VMStats.
func (s *Sim) Reserved() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserved
}

// Calls returns the call counters.
func (s *Sim) Calls() SimCalls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
