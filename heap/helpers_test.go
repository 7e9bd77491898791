package heap

import (
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Geometry
// ============================================================================

// testConfig is a scaled-down geometry: 4 lines of 64 bytes per small page,
// 4 lines of 256 bytes per medium page, and no background scavenger so
// tests drive scavenging explicitly.
func testConfig() Config {
	return Config{
		Alignment:           8,
		SmallMax:            64,
		SmallLineSize:       64,
		SmallPageSize:       256,
		MediumMax:           256,
		MediumLineSize:      256,
		MediumPageSize:      1024,
		LargeAlignment:      32,
		LargeMin:            512,
		LargeMax:            64 * kB,
		LargeChunkSize:      64 * kB,
		XLargeAlignment:     4 * kB,
		SuperChunkSize:      64 * kB,
		ScavengeSleep:       time.Millisecond,
		BackgroundScavenger: false,
	}
}

// ============================================================================
// Fake VM
// ============================================================================

var errFakeExhausted = errors.New("fake vm exhausted")

// fakeVM hands out synthetic, never dereferenced addresses and records every
// call the Heap makes. Release calls run without the Heap's lock, so the
// recorded state has its own mutex.
type fakeVM struct {
	mu   sync.Mutex
	cfg  Config
	h    *Heap
	next uintptr
	fail bool

	// decommitted pages the VM hands out again before reserving new ones.
	smallPages  []uintptr
	mediumPages []uintptr

	smallAllocs, mediumAllocs int
	largeAllocs               []Range
	largeReleased             []Range
	largeCommitted            []Range
	scavengedSmall            []uintptr
	scavengedMedium           []uintptr
	mapped                    []Range
	unmapped                  []Range

	// Set when a release or unmap ran with the Heap's lock held.
	releaseHeldLock bool
	unmapHeldLock   bool

	// onRelease, when set, runs after every large release with no lock held.
	onRelease func(Range)
}

func newFakeVM(cfg Config) *fakeVM {
	return &fakeVM{cfg: cfg, next: 1 << 32}
}

// heapLocked reports whether someone holds the Heap's lock.
func (f *fakeVM) heapLocked() bool {
	if f.h == nil {
		return false
	}
	if f.h.mu.TryLock() {
		f.h.mu.Unlock()
		return false
	}
	return true
}

func (f *fakeVM) reserve(alignment, size uintptr) (uintptr, error) {
	if f.fail {
		return 0, errFakeExhausted
	}
	begin := roundUpToMultipleOf(alignment, f.next)
	f.next = begin + size
	return begin, nil
}

func (f *fakeVM) AllocateSmallPage() (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.smallAllocs++
	if n := len(f.smallPages); n > 0 && !f.fail {
		p := f.smallPages[n-1]
		f.smallPages = f.smallPages[:n-1]
		return p, nil
	}
	return f.reserve(f.cfg.SmallPageSize, f.cfg.SmallPageSize)
}

func (f *fakeVM) AllocateMediumPage() (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mediumAllocs++
	if n := len(f.mediumPages); n > 0 && !f.fail {
		p := f.mediumPages[n-1]
		f.mediumPages = f.mediumPages[:n-1]
		return p, nil
	}
	return f.reserve(f.cfg.MediumPageSize, f.cfg.MediumPageSize)
}

func (f *fakeVM) AllocateLargeObject(size uintptr) (Range, error) {
	return f.AllocateLargeObjectAligned(f.cfg.LargeAlignment, size, size)
}

func (f *fakeVM) AllocateLargeObjectAligned(alignment, size, _ uintptr) (Range, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	size = max(size, f.cfg.LargeChunkSize)
	begin, err := f.reserve(alignment, size)
	if err != nil {
		return Range{}, err
	}
	r := Range{Begin: begin, Size: size}
	f.largeAllocs = append(f.largeAllocs, r)
	return r, nil
}

func (f *fakeVM) DeallocateSmallPage(begin uintptr) {
	held := f.heapLocked()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseHeldLock = f.releaseHeldLock || held
	f.scavengedSmall = append(f.scavengedSmall, begin)
	f.smallPages = append(f.smallPages, begin)
}

func (f *fakeVM) DeallocateMediumPage(begin uintptr) {
	held := f.heapLocked()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseHeldLock = f.releaseHeldLock || held
	f.scavengedMedium = append(f.scavengedMedium, begin)
	f.mediumPages = append(f.mediumPages, begin)
}

func (f *fakeVM) DeallocateLargeObject(r Range) {
	held := f.heapLocked()
	f.mu.Lock()
	f.releaseHeldLock = f.releaseHeldLock || held
	f.largeReleased = append(f.largeReleased, r)
	hook := f.onRelease
	f.mu.Unlock()
	if hook != nil {
		hook(r)
	}
}

func (f *fakeVM) CommitLargeObject(r Range) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.largeCommitted = append(f.largeCommitted, r)
}

func (f *fakeVM) Allocate(alignment, size uintptr) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	begin, err := f.reserve(alignment, size)
	if err != nil {
		return 0, err
	}
	f.mapped = append(f.mapped, Range{Begin: begin, Size: size})
	return begin, nil
}

func (f *fakeVM) Deallocate(begin, size uintptr) error {
	held := f.heapLocked()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmapHeldLock = f.unmapHeldLock || held
	f.unmapped = append(f.unmapped, Range{Begin: begin, Size: size})
	return nil
}

// releases returns how many large releases the VM has seen.
func (f *fakeVM) releases() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.largeReleased)
}

// newTestHeap returns a Heap over a fresh fakeVM.
func newTestHeap(t testing.TB, cfg Config) (*Heap, *fakeVM) {
	t.Helper()
	v := newFakeVM(cfg)
	h, err := New(v, cfg)
	require.NoError(t, err)
	v.h = h
	t.Cleanup(h.Close)
	return h, v
}

// ============================================================================
// Front end
// ============================================================================

// testAllocator is a minimal per-class bump front end over a Heap.
type testAllocator struct {
	t      testing.TB
	h      *Heap
	bumps  map[int]*BumpAllocator
	caches map[int]*BumpRangeCache
}

func newTestAllocator(t testing.TB, h *Heap) *testAllocator {
	return &testAllocator{
		t:      t,
		h:      h,
		bumps:  make(map[int]*BumpAllocator),
		caches: make(map[int]*BumpRangeCache),
	}
}

// malloc returns one small or medium object of size bytes.
func (a *testAllocator) malloc(size uintptr) uintptr {
	a.t.Helper()
	cfg := a.h.Config()
	sc := cfg.SizeClass(size)
	bump := a.bumps[sc]
	if bump == nil {
		bump = &BumpAllocator{}
		bump.Init(cfg.ObjectSize(sc))
		a.bumps[sc] = bump
		a.caches[sc] = &BumpRangeCache{}
	}
	if !bump.CanAllocate() {
		cache := a.caches[sc]
		if cache.Len() == 0 {
			var err error
			if size <= cfg.SmallMax {
				err = a.h.RefillSmallBumpRangeCache(sc, cache)
			} else {
				err = a.h.RefillMediumBumpRangeCache(sc, cache)
			}
			require.NoError(a.t, err)
		}
		bump.Refill(cache.Pop())
	}
	return bump.Allocate()
}

// flush returns every cached, unallocated object to the Heap.
func (a *testAllocator) flush() {
	for sc, bump := range a.bumps {
		size := bump.Size()
		a.h.DeallocateBumpRange(bump.Clear(), size)
		cache := a.caches[sc]
		for cache.Len() > 0 {
			a.h.DeallocateBumpRange(cache.Pop(), size)
		}
	}
}

// ============================================================================
// Assertions
// ============================================================================

func assertInvariants(t testing.TB, h *Heap) {
	t.Helper()
	require.NoError(t, h.CheckInvariants())
}

// pageOf returns the page holding addr, failing the test if there is none.
func pageOf(t testing.TB, h *Heap, addr uintptr) *Page {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if p := h.small.lookup(addr); p != nil {
		return p
	}
	p := h.medium.lookup(addr)
	require.NotNil(t, p, "no page holds %#x", addr)
	return p
}
