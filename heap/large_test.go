package heap

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Split
// ============================================================================

// TestLargeSplit: one free object of 1,000,000 bytes at A; a 100,000 byte
// request returns A and leaves 900,000 free bytes at A+100,000.
func TestLargeSplit(t *testing.T) {
	cfg := testConfig()
	cfg.LargeMax = 1_000_000
	cfg.LargeChunkSize = 1_000_000
	h, v := newTestHeap(t, cfg)

	a, err := h.AllocateLarge(1_000_000)
	require.NoError(t, err)
	h.DeallocateLarge(a)
	require.Equal(t, []Range{{Begin: a, Size: 1_000_000}}, h.FreeLargeRanges())

	got, err := h.AllocateLarge(100_000)
	require.NoError(t, err)
	assert.Equal(t, a, got)
	assert.Equal(t, []Range{{Begin: a + 100_000, Size: 900_000}}, h.FreeLargeRanges())
	assert.Len(t, v.largeAllocs, 1, "served from the free list")
	assert.Equal(t, uint64(1), h.Stats().LargeSplits)
	assertInvariants(t, h)
}

func TestLargeSmallRemainderIsNotSplit(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHeap(t, cfg)

	// Carve [A, A+1536) out of the chunk, then free it.
	a, err := h.AllocateLarge(1536)
	require.NoError(t, err)
	b, err := h.AllocateLarge(cfg.LargeChunkSize - 1536)
	require.NoError(t, err)
	require.Equal(t, a+1536, b)
	h.DeallocateLarge(a)

	// 1536 - 1024 = 512 is not more than LargeMin: the whole object goes.
	got, err := h.AllocateLarge(1024)
	require.NoError(t, err)
	assert.Equal(t, a, got)
	assert.Empty(t, h.FreeLargeRanges())

	h.DeallocateLarge(got)
	assert.Equal(t, []Range{{Begin: a, Size: 1536}}, h.FreeLargeRanges())
	assertInvariants(t, h)
}

func TestLargeBestFit(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHeap(t, cfg)

	// Lay out [x 2048][live 512][y 1024][live 512][z 1024][live rest] and
	// free x, y and z.
	sizes := []uintptr{2048, 512, 1024, 512, 1024}
	var addrs []uintptr
	used := uintptr(0)
	for _, sz := range sizes {
		addr, err := h.AllocateLarge(sz)
		require.NoError(t, err)
		addrs = append(addrs, addr)
		used += sz
	}
	_, err := h.AllocateLarge(cfg.LargeChunkSize - used)
	require.NoError(t, err)
	h.DeallocateLarge(addrs[0])
	h.DeallocateLarge(addrs[2])
	h.DeallocateLarge(addrs[4])
	assertInvariants(t, h)

	got, err := h.AllocateLarge(1024)
	require.NoError(t, err)
	assert.Equal(t, addrs[2], got, "smallest fit, lowest address among equals")

	got, err = h.AllocateLarge(1024)
	require.NoError(t, err)
	assert.Equal(t, addrs[4], got)

	got, err = h.AllocateLarge(1024)
	require.NoError(t, err)
	assert.Equal(t, addrs[0], got)
	assert.Equal(t, []Range{{Begin: addrs[0] + 1024, Size: 1024}}, h.FreeLargeRanges(),
		"the 1024-byte tail is above LargeMin and stays free")
	assertInvariants(t, h)
}

// ============================================================================
// Merge
// ============================================================================

// TestLargeMerge: [A, A+1000) free and [A+1000, A+2000) live; freeing the
// live object leaves a single free entry [A, A+2000).
func TestLargeMerge(t *testing.T) {
	cfg := testConfig()
	cfg.LargeAlignment = 8
	cfg.LargeMin = 512
	cfg.LargeMax = 3000
	cfg.LargeChunkSize = 3000
	h, _ := newTestHeap(t, cfg)

	x, err := h.AllocateLarge(1000)
	require.NoError(t, err)
	y, err := h.AllocateLarge(1000)
	require.NoError(t, err)
	z, err := h.AllocateLarge(1000)
	require.NoError(t, err)
	require.Equal(t, x+1000, y)
	require.Equal(t, y+1000, z)
	assert.Empty(t, h.FreeLargeRanges())

	h.DeallocateLarge(x)
	assert.Equal(t, []Range{{Begin: x, Size: 1000}}, h.FreeLargeRanges())

	h.DeallocateLarge(y)
	assert.Equal(t, []Range{{Begin: x, Size: 2000}}, h.FreeLargeRanges())
	assertInvariants(t, h)

	h.DeallocateLarge(z)
	assert.Equal(t, []Range{{Begin: x, Size: 3000}}, h.FreeLargeRanges())
	assert.Equal(t, uint64(2), h.Stats().LargeMerges)
	assertInvariants(t, h)
}

func TestLargeMergeBothSides(t *testing.T) {
	cfg := testConfig()
	cfg.LargeAlignment = 8
	cfg.LargeMax = 3000
	cfg.LargeChunkSize = 3000
	h, _ := newTestHeap(t, cfg)

	x, _ := h.AllocateLarge(1000)
	y, _ := h.AllocateLarge(1000)
	z, _ := h.AllocateLarge(1000)
	h.DeallocateLarge(x)
	h.DeallocateLarge(z)
	assert.Len(t, h.FreeLargeRanges(), 2)

	h.DeallocateLarge(y)
	assert.Equal(t, []Range{{Begin: x, Size: 3000}}, h.FreeLargeRanges())
	assertInvariants(t, h)
}

func TestLargeNoMergeAcrossChunks(t *testing.T) {
	cfg := testConfig()
	cfg.LargeAlignment = 8
	cfg.LargeMax = 3000
	cfg.LargeChunkSize = 3000
	h, v := newTestHeap(t, cfg)

	a, err := h.AllocateLarge(3000)
	require.NoError(t, err)
	b, err := h.AllocateLarge(3000)
	require.NoError(t, err)
	require.Len(t, v.largeAllocs, 2)
	require.Equal(t, a+3000, b, "the fake VM hands out touching chunks")

	h.DeallocateLarge(a)
	h.DeallocateLarge(b)
	assert.Equal(t, []Range{{Begin: a, Size: 3000}, {Begin: b, Size: 3000}}, h.FreeLargeRanges())
	assertInvariants(t, h)
}

func TestLargeDoubleFree(t *testing.T) {
	h, _ := newTestHeap(t, testConfig())
	a, err := h.AllocateLarge(1024)
	require.NoError(t, err)
	h.DeallocateLarge(a)
	assert.Panics(t, func() { h.DeallocateLarge(a) })
}

func TestLargeBadSize(t *testing.T) {
	h, _ := newTestHeap(t, testConfig())
	assert.Panics(t, func() { _, _ = h.AllocateLarge(256) }, "below LargeMin")
	assert.Panics(t, func() { _, _ = h.AllocateLarge(1000) }, "not a multiple of LargeAlignment")
	assert.Panics(t, func() { _, _ = h.AllocateLarge(128 * kB) }, "above LargeMax")
}

// ============================================================================
// Alignment
// ============================================================================

func TestLargeAligned(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHeap(t, cfg)

	// Misalign the free list: a 1024-byte live object at the chunk start.
	first, err := h.AllocateLarge(1024)
	require.NoError(t, err)

	const alignment = 4 * kB
	size := uintptr(2048)
	got, err := h.AllocateLargeAligned(alignment, size, cfg.LargeMin+alignment+size)
	require.NoError(t, err)
	assert.Zero(t, got%alignment)
	assertInvariants(t, h)

	// The carved prefix is free and at least LargeMin.
	free := h.FreeLargeRanges()
	require.NotEmpty(t, free)
	prefix := free[0]
	assert.Equal(t, first+1024, prefix.Begin)
	assert.Equal(t, got, prefix.End())
	assert.GreaterOrEqual(t, prefix.Size, cfg.LargeMin)

	h.DeallocateLarge(got)
	h.DeallocateLarge(first)
	assert.Len(t, h.FreeLargeRanges(), 1, "everything merged back")
	assertInvariants(t, h)
}

func TestLargeAlignedFromVM(t *testing.T) {
	cfg := testConfig()
	h, v := newTestHeap(t, cfg)

	const alignment = 16 * kB
	got, err := h.AllocateLargeAligned(alignment, 4*kB, cfg.LargeMin+alignment+4*kB)
	require.NoError(t, err)
	assert.Zero(t, got%alignment)
	assert.Len(t, v.largeAllocs, 1)
	assertInvariants(t, h)
}

func TestLargeAlignedBadArguments(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHeap(t, cfg)
	assert.Panics(t, func() { _, _ = h.AllocateLargeAligned(48, 1024, 4096) }, "not a power of two")
	assert.Panics(t, func() { _, _ = h.AllocateLargeAligned(16, 1024, 4096) }, "below LargeAlignment")
	assert.Panics(t, func() { _, _ = h.AllocateLargeAligned(cfg.LargeChunkSize, 1024, 4096) }, "above half a chunk")
	assert.Panics(t, func() { _, _ = h.AllocateLargeAligned(4096, 1024, 1024) }, "unaligned size too small")
}

func TestLargeOutOfMemory(t *testing.T) {
	h, v := newTestHeap(t, testConfig())
	v.fail = true

	_, err := h.AllocateLarge(1024)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfMemory))

	_, err = h.AllocateLargeAligned(4096, 1024, 512+4096+1024)
	assert.True(t, errors.Is(err, ErrOutOfMemory))
	assertInvariants(t, h)
}

// ============================================================================
// Scavenged large objects
// ============================================================================

func TestLargeScavengeAndRecommit(t *testing.T) {
	cfg := testConfig()
	h, v := newTestHeap(t, cfg)

	a, err := h.AllocateLarge(4 * kB)
	require.NoError(t, err)
	h.DeallocateLarge(a)

	h.Scavenge(0)
	require.Len(t, v.largeReleased, 1)
	assert.Equal(t, Range{Begin: a, Size: cfg.LargeChunkSize}, v.largeReleased[0])
	st := h.Stats()
	assert.Equal(t, uint64(cfg.LargeChunkSize), st.LargeFreeBytes)
	assert.Zero(t, st.LargeFreeCommittedBytes)

	// A second pass finds nothing committed.
	h.Scavenge(0)
	assert.Len(t, v.largeReleased, 1)

	got, err := h.AllocateLarge(4 * kB)
	require.NoError(t, err)
	assert.Equal(t, a, got)
	assert.Equal(t, []Range{{Begin: a, Size: 4 * kB}}, v.largeCommitted, "only the kept prefix is recommitted")
	assert.Equal(t, uint64(1), h.Stats().LargeCommits)
	assertInvariants(t, h)
}

// TestMergeWithDecommittedNeighbour frees a committed object next to a
// released one. The union keeps the committed bytes visible to the
// scavenger, which then releases all of it.
func TestMergeWithDecommittedNeighbour(t *testing.T) {
	cfg := testConfig()
	h, v := newTestHeap(t, cfg)

	a, err := h.AllocateLarge(4 * kB)
	require.NoError(t, err)
	h.Scavenge(0) // releases the free tail
	require.Len(t, v.largeReleased, 1)

	h.DeallocateLarge(a)
	assert.Equal(t, []Range{{Begin: a, Size: cfg.LargeChunkSize}}, h.FreeLargeRanges())
	assert.Equal(t, uint64(cfg.LargeChunkSize), h.Stats().LargeFreeCommittedBytes,
		"the union still holds a's committed bytes")

	h.Scavenge(0)
	require.Len(t, v.largeReleased, 2)
	assert.Equal(t, Range{Begin: a, Size: cfg.LargeChunkSize}, v.largeReleased[1])
	assert.Zero(t, h.Stats().LargeFreeCommittedBytes)

	_, err = h.AllocateLarge(cfg.LargeChunkSize)
	require.NoError(t, err)
	assert.Equal(t, []Range{{Begin: a, Size: cfg.LargeChunkSize}}, v.largeCommitted)
	assertInvariants(t, h)
}

// TestFreeNextToScavengedObjectIsReleased frees two neighbours with a
// scavenge in between; the second one's bytes must go back too.
func TestFreeNextToScavengedObjectIsReleased(t *testing.T) {
	cfg := testConfig()
	h, v := newTestHeap(t, cfg)

	a, err := h.AllocateLarge(4 * kB)
	require.NoError(t, err)
	b, err := h.AllocateLarge(4 * kB)
	require.NoError(t, err)
	require.Equal(t, a+4*kB, b)

	h.DeallocateLarge(a)
	h.Scavenge(0)
	assert.Zero(t, h.Stats().LargeFreeCommittedBytes)
	released := len(v.largeReleased)

	h.DeallocateLarge(b)
	require.Equal(t, []Range{{Begin: a, Size: cfg.LargeChunkSize}}, h.FreeLargeRanges())
	h.Scavenge(0)

	require.Greater(t, len(v.largeReleased), released)
	last := v.largeReleased[len(v.largeReleased)-1]
	assert.True(t, last.Contains(b) && last.Contains(b+4*kB-1), "b released by %v", last)
	assert.Zero(t, h.Stats().LargeFreeCommittedBytes)
	assertInvariants(t, h)
}

// TestFreeDuringLargeRelease frees a neighbour while the VM is releasing an
// object. The two are coalesced once the release returns.
func TestFreeDuringLargeRelease(t *testing.T) {
	cfg := testConfig()
	h, v := newTestHeap(t, cfg)

	a, err := h.AllocateLarge(4 * kB)
	require.NoError(t, err)
	b, err := h.AllocateLarge(4 * kB)
	require.NoError(t, err)
	h.DeallocateLarge(a)

	var once sync.Once
	v.onRelease = func(Range) {
		once.Do(func() {
			require.NoError(t, h.CheckInvariants())
			h.DeallocateLarge(b)
		})
	}
	h.Scavenge(0)

	assert.Equal(t, []Range{{Begin: a, Size: cfg.LargeChunkSize}}, h.FreeLargeRanges())
	assert.Zero(t, h.Stats().LargeFreeCommittedBytes)
	assert.False(t, v.releaseHeldLock)
	assertInvariants(t, h)
}

// ============================================================================
// Extra-large
// ============================================================================

// TestXLarge maps 10MB directly: no free list traffic, one registry entry,
// and the unmap runs without the Heap's lock.
func TestXLarge(t *testing.T) {
	cfg := testConfig()
	h, v := newTestHeap(t, cfg)

	const size = 10 * mB
	a, err := h.AllocateXLarge(size)
	require.NoError(t, err)
	assert.Zero(t, a%cfg.SuperChunkSize)
	assert.Equal(t, []Range{{Begin: a, Size: size}}, v.mapped)
	assert.Equal(t, Range{Begin: a, Size: size}, h.FindXLarge(a))
	assert.True(t, h.FindXLarge(a+8).IsZero())
	assert.Empty(t, h.FreeLargeRanges())
	assert.Empty(t, v.largeAllocs)

	st := h.Stats()
	assert.Equal(t, 1, st.XLargeObjects)
	assert.Equal(t, uint64(size), st.XLargeBytes)

	require.NoError(t, h.DeallocateXLarge(a))
	assert.Equal(t, []Range{{Begin: a, Size: size}}, v.unmapped)
	assert.False(t, v.unmapHeldLock)
	assert.True(t, h.FindXLarge(a).IsZero())
	assert.Empty(t, h.XLargeRanges())
	assert.Equal(t, uint64(1), h.Stats().XLargeFreed)
}

func TestXLargeAligned(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHeap(t, cfg)

	a, err := h.AllocateXLargeAligned(1*mB, 12*kB)
	require.NoError(t, err)
	assert.Zero(t, a%mB)

	b, err := h.AllocateXLarge(4 * kB)
	require.NoError(t, err)
	assert.Equal(t, []Range{{Begin: a, Size: 12 * kB}, {Begin: b, Size: 4 * kB}}, h.XLargeRanges())

	assert.Panics(t, func() { _, _ = h.AllocateXLarge(4*kB + 1) })
	assert.Panics(t, func() { _, _ = h.AllocateXLargeAligned(1*kB, 4*kB) })
}

func TestXLargeUnknownAddress(t *testing.T) {
	h, _ := newTestHeap(t, testConfig())
	assert.Panics(t, func() { _ = h.DeallocateXLarge(0x1234000) })

	// The lock was released before the panic.
	assert.True(t, h.FindXLarge(0x1234000).IsZero())
}

func TestXLargeOutOfMemory(t *testing.T) {
	h, v := newTestHeap(t, testConfig())
	v.fail = true
	_, err := h.AllocateXLarge(8 * kB)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfMemory))
	assert.Empty(t, h.XLargeRanges())
}
