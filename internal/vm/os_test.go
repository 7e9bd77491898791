package vm

import (
	"bytes"
	"log/slog"
	"runtime"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/heapkit/heap"
	"github.com/joshuapare/heapkit/internal/logger"
)

func TestOSPagesAreUsable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping mapping test in short mode")
	}
	cfg := heap.DefaultConfig
	o := NewOS(cfg)
	t.Cleanup(func() { require.NoError(t, o.Close()) })

	p, err := o.AllocateSmallPage()
	require.NoError(t, err)
	assert.Zero(t, p%cfg.SmallPageSize)

	page := bytesAt(p, cfg.SmallPageSize)
	for i := range page {
		page[i] = 0xab
	}
	assert.Equal(t, byte(0xab), page[len(page)-1])

	o.DeallocateSmallPage(p)
	again, err := o.AllocateSmallPage()
	require.NoError(t, err)
	assert.Equal(t, p, again)
	if runtime.GOOS == "linux" {
		assert.Zero(t, bytesAt(again, cfg.SmallPageSize)[0], "released memory reads back as zero")
	}
}

func TestOSLargeAndMappings(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping mapping test in short mode")
	}
	cfg := heap.DefaultConfig
	o := NewOS(cfg)
	t.Cleanup(func() { require.NoError(t, o.Close()) })

	r, err := o.AllocateLargeObject(64 * 1024)
	require.NoError(t, err)
	assert.Equal(t, cfg.LargeChunkSize, r.Size)
	bytesAt(r.Begin, r.Size)[r.Size-1] = 1

	before := o.Committed()
	o.DeallocateLargeObject(r)
	assert.Equal(t, before-uint64(r.Size), o.Committed())
	o.CommitLargeObject(r)
	assert.Equal(t, before, o.Committed())

	x, err := o.Allocate(cfg.SuperChunkSize, 4<<20)
	require.NoError(t, err)
	assert.Zero(t, x%cfg.SuperChunkSize)
	bytesAt(x, 4<<20)[4<<20-1] = 1

	reserved := o.Reserved()
	require.NoError(t, o.Deallocate(x, 4<<20))
	assert.Less(t, o.Reserved(), reserved)
	assert.Error(t, o.Deallocate(x, 4<<20))
}

func TestOSFailedReleaseIsLogged(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping mapping test in short mode")
	}
	var buf bytes.Buffer
	logger.Init(logger.Options{Enabled: true, Writer: &buf, Level: slog.LevelWarn})
	releaseMemory = func([]byte) error { return errors.New("madvise: invalid argument") }
	t.Cleanup(func() {
		releaseMemory = sysRelease
		logger.Init(logger.Options{})
	})

	o := NewOS(heap.DefaultConfig)
	t.Cleanup(func() { require.NoError(t, o.Close()) })

	r, err := o.AllocateLargeObject(64 * 1024)
	require.NoError(t, err)
	before := o.Committed()
	o.DeallocateLargeObject(r)

	assert.Equal(t, before, o.Committed(), "pages that were not released still count")
	assert.Contains(t, buf.String(), "vm: release failed")
	assert.Contains(t, buf.String(), "madvise: invalid argument")
}

func TestOSUnderHeap(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping mapping test in short mode")
	}
	cfg := heap.DefaultConfig
	cfg.BackgroundScavenger = false
	o := NewOS(cfg)
	h, err := heap.New(o, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		h.Close()
		require.NoError(t, o.Close())
	})

	var cache heap.BumpRangeCache
	require.NoError(t, h.RefillSmallBumpRangeCache(cfg.SizeClass(64), &cache))
	r := cache.Pop()
	mem := bytesAt(r.Begin, uintptr(r.ObjectCount)*64)
	for i := range mem {
		mem[i] = byte(i)
	}
	for i := uintptr(0); i < uintptr(r.ObjectCount); i++ {
		h.DeallocateSmall(r.Begin + i*64)
	}
	h.Scavenge(0)
	assert.Equal(t, uint64(1), h.Stats().ScavengedSmallPages)
	require.NoError(t, h.CheckInvariants())
}
