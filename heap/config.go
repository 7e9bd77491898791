package heap

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cznic/mathutil"
)

const (
	kB = 1024
	mB = 1024 * kB
)

// Config defines the heap geometry. Every size is in bytes.
//
// Small and medium objects are served from pages split into lines; objects of
// a class may straddle a line boundary but never the end of a page. Large
// objects are carved out of large chunks. Anything above LargeMax is mapped
// directly as an extra-large object.
type Config struct {
	// Alignment is the size-class granule. Must be a power of two.
	Alignment uintptr

	SmallMax      uintptr // largest small object, <= SmallLineSize
	SmallLineSize uintptr
	SmallPageSize uintptr // power of two, multiple of SmallLineSize

	MediumMax      uintptr // largest medium object, <= MediumLineSize
	MediumLineSize uintptr
	MediumPageSize uintptr // power of two, multiple of MediumLineSize

	LargeAlignment uintptr // power of two, >= Alignment
	LargeMin       uintptr // smallest large object and smallest split remainder
	LargeMax       uintptr // largest large object, <= LargeChunkSize
	LargeChunkSize uintptr // unit of large address space requested from the VM

	XLargeAlignment uintptr // extra-large sizes are rounded to this granule
	SuperChunkSize  uintptr // VM reservation unit, default extra-large alignment

	// ScavengeSleep is the pause between scavenge passes and the back-off
	// applied when an allocation burst is detected.
	ScavengeSleep time.Duration

	// BackgroundScavenger starts a goroutine that scavenges after frees.
	// When false, scavenge requests are only counted and Scavenge must be
	// called explicitly.
	BackgroundScavenger bool
}

// DefaultConfig mirrors a 4KB virtual page system.
var DefaultConfig = Config{
	Alignment:           8,
	SmallMax:            256,
	SmallLineSize:       256,
	SmallPageSize:       4 * kB,
	MediumMax:           1 * kB,
	MediumLineSize:      1 * kB,
	MediumPageSize:      4 * kB,
	LargeAlignment:      64,
	LargeMin:            1 * kB,
	LargeMax:            1 * mB,
	LargeChunkSize:      1 * mB,
	XLargeAlignment:     4 * kB,
	SuperChunkSize:      2 * mB,
	ScavengeSleep:       512 * time.Millisecond,
	BackgroundScavenger: true,
}

// Validate checks the geometry for consistency.
func (c Config) Validate() error {
	pow2 := []struct {
		name string
		v    uintptr
	}{
		{"alignment", c.Alignment},
		{"small.pagesize", c.SmallPageSize},
		{"medium.pagesize", c.MediumPageSize},
		{"large.alignment", c.LargeAlignment},
		{"xlarge.alignment", c.XLargeAlignment},
		{"superchunk.size", c.SuperChunkSize},
	}
	for _, p := range pow2 {
		if !isPowerOfTwo(p.v) {
			return errors.Wrapf(ErrBadConfig, "%s %d is not a power of two", p.name, p.v)
		}
	}

	switch {
	case c.SmallMax == 0 || c.SmallMax%c.Alignment != 0:
		return errors.Wrapf(ErrBadConfig, "small.max %d is not a multiple of %d", c.SmallMax, c.Alignment)
	case c.SmallMax > c.SmallLineSize:
		return errors.Wrapf(ErrBadConfig, "small.max %d exceeds small.linesize %d", c.SmallMax, c.SmallLineSize)
	case c.SmallPageSize%c.SmallLineSize != 0:
		return errors.Wrapf(ErrBadConfig, "small.pagesize %d is not a multiple of small.linesize", c.SmallPageSize)
	case c.SmallPageSize/c.SmallLineSize > maxRefCount:
		return errors.Wrapf(ErrBadConfig, "too many lines per small page")
	case c.SmallPageSize/c.Alignment > maxRefCount:
		return errors.Wrapf(ErrBadConfig, "too many objects per small page")
	case c.MediumMax <= c.SmallMax || c.MediumMax%c.Alignment != 0:
		return errors.Wrapf(ErrBadConfig, "medium.max %d must be a multiple of %d above small.max", c.MediumMax, c.Alignment)
	case c.MediumMax > c.MediumLineSize:
		return errors.Wrapf(ErrBadConfig, "medium.max %d exceeds medium.linesize %d", c.MediumMax, c.MediumLineSize)
	case c.MediumPageSize%c.MediumLineSize != 0:
		return errors.Wrapf(ErrBadConfig, "medium.pagesize %d is not a multiple of medium.linesize", c.MediumPageSize)
	case c.MediumPageSize/c.MediumLineSize > maxRefCount:
		return errors.Wrapf(ErrBadConfig, "too many lines per medium page")
	case c.MediumPageSize/c.Alignment > maxRefCount:
		return errors.Wrapf(ErrBadConfig, "too many objects per medium page")
	case c.LargeAlignment < c.Alignment:
		return errors.Wrapf(ErrBadConfig, "large.alignment %d below alignment %d", c.LargeAlignment, c.Alignment)
	case c.LargeMin == 0 || c.LargeMin%c.LargeAlignment != 0:
		return errors.Wrapf(ErrBadConfig, "large.min %d is not a multiple of %d", c.LargeMin, c.LargeAlignment)
	case c.LargeMax < c.LargeMin || c.LargeMax%c.LargeAlignment != 0:
		return errors.Wrapf(ErrBadConfig, "large.max %d must be a multiple of %d above large.min", c.LargeMax, c.LargeAlignment)
	case c.LargeChunkSize < c.LargeMax || c.LargeChunkSize%c.LargeAlignment != 0:
		return errors.Wrapf(ErrBadConfig, "large.chunksize %d cannot hold large.max %d", c.LargeChunkSize, c.LargeMax)
	case c.SuperChunkSize < c.SmallPageSize || c.SuperChunkSize < c.MediumPageSize:
		return errors.Wrapf(ErrBadConfig, "superchunk.size %d smaller than a page", c.SuperChunkSize)
	}
	return nil
}

// SizeClass maps a small or medium request size to its class index. Small
// and medium classes share one index space.
func (c Config) SizeClass(size uintptr) int {
	if size == 0 {
		size = 1
	}
	return int((size - 1) / c.Alignment)
}

// ObjectSize is the object size served by a size class.
func (c Config) ObjectSize(sizeClass int) uintptr {
	return uintptr(sizeClass+1) * c.Alignment
}

// NumSmallClasses is the number of small size classes.
func (c Config) NumSmallClasses() int { return int(c.SmallMax / c.Alignment) }

// NumClasses is the number of small plus medium size classes.
func (c Config) NumClasses() int { return int(c.MediumMax / c.Alignment) }

// SmallLineCount is the number of lines in a small page.
func (c Config) SmallLineCount() int { return int(c.SmallPageSize / c.SmallLineSize) }

// MediumLineCount is the number of lines in a medium page.
func (c Config) MediumLineCount() int { return int(c.MediumPageSize / c.MediumLineSize) }

// PageShift returns log2 of the page size for kind.
func (c Config) PageShift(kind PageKind) uint {
	if kind == SmallPage {
		return uint(mathutil.BitLen(int(c.SmallPageSize)) - 1)
	}
	return uint(mathutil.BitLen(int(c.MediumPageSize)) - 1)
}

func isPowerOfTwo(v uintptr) bool {
	return v != 0 && v&(v-1) == 0
}

func roundUpToMultipleOf(divisor, v uintptr) uintptr {
	return (v + divisor - 1) &^ (divisor - 1)
}
