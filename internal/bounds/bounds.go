// Package bounds holds overflow-checked address arithmetic for the
// allocator's public entry points, where sizes come straight from callers.
package bounds

import "math"

// Add adds a and b, returning ok = false when the result would wrap.
func Add(a, b uintptr) (uintptr, bool) {
	if a > math.MaxUint-b {
		return 0, false
	}
	return a + b, true
}

// RoundUp rounds v up to a multiple of alignment, which must be a power of
// two. ok is false when the result would wrap.
func RoundUp(alignment, v uintptr) (uintptr, bool) {
	end, ok := Add(v, alignment-1)
	if !ok {
		return 0, false
	}
	return end &^ (alignment - 1), true
}

// Span returns the end of [begin, begin+n) if it fits in the address space.
func Span(begin, n uintptr) (uintptr, bool) {
	if n == 0 {
		return begin, true
	}
	return Add(begin, n)
}
