package heap

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfMemory indicates the VM layer could not satisfy a request.
	ErrOutOfMemory = errors.New("heap: out of memory")

	// ErrBadConfig indicates an inconsistent heap geometry.
	ErrBadConfig = errors.New("heap: bad config")
)

// assertf aborts on a violated allocator invariant. Continuing after a
// corrupted free structure risks silent memory corruption, so these are
// never returned as errors.
func assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(errors.AssertionFailedf(format, args...))
	}
}

func outOfMemory(err error, format string, args ...any) error {
	if errors.Is(err, ErrOutOfMemory) {
		return errors.Wrapf(err, format, args...)
	}
	return errors.Wrapf(errors.Mark(err, ErrOutOfMemory), format, args...)
}
