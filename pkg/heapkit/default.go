package heapkit

import (
	"sync"

	"github.com/joshuapare/heapkit/heap"
	"github.com/joshuapare/heapkit/internal/vm"
)

var (
	defaultOnce      sync.Once
	defaultHeap      *heap.Heap
	defaultMu        sync.Mutex
	defaultAllocator *Allocator
)

// Default returns the process-wide Heap. It is created on first call, from
// any goroutine, and never torn down.
func Default() *heap.Heap {
	defaultOnce.Do(func() {
		h, err := heap.New(vm.NewOS(heap.DefaultConfig), heap.DefaultConfig)
		if err != nil {
			panic(err) // DefaultConfig always validates
		}
		defaultHeap = h
		defaultAllocator = NewAllocator(h)
	})
	return defaultHeap
}

// Malloc allocates from the process heap.
func Malloc(size uintptr) (uintptr, error) {
	Default()
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultAllocator.Malloc(size)
}

// Memalign allocates aligned memory from the process heap.
func Memalign(alignment, size uintptr) (uintptr, error) {
	Default()
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultAllocator.Memalign(alignment, size)
}

// Free releases memory obtained from Malloc or Memalign.
func Free(addr uintptr) error {
	if addr == 0 {
		return nil
	}
	return Default().Deallocate(addr)
}

// Scavenge returns the process heap's free memory to the operating system.
func Scavenge() {
	Default()
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultAllocator.Scavenge()
}
