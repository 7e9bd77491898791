// Package heapkit is the front end of the heap allocator.
//
// An Allocator routes requests by size: small and medium objects are bump
// allocated from cached ranges of free lines, large objects come from the
// Heap's free list, and anything above LargeMax is mapped directly.
//
// # Process Heap
//
// Default returns the process-wide Heap, created on first use over real
// memory from the operating system. The package-level functions share one
// Allocator on top of it:
//
//	p, err := heapkit.Malloc(128)
//	if err != nil {
//	    return err
//	}
//	defer heapkit.Free(p)
//
//	buf := heapkit.Bytes(p, 128)
//	copy(buf, data)
//
// # Private Heaps
//
// Tests and tools build their own Heap, usually over vm.Sim, and wrap it:
//
//	cfg := heap.DefaultConfig
//	h, err := heap.New(vm.NewSim(cfg), cfg)
//	if err != nil {
//	    return err
//	}
//	a := heapkit.NewAllocator(h)
//
// Addresses from a Sim-backed Heap are synthetic and must never be passed to
// Bytes.
package heapkit
