// Package heap implements a process-wide, multi-size-class memory manager.
//
// # Overview
//
// Requests are routed by size into four tiers:
//
//   - Small (up to SmallMax): pages of SmallPageSize split into lines
//   - Medium (up to MediumMax): pages of MediumPageSize split into lines
//   - Large (up to LargeMax): best-fit free list with split and merge
//   - Extra-large: mapped directly by the VM layer
//
// Small and medium objects are never handed out one by one. A front-end
// allocator asks for a bump range cache refill and the Heap answers with runs
// of free lines from a single page of the requested size class. Each line
// counts the objects starting in it, each page counts its referenced lines,
// and a page whose last line empties goes back to a free pool.
//
// # Scavenging
//
// Freed pages and large objects keep their physical memory until the
// scavenger returns it to the VM layer. Every free that empties a page or
// releases a large object requests a scavenger run; the scavenger backs off
// whenever the Heap has recently had to ask the VM for memory.
//
// # Memory Source
//
// The Heap does no address space management of its own. It talks to a VMHeap,
// implemented by internal/vm for real memory (OS) and for tests (Sim):
//
//	v := vm.NewSim(heap.DefaultConfig)
//	h, err := heap.New(v, heap.DefaultConfig)
//	if err != nil {
//	    return err
//	}
//	defer h.Close()
//
//	var cache heap.BumpRangeCache
//	if err := h.RefillSmallBumpRangeCache(h.Config().SizeClass(32), &cache); err != nil {
//	    return err
//	}
//
// # Errors
//
// VM exhaustion is returned as an error matching ErrOutOfMemory. Misuse, such
// as freeing an unknown address or freeing twice, panics with an assertion
// failure.
package heap
