package heap

// VMHeap reserves and releases virtual memory on behalf of the Heap.
// Allocations and CommitLargeObject run with the Heap's lock held. The
// Deallocate methods run without it, so implementations must be safe for
// concurrent use.
type VMHeap interface {
	// AllocateSmallPage returns a fresh SmallPageSize-aligned small page.
	AllocateSmallPage() (uintptr, error)
	// AllocateMediumPage returns a fresh MediumPageSize-aligned medium page.
	AllocateMediumPage() (uintptr, error)
	// AllocateLargeObject returns a fresh large chunk able to hold size bytes.
	AllocateLargeObject(size uintptr) (Range, error)
	// AllocateLargeObjectAligned returns a fresh large chunk able to hold
	// size bytes at the given alignment. unalignedSize is the worst case
	// footprint when an unaligned prefix has to be carved off.
	AllocateLargeObjectAligned(alignment, size, unalignedSize uintptr) (Range, error)

	// DeallocateSmallPage releases the physical memory of an idle small page.
	// The address may be handed out again by AllocateSmallPage.
	DeallocateSmallPage(begin uintptr)
	// DeallocateMediumPage releases the physical memory of an idle medium page.
	DeallocateMediumPage(begin uintptr)
	// DeallocateLargeObject releases the physical memory behind r. The
	// address space stays reserved.
	DeallocateLargeObject(r Range)
	// CommitLargeObject makes r usable again after DeallocateLargeObject.
	CommitLargeObject(r Range)

	// Allocate maps size bytes aligned to alignment.
	Allocate(alignment, size uintptr) (uintptr, error)
	// Deallocate unmaps a region returned by Allocate.
	Deallocate(begin, size uintptr) error
}

// VMStats is implemented by VM layers that account for their memory.
type VMStats interface {
	// Committed returns the bytes currently backed by physical memory, as
	// far as the VM layer can tell.
	Committed() uint64
	// Reserved returns the bytes of address space held.
	Reserved() uint64
}
