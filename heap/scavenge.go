package heap

import (
	"time"

	"github.com/joshuapare/heapkit/internal/logger"
)

// Phase is what the scavenger is doing.
type Phase int32

const (
	Idle Phase = iota
	ScavengingSmall
	ScavengingMedium
	ScavengingLarge
	Sleeping
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case ScavengingSmall:
		return "scavenging-small"
	case ScavengingMedium:
		return "scavenging-medium"
	case ScavengingLarge:
		return "scavenging-large"
	case Sleeping:
		return "sleeping"
	}
	return "unknown"
}

// Phase returns the scavenger's current phase. It does not take the lock.
func (h *Heap) Phase() Phase { return Phase(h.phase.Load()) }

func (h *Heap) setPhase(p Phase) { h.phase.Store(int32(p)) }

// Scavenge returns every free page and every free large object with backed
// memory to the VM, then sleeps. Whenever it finds the Heap has gone to the
// VM since it last looked, it backs off for sleep first. The lock is
// released around every VM release and every sleep; a zero sleep skips the
// sleeping, not the releases.
func (h *Heap) Scavenge(sleep time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scavenge(sleep)
}

// concurrentScavenge is the background scavenger's entry point.
func (h *Heap) concurrentScavenge() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scavenge(h.cfg.ScavengeSleep)
}

func (h *Heap) scavenge(sleep time.Duration) {
	before := h.counters.scavengedBytes

	h.setPhase(ScavengingSmall)
	h.scavengePages(&h.small, sleep)

	h.setPhase(ScavengingMedium)
	h.scavengePages(&h.medium, sleep)

	h.setPhase(ScavengingLarge)
	h.scavengeLargeObjects(sleep)

	h.setPhase(Sleeping)
	h.sleep(sleep)

	h.setPhase(Idle)
	h.counters.scavengePasses++
	logger.Debug("heap: scavenge pass",
		logger.Bytes("released", h.counters.scavengedBytes-before),
		"backoffs", h.counters.scavengeBackoffs)
}

// unlocked runs fn with the lock released. Nothing observed before it may
// be assumed after it.
func (h *Heap) unlocked(fn func()) {
	h.mu.Unlock()
	defer h.mu.Lock()
	fn()
}

func (h *Heap) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	h.unlocked(func() { time.Sleep(d) })
}

// backOff reports whether the caller must retry after an allocation burst.
func (h *Heap) backOff(sleep time.Duration) bool {
	if !h.isAllocatingPages {
		return false
	}
	h.isAllocatingPages = false
	h.counters.scavengeBackoffs++
	h.sleep(sleep)
	return true
}

// scavengePages releases the free pool of ph. A page is out of the pool
// while the VM releases it, and the Heap only gets it back from the VM.
func (h *Heap) scavengePages(ph *pageHeap, sleep time.Duration) {
	for len(ph.free) > 0 {
		if h.backOff(sleep) {
			continue
		}
		n := len(ph.free)
		p := ph.free[n-1]
		ph.free[n-1] = nil
		ph.free = ph.free[:n-1]
		assertf(p.refCount == 0, "scavenging live %s page %#x", ph.kind, p.begin)

		begin := p.begin
		if ph.kind == SmallPage {
			h.unlocked(func() { h.vm.DeallocateSmallPage(begin) })
			h.counters.scavengedSmallPages++
		} else {
			h.unlocked(func() { h.vm.DeallocateMediumPage(begin) })
			h.counters.scavengedMediumPages++
		}
		h.counters.scavengedBytes += uint64(ph.pageSize)
	}
}

// scavengeLargeObjects releases every free large object with backed memory.
// While the VM releases an object it stays registered but unlisted, and
// frees next to it do not merge with it; it is coalesced on the way back.
func (h *Heap) scavengeLargeObjects(sleep time.Duration) {
	for {
		if h.backOff(sleep) {
			continue
		}
		o := h.largeObjects.takeGreedy()
		if o == nil {
			return
		}
		o.releasing = true
		r := o.Range
		h.unlocked(func() { h.vm.DeallocateLargeObject(r) })

		o.releasing = false
		o.committed, o.resident = false, false
		h.counters.scavengedLargeObjects++
		h.counters.scavengedBytes += uint64(r.Size)
		h.largeObjects.insert(h.coalesce(o))
	}
}
