// Package vmm implements the virtual memory manager: per-address-space
// page tables, a reservation/commit model, and Map/Unmap/Commit/Clone/Query
// per spec.md §4.2. Grounded on the teacher's VirtualMemoryManager
// (internal/runtime/kernel/vmm.go) — mapPage/unmapPage/translateAddress —
// generalized from a fixed single-level table keyed by pid to spec.md's
// platform-neutral attribute set and three-state page model.
package vmm

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/vali-os/corekernel/internal/core"
	"github.com/vali-os/corekernel/internal/pma"
)

// Addr is a virtual address.
type Addr uintptr

// Flag is the platform-neutral attribute set spec.md §4.2 names, translated
// at the (unimplemented) arch boundary into real PTE bits.
type Flag uint32

const (
	Commit Flag = 1 << iota
	Userspace
	ReadOnly
	NoCache
	Persistent
	Executable
	Global
	Dirty
)

// Placement selects where Reserve carves a VA range from.
type Placement int

const (
	PlaceAnywhereGlobal Placement = iota
	PlaceAnywhereProcess
	PlaceFixed
)

// pte packs presence and attributes into one word so Commit can CAS
// it: bit 0 is PRESENT, the remaining bits mirror Flag. A page absent from
// this map has never been reserved; presence in the map with PRESENT=0 is
// "reserved"; PRESENT=1 is "committed" — the three states spec.md's
// invariant names.
type pte struct {
	word  atomic.Uint64 // bit0 = present, bits [1:9) = Flag, bits[32:64) unused
	frame pma.Addr
}

const ptePresentBit = 1

func packWord(present bool, flags Flag) uint64 {
	w := uint64(flags) << 1
	if present {
		w |= ptePresentBit
	}
	return w
}

// AddressSpace is spec.md's AddressSpace: a page-table map plus the flags
// that mark it as the kernel's singleton space or a per-process one.
type AddressSpace struct {
	mu      sync.RWMutex
	entries map[Addr]*pte
	kernel  bool
	refs    atomic.Int32
	free    freelist
	highWater Addr

	// Current tracks, per core ID, whether this space is the one loaded on
	// that core — needed by Unmap to decide local invlpg vs TXU broadcast.
	current sync.Map // map[int]bool
}

func newAddressSpace(kernel bool) *AddressSpace {
	return &AddressSpace{entries: make(map[Addr]*pte), kernel: kernel, highWater: 0x10000}
}

// Retain/Release implement the refcount lifecycle spec.md §3 describes
// ("destroyed when refcount→0 (threads + handles)").
func (as *AddressSpace) Retain() { as.refs.Add(1) }

// Release returns true when the space's refcount reached zero and the
// caller should finish tearing it down.
func (as *AddressSpace) Release() bool { return as.refs.Add(-1) == 0 }

// MarkCurrent records (or clears) that this space is active on core id.
func (as *AddressSpace) MarkCurrent(id int, current bool) { as.current.Store(id, current) }

// IsCurrentOn reports whether this space is the one loaded on core id.
func (as *AddressSpace) IsCurrentOn(id int) bool {
	v, ok := as.current.Load(id)
	return ok && v.(bool)
}

// Shootdown is implemented by internal/sched so vmm can request a TLB
// invalidation without importing sched (sched already imports vmm for
// address-space stacks; the reverse would cycle). Local invokes the
// current-core fast path; Broadcast fans the request out over TXU.
type Shootdown interface {
	Local(va Addr, length uintptr)
	Broadcast(coreID int, va Addr, length uintptr)
}

// Manager is the VMM. It holds the PMA it allocates frames from and an
// optional Shootdown implementation for cross-core TLB invalidation.
type Manager struct {
	pma       *pma.Allocator
	shootdown Shootdown
	kernel    *AddressSpace
	log       *logrus.Entry
}

// NewManager creates a VMM bound to the given PMA; SetShootdown must be
// called once the scheduler (which implements Shootdown) exists, to avoid
// an import cycle at construction time.
func NewManager(p *pma.Allocator) *Manager {
	m := &Manager{pma: p, log: logrus.WithField("component", "vmm")}
	m.kernel = newAddressSpace(true)
	return m
}

// SetShootdown wires the cross-core TLB-invalidation callback.
func (m *Manager) SetShootdown(s Shootdown) { m.shootdown = s }

// KernelSpace returns the singleton kernel address space.
func (m *Manager) KernelSpace() *AddressSpace { return m.kernel }

// CreateAddressSpace allocates a fresh per-process address space.
func (m *Manager) CreateAddressSpace(flags Flag) (*AddressSpace, error) {
	as := newAddressSpace(false)
	as.Retain()
	return as, nil
}

// Reserve carves a VA range with no frames attached ("reserved" state).
// placement is accepted for interface fidelity but not consulted; this port
// (no real arch layer) always honors a nonzero caller-supplied va, and when
// va is zero picks one from the space's freelist or, failing that, its
// current high-water mark.
func (m *Manager) Reserve(as *AddressSpace, va Addr, length uintptr, flags Flag, placement Placement) (Addr, core.Status) {
	if length == 0 {
		return 0, core.StatusInvalidParameters
	}
	pageSize := Addr(4096)
	pages := (Addr(length) + pageSize - 1) / pageSize

	as.mu.Lock()
	defer as.mu.Unlock()

	if va == 0 {
		va = as.nextFreeLocked(pages, pageSize)
	}

	for i := Addr(0); i < pages; i++ {
		a := va + i*pageSize
		if _, exists := as.entries[a]; exists {
			return 0, core.StatusExists
		}
	}
	for i := Addr(0); i < pages; i++ {
		a := va + i*pageSize
		as.entries[a] = &pte{word: atomic.Uint64{}}
		as.entries[a].word.Store(packWord(false, flags))
	}
	return va, core.StatusOK
}

// nextFreeLocked first tries to reuse a previously-freed VA range (the
// freelist, three-way-merged on every Unmap — see freelist.go) before
// falling back to bumping the space's high-water mark. Callers hold as.mu.
func (as *AddressSpace) nextFreeLocked(pages, pageSize Addr) Addr {
	length := pages * pageSize
	if start, ok := as.free.alloc(length); ok {
		return start
	}
	start := as.highWater
	as.highWater += length
	return start
}

// Commit transitions reserved pages to committed, attaching frames. Uses a
// CAS per page so two racing committers cannot both win; the loser
// observes StatusExists. Returns StatusDoesNotExist if any page in the
// range was never reserved.
func (m *Manager) Commit(as *AddressSpace, va Addr, phys []pma.Frame, flags Flag) core.Status {
	pageSize := Addr(4096)
	as.mu.RLock()
	entries := make([]*pte, len(phys))
	for i := range phys {
		e, ok := as.entries[va+Addr(i)*pageSize]
		if !ok {
			as.mu.RUnlock()
			return core.StatusDoesNotExist
		}
		entries[i] = e
	}
	as.mu.RUnlock()

	committedAny := false
	for i, e := range entries {
		old := packWord(false, flags)
		newW := packWord(true, flags)
		if e.word.CompareAndSwap(old, newW) {
			e.frame = phys[i].Base
			committedAny = true
			continue
		}
		// Either already committed by someone else, or reserved with
		// different flags than requested — both read as "Exists" per
		// spec.md's "loser gets Exists".
		if committedAny {
			return core.StatusIncomplete
		}
		return core.StatusExists
	}
	return core.StatusOK
}

// Map is Reserve followed by Commit, per spec.md §4.2.
func (m *Manager) Map(as *AddressSpace, va Addr, phys []pma.Frame, attr Flag, placement Placement) (Addr, core.Status) {
	resolved, status := m.Reserve(as, va, uintptr(len(phys))*4096, attr, placement)
	if !status.Ok() {
		return 0, status
	}
	if status = m.Commit(as, resolved, phys, attr); !status.Ok() {
		return 0, status
	}
	return resolved, core.StatusOK
}

// Unmap swaps entries to absent atomically; PRESENT-and-not-PERSISTENT
// pages are freed back to the PMA, and a TLB invalidation is issued —
// local if the space is current on the calling core, broadcast via TXU
// otherwise (spec.md §4.2).
func (m *Manager) Unmap(as *AddressSpace, callerCoreID int, va Addr, length uintptr) core.Status {
	pageSize := Addr(4096)
	pages := (Addr(length) + pageSize - 1) / pageSize

	as.mu.Lock()
	var toFree []pma.Frame
	for i := Addr(0); i < pages; i++ {
		a := va + i*pageSize
		e, ok := as.entries[a]
		if !ok {
			continue
		}
		old := e.word.Load()
		present := old&ptePresentBit != 0
		flags := Flag(old >> 1)
		if e.word.CompareAndSwap(old, 0) {
			delete(as.entries, a)
			if present && flags&Persistent == 0 {
				toFree = append(toFree, pma.Frame{Base: e.frame})
			}
		}
	}
	as.free.free(va, va+pages*pageSize)
	as.mu.Unlock()

	if len(toFree) > 0 && m.pma != nil {
		m.pma.Free(toFree)
	}

	if m.shootdown != nil {
		if as.IsCurrentOn(callerCoreID) {
			m.shootdown.Local(va, length)
		} else {
			m.shootdown.Broadcast(callerCoreID, va, length)
		}
	}
	return core.StatusOK
}

// Clone produces a second VA mapping over the same physical pages as
// [va, va+len) in src, installed into dst. No other package calls it:
// internal/intr resolves kernel VAs through mrb's GetKernelMapping, and
// internal/mrb's Inherit uses Reserve/Commit.
func (m *Manager) Clone(src, dst *AddressSpace, va Addr, newVa Addr, length uintptr, flags Flag, placement Placement) (Addr, core.Status) {
	pageSize := Addr(4096)
	pages := (Addr(length) + pageSize - 1) / pageSize

	src.mu.RLock()
	phys := make([]pma.Frame, 0, pages)
	for i := Addr(0); i < pages; i++ {
		e, ok := src.entries[va+i*pageSize]
		if !ok || e.word.Load()&ptePresentBit == 0 {
			src.mu.RUnlock()
			return 0, core.StatusDoesNotExist
		}
		phys = append(phys, pma.Frame{Base: e.frame})
	}
	src.mu.RUnlock()

	return m.Map(dst, newVa, phys, flags|Persistent, placement)
}

// Query reads current mappings without mutation, returning the physical
// frame for each committed page in [va, va+n*pageSize).
func (m *Manager) Query(as *AddressSpace, va Addr, n int) ([]pma.Frame, core.Status) {
	pageSize := Addr(4096)
	as.mu.RLock()
	defer as.mu.RUnlock()

	out := make([]pma.Frame, 0, n)
	for i := 0; i < n; i++ {
		e, ok := as.entries[va+Addr(i)*pageSize]
		if !ok || e.word.Load()&ptePresentBit == 0 {
			return out, core.StatusIncomplete
		}
		out = append(out, pma.Frame{Base: e.frame})
	}
	return out, core.StatusOK
}

// sortedAddrs is a small helper kept for debugging/printing address spaces
// in tests; not required by any spec.md invariant.
func sortedAddrs(as *AddressSpace) []Addr {
	as.mu.RLock()
	defer as.mu.RUnlock()
	out := make([]Addr, 0, len(as.entries))
	for a := range as.entries {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
