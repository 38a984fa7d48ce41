// Package mrb implements the Memory Region Broker: handle-identified
// shared-memory objects each holding a physical page list, a permanent
// kernel mapping, and per-process user mappings, per spec.md §4.3. No
// direct teacher analogue exists (Orizon's kernel package has no
// shared-memory broker); grounded on spec.md §4.3 directly, using
// vmm.Manager.Reserve/Commit for the inherit step and vmm.Manager.Unmap for
// the unherit step, and on the teacher's
// VMemoryRegion/ProcessMemoryMap (internal/runtime/kernel/vmm.go) for the
// region-bookkeeping shape.
package mrb

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/vali-os/corekernel/internal/core"
	"github.com/vali-os/corekernel/internal/pma"
	"github.com/vali-os/corekernel/internal/vmm"
)

// Flags controls region creation/eagerness.
type Flags uint32

const (
	FlagNone Flags = 0
	// FlagCommitEager allocates every page of capacity at Create time
	// instead of lazily on Commit/Resize.
	FlagCommitEager Flags = 1 << iota
)

// Handle identifies a region across process boundaries.
type Handle uint64

// SgEntry is one coalesced run in a scatter-gather list.
type SgEntry struct {
	Base   pma.Addr
	Length uintptr
}

// perProcess tracks one process's mapping of a region.
type perProcess struct {
	as *vmm.AddressSpace
	va vmm.Addr
}

// Region is spec.md's MemoryRegion.
type Region struct {
	mu sync.Mutex

	length   uintptr // monotonically grows, <= capacity
	capacity uintptr
	pageSize uintptr
	flags    Flags
	mask     uint64

	pages     []pma.Frame // len == ceil(capacity/pageSize); zero Frame == not yet committed
	kernelVA  vmm.Addr
	refcount  atomic.Int32
	consumers map[int]*perProcess // keyed by an opaque per-process id the caller supplies

	// data backs Read/Write. A real arch layer would read/write through
	// the kernelVA mapping directly (spec.md's "volatile memory accessors
	// to respect MMIO-style uses"); this port keeps one plain byte buffer
	// per region sized to capacity so Read/Write are exercised without
	// depending on a live PMA arena being present. GetSg reads the page
	// list, not this buffer.
	data []byte
}

// Broker owns every live Region, keyed by Handle.
type Broker struct {
	mu      sync.RWMutex
	regions map[Handle]*Region
	nextID  atomic.Uint64

	pma      *pma.Allocator
	vmm      *vmm.Manager
	pageSize uintptr
	log      *logrus.Entry
}

// NewBroker constructs a Broker bound to the given PMA/VMM.
func NewBroker(p *pma.Allocator, v *vmm.Manager, pageSize uintptr) *Broker {
	return &Broker{
		regions:  make(map[Handle]*Region),
		pma:      p,
		vmm:      v,
		pageSize: pageSize,
		log:      logrus.WithField("component", "mrb"),
	}
}

func ceilDiv(a, b uintptr) uintptr { return (a + b - 1) / b }

// Create allocates capacity's worth of page slots (eager or lazy per
// flags), installs a permanent kernel mapping spanning the full capacity,
// and returns the new handle. Grounded on spec.md §4.3's "Create" contract.
func (b *Broker) Create(length, capacity uintptr, flags Flags, mask uint64) (vmm.Addr, Handle, core.Status) {
	if length > capacity {
		return 0, 0, core.StatusInvalidParameters
	}
	pageCount := ceilDiv(capacity, b.pageSize)
	r := &Region{
		length:    length,
		capacity:  capacity,
		pageSize:  b.pageSize,
		flags:     flags,
		mask:      mask,
		pages:     make([]pma.Frame, pageCount),
		consumers: make(map[int]*perProcess),
		data:      make([]byte, capacity),
	}
	r.refcount.Store(1)

	committedPages := ceilDiv(length, b.pageSize)
	if flags&FlagCommitEager != 0 {
		committedPages = pageCount
	}
	if committedPages > 0 {
		frames, status := b.pma.Alloc(int(committedPages), pma.Addr(mask), false)
		if !status.Ok() && status != core.StatusIncomplete {
			return 0, 0, status
		}
		copy(r.pages, frames)
	}

	kernelVA, status := b.vmm.Reserve(b.vmm.KernelSpace(), 0, capacity, vmm.Commit|vmm.Persistent, vmm.PlaceAnywhereGlobal)
	if !status.Ok() {
		return 0, 0, status
	}
	if committed := nonEmptyFrames(r.pages); len(committed) > 0 {
		if status := b.vmm.Commit(b.vmm.KernelSpace(), kernelVA, committed, vmm.Commit|vmm.Persistent); !status.Ok() {
			return 0, 0, status
		}
	}
	r.kernelVA = kernelVA

	h := Handle(b.nextID.Add(1))
	b.mu.Lock()
	b.regions[h] = r
	b.mu.Unlock()

	b.log.WithFields(logrus.Fields{"handle": h, "length": length, "capacity": capacity}).Info("region created")
	return kernelVA, h, core.StatusOK
}

// nonEmptyFrames filters out not-yet-committed (zero-value) slots so only
// the frames that actually exist are committed; sparse regions commit the
// remainder lazily via Resize.
func nonEmptyFrames(pages []pma.Frame) []pma.Frame {
	out := make([]pma.Frame, 0, len(pages))
	for _, p := range pages {
		if p.Base != 0 {
			out = append(out, p)
		}
	}
	return out
}

// CreateExisting adopts an already-mapped buffer a driver owns, copying
// its physical page list into a new region (spec.md §4.3).
func (b *Broker) CreateExisting(as *vmm.AddressSpace, userVA vmm.Addr, length uintptr, flags Flags) (Handle, core.Status) {
	pageCount := ceilDiv(length, b.pageSize)
	frames, status := b.vmm.Query(as, userVA, int(pageCount))
	if !status.Ok() {
		return 0, status
	}

	r := &Region{
		length:    length,
		capacity:  length,
		pageSize:  b.pageSize,
		flags:     flags,
		pages:     frames,
		consumers: make(map[int]*perProcess),
		data:      make([]byte, length),
	}
	r.refcount.Store(1)

	kernelVA, status := b.vmm.Map(b.vmm.KernelSpace(), 0, frames, vmm.Commit|vmm.Persistent, vmm.PlaceAnywhereGlobal)
	if !status.Ok() {
		return 0, status
	}
	r.kernelVA = kernelVA

	h := Handle(b.nextID.Add(1))
	b.mu.Lock()
	b.regions[h] = r
	b.mu.Unlock()
	return h, core.StatusOK
}

func (b *Broker) lookup(h Handle) (*Region, core.Status) {
	b.mu.RLock()
	r, ok := b.regions[h]
	b.mu.RUnlock()
	if !ok {
		return nil, core.StatusDoesNotExist
	}
	return r, core.StatusOK
}

// Attach ref-increments the handle for the current process.
func (b *Broker) Attach(h Handle) (uintptr, core.Status) {
	r, status := b.lookup(h)
	if !status.Ok() {
		return 0, status
	}
	r.refcount.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.length, core.StatusOK
}

// Inherit creates a per-process reservation over the region's capacity and
// commits pages for the current length, per spec.md §4.3.
func (b *Broker) Inherit(h Handle, procID int, as *vmm.AddressSpace, access vmm.Flag) (vmm.Addr, uintptr, core.Status) {
	r, status := b.lookup(h)
	if !status.Ok() {
		return 0, 0, status
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	va, status := b.vmm.Reserve(as, 0, r.capacity, access, vmm.PlaceAnywhereProcess)
	if !status.Ok() {
		return 0, 0, status
	}
	committed := nonEmptyFrames(r.pages[:ceilDiv(r.length, r.pageSize)])
	if len(committed) > 0 {
		if status = b.vmm.Commit(as, va, committed, access); !status.Ok() && status != core.StatusExists {
			return 0, 0, status
		}
	}

	r.consumers[procID] = &perProcess{as: as, va: va}
	return va, r.length, core.StatusOK
}

// Unherit removes the calling process's mapping of the region.
func (b *Broker) Unherit(h Handle, procID int) core.Status {
	r, status := b.lookup(h)
	if !status.Ok() {
		return status
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cp, ok := r.consumers[procID]
	if !ok {
		return core.StatusDoesNotExist
	}
	delete(r.consumers, procID)
	return b.vmm.Unmap(cp.as, 0, cp.va, r.capacity)
}

// Resize grows the region's length: every page slot between the old and
// the new length that has no frame yet gets one, committed in both the
// kernel view and every attached user view. Slots below the old length
// that have no frame are not filled. Shrink is explicitly unsupported (spec.md §4.3,
// §9 open question: audited, kept as-is — see DESIGN.md).
func (b *Broker) Resize(h Handle, newLen uintptr) core.Status {
	r, status := b.lookup(h)
	if !status.Ok() {
		return status
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if newLen < r.length {
		return core.StatusNotSupported
	}
	if newLen > r.capacity {
		return core.StatusInvalidParameters
	}
	if newLen == r.length {
		return core.StatusOK
	}

	oldPages := ceilDiv(r.length, r.pageSize)
	newPages := ceilDiv(newLen, r.pageSize)

	var freshFrames []pma.Frame
	for i := oldPages; i < newPages; i++ {
		if r.pages[i].Base != 0 {
			continue // already backed (eager Create or Commit)
		}
		frames, st := b.pma.Alloc(1, pma.Addr(r.mask), false)
		if !st.Ok() {
			return st
		}
		r.pages[i] = frames[0]
		freshFrames = append(freshFrames, frames[0])
	}

	if len(freshFrames) > 0 {
		growthVA := r.kernelVA + vmm.Addr(oldPages*r.pageSize)
		if st := b.vmm.Commit(b.vmm.KernelSpace(), growthVA, freshFrames, vmm.Commit|vmm.Persistent); !st.Ok() && st != core.StatusExists {
			return st
		}
		for _, cp := range r.consumers {
			userGrowthVA := cp.va + vmm.Addr(oldPages*r.pageSize)
			b.vmm.Commit(cp.as, userGrowthVA, freshFrames, vmm.Commit)
		}
	}

	r.length = newLen
	return core.StatusOK
}

// Refresh lets a reader process catch up to the writer's current length
// without re-inheriting: it commits whatever new pages exist in the
// caller's user view and returns the new length.
func (b *Broker) Refresh(h Handle, procID int, previousLen uintptr) (uintptr, core.Status) {
	r, status := b.lookup(h)
	if !status.Ok() {
		return 0, status
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cp, ok := r.consumers[procID]
	if !ok {
		return 0, core.StatusDoesNotExist
	}

	oldPages := ceilDiv(previousLen, r.pageSize)
	newPages := ceilDiv(r.length, r.pageSize)
	if newPages > oldPages {
		grown := nonEmptyFrames(r.pages[oldPages:newPages])
		if len(grown) > 0 {
			growthVA := cp.va + vmm.Addr(oldPages*r.pageSize)
			b.vmm.Commit(cp.as, growthVA, grown, vmm.Commit)
		}
	}
	return r.length, core.StatusOK
}

// Commit performs on-demand commit for sparse regions: offset/len name a
// byte range within capacity; any page in that range not yet backed by a
// frame gets one.
func (b *Broker) Commit(h Handle, offset, length uintptr) core.Status {
	r, status := b.lookup(h)
	if !status.Ok() {
		return status
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	first := offset / r.pageSize
	last := ceilDiv(offset+length, r.pageSize)
	if last > uintptr(len(r.pages)) {
		return core.StatusInvalidParameters
	}

	var fresh []pma.Frame
	for i := first; i < last; i++ {
		if r.pages[i].Base != 0 {
			continue
		}
		frames, st := b.pma.Alloc(1, pma.Addr(r.mask), false)
		if !st.Ok() {
			return st
		}
		r.pages[i] = frames[0]
		fresh = append(fresh, frames[0])
	}
	if len(fresh) > 0 {
		va := r.kernelVA + vmm.Addr(first*r.pageSize)
		b.vmm.Commit(b.vmm.KernelSpace(), va, fresh, vmm.Commit|vmm.Persistent)
	}
	return core.StatusOK
}

// Read copies up to len(buf) bytes starting at offset, clamped to the
// region's current length, and reports the number of bytes transferred
// (spec.md §4.3).
func (b *Broker) Read(h Handle, offset uintptr, buf []byte) (int, core.Status) {
	r, status := b.lookup(h)
	if !status.Ok() {
		return 0, status
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if offset >= r.length {
		return 0, core.StatusInvalidParameters
	}
	n := copy(buf, r.data[offset:r.length])
	return n, core.StatusOK
}

// Write copies up to len(buf) bytes starting at offset, clamped to the
// region's current length.
func (b *Broker) Write(h Handle, offset uintptr, buf []byte) (int, core.Status) {
	r, status := b.lookup(h)
	if !status.Ok() {
		return 0, status
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if offset >= r.length {
		return 0, core.StatusInvalidParameters
	}
	n := copy(r.data[offset:r.length], buf)
	return n, core.StatusOK
}

// GetKernelMapping returns the permanent kernel VA for the region,
// required by fast-path interrupt handlers (spec.md §4.3/§4.4).
func (b *Broker) GetKernelMapping(h Handle) (vmm.Addr, core.Status) {
	r, status := b.lookup(h)
	if !status.Ok() {
		return 0, status
	}
	return r.kernelVA, core.StatusOK
}

// GetSg exports a coalesced scatter-gather list merging adjacent physical
// pages, consumed by DMA-capable drivers (spec.md §4.3, §8 scenario 5).
func (b *Broker) GetSg(h Handle) ([]SgEntry, core.Status) {
	r, status := b.lookup(h)
	if !status.Ok() {
		return nil, status
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []SgEntry
	for _, p := range r.pages {
		if p.Base == 0 {
			continue
		}
		if len(out) > 0 {
			last := &out[len(out)-1]
			if last.Base+pma.Addr(last.Length) == p.Base {
				last.Length += r.pageSize
				continue
			}
		}
		out = append(out, SgEntry{Base: p.Base, Length: r.pageSize})
	}
	return out, core.StatusOK
}

// Destroy removes the kernel mapping. Per spec.md §4.3's invariant, every
// user mapping must already have been Unherit-ed.
func (b *Broker) Destroy(h Handle) core.Status {
	r, status := b.lookup(h)
	if !status.Ok() {
		return status
	}
	r.mu.Lock()
	if len(r.consumers) > 0 {
		r.mu.Unlock()
		return core.StatusBusy
	}
	kernelVA := r.kernelVA
	length := r.capacity
	r.mu.Unlock()

	b.vmm.Unmap(b.vmm.KernelSpace(), 0, kernelVA, length)

	b.mu.Lock()
	delete(b.regions, h)
	b.mu.Unlock()
	return core.StatusOK
}
