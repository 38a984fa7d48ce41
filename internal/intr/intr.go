// Package intr implements the interrupt subsystem: a global vector table,
// per-source penalty counters for load-balanced IRQ selection, chained
// handler registration with resource cloning for user-space drivers, and
// ACPI-assisted routing, per spec.md §4.4. Grounded on the teacher's
// InterruptManager/IDTEntry chain-registration shape
// (internal/runtime/kernel/interrupt.go), generalized from "one handler
// per vector" to a penalty-counted, shareable chain.
package intr

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/vali-os/corekernel/internal/core"
	"github.com/vali-os/corekernel/internal/mrb"
	"github.com/vali-os/corekernel/internal/vmm"
)

// Flags on a registration.
type Flags uint32

const (
	FlagKernel    Flags = 1 << iota // installer runs in kernel space already
	FlagExclusive                   // chain length must stay exactly 1
)

// ID identifies one registration.
type ID uint64

// Handler is a fast handler: runs in the interrupted context without an
// address-space switch, using the pre-cloned KernelResources.
type Handler func(ctx *Context, resources KernelResources) Handled

// Handled reports whether a handler serviced the interrupt.
type Handled bool

const (
	HandledYes Handled = true
	HandledNo  Handled = false
)

// IOResource is a cloned IO port range (kernel-shadow copy).
type IOResource struct {
	Base, Length uint16
}

// Resources is what a caller supplies at Register time; MemoryResources
// are mrb handles resolved to their permanent kernel mappings at
// registration (spec.md §4.4 step 2).
type Resources struct {
	Handler         Handler
	Context         any
	IOResources     []IOResource
	MemoryResources []mrb.Handle
	HandleResource  *mrb.Handle
}

// KernelResources is the cloned table a fast handler actually receives —
// IO port arrays become kernel-shadow copies, memory regions become the
// kernel VAs the broker's GetKernelMapping reports, per spec.md §4.4 step 2.
type KernelResources struct {
	IOResources     []IOResource
	MemoryResources []vmm.Addr // kernel VAs of the regions
}

// Registration is the caller-supplied request to Register.
type Registration struct {
	Line, Pin   int
	ACPIConform bool
	Flags       Flags
	Resources   Resources
}

// Context is the saved machine context an interrupt handler sees and may
// substitute (e.g. a thread switch during handling).
type Context struct {
	Vector int
	Source int
	Data   any
}

// descriptor is one registration, chained per vector.
type descriptor struct {
	id       ID
	owner    string
	flags    Flags
	handler  Handler
	krsrc    KernelResources
	context  any
	next     *descriptor
}

// vectorEntry is spec.md's per-vector table row: chain head + penalty.
type vectorEntry struct {
	head     *descriptor
	penalty  atomic.Uint64
	sharable bool
}

// RoutingOracle is the Go expression of the "ACPICA as external oracle"
// design note (spec.md §9): possible-IRQ sets come from _PRS, the current
// one from _CRS, and an absent one is filled in from the least-loaded
// candidate and written back with _SRS.
//
// Canonical APIC LVT shutdown sequence when masking a source during
// Unregister, resolving spec.md §9's open question: mask, then deassert,
// then clear ESR — never the reverse.
type RoutingOracle interface {
	PossibleIRQs(bus, device, pin int) []int
	CurrentIRQ(bus, device, pin int) (int, bool)
	SetIRQ(bus, device, pin, irq int)
}

// StaticOracle is an in-memory RoutingOracle for tests and for bring-up
// when no real ACPI backend is wired.
type StaticOracle struct {
	mu        sync.Mutex
	possible  map[[3]int][]int
	current   map[[3]int]int
}

func NewStaticOracle() *StaticOracle {
	return &StaticOracle{possible: make(map[[3]int][]int), current: make(map[[3]int]int)}
}

func (o *StaticOracle) SetPossible(bus, device, pin int, irqs []int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.possible[[3]int{bus, device, pin}] = irqs
}

func (o *StaticOracle) PossibleIRQs(bus, device, pin int) []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.possible[[3]int{bus, device, pin}]...)
}

func (o *StaticOracle) CurrentIRQ(bus, device, pin int) (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	irq, ok := o.current[[3]int{bus, device, pin}]
	return irq, ok
}

func (o *StaticOracle) SetIRQ(bus, device, pin, irq int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current[[3]int{bus, device, pin}] = irq
}

// Table is the global interrupt table.
type Table struct {
	mu      sync.Mutex // one global lock guarding vector-table mutation, per spec.md §5
	vectors []vectorEntry
	nextID  atomic.Uint64

	vmm    *vmm.Manager
	broker *mrb.Broker
	oracle RoutingOracle
	log    *logrus.Entry
}

// NewTable allocates a table with the given number of vectors.
func NewTable(vectors int, v *vmm.Manager, oracle RoutingOracle) *Table {
	return &Table{
		vectors: make([]vectorEntry, vectors),
		vmm:     v,
		oracle:  oracle,
		log:     logrus.WithField("component", "intr"),
	}
}

// SetBroker wires the MRB that resolves Register's MemoryResources
// handles into kernel VAs. It is set once after MemoryInit, since
// ApicInit runs before MRB exists in the bring-up order (spec.md §6).
func (t *Table) SetBroker(b *mrb.Broker) { t.broker = b }

// Register resolves a vector from (line, pin) + ACPI routing, resolves
// user-space memory resources to their existing kernel mapping when the
// caller is not FlagKernel, checks sharing, and prepends to the chain
// (spec.md §4.4).
func (t *Table) Register(reg Registration, owner string, ownerSpace *vmm.AddressSpace) (ID, core.Status) {
	vector, status := t.resolveVector(reg)
	if !status.Ok() {
		return 0, status
	}
	if vector < 0 || vector >= len(t.vectors) {
		return 0, core.StatusInvalidParameters
	}

	kr := reg.Resources
	krsrc := KernelResources{IOResources: append([]IOResource(nil), kr.IOResources...)}
	if reg.Flags&FlagKernel == 0 && t.broker != nil {
		// Every mrb.Region already carries a permanent kernel mapping
		// installed at Create time (spec.md §4.3), so the fast handler
		// needs no fresh vmm.Clone: looking the handle's existing kernel
		// VA up is enough to let it run without an address-space switch.
		for _, h := range kr.MemoryResources {
			va, status := t.broker.GetKernelMapping(h)
			if !status.Ok() {
				return 0, status
			}
			krsrc.MemoryResources = append(krsrc.MemoryResources, va)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry := &t.vectors[vector]
	if entry.head != nil {
		if reg.Flags&FlagExclusive != 0 {
			return 0, core.StatusExists
		}
		if entry.head.flags&FlagExclusive != 0 {
			return 0, core.StatusExists
		}
	}

	d := &descriptor{
		id:      ID(t.nextID.Add(1)),
		owner:   owner,
		flags:   reg.Flags,
		handler: kr.Handler,
		krsrc:   krsrc,
		context: kr.Context,
		next:    entry.head,
	}
	entry.head = d
	entry.penalty.Add(1)
	if entry.head.next == nil {
		entry.sharable = reg.Flags&FlagExclusive == 0
	}

	t.log.WithFields(logrus.Fields{"vector": vector, "id": d.id, "owner": owner}).Info("interrupt registered")
	return d.id, core.StatusOK
}

func (t *Table) resolveVector(reg Registration) (int, core.Status) {
	if t.oracle == nil {
		return reg.Line, core.StatusOK
	}
	if irq, ok := t.oracle.CurrentIRQ(0, 0, reg.Pin); ok {
		return irq, core.StatusOK
	}
	candidates := t.oracle.PossibleIRQs(0, 0, reg.Pin)
	if len(candidates) == 0 {
		return reg.Line, core.StatusOK
	}
	chosen := t.leastLoaded(candidates)
	t.oracle.SetIRQ(0, 0, reg.Pin, chosen)
	return chosen, core.StatusOK
}

// leastLoaded picks the candidate vector with the smallest penalty,
// per spec.md §8 scenario 3.
func (t *Table) leastLoaded(candidates []int) int {
	best := candidates[0]
	bestPenalty := t.penaltyOf(best)
	for _, c := range candidates[1:] {
		if p := t.penaltyOf(c); p < bestPenalty {
			best, bestPenalty = c, p
		}
	}
	return best
}

func (t *Table) penaltyOf(vector int) uint64 {
	if vector < 0 || vector >= len(t.vectors) {
		return 0
	}
	return t.vectors[vector].penalty.Load()
}

// Unregister removes a descriptor from its chain and decrements the
// source's penalty (spec.md §4.4).
func (t *Table) Unregister(id ID) core.Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.vectors {
		entry := &t.vectors[i]
		var prev *descriptor
		for d := entry.head; d != nil; d = d.next {
			if d.id == id {
				if prev == nil {
					entry.head = d.next
				} else {
					prev.next = d.next
				}
				entry.penalty.Add(^uint64(0)) // -1
				return core.StatusOK
			}
			prev = d
		}
	}
	return core.StatusDoesNotExist
}

// Get returns the descriptor's owner and flags for inspection.
func (t *Table) Get(id ID) (owner string, flags Flags, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.vectors {
		for d := t.vectors[i].head; d != nil; d = d.next {
			if d.id == id {
				return d.owner, d.flags, true
			}
		}
	}
	return "", 0, false
}

// Handle dispatches delivery at the given vector: walks the chain, calling
// each handler until one reports HandledYes, per spec.md §4.4.
func (t *Table) Handle(ctx *Context, vector int) *Context {
	if vector < 0 || vector >= len(t.vectors) {
		return ctx
	}
	t.mu.Lock()
	head := t.vectors[vector].head
	t.mu.Unlock()

	handledAny := false
	for d := head; d != nil; d = d.next {
		if d.handler == nil {
			continue
		}
		if d.handler(ctx, d.krsrc) == HandledYes {
			handledAny = true
			ctx.Source = vector
			break
		}
	}
	if !handledAny {
		t.log.WithField("vector", vector).Warn("spurious interrupt: no handler claimed it")
	}
	return ctx
}

// PenaltyOf exposes the per-source penalty counter for load-balanced line
// selection by external routing consumers (spec.md §4.4).
func (t *Table) PenaltyOf(vector int) uint64 { return t.penaltyOf(vector) }
