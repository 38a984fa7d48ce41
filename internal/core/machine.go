package core

import "sync"

// Core is the state bound to one CPU (spec.md §3 "PerCore"). It is always
// passed explicitly to the functions that need it rather than reached for
// through a package-level global, per the "Global mutable state" design
// note: the teacher's GlobalProcessManager / GlobalAdvancedScheduler /
// GlobalInterruptManager singletons become fields a caller threads through
// the call graph, or a single pointer set once at bring-up and handed to
// every goroutine standing in for that CPU.
type Core struct {
	ID int

	mu sync.Mutex

	// CurrentThread is an opaque handle (internal/sched.Thread) — core
	// deliberately has no import of sched to avoid the cycle sched would
	// otherwise need (sched depends on core, not the reverse).
	CurrentThread any

	InterruptNesting int
	SavedPriority    int
	InterruptActive  bool

	// Bandwidth is the sum of timeslices of every scheduler object
	// currently attached to this core; updated only on attach/detach,
	// never on transient block/queue transitions (spec.md §4.5).
	Bandwidth uint64

	IdleThread any
}

// Lock/Unlock expose the per-core IRQ-disabling spinlock spec.md §5
// assigns to scheduler operations. Go cannot disable interrupts from user
// space, so this is a plain mutex; the name is kept as Lock/Unlock (not
// DisableInterrupts) so call sites read as what they mean in this port.
func (c *Core) Lock()   { c.mu.Lock() }
func (c *Core) Unlock() { c.mu.Unlock() }

// AddBandwidth adjusts the pressure counter used when homing new threads.
// Called only from attach/detach, matching spec.md §5's ordering note:
// "a full memory barrier after attach/detach of pressure counters so other
// cores see consistent pressure readings".
func (c *Core) AddBandwidth(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if delta < 0 {
		c.Bandwidth -= uint64(-delta)
	} else {
		c.Bandwidth += uint64(delta)
	}
}

func (c *Core) LoadBandwidth() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Bandwidth
}

// NewCores allocates per-CPU state for numCores CPUs. Core 0 is the BSP.
// The aggregate Machine type (PMA + VMM + MRB + INT + these cores) lives in
// internal/boot, which is free to import every component package; core
// itself stays a leaf so pma/vmm/mrb/intr/sched can all depend on it
// without a cycle.
func NewCores(numCores int) []*Core {
	cores := make([]*Core, numCores)
	for i := range cores {
		cores[i] = &Core{ID: i}
	}
	return cores
}
