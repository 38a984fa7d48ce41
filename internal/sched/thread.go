package sched

import (
	"sync"
	"sync/atomic"

	"github.com/vali-os/corekernel/internal/vmm"
)

// Handle identifies a thread.
type Handle uint64

// Flags on thread creation.
type Flags uint32

// TimeoutReason is recorded on an object's most recent Block/Sleep exit.
type TimeoutReason int

const (
	TimeoutNone TimeoutReason = iota
	TimeoutOK
	TimeoutTimeout
	TimeoutInterrupted
)

// object is the embedded SchedulerObject (spec.md §3): the scheduler's
// view of a thread, including its place in whichever queue currently owns
// it. Exactly one queue membership at a time, per spec.md §4.5.
type object struct {
	mu    sync.Mutex
	state State

	level     int // current run-queue level, 0 = top
	timeslice uint32
	remaining uint32

	timeLeft        int64 // sleep-queue countdown, ms
	timeoutReason   TimeoutReason
	blockQueue      *BlockQueue
	coreID          int
	interruptedAtMs uint64

	// wake delivers the settling TimeoutReason to whichever of Sleep/Block
	// is parked on this object; nil when the object is not parked.
	wake chan TimeoutReason

	// sleepLink is the object's sleep-queue hook (spec.md §9: "collapse
	// macro-based _foreach ... into one owning collection type; blocking/
	// sleep queues use an intrusive list keyed by a per-object hook").
	sleepLink *sleepNode
}

// State returns the object's current state (not a copy of the struct,
// just the field — safe under mu).
func (o *object) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// apply performs a table-driven transition, recording StatusInvalid events
// as no-ops. mandatory is used by callers that consider an Invalid result
// here a fatal corruption (spec.md §7 SCH policy); optional callers (e.g.
// Expedite racing a wake) silently ignore it.
func (o *object) apply(e Event) (State, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	next, status := o.state.Apply(e)
	if !status.Ok() {
		return o.state, false
	}
	o.state = next
	return next, true
}

// Thread is spec.md §3's Thread entity.
type Thread struct {
	Handle Handle
	Parent Handle
	Name   string
	Space  *vmm.AddressSpace

	Flags Flags

	obj object

	cleanup    atomic.Bool
	terminated atomic.Bool
	references atomic.Int32

	startedAtTick uint64
	retcode       atomic.Int32

	joinWait chan struct{}
	joinOnce sync.Once
}

// newThread constructs a Thread in state Initial with refcount 1 (the
// creator's reference); the caller is responsible for queueing it.
func newThread(handle, parent Handle, name string, space *vmm.AddressSpace, flags Flags, timeslice uint32) *Thread {
	t := &Thread{
		Handle:   handle,
		Parent:   parent,
		Name:     name,
		Space:    space,
		Flags:    flags,
		joinWait: make(chan struct{}),
	}
	t.obj.state = StateInitial
	t.obj.timeslice = timeslice
	t.obj.remaining = timeslice
	t.references.Store(1)
	return t
}

// Retain/Release implement spec.md §3's Thread refcount/cleanup invariant:
// "Destroyed only when cleanup=1 AND references=0."
func (t *Thread) Retain() { t.references.Add(1) }

func (t *Thread) Release() {
	if t.references.Add(-1) <= 0 && t.cleanup.Load() {
		t.finishJoin()
	}
}

// markForCleanup sets the cleanup flag; the thread is reaped the next time
// it is scheduled off, per spec.md §4.5 "Failure semantics".
func (t *Thread) markForCleanup(exitCode int) {
	t.retcode.Store(int32(exitCode))
	t.cleanup.Store(true)
}

func (t *Thread) finishJoin() {
	t.joinOnce.Do(func() { close(t.joinWait) })
}

// ExitCode observes the thread's retcode; valid once Join has returned.
func (t *Thread) ExitCode() int { return int(t.retcode.Load()) }
