package sched

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/vali-os/corekernel/internal/core"
	"github.com/vali-os/corekernel/internal/sched/txu"
	"github.com/vali-os/corekernel/internal/vmm"
)

// SleepResult is what Sleep reports to its caller, per spec.md §4.5.
type SleepResult int

const (
	SleepOK SleepResult = iota
	SleepInterrupted
)

func (r SleepResult) String() string {
	if r == SleepInterrupted {
		return "Interrupted"
	}
	return "OK"
}

// coreState is the per-core scheduling state: L feedback queues, a sleep
// queue, and the local clock advanced only by calls to Advance.
type coreState struct {
	mu        sync.Mutex
	runQueues       [][]*Thread // level 0 = top priority
	sleepQ          *sleepQueue
	nowMs           uint64
	ticksSinceBoost uint64
	current         *Thread
	idle            *Thread
}

// Scheduler is the per-core multilevel feedback scheduler, spec.md §4.5.
type Scheduler struct {
	levels        int
	initialSlice  uint32
	boostPeriodMs uint64

	nextHandle atomic.Uint64

	mu    sync.RWMutex
	cores map[int]*coreState

	hub *txu.Hub
	log *logrus.Entry
}

// NewScheduler allocates a scheduler with L run-queue levels, an initial
// timeslice, a boost period (milliseconds of elapsed core time), and a
// cross-core mailbox hub sized for
// numCores.
func NewScheduler(levels int, initialTimeslice uint32, boostPeriodMs uint64, numCores int) *Scheduler {
	return &Scheduler{
		levels:        levels,
		initialSlice:  initialTimeslice,
		boostPeriodMs: boostPeriodMs,
		cores:         make(map[int]*coreState),
		hub:           txu.NewHub(numCores),
		log:           logrus.WithField("component", "sched"),
	}
}

func (sc *Scheduler) stateFor(id int) *coreState {
	sc.mu.RLock()
	cs, ok := sc.cores[id]
	sc.mu.RUnlock()
	if ok {
		return cs
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if cs, ok = sc.cores[id]; ok {
		return cs
	}
	cs = &coreState{
		runQueues: make([][]*Thread, sc.levels),
		sleepQ:    newSleepQueue(),
	}
	sc.cores[id] = cs
	return cs
}

// timesliceFor computes timeslice = INITIAL + 2*level, per spec.md §4.5.
func (sc *Scheduler) timesliceFor(level int) uint32 {
	return sc.initialSlice + 2*uint32(level)
}

// NewThread allocates a Thread in state Initial. entry/arg are carried only
// as opaque bookkeeping (no arch-specific context switch exists in this
// port — see SPEC_FULL.md's boot EXPANSION note).
func (sc *Scheduler) NewThread(name string, entry, arg uintptr, flags Flags, space *vmm.AddressSpace) *Thread {
	h := Handle(sc.nextHandle.Add(1))
	return newThread(h, 0, name, space, flags, sc.timesliceFor(0))
}

// AllocateScheduler picks the core within domain with the smallest
// Bandwidth, per spec.md §4.5 "Core selection at creation". Adapted from
// the pseudo-receiver in the distilled spec (a method hung off core.Core)
// into a Scheduler method, since homing a thread needs scheduler state the
// core struct itself deliberately does not hold.
func (sc *Scheduler) AllocateScheduler(domain []*core.Core) *core.Core {
	if len(domain) == 0 {
		return nil
	}
	best := domain[0]
	bestLoad := best.LoadBandwidth()
	for _, c := range domain[1:] {
		if load := c.LoadBandwidth(); load < bestLoad {
			best, bestLoad = c, load
		}
	}
	return best
}

// Queue admits a thread onto a core's top-level run queue. The first Queue
// after creation is an attach: it adds the thread's timeslice to the
// core's Bandwidth (spec.md §5, "pressure updated on attach/detach, never
// on transient block/queue").
//
// If the thread is already homed on a different core than c, this is a
// cross-core queue request (spec.md §4.5 "Cross-core queueing"): rather
// than splicing into that core's run queue directly, the request is
// posted to its TXU mailbox and finished when that core next drains it.
func (sc *Scheduler) Queue(c *core.Core, t *Thread) core.Status {
	first := t.obj.State() == StateInitial

	if !first && t.obj.coreID != c.ID {
		if _, ok := t.obj.apply(EventQueue); !ok {
			return core.StatusInvalid
		}
		sc.hub.Mailbox(t.obj.coreID).Post(txu.Message{Kind: txu.KindQueue, Payload: t})
		return core.StatusOK
	}

	c.Lock()
	defer c.Unlock()

	if _, ok := t.obj.apply(EventQueue); !ok {
		return core.StatusInvalid
	}

	cs := sc.stateFor(c.ID)
	cs.mu.Lock()
	t.obj.level = 0
	t.obj.remaining = sc.timesliceFor(0)
	t.obj.coreID = c.ID
	cs.runQueues[0] = append(cs.runQueues[0], t)
	cs.mu.Unlock()

	if first {
		c.AddBandwidth(int64(t.obj.timeslice))
	}
	if _, ok := t.obj.apply(EventQueueFinish); !ok {
		return core.StatusInvalid
	}
	return core.StatusOK
}

// Sleep blocks the calling goroutine (standing in for the thread of
// control) until ms have elapsed according to the core's own clock, or
// until Expedite fires, per spec.md §4.5's sleep-queue description.
func (sc *Scheduler) Sleep(c *core.Core, t *Thread, ms uint64) SleepResult {
	if ms == 0 {
		ms = 1
	}

	if _, ok := t.obj.apply(EventBlock); !ok {
		core.Raise(core.FaultScheduler, "sched.Sleep", "thread not Running at Sleep entry")
	}

	wake := make(chan TimeoutReason, 1)
	t.obj.mu.Lock()
	t.obj.timeoutReason = TimeoutNone
	t.obj.wake = wake
	t.obj.mu.Unlock()

	cs := sc.stateFor(c.ID)
	cs.mu.Lock()
	node := cs.sleepQ.insert(t, cs.nowMs+ms)
	cs.mu.Unlock()

	if _, ok := t.obj.apply(EventSchedule); !ok {
		// Expedite raced us and already cancelled the sleep before it took
		// effect (Blocking--Queue-->Running); nothing to wait on.
		cs.mu.Lock()
		cs.sleepQ.remove(node)
		cs.mu.Unlock()
		return SleepOK
	}

	reason := <-wake
	if reason == TimeoutInterrupted {
		return SleepInterrupted
	}
	return SleepOK
}

// Advance is the scheduler tick: drains cross-core TXU messages, reschedules
// the previously running thread, expires sleeping threads whose deadline
// has passed, and returns the next thread to run along with the next wake
// deadline, per spec.md §4.5 steps 1-4.
func (sc *Scheduler) Advance(c *core.Core, passedMs uint64) (next *Thread, nextDeadlineMs uint64) {
	cs := sc.stateFor(c.ID)

	for _, msg := range sc.DrainMailbox(c.ID) {
		switch msg.Kind {
		case txu.KindQueue:
			th, ok := msg.Payload.(*Thread)
			if !ok || th == nil {
				continue
			}
			cs.mu.Lock()
			cs.enqueueLocked(th)
			th.obj.apply(EventQueueFinish)
			cs.mu.Unlock()
		case txu.KindShootdown:
			// This core's TLB entries for [VA, VA+Length) are now stale;
			// nothing to flush in this port, since page tables are plain
			// Go maps with no cached translation to invalidate.
		}
	}

	cs.mu.Lock()
	cs.nowMs += passedMs

	fastPath := false
	if prev := cs.current; prev != nil {
		switch prev.obj.State() {
		case StateRunning:
			// spec.md §4.5 step 1: nothing in this tree ever moves a
			// Running thread away on its own (no Yield exists), so the
			// thread Advance finds current is simply the one the last
			// tick picked, still running. Charge it for the elapsed
			// time; if quota remains, it keeps running without a
			// requeue round-trip (fast path).
			if passedMs < uint64(prev.obj.remaining) {
				prev.obj.remaining -= uint32(passedMs)
				fastPath = true
			} else {
				prev.obj.remaining = 0
				if _, ok := prev.obj.apply(EventSchedule); !ok {
					core.Raise(core.FaultScheduler, "sched.Advance", "running thread refused Schedule")
				}
				// A thread marked for cleanup is reaped here, not requeued.
				if !prev.cleanup.Load() {
					cs.enqueueLocked(prev)
					prev.obj.apply(EventQueueFinish)
				}
				cs.current = nil
			}
		case StateQueueing:
			if !prev.cleanup.Load() {
				cs.enqueueLocked(prev)
				prev.obj.apply(EventQueueFinish)
			}
			cs.current = nil
		case StateBlocking:
			// TimeLeft already recorded by Sleep via sleepQ.insert.
			cs.current = nil
		default:
			cs.current = nil
		}
	}

	for _, n := range cs.sleepQ.expired(cs.nowMs) {
		th := n.thread
		if _, ok := th.obj.apply(EventQueue); ok {
			th.obj.mu.Lock()
			th.obj.timeoutReason = TimeoutTimeout
			wake := th.obj.wake
			th.obj.wake = nil
			th.obj.mu.Unlock()
			cs.enqueueLocked(th)
			th.obj.apply(EventQueueFinish)
			if wake != nil {
				wake <- TimeoutTimeout
			}
		}
	}

	cs.ticksSinceBoost += passedMs
	if sc.boostPeriodMs > 0 && cs.ticksSinceBoost >= sc.boostPeriodMs {
		cs.boostLocked()
		cs.ticksSinceBoost = 0
	}

	th := cs.current
	if !fastPath {
		th = cs.popLocked()
		if th != nil {
			if _, ok := th.obj.apply(EventExecute); !ok {
				core.Raise(core.FaultScheduler, "sched.Advance", "popped thread not Queued")
			}
			cs.current = th
		}
	}

	deadline := uint64(0)
	if cs.sleepQ.len() > 0 {
		deadline = cs.sleepQ.h[0].deadlineMs
	}
	cs.mu.Unlock()

	return th, deadline
}

// enqueueLocked appends t to its current level's run queue, first demoting
// it one level if its quota is used up and it is not already on the bottom
// level (spec.md §4.5 "Timeslice and demotion"). Must be called with cs.mu
// held.
func (cs *coreState) enqueueLocked(t *Thread) {
	if t.obj.remaining == 0 && t.obj.level < len(cs.runQueues)-1 {
		t.obj.level++
	}
	t.obj.remaining = t.obj.timeslice
	cs.runQueues[t.obj.level] = append(cs.runQueues[t.obj.level], t)
}

// boostLocked splices every non-top queue onto the top queue, preserving
// arrival order, per spec.md §4.5's anti-starvation boost.
func (cs *coreState) boostLocked() {
	for level := 1; level < len(cs.runQueues); level++ {
		if len(cs.runQueues[level]) == 0 {
			continue
		}
		for _, t := range cs.runQueues[level] {
			t.obj.level = 0
			t.obj.remaining = t.obj.timeslice
		}
		cs.runQueues[0] = append(cs.runQueues[0], cs.runQueues[level]...)
		cs.runQueues[level] = nil
	}
}

// popLocked pops the first thread from the first non-empty queue,
// preserving round-robin order within a level (spec.md §4.5 step 4).
func (cs *coreState) popLocked() *Thread {
	for level := range cs.runQueues {
		q := cs.runQueues[level]
		if len(q) == 0 {
			continue
		}
		t := q[0]
		cs.runQueues[level] = q[1:]
		return t
	}
	return nil
}

// Block pushes the calling thread onto q and yields until woken by
// Expedite or, if timeoutMs > 0, by timeout, per spec.md §4.5's block
// queue description. A zero timeout blocks indefinitely.
func (sc *Scheduler) Block(c *core.Core, t *Thread, q *BlockQueue, timeoutMs uint64) TimeoutReason {
	if _, ok := t.obj.apply(EventBlock); !ok {
		core.Raise(core.FaultScheduler, "sched.Block", "thread not Running at Block entry")
	}

	wake := make(chan TimeoutReason, 1)
	t.obj.mu.Lock()
	t.obj.blockQueue = q
	t.obj.wake = wake
	t.obj.mu.Unlock()
	q.push(t)

	var node *sleepNode
	if timeoutMs > 0 {
		cs := sc.stateFor(c.ID)
		cs.mu.Lock()
		node = cs.sleepQ.insert(t, cs.nowMs+timeoutMs)
		cs.mu.Unlock()
	}

	if _, ok := t.obj.apply(EventSchedule); !ok {
		// Expedite raced us and already cancelled the block before it took
		// effect (Blocking--Queue-->Running); nothing to wait on.
		q.remove(t)
		if node != nil {
			cs := sc.stateFor(c.ID)
			cs.mu.Lock()
			cs.sleepQ.remove(node)
			cs.mu.Unlock()
		}
		return TimeoutInterrupted
	}

	reason := <-wake
	q.remove(t) // a timeout wake leaves t in q; Expedite already removed it
	if node != nil {
		cs := sc.stateFor(c.ID)
		cs.mu.Lock()
		cs.sleepQ.remove(node)
		cs.mu.Unlock()
	}
	return reason
}

// Expedite wakes a blocked or sleeping object, per spec.md §4.5: tries to
// transition it to Queueing, removes it from whichever wait list it is in,
// and records TimeoutReason=Interrupted. A failed transition (already
// running or already woken) is an optional-operation Invalid and is
// silently ignored, per spec.md §7's SCH policy.
//
// callerCore is the core the waker is running on. If the object's home
// core differs, the finishing enqueue is posted to that core's TXU
// mailbox (spec.md §4.5 "Cross-core queueing") instead of reaching into
// its run queue directly.
func (sc *Scheduler) Expedite(callerCore *core.Core, t *Thread) core.Status {
	t.obj.mu.Lock()
	bq := t.obj.blockQueue
	link := t.obj.sleepLink
	coreID := t.obj.coreID
	wake := t.obj.wake
	t.obj.mu.Unlock()

	newState, ok := t.obj.apply(EventQueue)
	if !ok {
		return core.StatusOK // optional operation, already settled — ignored
	}

	if bq != nil {
		bq.remove(t)
	}
	if link != nil {
		cs := sc.stateFor(coreID)
		cs.mu.Lock()
		cs.sleepQ.remove(link)
		cs.mu.Unlock()
	}

	t.obj.mu.Lock()
	t.obj.timeoutReason = TimeoutInterrupted
	t.obj.blockQueue = nil
	t.obj.sleepLink = nil
	t.obj.wake = nil
	t.obj.mu.Unlock()

	if newState == StateRunning {
		// Blocking--Queue-->Running: cancelled before the sleep/block took
		// effect. "returns-to-run": the object simply resumes.
		return core.StatusOK
	}

	if wake != nil {
		wake <- TimeoutInterrupted
	}

	if callerCore != nil && coreID != callerCore.ID {
		sc.hub.Mailbox(coreID).Post(txu.Message{Kind: txu.KindQueue, Payload: t})
		return core.StatusOK
	}

	cs := sc.stateFor(coreID)
	cs.mu.Lock()
	cs.enqueueLocked(t)
	t.obj.apply(EventQueueFinish)
	cs.mu.Unlock()
	return core.StatusOK
}

// Terminate marks t for cleanup and records its exit code; storage is
// reclaimed once references reaches zero (spec.md §3's Thread invariant).
// Double-terminate is idempotent, per spec.md §7.
func (sc *Scheduler) Terminate(c *core.Core, t *Thread, exitCode int, terminateChildren bool) core.Status {
	if t.terminated.Swap(true) {
		return core.StatusOK
	}
	t.markForCleanup(exitCode)
	c.AddBandwidth(-int64(t.obj.timeslice))
	t.Release()
	return core.StatusOK
}

// Join blocks until t exits, then returns its exit code.
func (sc *Scheduler) Join(t *Thread) (int, core.Status) {
	<-t.joinWait
	return t.ExitCode(), core.StatusOK
}

// Detach releases the creator's interest in observing t's exit; a
// detached thread's storage is still reclaimed by reference counting, it
// simply has no Join waiter left.
func (sc *Scheduler) Detach(t *Thread) core.Status {
	t.Release()
	return core.StatusOK
}

// Local implements vmm.Shootdown's same-core fast path: nothing to
// broadcast, the TLB invalidation already ran on the caller's core.
func (sc *Scheduler) Local(va vmm.Addr, length uintptr) {}

// Broadcast implements vmm.Shootdown's cross-core path by posting a
// shootdown message to every other core's TXU mailbox.
func (sc *Scheduler) Broadcast(coreID int, va vmm.Addr, length uintptr) {
	sc.hub.Broadcast(coreID, txu.Message{Kind: txu.KindShootdown, VA: uintptr(va), Length: length})
}

// DrainMailbox lets a core process any pending cross-core messages (TLB
// shootdowns, cross-core queue requests) at a safe point; Advance calls
// this itself at the top of every tick.
func (sc *Scheduler) DrainMailbox(coreID int) []txu.Message {
	return sc.hub.Mailbox(coreID).Drain()
}
