package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vali-os/corekernel/internal/core"
)

func TestSchedulerBoostReturnsAllQueuesToTop(t *testing.T) {
	// spec.md §8 scenario 1.
	sc := NewScheduler(6, 20, 100, 1)
	c := &core.Core{ID: 7}
	cs := sc.stateFor(c.ID)

	var threads []*Thread
	for i := 0; i < 10; i++ {
		th := sc.NewThread("looper", 0, 0, 0, nil)
		th.obj.state = StateQueued
		level := (i % 5) + 1
		th.obj.level = level
		cs.runQueues[level] = append(cs.runQueues[level], th)
		threads = append(threads, th)
	}

	next, _ := sc.Advance(c, 100)
	require.NotNil(t, next)

	for level := 1; level < 6; level++ {
		require.Empty(t, cs.runQueues[level], "level %d must be empty after boost", level)
	}

	found := map[*Thread]bool{next: true}
	cs.mu.Lock()
	for _, th := range cs.runQueues[0] {
		found[th] = true
	}
	remaining := len(cs.runQueues[0])
	cs.mu.Unlock()

	require.Equal(t, 10, len(found))
	require.Equal(t, 9, remaining)
	for _, th := range threads {
		require.Equal(t, 0, th.obj.level)
	}
}

func TestSleepInterruptionScenario(t *testing.T) {
	// spec.md §8 scenario 6.
	sc := NewScheduler(6, 20, 1<<30, 1)
	c := &core.Core{ID: 0}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sc.Advance(c, 5)
			case <-stop:
				return
			}
		}
	}()

	th := sc.NewThread("sleeper", 0, 0, 0, nil)
	th.obj.coreID = c.ID
	th.obj.state = StateRunning

	start := time.Now()
	done := make(chan SleepResult, 1)
	go func() { done <- sc.Sleep(c, th, 1000) }()

	time.Sleep(50 * time.Millisecond)
	sc.Expedite(c, th)

	result := <-done
	elapsed := time.Since(start)
	require.Equal(t, SleepInterrupted, result)
	require.InDelta(t, 50, elapsed.Milliseconds(), 40)

	// Expedite requeued th; wait for the ticker to run it again before the
	// second sleep.
	require.Eventually(t, func() bool { return th.obj.State() == StateRunning }, time.Second, time.Millisecond)
	start2 := time.Now()
	res2 := sc.Sleep(c, th, 1000)
	require.Equal(t, SleepOK, res2)
	require.InDelta(t, 1000, time.Since(start2).Milliseconds(), 150)
}

func TestQueueAttachesBandwidthOnlyOnce(t *testing.T) {
	sc := NewScheduler(6, 20, 1<<30, 1)
	c := &core.Core{ID: 1}

	th := sc.NewThread("t", 0, 0, 0, nil)
	require.True(t, sc.Queue(c, th).Ok())
	require.Equal(t, uint64(20), c.LoadBandwidth())

	// Re-admission after a preemption-style Schedule round trip must not
	// attach bandwidth again. Queue is only ever called once after creation
	// in this port; subsequent admission happens through Advance.
	require.Equal(t, StateQueued, th.obj.State())
	sc.Advance(c, 1)
	sc.Advance(c, 20) // quota used up: requeued by Advance, not re-attached
	require.Equal(t, uint64(20), c.LoadBandwidth())
}

func TestTerminateDetachesBandwidthAndIsIdempotent(t *testing.T) {
	sc := NewScheduler(6, 20, 1<<30, 1)
	c := &core.Core{ID: 2}

	th := sc.NewThread("t", 0, 0, 0, nil)
	require.True(t, sc.Queue(c, th).Ok())
	require.Equal(t, uint64(20), c.LoadBandwidth())

	require.True(t, sc.Terminate(c, th, 7, false).Ok())
	require.Equal(t, uint64(0), c.LoadBandwidth())
	require.Equal(t, 7, th.ExitCode())

	// Double-terminate is idempotent (spec.md §7).
	require.True(t, sc.Terminate(c, th, 9, false).Ok())
}

func TestJoinObservesExitCodeAfterTerminate(t *testing.T) {
	sc := NewScheduler(6, 20, 1<<30, 1)
	c := &core.Core{ID: 3}

	th := sc.NewThread("t", 0, 0, 0, nil)
	require.True(t, sc.Queue(c, th).Ok())

	go func() {
		time.Sleep(10 * time.Millisecond)
		sc.Terminate(c, th, 42, false)
	}()

	code, status := sc.Join(th)
	require.True(t, status.Ok())
	require.Equal(t, 42, code)
}

func TestAdvanceKeepsRunningThreadCurrentUntilQuotaExpires(t *testing.T) {
	// With two threads queued on the same core, the running one must stay
	// current on every tick while its quota lasts, neither dropped nor
	// swapped out, and the other stays queued.
	sc := NewScheduler(6, 20, 1<<30, 4)
	c := &core.Core{ID: 4}

	shell := sc.NewThread("shell", 0, 0, 0, nil)
	require.True(t, sc.Queue(c, shell).Ok())
	monitor := sc.NewThread("monitor", 0, 0, 0, nil)
	require.True(t, sc.Queue(c, monitor).Ok())

	first, _ := sc.Advance(c, 1)
	require.Equal(t, shell, first)
	require.Equal(t, StateRunning, shell.obj.State())

	// Stay well under shell's 20ms timeslice so this only exercises the
	// fast path, not demotion (covered separately below).
	for i := 0; i < 10; i++ {
		next, _ := sc.Advance(c, 1)
		require.NotNil(t, next, "tick %d: thread was orphaned", i)
	}

	require.Equal(t, StateRunning, shell.obj.State())
	require.Equal(t, StateQueued, monitor.obj.State())
	require.Equal(t, uint32(10), shell.obj.remaining)
}

func TestAdvanceDemotesThreadWhosePreemptedQuotaRunsOut(t *testing.T) {
	sc := NewScheduler(6, 20, 1<<30, 5)
	c := &core.Core{ID: 5}

	th := sc.NewThread("hog", 0, 0, 0, nil)
	require.True(t, sc.Queue(c, th).Ok())

	// th is freshly popped this tick: it starts running with a full quota,
	// not yet charged for any elapsed time.
	next, _ := sc.Advance(c, 1)
	require.Equal(t, th, next)
	require.Equal(t, uint32(20), th.obj.remaining)

	other := sc.NewThread("other", 0, 0, 0, nil)
	require.True(t, sc.Queue(c, other).Ok())

	// One more tick charges th for the elapsed time; quota remains, so the
	// fast path keeps it current without a requeue round-trip.
	next, _ = sc.Advance(c, 1)
	require.Equal(t, th, next)
	require.Equal(t, uint32(19), th.obj.remaining)
	require.Equal(t, StateRunning, th.obj.State())

	// Burn the rest of th's quota in one tick; it must be demoted to
	// level 1 and requeued rather than orphaned (spec.md §4.5 "Timeslice
	// and demotion"), and other takes over.
	next, _ = sc.Advance(c, 19)
	require.Equal(t, other, next)
	require.Equal(t, 1, th.obj.level)
	require.Equal(t, StateQueued, th.obj.State())
}

func TestQueueAndExpediteCrossCoreGoThroughMailboxUntilDrained(t *testing.T) {
	sc := NewScheduler(6, 20, 1<<30, 2)
	home := &core.Core{ID: 0}
	other := &core.Core{ID: 1}

	th := sc.NewThread("migrated", 0, 0, 0, nil)
	require.True(t, sc.Queue(home, th).Ok())
	next, _ := sc.Advance(home, 1)
	require.Equal(t, th, next)

	// Sleep on home, then expedite from a different core: the wake must be
	// posted to home's mailbox instead of splicing into its run queue
	// directly from core 1's goroutine.
	done := make(chan SleepResult, 1)
	go func() { done <- sc.Sleep(home, th, 1000) }()
	time.Sleep(10 * time.Millisecond)

	require.True(t, sc.Expedite(other, th).Ok())
	require.Equal(t, StateQueueing, th.obj.State())
	require.Equal(t, 1, sc.hub.Mailbox(home.ID).Pending())

	result := <-done
	require.Equal(t, SleepInterrupted, result)

	// home's own Advance drains the mailbox and finishes the queue
	// transition itself; nothing ever spliced th into home's run queue
	// from core 1's goroutine directly.
	woken, _ := sc.Advance(home, 0)
	require.Equal(t, th, woken)
	require.Equal(t, StateRunning, th.obj.State())
	require.Equal(t, 0, sc.hub.Mailbox(home.ID).Pending())

	// A cross-core Queue of a thread homed on home is posted to home's
	// mailbox as well.
	blocked := sc.NewThread("blocked", 0, 0, 0, nil)
	blocked.obj.coreID = home.ID
	blocked.obj.state = StateBlocked
	require.True(t, sc.Queue(other, blocked).Ok())
	require.Equal(t, 1, sc.hub.Mailbox(home.ID).Pending())
}

func TestAllocateSchedulerPicksLeastLoadedCore(t *testing.T) {
	sc := NewScheduler(6, 20, 1<<30, 3)
	cores := core.NewCores(3)
	cores[0].AddBandwidth(100)
	cores[1].AddBandwidth(10)
	cores[2].AddBandwidth(50)

	chosen := sc.AllocateScheduler(cores)
	require.Equal(t, cores[1], chosen)
}
