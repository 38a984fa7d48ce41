// Package sched implements the per-core multilevel feedback scheduler:
// thread lifecycle, the run-queue/sleep-queue/block-queue machinery, and
// cross-core queueing via TXU, per spec.md §4.5. Grounded on the teacher's
// AdvancedScheduler/RunQueue/LoadBalancer
// (internal/runtime/kernel/scheduler.go) — per-CPU run queues, CPU
// selection by load, cross-CPU migration — replacing its CFS/red-black-tree
// policy with the exact state-machine and L-level feedback queue spec.md
// §4.5 specifies (the red-black tree itself is adapted, not discarded,
// into the sleep queue's deadline ordering — see sleepqueue.go).
package sched

import "github.com/vali-os/corekernel/internal/core"

// State is spec.md §4.5's SchedulerObject state.
type State int

const (
	StateInitial State = iota
	StateQueueing
	StateQueued
	StateRunning
	StateBlocking
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateQueueing:
		return "Queueing"
	case StateQueued:
		return "Queued"
	case StateRunning:
		return "Running"
	case StateBlocking:
		return "Blocking"
	case StateBlocked:
		return "Blocked"
	default:
		return "Unknown"
	}
}

// Event is one of the named transitions in spec.md §4.5's table.
type Event int

const (
	EventQueue Event = iota
	EventQueueFinish
	EventExecute
	EventSchedule
	EventBlock
)

// transitions is the authoritative table from spec.md §4.5:
//
//	Initial --Queue--> Queueing --QueueFinish--> Queued
//	Queued --Execute--> Running
//	Running --Schedule--> Queueing   (preempted or yielded)
//	Running --Block--> Blocking
//	Blocking --Queue--> Running      (cancelled before sleep took effect)
//	Blocking --Schedule--> Blocked
//	Blocked --Queue--> Queueing
//
// Any event not in this table returns Invalid and leaves state unchanged.
var transitions = map[State]map[Event]State{
	StateInitial:  {EventQueue: StateQueueing},
	StateQueueing: {EventQueueFinish: StateQueued},
	StateQueued:   {EventExecute: StateRunning},
	StateRunning: {
		EventSchedule: StateQueueing,
		EventBlock:    StateBlocking,
	},
	StateBlocking: {
		EventQueue:    StateRunning,
		EventSchedule: StateBlocked,
	},
	StateBlocked: {EventQueue: StateQueueing},
}

// Apply looks up the transition for (s, e) in the table above. Any
// transition not present returns (s, StatusInvalid) and does not mutate
// anything — callers must not have already committed to a new state
// before calling Apply.
func (s State) Apply(e Event) (State, core.Status) {
	if row, ok := transitions[s]; ok {
		if next, ok := row[e]; ok {
			return next, core.StatusOK
		}
	}
	return s, core.StatusInvalid
}
