package core

import (
	"fmt"
	"runtime"
)

// FaultCategory groups invariant violations by the subsystem that detected
// them, mirroring the category field the teacher's error type carried.
type FaultCategory string

const (
	FaultScheduler FaultCategory = "SCHEDULER"
	FaultMemory    FaultCategory = "MEMORY"
	FaultInterrupt FaultCategory = "INTERRUPT"
)

// Fault is raised only for the invariant violations spec.md §7 calls
// genuinely fatal: a mandatory scheduler-object transition returning
// Invalid, page-table corruption, or a debug-build double-free. Everything
// else is a returned Status, never a Fault.
type Fault struct {
	Category FaultCategory
	Op       string
	Detail   string
	Caller   string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("[%s] %s: %s (at %s)", f.Category, f.Op, f.Detail, f.Caller)
}

// NewFault builds a Fault, recording the immediate caller for postmortems.
func NewFault(category FaultCategory, op, detail string) *Fault {
	caller := "unknown"
	if pc, _, _, ok := runtime.Caller(1); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}
	return &Fault{Category: category, Op: op, Detail: detail, Caller: caller}
}

// Raise panics with a Fault. Used for the mandatory-transition assertions
// in internal/sched and for internal/pma's debug double-free check; every
// other failure is reported by returning a Status.
func Raise(category FaultCategory, op, detail string) {
	panic(NewFault(category, op, detail))
}
