// Package core holds the cross-cutting types shared by every kernel
// subsystem: the closed status enum, the fault type used for invariant
// violations, and the per-core Core context struct that replaces the
// package-level globals a C kernel would reach for (the Machine aggregate
// lives in internal/boot).
package core

// Status is the closed set of outcomes every kernel operation returns.
// No component invents its own error type; all of them narrow to this set
// at their API boundary.
type Status int

const (
	StatusOK Status = iota
	StatusInvalidParameters
	StatusDoesNotExist
	StatusExists
	StatusBusy
	StatusOutOfMemory
	StatusIncomplete
	StatusAccessDenied
	StatusInterrupted
	StatusTimeout
	StatusNotSupported
	StatusDiskError
	StatusPathNotFound
	StatusPathIsNotDirectory
	StatusProtocol
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusInvalidParameters:
		return "InvalidParameters"
	case StatusDoesNotExist:
		return "DoesNotExist"
	case StatusExists:
		return "Exists"
	case StatusBusy:
		return "Busy"
	case StatusOutOfMemory:
		return "OutOfMemory"
	case StatusIncomplete:
		return "Incomplete"
	case StatusAccessDenied:
		return "AccessDenied"
	case StatusInterrupted:
		return "Interrupted"
	case StatusTimeout:
		return "Timeout"
	case StatusNotSupported:
		return "NotSupported"
	case StatusDiskError:
		return "DiskError"
	case StatusPathNotFound:
		return "PathNotFound"
	case StatusPathIsNotDirectory:
		return "PathIsNotDirectory"
	case StatusProtocol:
		return "Protocol"
	case StatusInvalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// Ok reports whether the status represents success.
func (s Status) Ok() bool { return s == StatusOK }
