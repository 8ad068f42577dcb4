// Package lzerr defines the typed error taxonomy surfaced by lazycluster.
//
// Every variant is a value type: hosts and ports are carried as strings and
// ints, never as pointers back into a live Runtime or RuntimeGroup. Holding
// a *Runtime inside an error would tie that runtime's lifetime to every
// caller still holding the error, and would let a RuntimeGroup and one of
// its own errors reference each other.
package lzerr

import "fmt"

// Kind classifies a LazyclusterError without requiring a type assertion.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidRuntime
	KindNoRuntimesDetected
	KindPortInUse
	KindNoPortsLeft
	KindPathCreationError
	KindTaskExecutionError
	KindMasterStartError
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRuntime:
		return "InvalidRuntime"
	case KindNoRuntimesDetected:
		return "NoRuntimesDetected"
	case KindPortInUse:
		return "PortInUse"
	case KindNoPortsLeft:
		return "NoPortsLeft"
	case KindPathCreationError:
		return "PathCreationError"
	case KindTaskExecutionError:
		return "TaskExecutionError"
	case KindMasterStartError:
		return "MasterStartError"
	default:
		return "LazyclusterError"
	}
}

// LazyclusterError is the base of every variant below: a message plus an
// optional predecessor cause. Concrete variants embed it and add their own
// value fields.
type LazyclusterError struct {
	Msg   string
	Cause error
}

func (e *LazyclusterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *LazyclusterError) Unwrap() error { return e.Cause }

func (e *LazyclusterError) Kind() Kind { return KindUnknown }

// InvalidRuntime reports that a host failed the Python-version probe
// performed by runtime construction.
type InvalidRuntime struct {
	LazyclusterError
	Host string
}

func NewInvalidRuntime(host string, cause error) *InvalidRuntime {
	return &InvalidRuntime{
		LazyclusterError: LazyclusterError{
			Msg:   fmt.Sprintf("runtime %s failed validation", host),
			Cause: cause,
		},
		Host: host,
	}
}

func (e *InvalidRuntime) Kind() Kind { return KindInvalidRuntime }

// NoRuntimesDetected reports that host discovery, or a filter applied to an
// existing group, yielded zero valid runtimes.
type NoRuntimesDetected struct {
	LazyclusterError
}

func NewNoRuntimesDetected(cause error) *NoRuntimesDetected {
	return &NoRuntimesDetected{LazyclusterError{Msg: "no runtimes detected", Cause: cause}}
}

func (e *NoRuntimesDetected) Kind() Kind { return KindNoRuntimesDetected }

// PortInUse reports that a specific port was demanded and found occupied.
// Host and Group are informational labels, not references to live objects;
// Group is false when the error originates from a single Runtime.
type PortInUse struct {
	LazyclusterError
	Port int
	Host string
	Group bool
}

func NewPortInUse(port int, host string, group bool) *PortInUse {
	scope := host
	if group {
		scope = "group"
	}
	return &PortInUse{
		LazyclusterError: LazyclusterError{Msg: fmt.Sprintf("port %d in use on %s", port, scope)},
		Port:             port,
		Host:             host,
		Group:            group,
	}
}

func (e *PortInUse) Kind() Kind { return KindPortInUse }

// NoPortsLeft reports that a candidate port list, or a sliding internal
// range, was exhausted without finding a match.
type NoPortsLeft struct {
	LazyclusterError
	RangeStart int
	RangeEnd   int
}

func NewNoPortsLeft(start, end int) *NoPortsLeft {
	return &NoPortsLeft{
		LazyclusterError: LazyclusterError{Msg: fmt.Sprintf("no free ports left in [%d, %d)", start, end)},
		RangeStart:       start,
		RangeEnd:         end,
	}
}

func (e *NoPortsLeft) Kind() Kind { return KindNoPortsLeft }

// PathCreationError reports that mkdir -p (or the equivalent remote
// directory operation) failed.
type PathCreationError struct {
	LazyclusterError
	Path string
	Host string
}

func NewPathCreationError(path, host string, cause error) *PathCreationError {
	return &PathCreationError{
		LazyclusterError: LazyclusterError{Msg: fmt.Sprintf("could not create %s on %s", path, host), Cause: cause},
		Path:             path,
		Host:             host,
	}
}

func (e *PathCreationError) Kind() Kind { return KindPathCreationError }

// TaskExecutionError reports that a RUN_COMMAND sub-step exited non-zero.
// TaskName and Host are value copies, not a reference to the live Task.
type TaskExecutionError struct {
	LazyclusterError
	StepIndex           int
	TaskName            string
	Host                string
	ExecutionLogFilePath string
	Output              string
}

func NewTaskExecutionError(stepIndex int, taskName, host, logPath, output string, cause error) *TaskExecutionError {
	return &TaskExecutionError{
		LazyclusterError: LazyclusterError{
			Msg:   fmt.Sprintf("task %q step %d failed on %s", taskName, stepIndex, host),
			Cause: cause,
		},
		StepIndex:            stepIndex,
		TaskName:              taskName,
		Host:                  host,
		ExecutionLogFilePath:  logPath,
		Output:                output,
	}
}

func (e *TaskExecutionError) Kind() Kind { return KindTaskExecutionError }

// MasterStartError reports that a MasterLauncher could not confirm its
// daemon bound to the expected port.
type MasterStartError struct {
	LazyclusterError
	Host string
	Port int
}

func NewMasterStartError(host string, port int, cause error) *MasterStartError {
	return &MasterStartError{
		LazyclusterError: LazyclusterError{Msg: fmt.Sprintf("master failed to start on %s:%d", host, port), Cause: cause},
		Host:              host,
		Port:              port,
	}
}

func (e *MasterStartError) Kind() Kind { return KindMasterStartError }

// KindOf extracts the Kind of any error produced by this package, walking
// the Unwrap chain. Returns KindUnknown for errors this package didn't mint.
func KindOf(err error) Kind {
	type kinder interface{ Kind() Kind }
	for err != nil {
		if k, ok := err.(kinder); ok {
			return k.Kind()
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return KindUnknown
}
