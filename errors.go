package fibrerun

import (
	"errors"
	"fmt"
)

// ErrNotImplemented is returned by API surface that is present but
// deliberately unimplemented, such as Cluster.RegisterWorker (adopting an
// externally-created OS thread as a worker). The method exists so callers
// can compile against it, but it always fails.
var ErrNotImplemented = errors.New("fibrerun: not implemented")

// ErrPauseWithoutCoordinator is returned by Cluster.Resume when called
// without a prior, still-active Cluster.Pause.
var ErrPauseWithoutCoordinator = errors.New("fibrerun: resume called without a matching pause")

// ErrNestedPause is returned by Cluster.Pause when the cluster is already
// paused.
var ErrNestedPause = errors.New("fibrerun: cluster already paused")

// SchedulerError wraps an invariant violation or a fatal system-call failure
// detected by the scheduling core. Per the error-handling design, these
// conditions indicate a programming error or kernel exhaustion the scheduler
// cannot recover from, so they are always delivered via panic, never as a
// returned error; poller construction also panics if the OS backend cannot
// be created.
type SchedulerError struct {
	Op    string
	Cause error
}

func (e *SchedulerError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("fibrerun: %s", e.Op)
	}
	return fmt.Sprintf("fibrerun: %s: %v", e.Op, e.Cause)
}

func (e *SchedulerError) Unwrap() error { return e.Cause }

// fatal panics with a *SchedulerError: this process cannot continue.
func fatal(op string, cause error) {
	panic(&SchedulerError{Op: op, Cause: cause})
}

// checkSyscall panics via fatal if err is non-nil. Used for poll failures,
// the fibre poller's poll-file registration, and timer arming, which are
// unrecoverable:
// only EINTR during a poll is tolerated, and the backends handle that
// inline.
func checkSyscall(op string, err error) {
	if err != nil {
		fatal(op, err)
	}
}
