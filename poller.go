package fibrerun

import (
	"sync/atomic"
	"time"
)

// maxPollEvents bounds the per-call event buffer used by both backends, so
// a single poll syscall never has to grow a buffer mid-flight.
const maxPollEvents = 1024

// ioEvents is the readiness direction bitmask a poller backend decodes
// raw kernel events into, plus the registration variant bits. Level is the
// default; Edge and Oneshot are properties of the registration, never
// mutated per event.
type ioEvents uint32

const (
	ioEventRead ioEvents = 1 << iota
	ioEventWrite
	ioEventError

	// registration variants
	ioEventEdge
	ioEventOneshot
)

// osPoller is the OS-specific readiness backend: epoll on Linux, kqueue on
// Darwin. Both report readiness by calling back into the owning
// EventScope, rather than returning raw event structs, so the platform
// files stay self-contained.
type osPoller interface {
	registerFD(fd int, ev ioEvents) error
	modifyFD(fd int, ev ioEvents) error
	unregisterFD(fd int) error
	// poll blocks up to timeoutMs (0: non-blocking, negative: forever),
	// waking any ready fd's waiter via scope.UnblockRead/UnblockWrite, and
	// returns the number of readiness events decoded, excluding the
	// backend's internal wake and timer files. EINTR is reported as zero
	// events; any other error is the caller's to treat as fatal.
	poll(timeoutMs int, scope *EventScope) (int, error)
	// wake interrupts a concurrent blocking poll call.
	wake() error
	// pollFD returns the kernel poll file's own descriptor (the epoll or
	// kqueue fd), which is itself pollable: a fibre-hosted poller parks by
	// registering it with the scope's master poller.
	pollFD() int
	// armTimer arms the backend's timer source for an absolute deadline
	// with microsecond resolution (timerfd on Linux, EVFILT_TIMER on
	// kqueue). A deadline already in the past fires on the next poll.
	// Only the master poller's backend ever arms it.
	armTimer(deadline time.Time) error
	close() error
}

// poller is the scheduling-facing type a Cluster owns: either a
// fibre-hosted poller (poller_fibre.go) or a dedicated-thread poller
// (poller_thread.go).
type poller interface {
	start()
	terminate()
	registerFD(fd int, ev ioEvents) error
	unregisterFD(fd int) error
}

// timerOwner arbitrates which dedicated-thread poller, among possibly
// several in a scope, is the master poller responsible for the timer
// source: a runtime try-claim rather than a construction-time
// designation, since the pollers are otherwise homogeneous.
type timerOwner struct {
	claimed atomic.Bool
}

func (t *timerOwner) tryClaim() bool { return t.claimed.CompareAndSwap(false, true) }
