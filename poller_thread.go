package fibrerun

import (
	"runtime"
	"sync/atomic"
	"time"
)

// threadPoller dedicates an OS thread to the poll loop instead of
// scheduling it as a fibre. Exactly one threadPoller per EventScope
// additionally owns the timer source and drives timer expiry — the master
// poller — decided at start() via a runtime try-claim (timerOwner). The
// winner publishes itself on the scope so SetTimer and parked fibre
// pollers can reach it.
type threadPoller struct {
	scope   *EventScope
	backend osPoller
	master  bool
	stop    atomic.Bool
	done    chan struct{}
	logger  *Logger
}

func newThreadPoller(scope *EventScope, logger *Logger) *threadPoller {
	backend, err := newOSPoller()
	if err != nil {
		fatal("newThreadPoller", err)
	}
	if logger == nil {
		logger = disabledLogger
	}
	return &threadPoller{scope: scope, backend: backend, done: make(chan struct{}), logger: logger}
}

func (p *threadPoller) registerFD(fd int, ev ioEvents) error {
	p.scope.RegisterPollFD(fd)
	return p.backend.registerFD(fd, ev)
}

func (p *threadPoller) unregisterFD(fd int) error {
	p.scope.UnblockPollFD(fd)
	return p.backend.unregisterFD(fd)
}

func (p *threadPoller) start() {
	if p.scope.timerOwnership.tryClaim() {
		p.master = true
		p.scope.master.Store(p)
	}
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		installFakeContext(p.scope)
		defer close(p.done)
		p.run()
	}()
}

func (p *threadPoller) terminate() {
	p.stop.Store(true)
	_ = p.backend.wake()
	<-p.done
	_ = p.backend.close()
}

// run is the dedicated poller thread's body: prePoll (master only), then a
// blocking poll that unblocks each ready fd's waiter. A non-master
// poller simply blocks until an fd becomes ready or terminate wakes it; the
// master's blocking wait is additionally bounded by its timer source, armed
// in prePoll for the earliest pending deadline.
func (p *threadPoller) run() {
	for !p.stop.Load() {
		if p.master {
			p.prePoll()
		}
		n, err := p.backend.poll(-1, p.scope)
		checkSyscall("poll", err)
		if n > 0 {
			logPolling(p.logger, "poll events", func(b *logBuilder) *logBuilder {
				return b.Int("count", n)
			})
		}
	}
}

// prePoll is the master poller's per-iteration housekeeping: drain every
// expired timer (waking its fibre), then re-arm the timer source for the
// earliest still-pending deadline so the upcoming blocking poll cannot
// oversleep it. Timer-arming failure is fatal.
func (p *threadPoller) prePoll() {
	next := p.scope.CheckExpiry(timeNow())
	if next.IsZero() {
		return
	}
	// routed through the scope so the arm syscall is serialized against
	// concurrent SetTimer callers.
	p.scope.SetTimer(next)
}

// timeNow exists only so expiry call sites read naturally; it is a thin
// wrapper rather than a direct time.Now() call so a future fake-clock test
// harness has a single seam to replace.
func timeNow() time.Time { return time.Now() }
