package fibrerun

import (
	"sync/atomic"
)

// DefaultFibrePollerSpin is the default SpinMax for a fibre-hosted poller:
// the number of consecutive empty non-blocking polls tolerated before the
// poller parks on its own poll file. The default of 1 parks on the first
// empty round; WithFibrePollerSpin raises it for clusters that prefer a
// poll-yield-poll spin over the park round-trip.
const DefaultFibrePollerSpin = 1

// fibrePoller runs the poller loop as an ordinary scheduled fibre, rather
// than a dedicated OS thread —
// useful when a cluster wants polling to cooperate with its own priority
// scheduling (e.g. PinnedLowPriorityPollerAffinity) instead of consuming a
// whole OS thread per poller. A fibre poller must never block in the
// kernel — that would strand its worker — so it polls non-blockingly,
// yields between rounds, and parks by blocking on its own poll file: the
// poll file's fd is registered (edge-triggered) with the scope's master
// poller, which unblocks the poller fibre when the kernel reports pending
// events on it.
type fibrePoller struct {
	scope      *EventScope
	cluster    *Cluster
	backend    osPoller
	fred       *Fred
	spinMax    int
	registered bool
	stop       atomic.Bool
}

func newFibrePoller(scope *EventScope, cl *Cluster, spinMax int) *fibrePoller {
	backend, err := newOSPoller()
	if err != nil {
		fatal("newFibrePoller", err)
	}
	if spinMax < 1 {
		spinMax = DefaultFibrePollerSpin
	}
	return &fibrePoller{scope: scope, cluster: cl, backend: backend, spinMax: spinMax}
}

func (p *fibrePoller) registerFD(fd int, ev ioEvents) error {
	p.scope.RegisterPollFD(fd)
	return p.backend.registerFD(fd, ev)
}

func (p *fibrePoller) unregisterFD(fd int) error {
	p.scope.UnblockPollFD(fd)
	return p.backend.unregisterFD(fd)
}

func (p *fibrePoller) start() {
	// the staging worker hosts the poller fibre until/unless pinned,
	// matching the cluster's own default placement for non-affined work.
	w := p.cluster.stagingWorker()
	p.fred = NewFred(w)
	switch p.cluster.pollerAffinity {
	case PinnedLowPriorityPollerAffinity:
		p.fred.SetPriority(LowPriority)
		p.fred.SetAffinity(w)
	default:
		p.fred.SetAffinity(nil)
	}
	p.fred.Run(p.loop)
}

func (p *fibrePoller) terminate() {
	p.stop.Store(true)
	// the wake lands on the poller's own poll file; if the fibre is parked
	// the master poller observes the poll file become readable and
	// unblocks it.
	_ = p.backend.wake()
}

// loop is the poller fibre's body: a non-blocking poll, then either
// notify-and-yield (events seen, spin counter reset to 1), yield-and-retry
// (spin budget remains), or park (budget exhausted).
func (p *fibrePoller) loop() {
	spin := 1
	for !p.stop.Load() {
		n, err := p.backend.poll(0, p.scope)
		checkSyscall("poll", err)
		if n > 0 {
			logPolling(p.cluster.logger, "poll events", func(b *logBuilder) *logBuilder {
				return b.Int("count", n)
			})
			spin = 1
			if n < maxPollEvents {
				p.fred.YieldGlobal()
			}
			// a full batch means the kernel likely has more pending:
			// poll again without yielding in between.
			continue
		}
		if spin >= p.spinMax {
			spin = 1
			p.park()
		} else {
			spin++
			p.fred.YieldGlobal()
		}
	}
	p.scope.UnblockPollFD(p.backend.pollFD())
	// closing the backend's fds also removes the poll file from the
	// master poller's interest set.
	_ = p.backend.close()
	p.fred.End()
}

// park suspends the poller fibre until its poll file has pending events.
// On first use the poll file's own fd is registered edge-triggered with
// the scope's master poller; edge-triggered, because the poll file stays
// level-readable until its events are drained, and the master must not
// busy-wake on it while this fibre works through a batch.
func (p *fibrePoller) park() {
	pfd := p.backend.pollFD()
	if !p.registered {
		m := p.scope.ensureMaster()
		p.scope.RegisterPollFD(pfd)
		checkSyscall("registerPollFD", m.backend.registerFD(pfd, ioEventRead|ioEventEdge))
		p.registered = true
	}
	if !p.scope.Tryblock(pfd, readDirection, p.fred) {
		debugAssert(false, "fibrerun: poll file %d already has a waiter", pfd)
		return
	}
	// recheck after publishing the waiter: an edge that fired between the
	// loop's empty poll and the Tryblock above was dropped by the master
	// (no waiter yet), and edge-triggered registration will not repeat it.
	if n, err := p.backend.poll(0, p.scope); err != nil || n > 0 {
		checkSyscall("poll", err)
		if canceled := p.scope.unblock(pfd, readDirection); canceled != nil {
			// waiter withdrawn before any wake consumed it; keep looping.
			return
		}
		// the master raced the recheck and already enqueued this fibre;
		// fall through and suspend to consume that wake.
	}
	logPolling(p.cluster.logger, "poller fibre parked", nil)
	p.fred.suspend()
}
