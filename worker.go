package fibrerun

import (
	"runtime"
	"sync/atomic"
	"time"
)

// IdleSpinMax bounds the worker's idle spin: tryAll is retried this many
// times (with a CPU pause hint) before the worker halts, absorbing brief
// gaps in ready work without a kernel/runtime round-trip.
const IdleSpinMax = 1024

// stealAttempts bounds how many peers trySteal examines per scope (local
// ring, then global ring) before giving up, so stealing pressure is bounded
// even across a large cluster.
const stealAttempts = 4

// workerState is the Worker state machine: Running(f), Idle, Halted,
// Paused.
type workerState int32

const (
	workerIdle workerState = iota
	workerRunning
	workerHalted
	workerPaused
)

// Worker is the scheduling engine: it owns a ready queue, runs the idle
// loop, participates in work stealing, and pins its driver goroutine to an
// OS thread for the worker's lifetime.
type Worker struct {
	id      int
	cluster *Cluster
	queue   *readyQueue
	haltSem *haltSemaphore

	loadBalancing bool
	readyCount    atomic.Int64

	// idleTries counts tryAll attempts made by scheduleFull's idle spin, a
	// statistic exposed so the halt boundary (exactly IdleSpinMax failed
	// attempts before parking) is observable.
	idleTries atomic.Int64

	state atomic.Int32

	// idleFred is a nominal placeholder present for the lifetime of the
	// worker, used as the value of current when no user
	// fibre is running. It is never switched to via a goroutine handoff;
	// the driver loop below IS the idle loop's body.
	idleFred *Fred
	current  *Fred

	// pendingNext is written by a Fred's own goroutine (tryScheduleYield /
	// tryScheduleYieldGlobal / trySchedulePreempt) immediately before it
	// calls suspend, and read by the driver loop immediately after the
	// corresponding switchTo returns. The synchronous channel handoff in
	// switchTo/suspend establishes happens-before, so no atomic/lock is
	// needed: at most one of {driver loop, the fibre that just ran} is
	// active at any instant.
	pendingNext *Fred

	// victim cursors: round-robin hints for work stealing, advanced on
	// each attempt rather than reset to the ring head, so stealing
	// pressure spreads across peers.
	localVictim  *Worker
	globalVictim *Worker

	localRing  ringLinks
	globalRing ringLinks

	logger *Logger

	started atomic.Bool
}

// NewWorker constructs a worker belonging to cl, with the given ready-queue
// concurrency mode. It does not start the worker's driver goroutine; call
// Start (done automatically by Cluster.AddWorkers).
func NewWorker(cl *Cluster, mode ReadyQueueMode) *Worker {
	w := &Worker{
		cluster: cl,
		queue:   newReadyQueue(mode),
		haltSem: newHaltSemaphore(),
		logger:  cl.logger,
	}
	w.loadBalancing = cl.loadBalancing
	w.localVictim, w.globalVictim = w, w
	w.idleFred = NewFred(w)
	w.current = w.idleFred
	w.state.Store(int32(workerIdle))
	return w
}

// Priority, Affinity are deliberately not exposed on Worker; they belong to
// Fred.

// State returns the worker's current scheduling state.
func (w *Worker) State() workerState { return workerState(w.state.Load()) }

// Current returns the fibre currently running on this worker (idleFred when
// nothing else is).
func (w *Worker) Current() *Fred { return w.current }

// Start launches the worker's driver goroutine, which runs the idle loop
// for the lifetime of the worker, pinned to an OS thread.
func (w *Worker) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		installWorkerContext(w)
		w.driverLoop()
	}()
	w.startMaintenance()
}

// maintenanceInterval paces the per-worker maintenance fibre's rounds.
const maintenanceInterval = time.Second

// startMaintenance spawns the worker's maintenance fibre, a TopPriority
// fibre present on every started worker. Each round it logs the ready-queue
// depth, then arms a timer and suspends until the scope's master poller
// expires it; on a scope with no master poller it runs a single round and
// stays dormant.
func (w *Worker) startMaintenance() {
	m := NewFred(w)
	m.SetPriority(TopPriority)
	m.Run(func() {
		for {
			logScheduling(w.logger, "ready queue depth", func(b *logBuilder) *logBuilder {
				return b.Int("worker", w.id).Int64("depth", w.queue.depthStat())
			})
			w.cluster.scope.ArmTimer(maintenanceTimerKey(w.id), timeNow().Add(maintenanceInterval), m)
			m.suspend()
		}
	})
}

// maintenanceTimerKey derives a synthetic, never-a-real-fd timer key for a
// worker's maintenance fibre, so CancelTimer-by-fd cannot collide with I/O
// timers.
func maintenanceTimerKey(id int) int { return -1 - id }

// driverLoop is the idle fibre's body: it repeatedly selects the next
// runnable fibre (via tryAll, or scheduleFull's bounded idle spin + halt)
// and switches to it.
func (w *Worker) driverLoop() {
	for {
		w.cooperateWithPause()

		var next *Fred
		if w.pendingNext != nil {
			next, w.pendingNext = w.pendingNext, nil
		} else {
			next = w.scheduleFull()
		}

		w.state.Store(int32(workerRunning))
		w.current = next
		// a Fred stolen from a peer's queue (or placed via the staging
		// worker) still carries the previous worker in its worker field
		// until it is actually dispatched here; update it before the
		// switch so the fibre's own suspension-point helpers (Yield,
		// enqueueResume from inside an I/O wrapper, …) operate against the
		// worker that is really running it, not the one that used to.
		next.worker = w
		logScheduling(w.logger, "dispatch", func(b *logBuilder) *logBuilder {
			return b.Int("worker", w.id)
		})
		next.switchTo()
		// the fibre either ended or suspended (yielded, blocked on I/O);
		// a suspended fibre is responsible for having re-enqueued or
		// otherwise registered itself before suspending.
		w.current = w.idleFred
		w.state.Store(int32(workerIdle))
	}
}

// tryLocal pops from this worker's own ready queue.
func (w *Worker) tryLocal() *Fred {
	f := w.queue.dequeue()
	if f != nil {
		w.dequeueAccount()
	}
	return f
}

// tryStage pops from the cluster's staging worker's ready queue, the
// default enqueue target for non-affined wakeups, if load balancing is
// enabled.
func (w *Worker) tryStage() *Fred {
	if !w.loadBalancing {
		return nil
	}
	stage := w.cluster.stagingWorker()
	if stage == nil || stage == w {
		return nil
	}
	f := stage.queue.tryDequeue()
	if f != nil {
		stage.dequeueAccount()
	}
	return f
}

// trySteal attempts tryDequeue on a bounded series of peers starting at
// localVictim (advancing the cursor each try), then repeats at cluster
// (global) scope via globalVictim.
func (w *Worker) trySteal() *Fred {
	if !w.loadBalancing {
		return nil
	}
	for i := 0; i < stealAttempts; i++ {
		v := ringNext(w.localVictim, localLinks)
		if v == nil {
			break
		}
		w.localVictim = v
		if v == w {
			continue
		}
		if f := v.queue.tryDequeue(); f != nil {
			v.dequeueAccount()
			return f
		}
	}
	for i := 0; i < stealAttempts; i++ {
		v := ringNext(w.globalVictim, globalLinks)
		if v == nil {
			break
		}
		w.globalVictim = v
		if v == w {
			continue
		}
		if f := v.queue.tryDequeue(); f != nil {
			v.dequeueAccount()
			return f
		}
	}
	return nil
}

// tryAll is the composite selector: tryLocal, then tryStage, then trySteal,
// then none.
func (w *Worker) tryAll() *Fred {
	if f := w.tryLocal(); f != nil {
		return f
	}
	if f := w.tryStage(); f != nil {
		return f
	}
	if f := w.trySteal(); f != nil {
		return f
	}
	return nil
}

// halt parks the worker on its halt semaphore, after a bounded spin, and
// returns the handover fibre delivered by the matching wake (nil if the
// waker left it to the halted worker to recheck its own ready queue).
func (w *Worker) halt() *Fred {
	w.state.Store(int32(workerHalted))
	f := w.haltSem.P()
	return f
}

// wake delivers f (possibly nil) as the handover payload to a halted
// worker, the counterpart of halt.
func (w *Worker) wake(f *Fred) {
	logScheduling(w.logger, "wake", func(b *logBuilder) *logBuilder {
		return b.Int("worker", w.id)
	})
	w.haltSem.V(f)
}

// scheduleFull is the blocking scheduling operation: it must return some
// fibre, running the full idle loop (spin, then halt) until one is
// available.
func (w *Worker) scheduleFull() *Fred {
	for {
		// rechecked on every retry (not just once, at driverLoop's top)
		// so a worker parked in halt() below still notices a pause that
		// arrived while it was halted: Cluster.Pause wakes halted peers
		// precisely so they loop back around to this check.
		w.cooperateWithPause()
		// exactly IdleSpinMax tryAll attempts before halting, no warm-up
		// probe outside the loop.
		for i := 0; i < IdleSpinMax; i++ {
			w.idleTries.Add(1)
			if f := w.tryAll(); f != nil {
				return f
			}
			runtime.Gosched()
			spinHint()
		}
		if f := w.halt(); f != nil {
			return f
		}
		// nil payload: the waker left it to us to recheck our own queue.
	}
}

// tryScheduleYield picks the next fibre for a voluntary yield, consulting
// only the local queue. If one is found, self is placed back on the ready
// queue (enqueueYield) and the candidate is returned; if none is found,
// self is left running (not enqueued) and nil is returned.
func (w *Worker) tryScheduleYield(self *Fred) *Fred {
	next := w.tryLocal()
	if next == nil {
		return nil
	}
	w.enqueueYield(self)
	return next
}

// tryScheduleYieldGlobal is tryScheduleYield, but also consults the
// cluster's staging and steal paths before giving up.
func (w *Worker) tryScheduleYieldGlobal(self *Fred) *Fred {
	next := w.tryAll()
	if next == nil {
		return nil
	}
	w.enqueueYield(self)
	return next
}

// trySchedulePreempt is tryScheduleYield, but reserves the right to return
// curr itself (meaning: no switch, the quantum-expired fibre keeps running),
// used on a timer-driven quantum expiry.
func (w *Worker) trySchedulePreempt(curr *Fred) *Fred {
	next := w.tryLocal()
	if next == nil {
		return curr
	}
	w.enqueueYield(curr)
	return next
}

// enqueueResume places f on this worker's ready queue. If load balancing is
// off, it atomically increments the ready counter and wakes on the
// zero-to-one transition; with load balancing on, every external enqueue
// wakes. Neither path checks the worker's observed state first: a V that
// lands in the window between the worker's last failed tryAll and its
// actual park is remembered by the halt semaphore's pending flag and
// consumed by P's fast path, so the wake is never lost — whereas gating on
// State() == workerHalted would drop exactly those wakes. A V delivered to
// a worker that never ends up halting is consumed later as a nil handover
// and a queue recheck.
func (w *Worker) enqueueResume(f *Fred) {
	w.queue.enqueue(f)
	if !w.loadBalancing {
		if w.readyCount.Add(1) == 1 {
			w.wake(nil)
		}
		return
	}
	w.wake(nil)
}

// enqueueYield places f on this worker's ready queue with no wake
// obligation: the yielding fibre itself looks for the next one to run.
func (w *Worker) enqueueYield(f *Fred) {
	w.queue.enqueue(f)
	if !w.loadBalancing {
		w.readyCount.Add(1)
	}
}

// dequeueAccount is called after a fibre has been taken from w's queue (by
// tryLocal, or by a peer's tryStage/trySteal); readyCount bookkeeping for
// the non-load-balanced Benaphore path is decremented here so
// enqueueResume's zero-transition check stays meaningful.
func (w *Worker) dequeueAccount() {
	if !w.loadBalancing {
		w.readyCount.Add(-1)
	}
}

// cooperateWithPause is called at the driver loop's idle-loop entry point:
// when the cluster has signalled a pause, a non-coordinator worker P's
// pauseSem, V's confirmSem, then P's sleepSem, blocking until resume.
func (w *Worker) cooperateWithPause() {
	cl := w.cluster
	// the coordinator keeps making progress through the whole pause; its
	// driver must not consume a token meant for a peer.
	if cl.pauseProc.Load() == w {
		return
	}
	select {
	case <-cl.pauseSem:
	default:
		return
	}
	w.state.Store(int32(workerPaused))
	cl.confirmSem <- struct{}{}
	<-cl.sleepSem
	w.state.Store(int32(workerIdle))
}

// Ambient current-context: the current fibre, worker, cluster, and event
// scope are reachable from any suspension point through receiver
// back-references (Fred.worker, Worker.cluster, Cluster.scope), so no
// goroutine-local storage is needed — the goroutine IS the worker for its
// whole lifetime. installWorkerContext marks a driver goroutine's startup;
// it is the seam where per-thread bookkeeping (for debug assertions or
// profiling labels) would attach.
func installWorkerContext(w *Worker) {}

// installFakeContext is installWorkerContext's counterpart for a dedicated
// poller thread, which has an event scope but no worker or cluster; the
// scope reference it needs is its threadPoller's own scope field.
func installFakeContext(s *EventScope) {}
