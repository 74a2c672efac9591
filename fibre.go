package fibrerun

import "sync/atomic"

// Priority is the fibre priority enum. Lower index means higher priority;
// scheduling is strict-priority, not fair: a single Top fibre
// wins the next ready-queue slot over any number of Normal/Low fibres.
type Priority int32

const (
	// TopPriority is reserved for maintenance fibres and other work that
	// must win the next scheduling slot over ordinary fibres.
	TopPriority Priority = iota
	// NormalPriority is the default priority for user fibres.
	NormalPriority
	// LowPriority is used for low-urgency background work, e.g. a
	// cluster's own poller fibre under PinnedLowPriorityPollerAffinity.
	LowPriority
	// NumPriority is the number of priority levels, and the bound a
	// Priority value must be strictly less than.
	NumPriority
)

func (p Priority) String() string {
	switch p {
	case TopPriority:
		return "Top"
	case NormalPriority:
		return "Normal"
	case LowPriority:
		return "Low"
	default:
		return "Invalid"
	}
}

// endSignal is the panic sentinel used by Fred.End to unwind a fibre's
// entry function without escaping as a visible panic.
type endSignal struct{}

// Fred is the minimal fibre object the scheduler operates on. Stack
// allocation and context-switch assembly have no portable pure-Go
// equivalent reachable without cgo, so Fred models the fibre as a goroutine
// performing a synchronous handoff with its worker over a pair of
// unbuffered channels: the goroutine blocks on resume until its worker
// schedules it, and the worker blocks on parked until the fibre yields,
// suspends, or ends. Exactly one of the two is ever running, so a Fred
// behaves like a cooperatively-scheduled thread with its own stack.
type Fred struct {
	priority atomic.Int32
	affinity atomic.Pointer[Worker]
	worker   *Worker

	resume chan struct{}
	parked chan struct{}
	entry  func()

	// queued guards the invariant that a fibre is enqueued on at most one
	// ready queue at any instant.
	queued atomic.Bool
	ended  atomic.Bool

	// qnext links the fibre into a SingleConsumerReadyQueue bucket's
	// producer inbox. Because a fibre is on at most one ready queue at a
	// time, one link field suffices; it is owned by the queue between
	// enqueue and dequeue.
	qnext *Fred
}

// NewFred creates a fibre pinned to worker w at NormalPriority with no
// affinity override. It is not yet runnable; call Run to start it.
func NewFred(w *Worker) *Fred {
	f := &Fred{
		worker: w,
		resume: make(chan struct{}),
		parked: make(chan struct{}),
	}
	f.priority.Store(int32(NormalPriority))
	return f
}

// Priority returns the fibre's current scheduling priority.
func (f *Fred) Priority() Priority { return Priority(f.priority.Load()) }

// SetPriority changes the fibre's scheduling priority. It does not affect a
// fibre that is already enqueued or running; it takes effect on the next
// enqueue.
func (f *Fred) SetPriority(p Priority) {
	debugAssert(p >= 0 && p < NumPriority, "fibrerun: invalid priority %d", p)
	f.priority.Store(int32(p))
}

// Affinity returns the fibre's pinned worker, or nil for NoAffinity
// (floating: any worker in scope may run it).
func (f *Fred) Affinity() *Worker { return f.affinity.Load() }

// SetAffinity pins the fibre to w, or clears the pin if w is nil
// (NoAffinity).
func (f *Fred) SetAffinity(w *Worker) { f.affinity.Store(w) }

// Worker returns the worker the fibre's goroutine is bound to.
func (f *Fred) Worker() *Worker { return f.worker }

// Ended reports whether the fibre has run to completion or called End.
func (f *Fred) Ended() bool { return f.ended.Load() }

// Run starts the fibre's goroutine with the given entry point, and places
// it on its worker's ready queue (enqueueResume), waking a halted worker if
// needed.
func (f *Fred) Run(entry func()) {
	f.entry = entry
	go f.loop()
	f.worker.enqueueResume(f)
}

func (f *Fred) loop() {
	<-f.resume
	func() {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(endSignal); !ok {
					panic(r)
				}
			}
		}()
		f.entry()
	}()
	f.ended.Store(true)
	f.parked <- struct{}{}
}

// switchTo performs the low-level context switch from the calling worker
// goroutine to f: it hands control to f's goroutine and blocks until f
// yields, suspends, or ends. Called only by the worker that currently owns
// f (its idle loop or a suspension-point caller).
func (f *Fred) switchTo() {
	f.resume <- struct{}{}
	<-f.parked
}

// Yield suspends the calling fibre at a voluntary yield point. It asks its
// worker for the next runnable fibre via tryScheduleYield (local ready queue
// only); if none is found, the caller keeps running and Yield returns
// immediately without a context switch.
func (f *Fred) Yield() {
	if next := f.worker.tryScheduleYield(f); next != nil {
		f.worker.pendingNext = next
		f.suspend()
	}
}

// YieldGlobal is Yield, but consults the cluster's staging and steal paths
// (tryScheduleYieldGlobal) before giving up — used by poll loops that must
// not strand their worker in the kernel.
func (f *Fred) YieldGlobal() {
	if next := f.worker.tryScheduleYieldGlobal(f); next != nil {
		f.worker.pendingNext = next
		f.suspend()
	}
}

// Preempt is the quantum-expiry scheduling point (trySchedulePreempt):
// called from a timer-driven yield hook, it re-enqueues the calling
// fibre and switches away if another fibre is ready, but unlike Yield it
// may keep the caller running — trySchedulePreempt reserves the right to
// return the current fibre itself when nothing else is ready.
func (f *Fred) Preempt() {
	next := f.worker.trySchedulePreempt(f)
	if next == f {
		return
	}
	f.worker.pendingNext = next
	f.suspend()
}

// suspend releases control back to the worker's driver loop (which is
// blocked inside this fibre's switchTo call) and blocks until the worker
// resumes this fibre again.
func (f *Fred) suspend() {
	f.parked <- struct{}{}
	<-f.resume
}

// End terminates the calling fibre's life from within its own worker. It
// never returns.
func (f *Fred) End() {
	panic(endSignal{})
}
