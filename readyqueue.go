package fibrerun

import (
	"sync"
	"sync/atomic"
)

// fredRing is a power-of-two-capacity FIFO ring buffer of *Fred with
// masked indices, grown by doubling. The ready queue only needs push, pop,
// and grow; it never sorts.
type fredRing struct {
	s    []*Fred
	r, w uint
}

func newFredRing(size int) *fredRing {
	if size <= 0 || size&(size-1) != 0 {
		panic("fibrerun: ready queue: size must be a power of 2")
	}
	return &fredRing{s: make([]*Fred, size)}
}

func (x *fredRing) mask(v uint) uint { return v & (uint(len(x.s)) - 1) }

func (x *fredRing) len() int { return int(x.w - x.r) }

func (x *fredRing) push(f *Fred) {
	if x.len() == len(x.s) {
		grown := make([]*Fred, uint(len(x.s))<<1)
		for i := 0; i < x.len(); i++ {
			grown[i] = x.s[x.mask(x.r+uint(i))]
		}
		x.s = grown
		x.r, x.w = 0, uint(x.len())
	}
	x.s[x.mask(x.w)] = f
	x.w++
}

func (x *fredRing) pop() *Fred {
	if x.len() == 0 {
		return nil
	}
	i := x.mask(x.r)
	f := x.s[i]
	x.s[i] = nil
	x.r++
	return f
}

// ReadyQueueMode selects the ready queue's concurrency discipline, fixed
// per worker at construction (a NewWorker parameter).
type ReadyQueueMode int

const (
	// LockedReadyQueue takes the worker's lock on both enqueue and
	// dequeue; enqueue from any goroutine is legal, and so is a stealer's
	// tryDequeue. Required when load balancing is enabled.
	LockedReadyQueue ReadyQueueMode = iota
	// SingleConsumerReadyQueue is lock-free multi-producer on enqueue;
	// dequeue is single-consumer, legal only from the owning worker (its
	// driver goroutine, or the fibre it is currently running — the two
	// never execute concurrently). Stealers see an empty queue (tryDequeue
	// always fails), so this mode pairs with load balancing disabled.
	SingleConsumerReadyQueue
)

// readyQueue is the per-worker priority-ordered queue of runnable
// fibres. Exactly one bucket per Priority level, strict FIFO within a
// bucket, strict priority across buckets: dequeue always returns the head
// of the lowest-index non-empty bucket.
//
// In SingleConsumerReadyQueue mode each bucket is split in two: producers
// push onto an atomic singly-linked inbox (newest first, CAS on the head —
// the release-store side of the cross-thread visibility contract), and the
// owning consumer drains the inbox in one Swap (the acquire-load side),
// reverses it into a consumer-private ring, and pops from that.
// Per-producer FIFO within a bucket is preserved because each producer's
// pushes appear in its own order within a drained batch, and batches drain
// in publication order.
type readyQueue struct {
	mode ReadyQueueMode

	mu      sync.Mutex // guards buckets when mode == LockedReadyQueue
	buckets [NumPriority]fredRing

	inbox [NumPriority]atomic.Pointer[Fred] // SingleConsumerReadyQueue producer side
	out   [NumPriority]fredRing             // consumer-private, owner goroutine only

	// depth is a coarse statistic, bumped on enqueue, used only for
	// maintenance logging, never for scheduling decisions.
	depth atomic.Int64
}

func newReadyQueue(mode ReadyQueueMode) *readyQueue {
	q := &readyQueue{mode: mode}
	for p := range q.buckets {
		q.buckets[p] = *newFredRing(16)
		q.out[p] = *newFredRing(16)
	}
	return q
}

// enqueue places f at the tail of its priority bucket. Precondition:
// f.Priority() < NumPriority. A fibre must not already be enqueued anywhere
//; debug builds assert this.
func (q *readyQueue) enqueue(f *Fred) {
	debugAssert(f.Priority() < NumPriority, "fibrerun: enqueue: priority %d out of range", f.Priority())
	if !f.queued.CompareAndSwap(false, true) {
		debugAssert(false, "fibrerun: enqueue: fred already queued")
	}
	if q.mode == SingleConsumerReadyQueue {
		in := &q.inbox[f.Priority()]
		for {
			old := in.Load()
			f.qnext = old
			if in.CompareAndSwap(old, f) {
				break
			}
		}
	} else {
		q.mu.Lock()
		q.buckets[f.Priority()].push(f)
		q.mu.Unlock()
	}
	q.depth.Add(1)
}

// drainInbox moves every fibre published to bucket p's inbox into the
// consumer-private ring, oldest first. Owner goroutine only.
func (q *readyQueue) drainInbox(p int) {
	head := q.inbox[p].Swap(nil)
	if head == nil {
		return
	}
	// the inbox links newest-first; reverse in place before appending.
	var rev *Fred
	for head != nil {
		next := head.qnext
		head.qnext = rev
		rev = head
		head = next
	}
	for rev != nil {
		next := rev.qnext
		rev.qnext = nil
		q.out[p].push(rev)
		rev = next
	}
}

// dequeueLocked returns the head of the lowest-index non-empty bucket, or
// nil. Lock held.
func (q *readyQueue) dequeueLocked() *Fred {
	for p := range q.buckets {
		if f := q.buckets[p].pop(); f != nil {
			return f
		}
	}
	return nil
}

// dequeue returns the highest-priority front fibre, or nil if empty. In
// SingleConsumerReadyQueue mode it must only be called by the owning
// worker: its driver goroutine, or the fibre it is currently running.
func (q *readyQueue) dequeue() *Fred {
	var f *Fred
	if q.mode == SingleConsumerReadyQueue {
		for p := range q.out {
			if f = q.out[p].pop(); f != nil {
				break
			}
			q.drainInbox(p)
			if f = q.out[p].pop(); f != nil {
				break
			}
		}
	} else {
		q.mu.Lock()
		f = q.dequeueLocked()
		q.mu.Unlock()
	}
	if f != nil {
		f.queued.Store(false)
		q.depth.Add(-1)
	}
	return f
}

// tryDequeue acquires the queue's lock non-blockingly and, on success,
// performs dequeue; on failure it returns nil without waiting. Used by
// stealers, which only exist when load balancing is enabled; a
// SingleConsumerReadyQueue has no lock to try and no safe concurrent
// consumer, so it never yields anything to a stealer.
func (q *readyQueue) tryDequeue() *Fred {
	if q.mode == SingleConsumerReadyQueue {
		return nil
	}
	if !q.mu.TryLock() {
		return nil
	}
	f := q.dequeueLocked()
	q.mu.Unlock()
	if f != nil {
		f.queued.Store(false)
		q.depth.Add(-1)
	}
	return f
}

// depthStat returns the current queue-depth statistic, used by the
// maintenance fibre for periodic logging.
func (q *readyQueue) depthStat() int64 { return q.depth.Load() }
