package fibrerun

import (
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// End-to-end scenarios against a live Cluster (real driver goroutines,
// real halt/wake, real pollers where applicable), complementing the
// hand-stepped unit tests elsewhere in the package.

// Scenario 1: single worker, two fibres, yield alternation.
func TestScenario_SingleWorkerYieldAlternation(t *testing.T) {
	scope := NewEventScope()
	cl := NewCluster(scope, WithWorkerCount(1), WithPollerCount(0))
	t.Cleanup(func() { _ = cl.Close() })

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	bothEnqueued := make(chan struct{})
	var done sync.WaitGroup
	done.Add(2)

	var a, b *Fred
	a = NewFred(fetchWorker(cl, 0))
	b = NewFred(fetchWorker(cl, 0))

	a.Run(func() {
		record("A")
		<-bothEnqueued
		for i := 0; i < 2; i++ {
			a.Yield()
			record("A")
		}
		done.Done()
	})
	b.Run(func() {
		<-bothEnqueued
		for i := 0; i < 2; i++ {
			record("B")
			b.Yield()
		}
		record("B")
		done.Done()
	})
	close(bothEnqueued)

	waitOrTimeout(t, &done, 2*time.Second, "fibres never reached a stable A/B alternation")

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, order)
	for i, s := range order {
		want := "A"
		if i%2 == 1 {
			want = "B"
		}
		assert.Equal(t, want, s, "trace %v expected strict A,B,A,B,... alternation", order)
	}
}

// Scenario 2: priority preemption via yield. A Low fibre is running; a Top
// fibre is enqueued from another goroutine; the Low fibre yields; the next
// runner must be the Top fibre.
func TestScenario_PriorityPreemptionViaYield(t *testing.T) {
	scope := NewEventScope()
	cl := NewCluster(scope, WithWorkerCount(1), WithPollerCount(0))
	t.Cleanup(func() { _ = cl.Close() })
	w := fetchWorker(cl, 0)

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	topEnqueued := make(chan struct{})
	var done sync.WaitGroup
	done.Add(2)

	low := NewFred(w)
	low.SetPriority(LowPriority)
	low.Run(func() {
		record("L-start")
		<-topEnqueued
		low.Yield()
		record("L-resume")
		done.Done()
	})

	// simulate a cross-thread enqueue of a higher-priority fibre.
	go func() {
		top := NewFred(w)
		top.SetPriority(TopPriority)
		top.Run(func() {
			record("T-run")
			done.Done()
		})
		close(topEnqueued)
	}()

	waitOrTimeout(t, &done, 2*time.Second, "Top fibre never ran after Low yielded")

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, order, "T-run")
	require.Contains(t, order, "L-resume")
	// T must run strictly between L yielding away and L resuming.
	var tIdx, lResumeIdx int
	for i, s := range order {
		if s == "T-run" {
			tIdx = i
		}
		if s == "L-resume" {
			lResumeIdx = i
		}
	}
	assert.Less(t, tIdx, lResumeIdx, "trace %v: Top fibre must preempt before Low resumes", order)
}

// Scenario 3: work stealing. A cluster of 2 workers; 100 Normal fibres are
// placed on worker 1; worker 2 starts idle. Worker 2's trySteal must
// eventually obtain at least one fibre, and both workers observe non-zero
// throughput.
func TestScenario_WorkStealing(t *testing.T) {
	scope := NewEventScope()
	cl := NewCluster(scope, WithWorkerCount(2), WithPollerCount(0), WithLoadBalancing(true))
	t.Cleanup(func() { _ = cl.Close() })
	w1 := fetchWorker(cl, 0)

	const n = 100
	var ranOnWorker [2]atomic.Int64
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		f := NewFred(w1)
		f.Run(func() {
			// Worker() reflects whichever worker actually dispatched this
			// fibre, which may differ from the worker it was created on if
			// it was stolen.
			if f.Worker() == w1 {
				ranOnWorker[0].Add(1)
			} else {
				ranOnWorker[1].Add(1)
			}
			wg.Done()
		})
	}

	waitOrTimeout(t, &wg, 5*time.Second, "not all 100 fibres completed")

	assert.EqualValues(t, n, ranOnWorker[0].Load()+ranOnWorker[1].Load())
	assert.Greater(t, ranOnWorker[1].Load(), int64(0), "worker 2 never stole any work")
	assert.Greater(t, ranOnWorker[0].Load(), int64(0), "worker 1 ran none of its own queued work")
}

// Scenario 4: halt/wake round trip. A worker parks in halt(); another
// goroutine calls wake(f); halt() returns f.
func TestScenario_HaltWakeRoundTrip(t *testing.T) {
	w := newTestWorker(t)

	type result struct {
		f        *Fred
		elapsed  time.Duration
	}
	results := make(chan result, 1)
	start := time.Now()
	go func() {
		f := w.halt()
		results <- result{f: f, elapsed: time.Since(start)}
	}()

	// give the halting goroutine a moment to actually park.
	time.Sleep(10 * time.Millisecond)

	handover := NewFred(w)
	w.wake(handover)

	select {
	case r := <-results:
		assert.Same(t, handover, r.f)
		assert.Less(t, r.elapsed, 2*time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("halt() never returned after a matching wake()")
	}
}

// Scenario 5: pause barrier. A cluster of 4 workers, each running a pair of
// fibres that increment a per-worker counter and Yield to each other
// forever. After the coordinator's Pause() returns, non-coordinator
// counters stop advancing; after Resume() they advance again. The
// coordinator's own counter is free to keep advancing throughout, since
// only non-coordinator workers are paused.
func TestScenario_PauseBarrierFreezesNonCoordinators(t *testing.T) {
	scope := NewEventScope()
	const workerCount = 4
	cl := NewCluster(scope, WithWorkerCount(workerCount), WithPollerCount(0), WithLoadBalancing(false))
	t.Cleanup(func() { _ = cl.Close() })

	counters := make([]*atomic.Int64, workerCount)
	for i := range counters {
		counters[i] = &atomic.Int64{}
	}

	for i := 0; i < workerCount; i++ {
		w := fetchWorker(cl, i)
		counter := counters[i]
		var a, b *Fred
		a = NewFred(w)
		b = NewFred(w)
		a.Run(func() {
			for {
				counter.Add(1)
				a.Yield()
			}
		})
		b.Run(func() {
			for {
				counter.Add(1)
				b.Yield()
			}
		})
	}

	// let the ping-pong pairs run for a bit before pausing.
	time.Sleep(20 * time.Millisecond)

	coordinator := fetchWorker(cl, 0)
	done := make(chan error, 1)
	go func() { done <- cl.Pause(coordinator) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Pause never completed")
	}

	snapBefore := snapshotCounters(counters)
	time.Sleep(30 * time.Millisecond)
	snapAfter := snapshotCounters(counters)

	for i := 1; i < workerCount; i++ {
		assert.Equal(t, snapBefore[i], snapAfter[i], "worker %d advanced while paused", i)
	}

	require.NoError(t, cl.Resume())

	time.Sleep(30 * time.Millisecond)
	snapResumed := snapshotCounters(counters)
	for i := 1; i < workerCount; i++ {
		assert.Greater(t, snapResumed[i], snapAfter[i], "worker %d did not resume progress", i)
	}
}

func snapshotCounters(counters []*atomic.Int64) []int64 {
	out := make([]int64, len(counters))
	for i, c := range counters {
		out[i] = c.Load()
	}
	return out
}

// fetchWorker returns the worker at ring position idx in cl's local ring.
// Test-only convenience: production callers never need to address a
// specific worker by index.
func fetchWorker(cl *Cluster, idx int) *Worker {
	cl.ringLock.Lock()
	defer cl.ringLock.Unlock()
	w := cl.localHead
	for i := 0; i < idx; i++ {
		w = ringNext(w, localLinks)
	}
	return w
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration, msg string) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal(msg)
	}
}

// Scenario 6: poller delivery. A pipe's read end is registered Input/Level
// with the cluster's poller; a fibre blocks on that fd; an external writer
// writes one byte; the fibre is runnable within one poll round.
func TestScenario_PollerDeliversFDReadiness(t *testing.T) {
	scope := NewEventScope()
	cl := NewCluster(scope, WithWorkerCount(1), WithPollerCount(1))
	t.Cleanup(func() { _ = cl.Close() })
	w := fetchWorker(cl, 0)

	r, wr, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(); _ = wr.Close() })

	fd := int(r.Fd())
	require.NoError(t, cl.Poller(0).registerFD(fd, ioEventRead))

	done := make(chan struct{})
	f := NewFred(w)
	reachedBlock := make(chan struct{})
	f.Run(func() {
		close(reachedBlock)
		scope.BlockPollFD(fd, readDirection, f)
		close(done)
	})

	select {
	case <-reachedBlock:
	case <-time.After(2 * time.Second):
		t.Fatal("fibre never reached BlockPollFD")
	}
	// give the fibre's goroutine a moment to actually suspend inside
	// BlockPollFD before the write races the poller against it.
	time.Sleep(10 * time.Millisecond)

	_, err = wr.Write([]byte{1})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fibre never woke after the pipe became readable")
	}
}

// Fibre-hosted poller variant of scenario 6: the poll loop runs as a fibre
// in the cluster, parks on its own poll file via the master poller when
// idle, and still delivers fd readiness to a blocked fibre.
func TestScenario_FibreHostedPollerDeliversReadiness(t *testing.T) {
	scope := NewEventScope()
	t.Cleanup(func() { _ = scope.Close() })
	cl := NewCluster(scope, WithWorkerCount(2), WithPollerCount(1), WithFibreHostedPollers(true))
	t.Cleanup(func() { _ = cl.Close() })
	w := fetchWorker(cl, 0)

	r, wr, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(); _ = wr.Close() })

	fd := int(r.Fd())
	require.NoError(t, cl.Poller(0).registerFD(fd, ioEventRead))

	done := make(chan struct{})
	reachedBlock := make(chan struct{})
	f := NewFred(w)
	f.Run(func() {
		close(reachedBlock)
		scope.BlockPollFD(fd, readDirection, f)
		close(done)
	})

	select {
	case <-reachedBlock:
	case <-time.After(2 * time.Second):
		t.Fatal("fibre never reached BlockPollFD")
	}
	// let the poller fibre settle (likely parked on its poll file).
	time.Sleep(20 * time.Millisecond)

	_, err = wr.Write([]byte{1})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fibre never woke after the pipe became readable")
	}
}

// The master poller owns the timer source: a fibre arming an
// already-expired deadline and suspending is runnable again within one
// poll round.
func TestScenario_MasterPollerExpiresPastDeadline(t *testing.T) {
	scope := NewEventScope()
	cl := NewCluster(scope, WithWorkerCount(1), WithPollerCount(1))
	t.Cleanup(func() { _ = cl.Close() })
	w := fetchWorker(cl, 0)

	done := make(chan struct{})
	f := NewFred(w)
	f.Run(func() {
		scope.ArmTimer(999, time.Now().Add(-time.Millisecond), f)
		f.suspend()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fibre never woke from an already-expired timer")
	}
}

// Single-consumer ready-queue mode, end to end: lock-free multi-producer
// enqueues from external goroutines, dequeues only by the owning worker,
// every fibre runs exactly once.
func TestScenario_SingleConsumerModeRunsAllFibres(t *testing.T) {
	scope := NewEventScope()
	cl := NewCluster(scope,
		WithWorkerCount(1),
		WithPollerCount(0),
		WithLoadBalancing(false),
		WithReadyQueueMode(SingleConsumerReadyQueue),
	)
	t.Cleanup(func() { _ = cl.Close() })
	w := fetchWorker(cl, 0)

	const producers = 4
	const perProducer = 25
	var ran atomic.Int64
	var wg sync.WaitGroup
	wg.Add(producers * perProducer)
	for p := 0; p < producers; p++ {
		go func() {
			for i := 0; i < perProducer; i++ {
				f := NewFred(w)
				f.Run(func() {
					ran.Add(1)
					wg.Done()
				})
			}
		}()
	}

	waitOrTimeout(t, &wg, 5*time.Second, "not every fibre ran in single-consumer mode")
	assert.EqualValues(t, producers*perProducer, ran.Load())
}
