package fibrerun

import "sync/atomic"

// HaltSpinMax bounds the spin a halting worker performs before blocking in
// the Go runtime scheduler, absorbing brief gaps without a park/unpark
// round-trip.
const HaltSpinMax = 64

// haltSemaphore is a specialized binary-style wait/wake primitive carrying a
// payload, used by a worker's idle loop. P spins up to HaltSpinMax times,
// then blocks; V stores a payload (possibly nil, meaning "no specific
// handover — check your own ready queue") before waking the one matching P.
// Exactly one V matches one P, enforced by the single-slot wake channel
// and the CAS-guarded pending flag.
type haltSemaphore struct {
	// pending is 1 when a V has occurred that no P has yet consumed.
	pending atomic.Int32
	payload atomic.Pointer[Fred]
	wake    chan struct{}
}

func newHaltSemaphore() *haltSemaphore {
	return &haltSemaphore{wake: make(chan struct{}, 1)}
}

// tryP attempts the fast, non-blocking path: if a V is already pending,
// consume it and return (payload, true).
func (h *haltSemaphore) tryP() (*Fred, bool) {
	if h.pending.CompareAndSwap(1, 0) {
		return h.payload.Swap(nil), true
	}
	return nil, false
}

// P blocks the calling worker until a matching V occurs, spinning up to
// HaltSpinMax times first. It returns the payload stored by the matching V
// (nil if none was given).
func (h *haltSemaphore) P() *Fred {
	for i := 0; i < HaltSpinMax; i++ {
		if f, ok := h.tryP(); ok {
			return f
		}
		spinHint()
	}
	for {
		// a token left buffered by a V whose pending flag the spin above
		// already consumed is stale: block again until a V is pending.
		<-h.wake
		if f, ok := h.tryP(); ok {
			return f
		}
	}
}

// V stores f as the handover payload (nil is a valid, payload-less wake)
// and wakes the halted worker. A nil V — a bare "recheck your ready queue"
// wake, e.g. from the pause barrier or the ready-counter path — must not
// clobber a handover fibre stored by an earlier V that no P has consumed
// yet, or that fibre would never run again; only non-nil payloads are
// stored. One non-nil V per P remains the caller's obligation.
func (h *haltSemaphore) V(f *Fred) {
	if f != nil {
		h.payload.Store(f)
	}
	h.pending.Store(1)
	select {
	case h.wake <- struct{}{}:
	default:
		// a wake is already buffered; the spinning/blocked P will observe
		// pending via tryP regardless.
	}
}

// spinHint marks a busy-wait iteration. Go exposes no portable PAUSE
// instruction to pure Go, so it is a no-op; the worker's idle spin pairs it
// with runtime.Gosched, while P's spin above calls it alone.
func spinHint() {}
