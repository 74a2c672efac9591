//go:build darwin

package fibrerun

import (
	"time"

	"golang.org/x/sys/unix"
)

// kevent is a seam over unix.Kevent so the EINTR-recovery branch can be
// fault-injected in tests; production code never replaces it.
var kevent = unix.Kevent

// Reserved kqueue identities for the backend's own filters: wakeIdent is
// the EVFILT_USER termination/wake signal, timerIdent the master poller's
// EVFILT_TIMER source. Neither collides with a real fd because they are
// scoped to their filter type, not to EVFILT_READ/WRITE.
const (
	wakeIdent  = 1
	timerIdent = 2
)

// kqueueBackend is the Darwin/BSD osPoller.
type kqueueBackend struct {
	kq     int
	events [maxPollEvents]unix.Kevent_t
}

func newOSPoller() (osPoller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	b := &kqueueBackend{kq: kq}
	wake := unix.Kevent_t{Ident: wakeIdent, Filter: unix.EVFILT_USER, Flags: unix.EV_ADD | unix.EV_CLEAR}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{wake}, nil, nil); err != nil {
		_ = unix.Close(kq)
		return nil, err
	}
	return b, nil
}

func (p *kqueueBackend) pollFD() int { return p.kq }

func (p *kqueueBackend) registerFD(fd int, ev ioEvents) error {
	kevs := directionKevents(fd, ev, unix.EV_ADD|unix.EV_ENABLE|variantFlags(ev))
	if len(kevs) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, kevs, nil, nil)
	return err
}

func (p *kqueueBackend) modifyFD(fd int, ev ioEvents) error {
	return p.registerFD(fd, ev)
}

func (p *kqueueBackend) unregisterFD(fd int) error {
	kevs := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	_, err := unix.Kevent(p.kq, kevs, nil, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

// armTimer arms a oneshot EVFILT_TIMER for the given absolute deadline,
// expressed to the kernel as microseconds from now (kqueue timers are
// relative). A deadline already in the past is clamped to one microsecond,
// so the next poll reports the timer as ready.
func (p *kqueueBackend) armTimer(deadline time.Time) error {
	usec := time.Until(deadline).Microseconds()
	if usec < 1 {
		usec = 1
	}
	kev := unix.Kevent_t{
		Ident:  timerIdent,
		Filter: unix.EVFILT_TIMER,
		Flags:  unix.EV_ADD | unix.EV_ONESHOT,
		Fflags: unix.NOTE_USECONDS,
		Data:   usec,
	}
	_, err := unix.Kevent(p.kq, []unix.Kevent_t{kev}, nil, nil)
	return err
}

func (p *kqueueBackend) poll(timeoutMs int, scope *EventScope) (int, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * int64(time.Millisecond))
		ts = &t
	}
	n, err := kevent(p.kq, nil, p.events[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	count := 0
	for i := 0; i < n; i++ {
		kev := p.events[i]
		switch kev.Filter {
		case unix.EVFILT_USER:
			continue
		case unix.EVFILT_TIMER:
			// oneshot; expiry dispatch happens in the master's prePoll.
			continue
		}
		fd := int(kev.Ident)
		count++
		// EV_EOF arrives on the filter that observed it, so the filter
		// alone picks the wake direction.
		switch kev.Filter {
		case unix.EVFILT_READ:
			scope.UnblockRead(fd)
		case unix.EVFILT_WRITE:
			scope.UnblockWrite(fd)
		}
	}
	return count, nil
}

func (p *kqueueBackend) wake() error {
	kev := unix.Kevent_t{Ident: wakeIdent, Filter: unix.EVFILT_USER, Fflags: unix.NOTE_TRIGGER}
	_, err := unix.Kevent(p.kq, []unix.Kevent_t{kev}, nil, nil)
	return err
}

func (p *kqueueBackend) close() error {
	return unix.Close(p.kq)
}

func variantFlags(ev ioEvents) uint16 {
	var flags uint16
	if ev&ioEventEdge != 0 {
		flags |= unix.EV_CLEAR
	}
	if ev&ioEventOneshot != 0 {
		flags |= unix.EV_ONESHOT
	}
	return flags
}

func directionKevents(fd int, ev ioEvents, flags uint16) []unix.Kevent_t {
	var kevs []unix.Kevent_t
	if ev&ioEventRead != 0 {
		kevs = append(kevs, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if ev&ioEventWrite != 0 {
		kevs = append(kevs, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return kevs
}
