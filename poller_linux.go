//go:build linux

package fibrerun

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"
)

// epollWait is a seam over unix.EpollWait so the EINTR-recovery branch can
// be fault-injected in tests; production code never replaces it.
var epollWait = unix.EpollWait

// epollBackend is the Linux osPoller: epoll for fd readiness, an eventfd
// for cross-thread wakeup, and a timerfd as the master poller's timer
// source, created lazily on first armTimer.
type epollBackend struct {
	epfd    int
	wakeFD  int
	timerFD int
	events  [maxPollEvents]unix.EpollEvent
}

func newOSPoller() (osPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	b := &epollBackend{epfd: epfd, wakeFD: wakeFD, timerFD: -1}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFD)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, ev); err != nil {
		_ = unix.Close(wakeFD)
		_ = unix.Close(epfd)
		return nil, err
	}
	return b, nil
}

func (p *epollBackend) pollFD() int { return p.epfd }

func (p *epollBackend) registerFD(fd int, ev ioEvents) error {
	e := &unix.EpollEvent{Events: toEpoll(ev), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, e)
}

func (p *epollBackend) modifyFD(fd int, ev ioEvents) error {
	e := &unix.EpollEvent{Events: toEpoll(ev), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, e)
}

func (p *epollBackend) unregisterFD(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// armTimer arms the timer source for an absolute CLOCK_REALTIME deadline.
// A deadline at or before now expires immediately, so the next poll
// reports the timer as ready.
func (p *epollBackend) armTimer(deadline time.Time) error {
	if p.timerFD < 0 {
		tfd, err := unix.TimerfdCreate(unix.CLOCK_REALTIME, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
		if err != nil {
			return err
		}
		ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(tfd)}
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, tfd, ev); err != nil {
			_ = unix.Close(tfd)
			return err
		}
		p.timerFD = tfd
	}
	ns := deadline.UnixNano()
	if ns <= 0 {
		// a zero it_value would disarm; clamp to the epoch's first tick.
		ns = 1
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(ns)}
	return unix.TimerfdSettime(p.timerFD, unix.TFD_TIMER_ABSTIME, &spec, nil)
}

func (p *epollBackend) poll(timeoutMs int, scope *EventScope) (int, error) {
	n, err := epollWait(p.epfd, p.events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	count := 0
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		if fd == p.wakeFD {
			p.drainEventFD(p.wakeFD)
			continue
		}
		if p.timerFD >= 0 && fd == p.timerFD {
			// expiry dispatch happens in the master's prePoll; draining
			// here only clears the readiness.
			p.drainEventFD(p.timerFD)
			continue
		}
		count++
		ev := fromEpoll(p.events[i].Events)
		if ev&ioEventRead != 0 {
			scope.UnblockRead(fd)
		}
		if ev&ioEventWrite != 0 {
			scope.UnblockWrite(fd)
		}
		if ev&ioEventError != 0 {
			// EPOLLERR fires both directions so a peer error wakes any
			// waiter; a bare hangup is a read event only.
			scope.UnblockRead(fd)
			scope.UnblockWrite(fd)
		}
	}
	return count, nil
}

func (p *epollBackend) drainEventFD(fd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}

func (p *epollBackend) wake() error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 1)
	_, err := unix.Write(p.wakeFD, buf)
	return err
}

func (p *epollBackend) close() error {
	if p.timerFD >= 0 {
		_ = unix.Close(p.timerFD)
	}
	_ = unix.Close(p.wakeFD)
	return unix.Close(p.epfd)
}

func toEpoll(ev ioEvents) uint32 {
	var e uint32
	if ev&ioEventRead != 0 {
		e |= unix.EPOLLIN
	}
	if ev&ioEventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	if ev&ioEventEdge != 0 {
		e |= uint32(unix.EPOLLET)
	}
	if ev&ioEventOneshot != 0 {
		e |= unix.EPOLLONESHOT
	}
	return e
}

func fromEpoll(e uint32) ioEvents {
	var ev ioEvents
	if e&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP|unix.EPOLLHUP) != 0 {
		ev |= ioEventRead
	}
	if e&unix.EPOLLOUT != 0 {
		ev |= ioEventWrite
	}
	if e&unix.EPOLLERR != 0 {
		ev |= ioEventError
	}
	return ev
}
