//go:build linux

package fibrerun

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// EINTR from the kernel wait is recovered locally as "zero events this
// round"; every other failure is surfaced to the caller.
func TestEpollBackend_PollRecoversFromEINTR(t *testing.T) {
	orig := epollWait
	t.Cleanup(func() { epollWait = orig })
	calls := 0
	epollWait = func(epfd int, events []unix.EpollEvent, msec int) (int, error) {
		calls++
		return -1, unix.EINTR
	}

	p, err := newOSPoller()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.close() })

	n, err := p.poll(-1, NewEventScope())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, calls)
}

// A bare hangup (peer closed its end, no error) is a read event: it wakes
// the read waiter only, never a write waiter.
func TestEpollBackend_HangupWakesReadWaiterOnly(t *testing.T) {
	p, err := newOSPoller()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.close() })

	r, wr, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	fd := int(r.Fd())
	w := newTestWorker(t)
	scope := w.cluster.scope
	reader, writer := NewFred(w), NewFred(w)
	require.True(t, scope.Tryblock(fd, readDirection, reader))
	require.True(t, scope.Tryblock(fd, writeDirection, writer))
	require.NoError(t, p.registerFD(fd, ioEventRead))

	// closing the write end delivers EPOLLHUP on the read end.
	require.NoError(t, wr.Close())

	n, err := p.poll(-1, scope)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// the read waiter was consumed, the write waiter was not.
	assert.True(t, scope.Tryblock(fd, readDirection, reader))
	assert.False(t, scope.Tryblock(fd, writeDirection, writer))
}
