// Package fibrerun implements the scheduling and I/O-readiness core of a
// user-level M:N fibre runtime: a priority-ordered per-worker scheduler with
// work stealing, a cluster abstraction grouping workers and pollers, and
// epoll/kqueue-backed pollers that turn kernel readiness into fibre wakeups.
//
// Fibres, synchronization primitives, and the socket/file wrappers that
// translate EWOULDBLOCK into suspension are layered on top of this package
// and are not provided here; see Fred for the minimal fibre stand-in the
// scheduler operates on.
package fibrerun
