// Package reactor implements tgen's single-threaded I/O reactor (spec
// §4.1): one epoll instance multiplexing sockets and kernel timers, with
// all state transitions executing synchronously on the calling goroutine.
// Nothing in this package spawns a goroutine; the caller (internal/driver)
// supplies the one "reactor thread" by calling LoopOnce/CheckTimeouts in a
// loop.
package reactor

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// EventSet is a bitmask of readiness/response flags.
type EventSet uint8

const (
	EvRead EventSet = 1 << iota
	EvWrite
	EvDone
	EvWriteDeferred
)

// Response is what an owner's OnEvent callback hands back to the reactor:
// the readiness it wants watched next, optionally deferred to an absolute
// time (spec §4.1 "{wanted_events, defer_until_usec}").
type Response struct {
	Wanted     EventSet
	DeferUntil time.Time
}

// OnEventFunc is invoked once per ready descriptor with the three booleans
// the reactor computed for it.
type OnEventFunc func(readable, writable, done bool) Response

// OnCheckTimeoutFunc is polled by CheckTimeouts; returning true means the
// child should be deregistered.
type OnCheckTimeoutFunc func() bool

type child struct {
	fd             int
	onEvent        OnEventFunc
	onCheckTimeout OnCheckTimeoutFunc
	owner          interface{}
	drop           func()
	watched        EventSet // last mask actually requested of epoll (READ/WRITE only)
	deferTimer     *Timer
}

// Reactor is the single-threaded readiness multiplexer.
type Reactor struct {
	epfd     int
	children map[int]*child
	log      *logrus.Entry
}

// New creates an epoll instance. Callers typically create exactly one
// Reactor for the process lifetime.
func New(log *logrus.Entry) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Reactor{epfd: epfd, children: make(map[int]*child), log: log}, nil
}

// EpollDescriptor exposes the underlying epoll fd so the enclosing program
// can block on reactor activity with its own outer wait (spec §4.1).
func (r *Reactor) EpollDescriptor() int { return r.epfd }

// Register begins watching fd for read+write. If fd is already registered,
// the stale registration is dropped first with a warning (spec §4.1).
func (r *Reactor) Register(fd int, onEvent OnEventFunc, onCheckTimeout OnCheckTimeoutFunc, owner interface{}, drop func()) error {
	if _, exists := r.children[fd]; exists {
		r.log.WithField("fd", fd).Warn("reactor: descriptor already registered, replacing")
		r.deregister(fd)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(ADD, %d): %w", fd, err)
	}

	r.children[fd] = &child{
		fd:             fd,
		onEvent:        onEvent,
		onCheckTimeout: onCheckTimeout,
		owner:          owner,
		drop:           drop,
		watched:        EvRead | EvWrite,
	}
	return nil
}

func (r *Reactor) deregister(fd int) {
	c, ok := r.children[fd]
	if !ok {
		return
	}
	if c.deferTimer != nil {
		c.deferTimer.Cancel()
		c.deferTimer = nil
	}
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(r.children, fd)
	if c.drop != nil {
		c.drop()
	}
}

// LoopOnce collects up to maxEvents ready descriptors and dispatches each to
// its child, returning how many were dispatched. Callers re-invoke while the
// previous return equaled maxEvents (spec §4.1).
func (r *Reactor) LoopOnce(maxEvents int) (int, error) {
	events := make([]unix.EpollEvent, maxEvents)

	var n int
	for {
		var err error
		n, err = unix.EpollWait(r.epfd, events, 0)
		if err == unix.EINTR {
			continue // interrupted wait is retried transparently (spec §4.1)
		}
		if err != nil {
			return 0, fmt.Errorf("reactor: epoll_wait: %w", err)
		}
		break
	}

	dispatched := 0
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		c, ok := r.children[fd]
		if !ok {
			// Ready but no child: a same-batch deregistration raced us.
			// Silently drop, per spec §4.1.
			continue
		}
		dispatched++

		readable := events[i].Events&unix.EPOLLIN != 0
		writable := events[i].Events&unix.EPOLLOUT != 0
		done := events[i].Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0

		resp := c.onEvent(readable, writable, done)
		r.applyResponse(c, resp)
	}
	return dispatched, nil
}

func (r *Reactor) applyResponse(c *child, resp Response) {
	// Re-verify c is still registered: the callback itself may have asked
	// for a different fd's deregistration as a side effect in pathological
	// owners, though tgen's owners never do that.
	if _, ok := r.children[c.fd]; !ok {
		return
	}

	if resp.Wanted&EvDone != 0 {
		r.deregister(c.fd)
		return
	}

	if resp.Wanted&EvWriteDeferred != 0 {
		r.updateWatch(c, EvRead)
		d := time.Until(resp.DeferUntil)
		if d < 0 {
			d = 0
		}
		if c.deferTimer != nil {
			c.deferTimer.Rearm(d)
			return
		}
		fd := c.fd
		timer, err := r.NewTimer(d, false, func() {
			child, ok := r.children[fd]
			if !ok {
				return
			}
			child.deferTimer = nil
			r.updateWatch(child, child.watched|EvWrite)
		})
		if err != nil {
			r.log.WithError(err).Warn("reactor: failed to arm write-defer timer")
			r.updateWatch(c, c.watched|EvWrite)
			return
		}
		c.deferTimer = timer
		return
	}

	r.updateWatch(c, resp.Wanted&(EvRead|EvWrite))
}

func (r *Reactor) updateWatch(c *child, want EventSet) {
	if want == c.watched {
		return // avoid a redundant EPOLL_CTL_MOD (spec §4.1)
	}
	var events uint32
	if want&EvRead != 0 {
		events |= unix.EPOLLIN
	}
	if want&EvWrite != 0 {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(c.fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, c.fd, &ev); err != nil {
		r.log.WithError(err).WithField("fd", c.fd).Warn("reactor: epoll_ctl(MOD) failed")
		return
	}
	c.watched = want
}

// CheckTimeouts iterates children that registered an OnCheckTimeout callback;
// those reporting "timed out" are deregistered after the full iteration
// completes, never during it (spec §4.1).
func (r *Reactor) CheckTimeouts() {
	var expired []int
	for fd, c := range r.children {
		if c.onCheckTimeout == nil {
			continue
		}
		if c.onCheckTimeout() {
			expired = append(expired, fd)
		}
	}
	for _, fd := range expired {
		r.deregister(fd)
	}
}

// NumChildren reports how many descriptors are currently registered.
func (r *Reactor) NumChildren() int { return len(r.children) }

// Close releases the epoll instance itself; callers typically only do this
// at process shutdown.
func (r *Reactor) Close() error {
	return unix.Close(r.epfd)
}
