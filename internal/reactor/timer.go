package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Timer owns a kernel timerfd (spec §3 "Timer — owns a kernel timer
// descriptor"). It is driven through the same epoll dispatch path as any
// other child: when the timerfd becomes readable, the reactor clears its
// expiration counter and invokes onExpire.
type Timer struct {
	reactor  *Reactor
	fd       int
	periodic bool
	onExpire func()
}

// NewTimer arms a new timer for d; if periodic, it re-arms itself every d
// until Cancel is called, otherwise it fires once and deregisters itself.
func (r *Reactor) NewTimer(d time.Duration, periodic bool, onExpire func()) (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, 0)
	if err != nil {
		return nil, fmt.Errorf("reactor: timerfd_create: %w", err)
	}

	t := &Timer{reactor: r, fd: fd, periodic: periodic, onExpire: onExpire}

	if err := t.arm(d); err != nil {
		unix.Close(fd)
		return nil, err
	}

	err = r.Register(fd, t.handleEvent, nil, t, func() {
		unix.Close(fd)
	})
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	// Timers are expiry-only: we never want EPOLLOUT for a timerfd.
	r.updateWatch(r.children[fd], EvRead)
	return t, nil
}

func (t *Timer) arm(d time.Duration) error {
	if d < 0 {
		d = 0
	}
	value := unix.NsecToTimespec(d.Nanoseconds())
	spec := unix.ItimerSpec{Value: value}
	if t.periodic {
		spec.Interval = value
	}
	return unix.TimerfdSettime(t.fd, 0, &spec, nil)
}

// Rearm resets the timer to fire after d from now, reusing the same
// descriptor (spec §4.1 "A pre-existing defer timer for the same child is
// re-armed rather than recreated").
func (t *Timer) Rearm(d time.Duration) error {
	return t.arm(d)
}

func (t *Timer) handleEvent(readable, writable, done bool) Response {
	if !readable {
		return Response{Wanted: EvRead}
	}

	var buf [8]byte
	if _, err := unix.Read(t.fd, buf[:]); err != nil && err != unix.EAGAIN {
		return Response{Wanted: EvDone}
	}

	if t.onExpire != nil {
		t.onExpire()
	}

	if !t.periodic {
		return Response{Wanted: EvDone}
	}
	return Response{Wanted: EvRead}
}

// Cancel stops and deregisters the timer. Safe to call more than once.
func (t *Timer) Cancel() {
	t.reactor.deregister(t.fd)
}
