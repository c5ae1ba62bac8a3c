package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestRegister_DispatchesReadableEvent(t *testing.T) {
	r, err := New(nil)
	require.NoError(t, err)
	defer r.Close()

	a, b := socketpair(t)

	var gotReadable bool
	dropped := false
	err = r.Register(a, func(readable, writable, done bool) Response {
		gotReadable = readable
		return Response{Wanted: EvDone}
	}, nil, nil, func() { dropped = true })
	require.NoError(t, err)

	_, err = unix.Write(b, []byte("hi"))
	require.NoError(t, err)

	// allow the kernel to mark the socket readable
	time.Sleep(5 * time.Millisecond)

	n, err := r.LoopOnce(8)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, gotReadable)
	require.True(t, dropped, "EvDone response must deregister and drop")
	require.Equal(t, 0, r.NumChildren())
}

func TestRegister_DuplicateFdReplacesStaleChild(t *testing.T) {
	r, err := New(nil)
	require.NoError(t, err)
	defer r.Close()

	a, _ := socketpair(t)

	firstDropped := false
	require.NoError(t, r.Register(a, func(bool, bool, bool) Response {
		return Response{Wanted: EvRead | EvWrite}
	}, nil, nil, func() { firstDropped = true }))

	require.NoError(t, r.Register(a, func(bool, bool, bool) Response {
		return Response{Wanted: EvRead | EvWrite}
	}, nil, nil, func() {}))

	require.True(t, firstDropped)
	require.Equal(t, 1, r.NumChildren())
}

func TestWriteDeferred_SuppressesWriteUntilTimerFires(t *testing.T) {
	r, err := New(nil)
	require.NoError(t, err)
	defer r.Close()

	a, _ := socketpair(t)

	deferredOnce := false
	writableSeenAfterDefer := false
	require.NoError(t, r.Register(a, func(readable, writable, done bool) Response {
		if !deferredOnce {
			deferredOnce = true
			return Response{Wanted: EvWriteDeferred, DeferUntil: time.Now().Add(30 * time.Millisecond)}
		}
		if writable {
			writableSeenAfterDefer = true
		}
		return Response{Wanted: EvRead | EvWrite}
	}, nil, nil, func() {}))

	// first dispatch: socket is writable immediately (empty send buffer)
	deadline := time.Now().Add(time.Second)
	for !deferredOnce && time.Now().Before(deadline) {
		r.LoopOnce(8)
		time.Sleep(time.Millisecond)
	}
	require.True(t, deferredOnce)

	for !writableSeenAfterDefer && time.Now().Before(deadline) {
		r.LoopOnce(8)
		time.Sleep(time.Millisecond)
	}
	require.True(t, writableSeenAfterDefer, "write watching must resume once the defer timer fires")
}

func TestTimer_OneShotFiresOnce(t *testing.T) {
	r, err := New(nil)
	require.NoError(t, err)
	defer r.Close()

	fires := 0
	_, err = r.NewTimer(10*time.Millisecond, false, func() { fires++ })
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for r.NumChildren() > 0 && time.Now().Before(deadline) {
		r.LoopOnce(8)
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 1, fires)
	require.Equal(t, 0, r.NumChildren())
}

func TestTimer_PeriodicFiresMultipleTimesUntilCancel(t *testing.T) {
	r, err := New(nil)
	require.NoError(t, err)
	defer r.Close()

	fires := 0
	timer, err := r.NewTimer(5*time.Millisecond, true, func() { fires++ })
	require.NoError(t, err)

	deadline := time.Now().Add(200 * time.Millisecond)
	for fires < 3 && time.Now().Before(deadline) {
		r.LoopOnce(8)
		time.Sleep(time.Millisecond)
	}
	require.GreaterOrEqual(t, fires, 3)
	timer.Cancel()
	require.Equal(t, 0, r.NumChildren())
}

func TestCheckTimeouts_DeregistersOnlyAfterFullIteration(t *testing.T) {
	r, err := New(nil)
	require.NoError(t, err)
	defer r.Close()

	a, _ := socketpair(t)
	b, _ := socketpair(t)

	var order []int
	require.NoError(t, r.Register(a, func(bool, bool, bool) Response { return Response{} }, func() bool {
		order = append(order, a)
		return true
	}, nil, func() {}))
	require.NoError(t, r.Register(b, func(bool, bool, bool) Response { return Response{} }, func() bool {
		order = append(order, b)
		return false
	}, nil, func() {}))

	r.CheckTimeouts()
	require.ElementsMatch(t, []int{a, b}, order, "both children must be polled before either is dropped")
	require.Equal(t, 1, r.NumChildren())
}
