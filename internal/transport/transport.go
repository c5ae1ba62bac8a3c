// Package transport manages a non-blocking TCP socket and, optionally, a
// SOCKS5 handshake driven ahead of it (spec §4.2). Transport owns the raw
// file descriptor directly (rather than net.Conn) so the reactor can
// register it with epoll and drive it purely by readiness, matching spec
// §3 "Transport — owns the socket descriptor".
package transport

import (
	"fmt"
	"io"
	"time"

	"golang.org/x/sys/unix"

	"github.com/shadow/tgen/internal/peer"
	"github.com/shadow/tgen/internal/socksclient"
)

// State is the transport's position in the ordered handshake of spec §4.2.
type State int

const (
	StateConnect State = iota
	StateProxyHandshake
	StateSuccessOpen
	StateSuccessEOF
	StateError
)

// ErrorKind is the transport-scope failure taxonomy (spec §4.2/§7).
type ErrorKind int

const (
	ErrNone ErrorKind = iota
	ErrConnect
	ErrChoice
	ErrAuth
	ErrReconn
	ErrAddr
	ErrVersion
	ErrStatus
	ErrWrite
	ErrRead
	ErrMisc
	ErrStallout
	ErrTimeout
)

func (e ErrorKind) String() string {
	switch e {
	case ErrConnect:
		return "CONNECT"
	case ErrChoice:
		return "CHOICE"
	case ErrAuth:
		return "AUTH"
	case ErrReconn:
		return "RECONN"
	case ErrAddr:
		return "ADDR"
	case ErrVersion:
		return "VERSION"
	case ErrStatus:
		return "STATUS"
	case ErrWrite:
		return "WRITE"
	case ErrRead:
		return "READ"
	case ErrMisc:
		return "MISC"
	case ErrStallout:
		return "STALLOUT"
	case ErrTimeout:
		return "TIMEOUT"
	default:
		return "NONE"
	}
}

// ByteCounterFunc is invoked after every successful read/write with the
// number of bytes moved in each direction (spec §4.2 "Byte counters").
type ByteCounterFunc func(bytesRead, bytesWritten int)

// Transport wraps one non-blocking TCP socket, optionally preceded by a
// SOCKS5 proxy handshake.
type Transport struct {
	fd    int
	peer  *peer.Peer
	proxy *peer.Peer

	socks *socksclient.Client // nil when connecting directly

	state State
	err   ErrorKind

	onBytes ByteCounterFunc

	startedAt time.Time
	lastProgress time.Time
	haveProgress bool
}

// Dial creates a non-blocking socket and begins an asynchronous connect()
// to target (or to proxy, when set). The caller must drive the handshake
// via OnWritable/OnReadable from reactor callbacks.
func Dial(target *peer.Peer, proxy *peer.Peer, socksUser, socksPass string, onBytes ByteCounterFunc) (*Transport, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("transport: socket: %w", err)
	}

	dest := target
	var sc *socksclient.Client
	if proxy != nil {
		dest = proxy
		tgt := socksclient.Target{Port: target.Port()}
		if target.IsOnion() {
			tgt.IsDomain = true
			tgt.Domain = target.Host()
		} else {
			tgt.IP = target.IP()
		}
		sc = socksclient.New(socksUser, socksPass, tgt)
	}

	addr := unix.SockaddrInet4{Port: int(dest.Port())}
	copy(addr.Addr[:], dest.IP().To4())

	t := &Transport{
		fd:        fd,
		peer:      target,
		proxy:     proxy,
		socks:     sc,
		state:     StateConnect,
		onBytes:   onBytes,
		startedAt: time.Now(),
	}

	if err := unix.Connect(fd, &addr); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		t.state = StateError
		t.err = ErrConnect
		return t, fmt.Errorf("transport: connect: %w", err)
	}
	return t, nil
}

// FromAcceptedFD wraps an already-connected, already-non-blocking socket
// handed to us by the server accept path (spec §4.5). Passive transports
// never run the SOCKS5 client handshake.
func FromAcceptedFD(fd int, remote *peer.Peer, onBytes ByteCounterFunc) *Transport {
	return &Transport{
		fd:        fd,
		peer:      remote,
		state:     StateSuccessOpen,
		onBytes:   onBytes,
		startedAt: time.Now(),
	}
}

// Fd returns the raw descriptor, for reactor registration.
func (t *Transport) Fd() int { return t.fd }

// State returns the transport's current handshake state.
func (t *Transport) State() State { return t.state }

// Err returns the failure reason once State()==StateError.
func (t *Transport) Err() ErrorKind { return t.err }

func (t *Transport) fail(e ErrorKind) {
	t.err = e
	t.state = StateError
}

// OnWritable is invoked by the reactor when the descriptor is writable. It
// drives socket-connect completion and any outstanding SOCKS5 write step.
func (t *Transport) OnWritable() error {
	switch t.state {
	case StateConnect:
		errno, serr := unix.GetsockoptInt(t.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if serr != nil || errno != 0 {
			t.fail(ErrConnect)
			return fmt.Errorf("transport: connect failed: errno=%d", errno)
		}
		if t.socks == nil {
			t.state = StateSuccessOpen
			return nil
		}
		t.state = StateProxyHandshake
		return t.pumpSocksWrite()
	case StateProxyHandshake:
		return t.pumpSocksWrite()
	}
	return nil
}

func (t *Transport) pumpSocksWrite() error {
	for t.socks.WantWrite() {
		buf := t.socks.PendingWrite()
		n, err := unix.Write(t.fd, buf)
		if n > 0 {
			t.markProgress()
			t.countBytes(0, n)
			t.socks.ConsumeWrite(n)
		}
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			t.fail(ErrWrite)
			return fmt.Errorf("transport: socks write: %w", err)
		}
		if n == 0 {
			return nil
		}
	}
	t.syncSocksState()
	return nil
}

// OnReadable is invoked by the reactor when the descriptor is readable; it
// drives the SOCKS5 read steps. Once the handshake finishes (or there was
// no proxy) plain payload reads happen through Read below.
func (t *Transport) OnReadable() error {
	if t.state != StateProxyHandshake {
		return nil
	}
	var buf [512]byte
	for t.socks.WantRead() {
		n, err := unix.Read(t.fd, buf[:])
		if n > 0 {
			t.markProgress()
			t.countBytes(n, 0)
			t.socks.Feed(buf[:n])
		}
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			t.fail(ErrRead)
			return fmt.Errorf("transport: socks read: %w", err)
		}
		if n == 0 {
			t.fail(ErrRead)
			return fmt.Errorf("transport: socks handshake: EOF")
		}
	}
	t.syncSocksState()
	return nil
}

func (t *Transport) syncSocksState() {
	if !t.socks.Done() {
		return
	}
	if t.socks.State() == socksclient.StateSuccess {
		t.state = StateSuccessOpen
		return
	}
	switch t.socks.Err() {
	case socksclient.ErrChoice:
		t.fail(ErrChoice)
	case socksclient.ErrAuth:
		t.fail(ErrAuth)
	case socksclient.ErrReconn:
		t.fail(ErrReconn)
	case socksclient.ErrAddr:
		t.fail(ErrAddr)
	case socksclient.ErrVersion:
		t.fail(ErrVersion)
	case socksclient.ErrStatus:
		t.fail(ErrStatus)
	default:
		t.fail(ErrMisc)
	}
}

// Read performs one non-blocking payload read, reporting byte progress via
// the configured callback. A would-block condition (no data ready yet)
// reports (0, nil); a genuine EOF reports (0, io.EOF), so callers can tell
// "nothing yet" from "peer closed" apart (spec §7's EOF-during-payload
// rules depend on this distinction).
func (t *Transport) Read(p []byte) (int, error) {
	n, err := unix.Read(t.fd, p)
	if n > 0 {
		t.markProgress()
		t.countBytes(n, 0)
		return n, nil
	}
	if err == unix.EAGAIN {
		return 0, nil
	}
	if err == nil {
		return 0, io.EOF
	}
	return 0, err
}

// Write performs one non-blocking payload write.
func (t *Transport) Write(p []byte) (int, error) {
	n, err := unix.Write(t.fd, p)
	if n > 0 {
		t.markProgress()
		t.countBytes(0, n)
	}
	if err == unix.EAGAIN {
		return 0, nil
	}
	return n, err
}

// ShutdownWrite half-closes the write side (spec §4.3 "SEND_FLUSH... shuts
// down writes").
func (t *Transport) ShutdownWrite() error {
	return unix.Shutdown(t.fd, unix.SHUT_WR)
}

// Close releases the underlying descriptor.
func (t *Transport) Close() error {
	return unix.Close(t.fd)
}

func (t *Transport) markProgress() {
	t.lastProgress = time.Now()
	t.haveProgress = true
}

func (t *Transport) countBytes(r, w int) {
	if t.onBytes != nil {
		t.onBytes(r, w)
	}
}

// CheckTimeout implements spec §4.2's timeout helper: given stallout and
// timeout durations, reports whether either cutoff has been exceeded.
func (t *Transport) CheckTimeout(stallout, timeout time.Duration) (stalled, timedOut bool) {
	now := time.Now()
	if timeout > 0 && now.Sub(t.startedAt) >= timeout {
		timedOut = true
	}
	if stallout > 0 && t.haveProgress && now.Sub(t.lastProgress) >= stallout {
		stalled = true
	}
	return
}

// Peer returns the remote peer this transport is connected (or connecting) to.
func (t *Transport) Peer() *peer.Peer { return t.peer }
