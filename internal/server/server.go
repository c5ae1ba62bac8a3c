// Package server implements tgen's accept path (spec §4.5): a listening
// socket registered with the reactor, handing each accepted connection to a
// caller-supplied callback so the driver can wrap it as a passive Stream.
package server

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/shadow/tgen/internal/peer"
	"github.com/shadow/tgen/internal/reactor"
)

// AcceptFunc is invoked once per accepted connection with the raw descriptor,
// the instant the server began (creation time of the listener) and the
// instant this connection was accepted, plus the resolved remote peer (spec
// §4.5 "(socket, started_at, created_at, peer)").
type AcceptFunc func(fd int, createdAt, acceptedAt time.Time, remote *peer.Peer)

// Server owns one listening, non-blocking socket registered with a Reactor.
type Server struct {
	fd        int
	createdAt time.Time
	onAccept  AcceptFunc
}

// Listen opens a non-blocking TCP listener on port, bound to bindIP if
// non-nil or the wildcard address otherwise, with address and (where the
// platform offers it) port reuse enabled (spec §4.5).
func Listen(bindIP net.IP, port uint16, onAccept AcceptFunc) (*Server, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("server: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("server: SO_REUSEADDR: %w", err)
	}
	// SO_REUSEPORT isn't available on every platform tgen targets; failing
	// to set it is not fatal (spec §4.5 "if available").
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)

	addr := unix.SockaddrInet4{Port: int(port)}
	if bindIP != nil {
		if v4 := bindIP.To4(); v4 != nil {
			copy(addr.Addr[:], v4)
		}
	}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("server: bind: %w", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("server: listen: %w", err)
	}

	return &Server{fd: fd, createdAt: time.Now(), onAccept: onAccept}, nil
}

// Port reports the listener's actual bound port, useful when Listen was
// called with port 0 to let the kernel choose one (as tests do).
func (s *Server) Port() (uint16, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return 0, err
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, fmt.Errorf("server: unexpected sockaddr type %T", sa)
	}
	return uint16(sa4.Port), nil
}

// Register begins watching the listener with r, dispatching to OnEvent.
func (s *Server) Register(r *reactor.Reactor) error {
	return r.Register(s.fd, s.OnEvent, nil, s, func() { unix.Close(s.fd) })
}

// OnEvent is the reactor.OnEventFunc for the listening socket: it accepts in
// a loop until accept would block, as spec §4.5 requires, invoking onAccept
// for each new connection.
func (s *Server) OnEvent(readable, writable, done bool) reactor.Response {
	if done {
		return reactor.Response{Wanted: reactor.EvDone}
	}
	if !readable {
		return reactor.Response{Wanted: reactor.EvRead}
	}

	for {
		nfd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			break // transient accept errors are logged by the caller via the byte/stream counters, not fatal to the listener
		}
		acceptedAt := time.Now()

		var remote *peer.Peer
		if sa4, ok := sa.(*unix.SockaddrInet4); ok {
			remote = peer.NewFromIP(net.IP(sa4.Addr[:]), uint16(sa4.Port))
		}
		if s.onAccept != nil {
			s.onAccept(nfd, s.createdAt, acceptedAt, remote)
		}
	}
	return reactor.Response{Wanted: reactor.EvRead}
}

// Close releases the listening descriptor.
func (s *Server) Close() error {
	return unix.Close(s.fd)
}
