// Package peer holds the immutable target-address value type used throughout
// tgen: a resolved host/port pair shared by value across streams, pools and
// log lines.
package peer

import (
	"fmt"
	"net"
)

// Peer is a resolved TCP target. It is immutable after construction and may
// be freely shared by multiple streams/options.
type Peer struct {
	host string
	ip   net.IP // IPv4, resolved once at construction
	port uint16 // host byte order; callers needing wire order convert at the edge

	cached string // "host:port" rendering, built once
}

// New resolves hostOrIP (a literal IPv4 address, or a hostname handed to the
// stdlib resolver) and pairs it with port. The onion-service case ("x.onion")
// is accepted without resolution; Peer.IP() returns nil for it, and callers
// doing SOCKS5 requests must then use the domain-name address form (see
// socksclient).
func New(hostOrIP string, port uint16) (*Peer, error) {
	p := &Peer{host: hostOrIP, port: port}

	if isOnion(hostOrIP) {
		p.cached = fmt.Sprintf("%s:%d", hostOrIP, port)
		return p, nil
	}

	if ip := net.ParseIP(hostOrIP); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			p.ip = v4
		} else {
			return nil, fmt.Errorf("peer: %q is not an IPv4 address", hostOrIP)
		}
	} else {
		addrs, err := net.LookupIP(hostOrIP)
		if err != nil {
			return nil, fmt.Errorf("peer: resolving %q: %w", hostOrIP, err)
		}
		var v4 net.IP
		for _, a := range addrs {
			if v := a.To4(); v != nil {
				v4 = v
				break
			}
		}
		if v4 == nil {
			return nil, fmt.Errorf("peer: %q has no IPv4 address", hostOrIP)
		}
		p.ip = v4
	}

	p.cached = fmt.Sprintf("%s:%d", p.displayHost(), port)
	return p, nil
}

// NewFromIP builds a Peer directly from a resolved IPv4 address, as used by
// the server accept path where the kernel has already done resolution.
func NewFromIP(ip net.IP, port uint16) *Peer {
	v4 := ip.To4()
	p := &Peer{ip: v4, host: v4.String(), port: port}
	p.cached = fmt.Sprintf("%s:%d", p.displayHost(), port)
	return p
}

func isOnion(host string) bool {
	n := len(host)
	return n > 6 && host[n-6:] == ".onion"
}

func (p *Peer) displayHost() string {
	if p.ip != nil {
		return p.ip.String()
	}
	return p.host
}

// Host returns the original hostname/literal the peer was constructed with.
func (p *Peer) Host() string { return p.host }

// IP returns the resolved IPv4 address, or nil for an unresolved onion peer.
func (p *Peer) IP() net.IP { return p.ip }

// Port returns the port in host byte order.
func (p *Peer) Port() uint16 { return p.port }

// IsOnion reports whether this peer must be addressed by name (SOCKS5 domain
// form) rather than by resolved IPv4 address.
func (p *Peer) IsOnion() bool { return p.ip == nil }

// String renders "host:port" using the resolved address when available.
func (p *Peer) String() string { return p.cached }

// TCPAddr returns the net.TCPAddr for direct (non-proxied) dialing. Callers
// must not invoke this on an onion peer.
func (p *Peer) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: p.ip, Port: int(p.port)}
}
