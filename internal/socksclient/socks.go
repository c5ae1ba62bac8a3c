// Package socksclient implements the SOCKS5 client handshake state machine
// described in spec §4.2: CONNECT init, optional username/password auth,
// the connect request and its reply, driven non-blocking byte-at-a-time from
// the reactor's readiness callbacks.
package socksclient

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// State is one step of the ordered handshake in spec §4.2.
type State int

const (
	StateInit State = iota
	StateChoice
	StateAuthRequest
	StateAuthResponse
	StateRequest
	StateResponseStatus
	StateResponseType
	StateResponseIPv4
	StateResponseNameLen
	StateResponseName
	StateSuccess
	StateError
)

// Error is the SOCKS5 failure taxonomy from spec §4.2.
type Error int

const (
	ErrNone Error = iota
	ErrChoice
	ErrAuth
	ErrReconn
	ErrAddr
	ErrVersion
	ErrStatus
	ErrWrite
	ErrRead
)

func (e Error) Error() string {
	switch e {
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
	default:
		return "NONE"
	}
}

// StatusCode is the SOCKS5 reply status byte, decoded to a symbolic name for
// logging (spec §4.2 "Status-code decoding").
type StatusCode byte

const (
	StatusGeneral            StatusCode = 0x01
	StatusNotAllowed         StatusCode = 0x02
	StatusNetUnreachable     StatusCode = 0x03
	StatusHostUnreachable    StatusCode = 0x04
	StatusRefused            StatusCode = 0x05
	StatusTTLExpired         StatusCode = 0x06
	StatusCmdUnsupported     StatusCode = 0x07
	StatusAddrTypUnsupported StatusCode = 0x08

	// Extended onion-service status codes.
	StatusOnionNotFound         StatusCode = 0xF0
	StatusOnionInvalidDescr     StatusCode = 0xF1
	StatusOnionIntroFailed      StatusCode = 0xF2
	StatusOnionRendezvousFailed StatusCode = 0xF3
	StatusOnionMissingClientAuth StatusCode = 0xF4
	StatusOnionWrongClientAuth  StatusCode = 0xF5
	StatusOnionInvalidAddress   StatusCode = 0xF6
	StatusOnionIntroTimeout     StatusCode = 0xF7
)

func (s StatusCode) String() string {
	switch s {
	case 0x00:
		return "succeeded"
	case StatusGeneral:
		return "general-failure"
	case StatusNotAllowed:
		return "not-allowed"
	case StatusNetUnreachable:
		return "net-unreachable"
	case StatusHostUnreachable:
		return "host-unreachable"
	case StatusRefused:
		return "connection-refused"
	case StatusTTLExpired:
		return "ttl-expired"
	case StatusCmdUnsupported:
		return "command-unsupported"
	case StatusAddrTypUnsupported:
		return "address-type-unsupported"
	case StatusOnionNotFound:
		return "onion-service-not-found"
	case StatusOnionInvalidDescr:
		return "onion-invalid-descriptor"
	case StatusOnionIntroFailed:
		return "onion-introduction-failed"
	case StatusOnionRendezvousFailed:
		return "onion-rendezvous-failed"
	case StatusOnionMissingClientAuth:
		return "onion-missing-client-auth"
	case StatusOnionWrongClientAuth:
		return "onion-wrong-client-auth"
	case StatusOnionInvalidAddress:
		return "onion-invalid-address"
	case StatusOnionIntroTimeout:
		return "onion-introduction-timeout"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(s))
	}
}

// Target is the address the client wants the proxy to connect to on its
// behalf (spec §4.2 "Request C→S").
type Target struct {
	// IsDomain selects the AT=03 domain-name request form; used for onion
	// peers and any host that did not resolve locally.
	IsDomain bool
	Domain   string
	IP       net.IP
	Port     uint16
}

// Client drives the handshake. Callers feed it readiness via Writable/
// Readable and pull wire bytes via PendingWrite/ConsumeRead.
type Client struct {
	username, password string
	target             Target

	state State
	err   Error
	status StatusCode

	out bytes.Buffer // bytes still to be written to the socket
	in  []byte       // accumulated partial read for the current step
	need int         // bytes needed before the current step can progress
}

// New builds a handshake client. username/password empty means no-auth.
func New(username, password string, target Target) *Client {
	c := &Client{username: username, password: password, target: target, state: StateInit}
	c.queueInit()
	return c
}

func (c *Client) useAuth() bool { return c.username != "" || c.password != "" }

func (c *Client) queueInit() {
	if c.useAuth() {
		c.out.Write([]byte{0x05, 0x01, 0x02})
	} else {
		c.out.Write([]byte{0x05, 0x01, 0x00})
	}
}

// State returns the current handshake state.
func (c *Client) State() State { return c.state }

// Err returns the failure reason once State()==StateError.
func (c *Client) Err() Error { return c.err }

// Done reports whether the handshake reached a terminal state.
func (c *Client) Done() bool { return c.state == StateSuccess || c.state == StateError }

func (c *Client) fail(e Error) {
	c.err = e
	c.state = StateError
}

// PendingWrite returns the bytes that still need to be written to the
// socket for the current step. Callers must call ConsumeWrite with however
// many bytes the underlying write() accepted.
func (c *Client) PendingWrite() []byte { return c.out.Bytes() }

// ConsumeWrite records that n bytes of PendingWrite were sent, advancing the
// state machine to the next step once the buffer has fully drained.
func (c *Client) ConsumeWrite(n int) {
	if n <= 0 {
		return
	}
	c.out.Next(n)
	if c.out.Len() > 0 {
		return
	}
	switch c.state {
	case StateInit:
		c.state = StateChoice
		c.need = 2
	case StateAuthRequest:
		c.state = StateAuthResponse
		c.need = 2
	case StateRequest:
		c.state = StateResponseStatus
		c.need = 4
	}
}

// WantWrite reports whether the client currently has bytes queued to write.
func (c *Client) WantWrite() bool { return c.out.Len() > 0 }

// WantRead reports whether the client is waiting on bytes from the proxy.
func (c *Client) WantRead() bool {
	switch c.state {
	case StateChoice, StateAuthResponse, StateResponseStatus, StateResponseType,
		StateResponseIPv4, StateResponseNameLen, StateResponseName:
		return true
	default:
		return false
	}
}

// Feed appends bytes read from the socket and advances the handshake as far
// as the accumulated data allows. It returns the number of bytes consumed.
func (c *Client) Feed(data []byte) int {
	consumed := 0
	for len(data) > 0 && c.WantRead() {
		take := c.need - len(c.in)
		if take > len(data) {
			take = len(data)
		}
		c.in = append(c.in, data[:take]...)
		data = data[take:]
		consumed += take
		if len(c.in) < c.need {
			return consumed
		}
		c.advance()
	}
	return consumed
}

func (c *Client) advance() {
	buf := c.in
	c.in = nil

	switch c.state {
	case StateChoice:
		if buf[0] != 0x05 {
			c.fail(ErrChoice)
			return
		}
		wantMethod := byte(0x00)
		if c.useAuth() {
			wantMethod = 0x02
		}
		if buf[1] != wantMethod {
			c.fail(ErrChoice)
			return
		}
		if c.useAuth() {
			c.state = StateAuthRequest
			c.queueAuthRequest()
		} else {
			c.state = StateRequest
			c.queueRequest()
		}

	case StateAuthResponse:
		if buf[0] != 0x01 || buf[1] != 0x00 {
			c.fail(ErrAuth)
			return
		}
		c.state = StateRequest
		c.queueRequest()

	case StateResponseStatus:
		// buf = VER REP RSV ATYP
		if buf[0] != 0x05 {
			c.fail(ErrVersion)
			return
		}
		c.status = StatusCode(buf[1])
		if c.status != 0x00 {
			c.fail(ErrStatus)
			return
		}
		switch buf[3] {
		case 0x01:
			c.state = StateResponseIPv4
			c.need = 6
		case 0x03:
			c.state = StateResponseNameLen
			c.need = 1
		default:
			c.fail(ErrAddr)
		}

	case StateResponseIPv4:
		ip := net.IP(buf[0:4])
		port := binary.BigEndian.Uint16(buf[4:6])
		c.finishResponse(ip, port)

	case StateResponseNameLen:
		n := int(buf[0])
		if n == 0 {
			c.finishResponse(nil, 0)
			return
		}
		c.state = StateResponseName
		c.need = n + 2

	case StateResponseName:
		port := binary.BigEndian.Uint16(buf[len(buf)-2:])
		c.finishResponse(nil, port)
	}
}

// finishResponse implements spec §4.2: any non-zero bind address/port in
// the reply is reported as an unsupported reconnection request.
func (c *Client) finishResponse(boundIP net.IP, boundPort uint16) {
	if boundPort != 0 || (len(boundIP) > 0 && !boundIP.IsUnspecified()) {
		c.fail(ErrReconn)
		return
	}
	c.state = StateSuccess
}

func (c *Client) queueAuthRequest() {
	user := []byte(c.username)
	if len(user) > 255 {
		user = user[:255]
	}
	pass := []byte(c.password)
	if len(pass) > 255 {
		pass = pass[:255]
	}
	c.out.WriteByte(0x01)
	c.out.WriteByte(byte(len(user)))
	if len(user) == 0 {
		c.out.WriteByte(0x00)
	} else {
		c.out.Write(user)
	}
	c.out.WriteByte(byte(len(pass)))
	if len(pass) == 0 {
		c.out.WriteByte(0x00)
	} else {
		c.out.Write(pass)
	}
}

func (c *Client) queueRequest() {
	c.out.WriteByte(0x05)
	c.out.WriteByte(0x01) // CMD=CONNECT
	c.out.WriteByte(0x00) // RSV

	if c.target.IsDomain {
		name := []byte(c.target.Domain)
		if len(name) > 255 {
			name = name[:255]
		}
		c.out.WriteByte(0x03)
		c.out.WriteByte(byte(len(name)))
		c.out.Write(name)
	} else {
		v4 := c.target.IP.To4()
		c.out.WriteByte(0x01)
		c.out.Write(v4)
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], c.target.Port)
	c.out.Write(portBuf[:])
}

// Status returns the decoded reply status once a response has been received.
func (c *Client) Status() StatusCode { return c.status }

var errShortWrite = errors.New("socksclient: short write")
