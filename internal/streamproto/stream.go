package streamproto

import (
	"bytes"
	"hash"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/shadow/tgen/internal/markov"
	"github.com/shadow/tgen/internal/reactor"
)

// Role distinguishes the endpoint that initiated the stream from the one
// that accepted it (GLOSSARY "Commander"/"Responder").
type Role int

const (
	RoleCommander Role = iota
	RoleResponder
)

// RecvState is a step of the receive-side state machine (spec §4.3).
type RecvState int

const (
	RecvNone RecvState = iota
	RecvAuth
	RecvHeader
	RecvModel
	RecvPayload
	RecvChecksum
	RecvSuccess
	RecvError
)

func (s RecvState) terminal() bool { return s == RecvSuccess || s == RecvError }

// SendState is a step of the send-side state machine (spec §4.3).
type SendState int

const (
	SendNone SendState = iota
	SendCommand
	SendResponse
	SendPayload
	SendChecksum
	SendFlush
	SendSuccess
	SendError
)

func (s SendState) terminal() bool { return s == SendSuccess || s == SendError }

// conn is the subset of transport.Transport the protocol engine needs; kept
// as an interface so tests can drive the state machine over an in-memory
// pipe instead of a real socket.
type conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ShutdownWrite() error
}

// Times mirrors the original's named instants, kept for the [stream-status]
// log line (SPEC_FULL.md §C.2).
type Times struct {
	Start            time.Time
	Command          time.Time
	Response         time.Time
	FirstPayloadByte time.Time
	LastPayloadByte  time.Time
	Checksum         time.Time
}

// Config carries everything a Stream needs to run one side of the wire
// protocol (spec §4.3).
type Config struct {
	Role     Role
	StreamID string // for log correlation, e.g. "6-outgoing-127.0.0.1:9000"
	Hostname string

	TransferID string // commander sets it; responder just echoes it into logs

	SendSize         uint64
	SendSizeExplicit bool
	RecvSize         uint64
	RecvSizeExplicit bool

	// Model is the commander's own packet model, used to drive payload
	// generation and, when ModelMode is graphml, embedded in the command
	// header. Responders leave this nil; it is populated once the header
	// (and, in graphml mode, the embedded model bytes) have been read.
	Model     *markov.Model
	ModelMode ModelMode
	ModelPath string

	Stallout time.Duration
	Timeout  time.Duration

	// LoadModelFile lets a responder in path mode load the named model
	// file; defaults to os.ReadFile. Tests inject a fake.
	LoadModelFile func(path string) ([]byte, error)

	OnComplete func(success bool, kind ErrorKind)
}

// Stream is one bidirectional logical exchange over one TCP transport (spec
// §3 "Stream").
type Stream struct {
	cfg  Config
	conn conn

	recvState RecvState
	sendState SendState
	err       ErrorKind

	model *markov.Model

	// handshake bookkeeping
	authOutbound  []byte
	authRecvIndex int
	lineBuf       bytes.Buffer // accumulates a header or checksum line until '\n'
	modelBuf      bytes.Buffer
	modelWant     int

	peerHeader *Header // the header we received from the other side
	ourHeader  *Header // the header we send

	sendBuf bytes.Buffer // bytes queued for the socket, any phase
	didShutdownWrite bool

	sendMD5 hash.Hash
	recvMD5 hash.Hash

	sendPayloadBytes, sendTotalBytes uint64
	recvPayloadBytes, recvTotalBytes uint64

	requestedSend, requestedRecv                 uint64
	requestedSendExplicit, requestedRecvExplicit bool

	fillerRng        *rand.Rand
	accumulatedDelay time.Duration

	deferredUntil time.Time

	progressAt   time.Time
	haveProgress bool

	times Times

	completeOnce sync.Once
}

// New constructs a Stream ready to begin the handshake.
func New(c conn, cfg Config) *Stream {
	if cfg.LoadModelFile == nil {
		cfg.LoadModelFile = defaultLoadModelFile
	}
	s := &Stream{
		cfg:       cfg,
		conn:      c,
		recvState: RecvAuth,
		model:     cfg.Model,
		fillerRng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.times.Start = time.Now()

	if cfg.Role == RoleCommander {
		s.requestedSend, s.requestedSendExplicit = cfg.SendSize, cfg.SendSizeExplicit
		s.requestedRecv, s.requestedRecvExplicit = cfg.RecvSize, cfg.RecvSizeExplicit
		s.sendState = SendCommand
		s.queueCommand()
	} else {
		s.sendState = SendNone // becomes SendResponse once the command header is parsed
	}
	return s
}

// String renders the original's "N-role-peer" log identifier.
func (s *Stream) String() string { return s.cfg.StreamID }

// RecvState, SendState and Err expose current machine state for tests/logs.
func (s *Stream) RecvState() RecvState { return s.recvState }
func (s *Stream) SendState() SendState { return s.sendState }
func (s *Stream) Err() ErrorKind       { return s.err }

// PayloadBytesSent/Recv and TotalBytesSent/Recv implement spec §8's
// "payloadBytes ≤ totalBytes" invariant surface.
func (s *Stream) PayloadBytesSent() uint64 { return s.sendPayloadBytes }
func (s *Stream) PayloadBytesRecv() uint64 { return s.recvPayloadBytes }
func (s *Stream) TotalBytesSent() uint64   { return s.sendTotalBytes }
func (s *Stream) TotalBytesRecv() uint64   { return s.recvTotalBytes }

func (s *Stream) fail(kind ErrorKind) {
	if s.err == ErrNone {
		s.err = kind
	}
	s.recvState = RecvError
	s.sendState = SendError
}

// Done reports whether both state machines reached a terminal state and any
// queued outbound bytes have drained (spec §3 lifecycle).
func (s *Stream) Done() bool {
	return s.recvState.terminal() && s.sendState.terminal() && s.sendBuf.Len() == 0
}

// Success reports whether the stream finished without error.
func (s *Stream) Success() bool { return s.err == ErrNone }

func (s *Stream) maybeComplete() {
	if !s.Done() {
		return
	}
	s.completeOnce.Do(func() {
		if s.cfg.OnComplete != nil {
			s.cfg.OnComplete(s.Success(), s.err)
		}
	})
}

// HandleEvent is the reactor.OnEventFunc for this stream: reads run before
// writes when both are ready (spec §5 "Ordering guarantees").
func (s *Stream) HandleEvent(readable, writable, done bool) reactor.Response {
	if done && !s.recvState.terminal() {
		s.fail(ErrRead)
	}

	if readable && !s.recvState.terminal() {
		s.doRead()
	}
	if writable && !s.sendState.terminal() {
		s.doWrite()
	} else if writable && s.sendBuf.Len() > 0 {
		s.drainSendBuf()
	}

	s.maybeComplete()

	if s.Done() {
		return reactor.Response{Wanted: reactor.EvDone}
	}

	var want reactor.EventSet
	if !s.recvState.terminal() {
		want |= reactor.EvRead
	}
	if !s.sendState.terminal() || s.sendBuf.Len() > 0 {
		if s.deferUntil().IsZero() {
			want |= reactor.EvWrite
		} else {
			return reactor.Response{Wanted: reactor.EvWriteDeferred, DeferUntil: s.deferUntil()}
		}
	}
	return reactor.Response{Wanted: want}
}

// CheckTimeout implements the reactor.OnCheckTimeoutFunc contract, applying
// spec §4.3's stallout/timeout rule.
func (s *Stream) CheckTimeout(now time.Time, stallout, timeout time.Duration) bool {
	if s.Done() {
		return false
	}
	if timeout > 0 && now.Sub(s.times.Start) >= timeout {
		s.fail(ErrTimeout)
		return true
	}
	if stallout > 0 && s.haveProgress && now.Sub(s.progressAt) >= stallout {
		s.fail(ErrStallout)
		return true
	}
	return false
}

func (s *Stream) markProgress() {
	s.progressAt = time.Now()
	s.haveProgress = true
}

// deferUntil reports the absolute time, if any, that the send side must wait
// until before the next write (spec §4.1 "write deferral").
func (s *Stream) deferUntil() time.Time { return s.deferredUntil }

func defaultLoadModelFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
