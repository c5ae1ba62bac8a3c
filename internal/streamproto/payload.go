package streamproto

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"time"

	singbufio "github.com/sagernet/sing/common/bufio"

	"github.com/shadow/tgen/internal/markov"
)

// fillerPacketSize is the fixed packet size the original generator fills the
// payload stream with (spec §4.3 "1460-byte filler packets").
const fillerPacketSize = 1460

// maxPayloadPerCall bounds how much a single generatePayload call buffers,
// so one writable event never monopolizes the reactor thread (spec §4.3
// "buffers at most 32 KiB per dispatch").
const maxPayloadPerCall = 32 * 1024

// deferThreshold is the accumulated inter-packet delay above which the send
// side stops buffering and asks the reactor to defer the next write (spec
// §4.1/§4.3 "accumulated delay > 10ms triggers a write-defer").
const deferThreshold = 10 * time.Millisecond

func newMD5() hash.Hash { return md5.New() }

// writeOut flushes b to conn through sagernet/sing's vectorised-write
// helpers when the connection supports one, falling back to a plain Write
// otherwise (spec §4.3 send path).
func writeOut(c conn, b []byte) (int, error) {
	if bw, ok := singbufio.CreateVectorisedWriter(c); ok {
		return singbufio.WriteVectorised(bw, [][]byte{b})
	}
	return c.Write(b)
}

func hexSum(h hash.Hash) string {
	if h == nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

// consumePayload advances the receive side through the payload phase: an
// exact-sized transfer stops at its target byte count (leaving any trailing
// bytes in b for the checksum line that follows), a model-driven transfer
// consumes everything and only ends on EOF (spec §4.3).
func (s *Stream) consumePayload(b []byte) []byte {
	exact := sizeIsExact(s.requestedRecv, s.requestedRecvExplicit)

	take := len(b)
	if exact {
		remaining := s.requestedRecv - s.recvPayloadBytes
		if uint64(take) > remaining {
			take = int(remaining)
		}
	}

	if take > 0 {
		chunk := b[:take]
		if s.recvMD5 != nil {
			s.recvMD5.Write(chunk)
		}
		if s.recvPayloadBytes == 0 {
			s.times.FirstPayloadByte = time.Now()
		}
		s.recvPayloadBytes += uint64(take)
		s.recvTotalBytes += uint64(take)
		s.times.LastPayloadByte = time.Now()
	}

	rest := b[take:]
	if exact && s.recvPayloadBytes == s.requestedRecv {
		s.recvState = s.afterPayloadRecvState()
		s.advanceRecvZeroStates()
	}
	return rest
}

// observationIsOurs reports whether obs names a packet this side emits, per
// spec §4.4's role inversion: the commander is the client half of the
// model's vocabulary ("to server" is the commander sending), the responder
// is the server half ("to origin" is the responder sending).
func (s *Stream) observationIsOurs(obs markov.Observation) bool {
	if s.cfg.Role == RoleCommander {
		return obs == markov.ToServer
	}
	return obs == markov.ToOrigin
}

// doWrite drains sendBuf to the socket, refilling it from whatever phase the
// send side is in whenever it runs dry (spec §4.3 send-side machine).
func (s *Stream) doWrite() {
	for {
		if s.sendBuf.Len() == 0 {
			if !s.refillSendBuf() {
				return
			}
			if s.sendBuf.Len() == 0 {
				return // phase transition made no bytes available this round
			}
		}

		n, err := writeOut(s.conn, s.sendBuf.Bytes())
		if n > 0 {
			s.sendBuf.Next(n)
			s.sendTotalBytes += uint64(n)
			s.markProgress()
		}
		if err != nil {
			s.fail(ErrWrite)
			return
		}
		if n == 0 {
			return // would-block; resume on the next writable event
		}
		if s.sendBuf.Len() > 0 {
			return // partial write; wait for the next writable event
		}
	}
}

// drainSendBuf flushes any bytes still queued after the send machine has
// already reached a terminal state (e.g. the checksum line queued just
// before SendSuccess).
func (s *Stream) drainSendBuf() {
	n, err := writeOut(s.conn, s.sendBuf.Bytes())
	if n > 0 {
		s.sendBuf.Next(n)
		s.sendTotalBytes += uint64(n)
		s.markProgress()
	}
	if err != nil {
		s.fail(ErrWrite)
	}
}

// refillSendBuf advances the send-side state machine until either sendBuf
// has bytes queued (true) or the machine is blocked — a write-defer barrier,
// or a terminal state with nothing left (false).
func (s *Stream) refillSendBuf() bool {
	for s.sendBuf.Len() == 0 {
		switch s.sendState {
		case SendCommand:
			s.times.Command = time.Now()
			s.sendState = SendPayload
		case SendResponse:
			s.times.Response = time.Now()
			s.sendState = SendPayload
		case SendPayload:
			done, err := s.generatePayload()
			if err != nil {
				s.fail(ErrWrite)
				return false
			}
			if done {
				s.sendState = SendChecksum
				continue
			}
			if s.sendBuf.Len() == 0 {
				return false // write-deferred, or this round drew only "peer sends" observations
			}
		case SendChecksum:
			if sizeIsExact(s.requestedSend, s.requestedSendExplicit) {
				sum := hexSum(s.sendMD5)
				fmt.Fprintf(&s.sendBuf, "MD5 %s\n", sum)
				s.times.Checksum = time.Now()
			}
			s.sendState = SendFlush
		case SendFlush:
			if !s.didShutdownWrite {
				s.conn.ShutdownWrite()
				s.didShutdownWrite = true
			}
			s.sendState = SendSuccess
			return false
		default:
			return false
		}
	}
	return true
}

// generatePayload draws observations from the model until either
// maxPayloadPerCall bytes have been queued, the direction's target has been
// reached, the model ends, or the accumulated "peer sends" delay crosses
// deferThreshold (spec §4.3 steps 1-3, §4.4 sampling).
func (s *Stream) generatePayload() (done bool, err error) {
	exact := sizeIsExact(s.requestedSend, s.requestedSendExplicit)
	zero := sizeIsZero(s.requestedSend, s.requestedSendExplicit)

	if zero {
		return true, nil
	}
	if s.model == nil {
		return false, fmt.Errorf("streamproto: no model to drive payload generation")
	}
	if exact && s.sendMD5 == nil {
		s.sendMD5 = newMD5()
	}

	queued := 0
	// maxDrawsPerCall bounds model draws, not just queued bytes: a graph
	// whose "peer sends" emissions never accumulate past deferThreshold
	// would otherwise spin here without ever queuing a byte or deferring.
	const maxDrawsPerCall = 4096
	for draws := 0; queued < maxPayloadPerCall && draws < maxDrawsPerCall; draws++ {
		if exact && s.sendPayloadBytes >= s.requestedSend {
			return true, nil
		}

		obs, delay := s.model.NextObservation()

		if obs == markov.End {
			if exact {
				// An exact-sized transfer keeps cycling the model until its
				// byte target is met (spec §4.4 "End restarts an exact-sized
				// transfer rather than ending it early").
				s.model.Reset()
				continue
			}
			return true, nil
		}

		if !s.observationIsOurs(obs) {
			s.accumulatedDelay += delay
			if s.accumulatedDelay > deferThreshold {
				s.deferredUntil = time.Now().Add(s.accumulatedDelay)
				s.accumulatedDelay = 0
				return false, nil
			}
			continue
		}

		s.accumulatedDelay = 0
		s.deferredUntil = time.Time{}

		n := fillerPacketSize
		if exact {
			remaining := s.requestedSend - s.sendPayloadBytes
			if uint64(n) > remaining {
				n = int(remaining)
			}
		}
		chunk := s.fillerChunk(n)
		s.sendBuf.Write(chunk)
		if s.sendMD5 != nil {
			s.sendMD5.Write(chunk)
		}
		if s.sendPayloadBytes == 0 {
			s.times.FirstPayloadByte = time.Now()
		}
		s.sendPayloadBytes += uint64(n)
		s.times.LastPayloadByte = time.Now()
		queued += n
	}
	return false, nil
}

// fillerChunk renders n bytes of filler payload: one randomly chosen
// lowercase letter repeated, matching the original generator's cheap,
// compressible filler (spec §4.3 "filler bytes").
func (s *Stream) fillerChunk(n int) []byte {
	c := byte('a' + s.fillerRng.Intn(26))
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = c
	}
	return buf
}
