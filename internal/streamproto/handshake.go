package streamproto

import (
	"io"
	"strings"

	"github.com/shadow/tgen/internal/markov"
)

// queueCommand builds the commander's opening auth token + header line (and,
// in graphml mode, the embedded model bytes) and appends them to sendBuf
// (spec §4.3 "Commander sends: auth token, header line, optional model").
func (s *Stream) queueCommand() {
	s.sendBuf.WriteString(AuthToken)

	h := &Header{
		ProtocolMajor: ProtocolVersionMajor,
		ProtocolMinor: ProtocolVersionMinor,
		Hostname:      s.cfg.Hostname,
		TransferID:    s.cfg.TransferID,

		SendSize: s.requestedSend, SendSizeExplicit: s.requestedSendExplicit,
		RecvSize: s.requestedRecv, RecvSizeExplicit: s.requestedRecvExplicit,

		ModelMode: s.cfg.ModelMode,
		ModelPath: s.cfg.ModelPath,
	}
	if s.model != nil {
		h.ModelName = s.model.Name
		h.ModelSeed = s.model.Seed
	}

	var embedded []byte
	if s.cfg.ModelMode == ModelModeGraphML && s.model != nil {
		enc, err := s.model.EncodeGraphML()
		if err != nil {
			s.fail(ErrModel)
			return
		}
		embedded = enc
		h.ModelSize = uint64(len(enc))
	}

	s.ourHeader = h
	s.sendBuf.WriteString(h.Encode(false))
	if embedded != nil {
		s.sendBuf.Write(embedded)
	}
}

// queueResponse builds the responder's header line, carrying CODE=NONE on
// success or the failure's ErrorKind name otherwise (spec §4.3 "Responder
// sends: auth token, header line with CODE").
func (s *Stream) queueResponse(kind ErrorKind) {
	s.sendBuf.WriteString(AuthToken)
	h := &Header{
		ProtocolMajor: ProtocolVersionMajor,
		ProtocolMinor: ProtocolVersionMinor,
		Hostname:      s.cfg.Hostname,
	}
	if kind != ErrNone {
		h.Code = kind.String()
	}
	s.ourHeader = h
	s.sendBuf.WriteString(h.Encode(true))
}

// doRead consumes whatever readiness produced, feeding it through the
// receive-side state machine. A single read may carry bytes spanning more
// than one phase (auth token and header line commonly arrive in the same
// TCP segment), so processRecvBytes loops until the slice is exhausted or
// the receive machine reaches a terminal state.
func (s *Stream) doRead() {
	var buf [8192]byte
	n, err := s.conn.Read(buf[:])
	if err != nil {
		s.onReadError(err)
		return
	}
	if n == 0 {
		return // would-block
	}
	s.markProgress()
	s.processRecvBytes(buf[:n])
}

func (s *Stream) onReadError(err error) {
	if err == io.EOF {
		s.onReadEOF()
		return
	}
	s.fail(ErrRead)
}

func (s *Stream) onReadEOF() {
	if s.recvState == RecvPayload && sizeIsModelDriven(s.requestedRecv, s.requestedRecvExplicit) {
		s.times.LastPayloadByte = s.progressAt
		s.recvState = s.afterPayloadRecvState()
		s.advanceRecvZeroStates()
		return
	}
	s.fail(ErrReadEOF)
}

func (s *Stream) processRecvBytes(b []byte) {
	for len(b) > 0 && !s.recvState.terminal() {
		switch s.recvState {
		case RecvAuth:
			b = s.consumeAuth(b)
		case RecvHeader:
			b = s.consumeHeaderLine(b)
		case RecvModel:
			b = s.consumeModelBytes(b)
		case RecvPayload:
			b = s.consumePayload(b)
		case RecvChecksum:
			b = s.consumeChecksumLine(b)
		default:
			return
		}
	}
}

func (s *Stream) consumeAuth(b []byte) []byte {
	remaining := len(AuthToken) - s.authRecvIndex
	take := remaining
	if take > len(b) {
		take = len(b)
	}
	if string(b[:take]) != AuthToken[s.authRecvIndex:s.authRecvIndex+take] {
		s.fail(ErrAuth)
		return nil
	}
	s.authRecvIndex += take
	s.recvTotalBytes += uint64(take)
	if s.authRecvIndex == len(AuthToken) {
		s.recvState = RecvHeader
	}
	return b[take:]
}

func (s *Stream) consumeHeaderLine(b []byte) []byte {
	idx := indexByte(b, '\n')
	if idx < 0 {
		s.lineBuf.Write(b)
		s.recvTotalBytes += uint64(len(b))
		return nil
	}
	s.lineBuf.Write(b[:idx])
	s.recvTotalBytes += uint64(idx + 1)
	line := s.lineBuf.String()
	s.lineBuf.Reset()
	s.onHeaderLine(line)
	return b[idx+1:]
}

func (s *Stream) onHeaderLine(line string) {
	h, unknown, err := ParseHeader(line)
	if err != nil {
		s.fail(err.(*streamError).kind)
		return
	}
	_ = unknown // unknown keys are logged by the caller (driver wires s.cfg's logger), not fatal
	s.peerHeader = h

	if s.cfg.Role == RoleCommander {
		s.onResponseHeader(h)
		return
	}
	s.onCommandHeader(h)
}

func (s *Stream) onResponseHeader(h *Header) {
	if err := h.RequireKeys(CommanderRequiredKeys...); err != nil {
		s.fail(err.(*streamError).kind)
		return
	}
	if h.ProtocolMajor != ProtocolVersionMajor {
		s.fail(ErrHeaderVersion)
		return
	}
	if h.Code != "" && h.Code != "NONE" {
		s.fail(codeToErrorKind(h.Code))
		return
	}
	s.recvState = s.enterPayloadRecvState()
	s.advanceRecvZeroStates()
}

func (s *Stream) onCommandHeader(h *Header) {
	if err := h.RequireKeys(ResponderRequiredKeys...); err != nil {
		s.queueResponse(err.(*streamError).kind)
		s.fail(err.(*streamError).kind)
		return
	}
	if h.ProtocolMajor != ProtocolVersionMajor {
		s.queueResponse(ErrHeaderVersion)
		s.fail(ErrHeaderVersion)
		return
	}

	// The commander's SEND_SIZE is what we are about to receive; its
	// RECV_SIZE is what we must send back (spec §4.3 "sizes are named from
	// the commander's point of view").
	s.requestedRecv, s.requestedRecvExplicit = h.SendSize, h.SendSizeExplicit
	s.requestedSend, s.requestedSendExplicit = h.RecvSize, h.RecvSizeExplicit
	s.cfg.TransferID = h.TransferID

	switch h.ModelMode {
	case ModelModeGraphML:
		if h.ModelSize == 0 {
			s.queueResponse(ErrHeaderModelSize)
			s.fail(ErrHeaderModelSize)
			return
		}
		s.modelWant = int(h.ModelSize)
		s.recvState = RecvModel
	case ModelModePath:
		raw, rerr := s.cfg.LoadModelFile(h.ModelPath)
		if rerr != nil {
			s.queueResponse(ErrHeaderModelPath)
			s.fail(ErrHeaderModelPath)
			return
		}
		model, derr := markov.DecodeGraphML(h.ModelName, h.ModelSeed, raw)
		if derr != nil {
			s.queueResponse(ErrModel)
			s.fail(ErrModel)
			return
		}
		s.model = model
		s.queueResponse(ErrNone)
		s.sendState = SendResponse
		s.recvState = s.enterPayloadRecvState()
		s.advanceRecvZeroStates()
	default:
		s.queueResponse(ErrHeaderModelMode)
		s.fail(ErrHeaderModelMode)
	}
}

func (s *Stream) consumeModelBytes(b []byte) []byte {
	take := s.modelWant - s.modelBuf.Len()
	if take > len(b) {
		take = len(b)
	}
	if take > 0 {
		s.modelBuf.Write(b[:take])
		s.recvTotalBytes += uint64(take)
	}
	rest := b[take:]
	if s.modelBuf.Len() < s.modelWant {
		return rest
	}

	model, err := markov.DecodeGraphML(s.peerHeader.ModelName, s.peerHeader.ModelSeed, s.modelBuf.Bytes())
	if err != nil {
		s.queueResponse(ErrModel)
		s.fail(ErrModel)
		return nil
	}
	s.model = model
	s.queueResponse(ErrNone)
	s.sendState = SendResponse
	s.recvState = s.enterPayloadRecvState()
	s.advanceRecvZeroStates()
	return rest
}

// enterPayloadRecvState names the receive state a header/model parse should
// land in once validated: always RecvPayload, callers then let
// advanceRecvZeroStates skip it immediately when the direction is the
// explicit-zero case.
func (s *Stream) enterPayloadRecvState() RecvState { return RecvPayload }

// afterPayloadRecvState is the state to move to once the payload phase for
// this direction has fully arrived: a checksum line follows an exact-sized
// transfer, otherwise the receive side is simply done (spec §4.3).
func (s *Stream) afterPayloadRecvState() RecvState {
	if sizeIsExact(s.requestedRecv, s.requestedRecvExplicit) {
		return RecvChecksum
	}
	return RecvSuccess
}

// advanceRecvZeroStates skips phases that carry zero bytes by construction,
// so the machine never blocks waiting for a read that will never arrive
// (spec §4.3's explicit-zero case, and "no checksum unless exact-sized").
func (s *Stream) advanceRecvZeroStates() {
	for {
		switch s.recvState {
		case RecvPayload:
			if sizeIsZero(s.requestedRecv, s.requestedRecvExplicit) {
				s.recvMD5 = nil
				s.recvState = s.afterPayloadRecvState()
				continue
			}
			if sizeIsExact(s.requestedRecv, s.requestedRecvExplicit) && s.recvMD5 == nil {
				s.recvMD5 = newMD5()
			}
		case RecvChecksum:
			if !sizeIsExact(s.requestedRecv, s.requestedRecvExplicit) {
				s.recvState = RecvSuccess
				continue
			}
		}
		return
	}
}

func (s *Stream) consumeChecksumLine(b []byte) []byte {
	idx := indexByte(b, '\n')
	if idx < 0 {
		s.lineBuf.Write(b)
		s.recvTotalBytes += uint64(len(b))
		return nil
	}
	s.lineBuf.Write(b[:idx])
	s.recvTotalBytes += uint64(idx + 1)
	line := s.lineBuf.String()
	s.lineBuf.Reset()

	want := strings.TrimPrefix(strings.TrimSpace(line), "MD5 ")
	got := hexSum(s.recvMD5)
	if !strings.EqualFold(want, got) {
		s.fail(ErrChecksum)
		return nil
	}
	s.recvState = RecvSuccess
	return b[idx+1:]
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
