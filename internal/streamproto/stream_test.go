package streamproto

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shadow/tgen/internal/markov"
)

// halfPipe is one direction of an in-memory, unbounded byte pipe: Write
// never would-blocks, Read reports (0, nil) on an empty-but-open pipe and
// (0, io.EOF) once the writer has shut down, matching transport.Transport's
// contract closely enough to drive the protocol engine without a real
// socket.
type halfPipe struct {
	mu           sync.Mutex
	buf          bytes.Buffer
	writerClosed bool
}

type pipeConn struct {
	in  *halfPipe
	out *halfPipe
}

func newPipePair() (*pipeConn, *pipeConn) {
	ab := &halfPipe{}
	ba := &halfPipe{}
	return &pipeConn{in: ba, out: ab}, &pipeConn{in: ab, out: ba}
}

func (p *pipeConn) Read(b []byte) (int, error) {
	p.in.mu.Lock()
	defer p.in.mu.Unlock()
	if p.in.buf.Len() == 0 {
		if p.in.writerClosed {
			return 0, io.EOF
		}
		return 0, nil
	}
	return p.in.buf.Read(b)
}

func (p *pipeConn) Write(b []byte) (int, error) {
	p.out.mu.Lock()
	defer p.out.mu.Unlock()
	return p.out.buf.Write(b)
}

func (p *pipeConn) ShutdownWrite() error {
	p.out.mu.Lock()
	defer p.out.mu.Unlock()
	p.out.writerClosed = true
	return nil
}

// driveUntilDone alternates dispatch on both ends, as the reactor would
// across many LoopOnce calls, until both report Done() or the round cap is
// hit (a hung handshake is a test failure, not an infinite loop).
func driveUntilDone(t *testing.T, a, b *Stream) {
	t.Helper()
	for i := 0; i < 100000; i++ {
		if !a.Done() {
			a.HandleEvent(true, true, false)
		}
		if !b.Done() {
			b.HandleEvent(true, true, false)
		}
		if a.Done() && b.Done() {
			return
		}
	}
	t.Fatalf("handshake did not converge: a.recv=%v a.send=%v b.recv=%v b.send=%v",
		a.RecvState(), a.SendState(), b.RecvState(), b.SendState())
}

func TestStream_ExactSizedRoundTrip(t *testing.T) {
	commanderConn, responderConn := newPipePair()

	model, err := markov.NewDefault(42)
	require.NoError(t, err)

	// A small exact-sized target in both directions exercises the
	// checksum exchange as well as plain payload transfer.
	commander := New(commanderConn, Config{
		Role:       RoleCommander,
		StreamID:   "1-outgoing-test",
		Hostname:   "alice",
		TransferID: "xfer-1",
		Model:      model,
		SendSize:   4096,
		RecvSize:   4096,
		ModelMode:  ModelModeGraphML,
	})

	responder := New(responderConn, Config{
		Role:     RoleResponder,
		StreamID: "1-incoming-test",
		Hostname: "bob",
	})

	driveUntilDone(t, commander, responder)

	require.True(t, commander.Success(), "commander failed: %v", commander.Err())
	require.True(t, responder.Success(), "responder failed: %v", responder.Err())

	require.Equal(t, uint64(4096), commander.PayloadBytesSent())
	require.Equal(t, uint64(4096), commander.PayloadBytesRecv())
	require.Equal(t, uint64(4096), responder.PayloadBytesRecv())
	require.Equal(t, uint64(4096), responder.PayloadBytesSent())

	require.GreaterOrEqual(t, commander.TotalBytesSent(), commander.PayloadBytesSent())
	require.GreaterOrEqual(t, responder.TotalBytesRecv(), responder.PayloadBytesRecv())
}

func TestStream_ExplicitZeroSendSkipsPayloadPhase(t *testing.T) {
	commanderConn, responderConn := newPipePair()

	model, err := markov.NewDefault(7)
	require.NoError(t, err)

	commander := New(commanderConn, Config{
		Role:             RoleCommander,
		StreamID:         "2-outgoing-test",
		Hostname:         "alice",
		TransferID:       "xfer-2",
		Model:            model,
		SendSizeExplicit: true, // commander sends nothing
		SendSize:         0,
		RecvSize:         2048,
		ModelMode:        ModelModeGraphML,
	})
	responder := New(responderConn, Config{
		Role:     RoleResponder,
		StreamID: "2-incoming-test",
		Hostname: "bob",
	})

	driveUntilDone(t, commander, responder)

	require.True(t, commander.Success(), "commander failed: %v", commander.Err())
	require.True(t, responder.Success(), "responder failed: %v", responder.Err())
	require.Equal(t, uint64(0), commander.PayloadBytesSent())
	require.Equal(t, uint64(0), responder.PayloadBytesRecv())
	require.Equal(t, uint64(2048), responder.PayloadBytesSent())
	require.Equal(t, uint64(2048), commander.PayloadBytesRecv())
}

func TestStream_ModelDrivenEndsOnModelEnd(t *testing.T) {
	commanderConn, responderConn := newPipePair()

	// A model weighted heavily toward F so both directions end quickly
	// without relying on an explicit size (spec §4.4's "End" observation
	// is what terminates a model-driven transfer, on both the sender that
	// draws it and the receiver that sees EOF once the other side's write
	// half-closes).
	vertices := []markov.Vertex{
		{ID: "start", Type: markov.VertexState},
		{ID: "s_send", Type: markov.VertexState},
		{ID: "s_recv", Type: markov.VertexState},
		{ID: "+", Type: markov.VertexObservation, Obs: markov.ToServer},
		{ID: "-", Type: markov.VertexObservation, Obs: markov.ToOrigin},
		{ID: "F", Type: markov.VertexObservation, Obs: markov.End},
	}
	edges := []markov.Edge{
		{From: "start", To: "s_send", Type: markov.EdgeTransition, Weight: 1},
		{From: "s_send", To: "s_recv", Type: markov.EdgeTransition, Weight: 1},
		{From: "s_recv", To: "s_send", Type: markov.EdgeTransition, Weight: 1},
		{From: "s_send", To: "+", Type: markov.EdgeEmission, Weight: 2,
			Dist: markov.DistExponential, Params: markov.Params{Rate: 10}},
		{From: "s_send", To: "F", Type: markov.EdgeEmission, Weight: 1,
			Dist: markov.DistExponential, Params: markov.Params{Rate: 10}},
		{From: "s_recv", To: "-", Type: markov.EdgeEmission, Weight: 2,
			Dist: markov.DistExponential, Params: markov.Params{Rate: 10}},
		{From: "s_recv", To: "F", Type: markov.EdgeEmission, Weight: 1,
			Dist: markov.DistExponential, Params: markov.Params{Rate: 10}},
	}
	model, err := markov.New("quick-end", 1, vertices, edges)
	require.NoError(t, err)

	commander := New(commanderConn, Config{
		Role:       RoleCommander,
		StreamID:   "3-outgoing-test",
		Hostname:   "alice",
		TransferID: "xfer-3",
		Model:      model,
		ModelMode:  ModelModeGraphML,
		// SendSize/RecvSize left unset: model-driven both ways.
	})
	responder := New(responderConn, Config{
		Role:     RoleResponder,
		StreamID: "3-incoming-test",
		Hostname: "bob",
	})

	driveUntilDone(t, commander, responder)

	require.True(t, commander.Success(), "commander failed: %v", commander.Err())
	require.True(t, responder.Success(), "responder failed: %v", responder.Err())
}

func TestHeader_OversizedModelSizeRejected(t *testing.T) {
	line := "PROTOCOL_VERSION=1.0 HOSTNAME=alice TRANSFER_ID=x SEND_SIZE=~ RECV_SIZE=~ " +
		"MODEL_NAME=m MODEL_SEED=1 MODEL_MODE=graphml MODEL_SIZE=10485761"
	_, _, err := ParseHeader(line)
	require.Error(t, err)
	se, ok := err.(*streamError)
	require.True(t, ok)
	require.Equal(t, ErrHeaderModelSize, se.kind)
}
