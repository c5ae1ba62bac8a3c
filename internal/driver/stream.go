package driver

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/shadow/tgen/internal/graphdef"
	"github.com/shadow/tgen/internal/markov"
	"github.com/shadow/tgen/internal/peer"
	"github.com/shadow/tgen/internal/streamproto"
	"github.com/shadow/tgen/internal/transport"
)

func readModelFile(path string) ([]byte, error) { return os.ReadFile(path) }

// startStream implements the Stream vertex kind: build a packet model, open
// an active Transport, create a commander Stream, and advance from
// originVertexID once it completes (spec §4.6).
func (d *Driver) startStream(v *graphdef.Vertex, opts graphdef.StreamOptions, originVertexID string) {
	d.doStream(opts, func(success bool, kind streamproto.ErrorKind) {
		d.recordStreamComplete(success, kind)
		d.advance(originVertexID, opts)
	})
}

// doStream resolves a target peer and packet model from opts, dials an
// active Transport, and registers the connector that will build the
// commander Stream once the connection (and any SOCKS5 handshake) opens.
// onComplete is invoked exactly once, however the attempt ends.
func (d *Driver) doStream(opts graphdef.StreamOptions, onComplete func(success bool, kind streamproto.ErrorKind)) {
	target, err := d.pickPeer(opts.Peers)
	if err != nil {
		d.log.WithError(err).Warn("stream: no usable peer configured")
		onComplete(false, streamproto.ErrMisc)
		return
	}

	model, err := d.buildPacketModel(opts)
	if err != nil {
		d.log.WithError(err).Warn("stream: failed to build packet model")
		onComplete(false, streamproto.ErrModel)
		return
	}

	var proxy *peer.Peer
	proxyAddr := opts.SocksProxy
	if proxyAddr == "" {
		proxyAddr = d.cfg.DefaultSocks
	}
	if proxyAddr != "" {
		proxy, err = parseHostPort(proxyAddr)
		if err != nil {
			d.log.WithError(err).Warn("stream: invalid socksproxy address")
			onComplete(false, streamproto.ErrMisc)
			return
		}
	}

	t, err := transport.Dial(target, proxy, opts.SocksUsername, opts.SocksPassword, d.recordBytes)
	if err != nil {
		onComplete(false, streamproto.ErrProxy)
		return
	}

	streamID := d.nextStreamIDFor(streamproto.RoleCommander, target)
	cfg := streamproto.Config{
		Role:             streamproto.RoleCommander,
		StreamID:         streamID,
		Hostname:         d.cfg.Hostname,
		TransferID:       newTransferID(),
		SendSize:         opts.SendSize,
		SendSizeExplicit: opts.SendSizeExplicit,
		RecvSize:         opts.RecvSize,
		RecvSizeExplicit: opts.RecvSizeExplicit,
		Model:            model,
		ModelMode:        streamproto.ModelModeGraphML,
		Stallout:         time.Duration(opts.StalloutNanos),
		Timeout:          time.Duration(opts.TimeoutNanos),
		OnComplete: func(success bool, kind streamproto.ErrorKind) {
			d.untrackStream(streamID)
			onComplete(success, kind)
		},
	}

	conn := newStreamConn(t, cfg, cfg.Stallout, cfg.Timeout, d.trackStream)
	if err := d.reactor.Register(t.Fd(), conn.OnEvent, conn.OnCheckTimeout, conn, func() { t.Close() }); err != nil {
		d.log.WithError(err).Warn("stream: failed to register transport with reactor")
		t.Close()
		onComplete(false, streamproto.ErrProxy)
	}
}

// startFlow implements the Flow vertex kind (SPEC_FULL.md §D "Flow
// vertex"): a separate stream-timing Markov model schedules repeated child
// Stream attempts until it emits End, at which point originVertexID
// advances. Individual child streams do NOT advance the graph themselves
// (spec §4.6 Stream "...unless the Stream was created for a Flow").
func (d *Driver) startFlow(v *graphdef.Vertex, opts graphdef.StreamOptions, originVertexID string) {
	model, err := d.buildStreamTimingModel(v)
	if err != nil {
		d.log.WithError(err).Warn("flow: failed to build stream-timing model, skipping")
		d.advance(originVertexID, opts)
		return
	}
	d.scheduleFlowStream(opts, originVertexID, model)
}

func (d *Driver) scheduleFlowStream(opts graphdef.StreamOptions, originVertexID string, model *markov.Model) {
	if d.clientEnded {
		return
	}
	obs, delay := model.NextObservation()
	if obs == markov.End {
		d.advance(originVertexID, opts)
		return
	}

	_, err := d.reactor.NewTimer(delay, false, func() {
		d.doStream(opts, d.recordStreamComplete)
		d.scheduleFlowStream(opts, originVertexID, model)
	})
	if err != nil {
		d.log.WithError(err).Warn("flow: failed to arm inter-stream timer, ending flow early")
		d.advance(originVertexID, opts)
	}
}

// onAccept is the server.AcceptFunc for inbound connections (spec §4.5): it
// wraps the accepted descriptor in a responder Stream via the same
// streamConn connector type, already past the connect/proxy phase.
func (d *Driver) onAccept(fd int, createdAt, acceptedAt time.Time, remote *peer.Peer) {
	t := transport.FromAcceptedFD(fd, remote, d.recordBytes)

	streamID := d.nextStreamIDFor(streamproto.RoleResponder, remote)
	cfg := streamproto.Config{
		Role:     streamproto.RoleResponder,
		StreamID: streamID,
		Hostname: d.cfg.Hostname,
		OnComplete: func(success bool, kind streamproto.ErrorKind) {
			d.untrackStream(streamID)
			d.recordStreamComplete(success, kind)
		},
	}

	conn := newStreamConn(t, cfg, 0, 0, d.trackStream)
	if err := d.reactor.Register(fd, conn.OnEvent, conn.OnCheckTimeout, conn, func() { t.Close() }); err != nil {
		d.log.WithError(err).Warn("accept: failed to register transport with reactor")
		t.Close()
	}
}

func (d *Driver) buildPacketModel(opts graphdef.StreamOptions) (*markov.Model, error) {
	seed := opts.PacketModelSeed
	if !opts.HasPacketSeed {
		seed = d.rng.Uint32()
	}
	if opts.PacketModelPath == "" {
		return markov.NewDefault(seed)
	}
	raw, err := readModelFile(opts.PacketModelPath)
	if err != nil {
		return nil, err
	}
	return markov.DecodeGraphML(opts.PacketModelPath, seed, raw)
}

func (d *Driver) buildStreamTimingModel(v *graphdef.Vertex) (*markov.Model, error) {
	seed := v.StreamModelSeed
	if !v.HasStreamSeed {
		seed = d.rng.Uint32()
	}
	if v.StreamModelPath == "" {
		return markov.NewDefault(seed)
	}
	raw, err := readModelFile(v.StreamModelPath)
	if err != nil {
		return nil, err
	}
	return markov.DecodeGraphML(v.StreamModelPath, seed, raw)
}

// pickPeer chooses one "host:port" string uniformly at random from peers
// and resolves it (spec §3 "Pool<T>... used for peers").
func (d *Driver) pickPeer(peers []string) (*peer.Peer, error) {
	if len(peers) == 0 {
		return nil, fmt.Errorf("driver: stream vertex has no peers configured")
	}
	pool := peer.NewPool[string]()
	for _, p := range peers {
		pool.Add(p)
	}
	return parseHostPort(pool.RandomChoice(d.rng))
}

func parseHostPort(hostport string) (*peer.Peer, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, fmt.Errorf("driver: invalid host:port %q: %w", hostport, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("driver: invalid port in %q: %w", hostport, err)
	}
	return peer.New(host, uint16(port))
}
