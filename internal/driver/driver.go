// Package driver implements tgen's action-graph traversal (spec §4.6): it
// walks the loaded graph, opening Streams and Flows, arming Pause timers,
// and evaluating End vertices' stop conditions, all from reactor callbacks
// running on a single goroutine.
package driver

import (
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/shadow/tgen/internal/graphdef"
	"github.com/shadow/tgen/internal/markov"
	"github.com/shadow/tgen/internal/peer"
	"github.com/shadow/tgen/internal/reactor"
	"github.com/shadow/tgen/internal/server"
	"github.com/shadow/tgen/internal/streamproto"
	"github.com/shadow/tgen/internal/tlog"
)

// Config carries everything the driver needs beyond the graph itself.
type Config struct {
	Hostname     string
	DefaultSocks string // TGENSOCKS fallback (SPEC_FULL.md §A), used when a Stream vertex sets no socksproxy
	BindIP       net.IP
}

// Driver walks one loaded action graph (spec §4.6). All of its state is
// mutated exclusively from reactor callbacks (spec §5 "Shared resources"),
// so it carries no locks.
type Driver struct {
	cfg     Config
	graph   *graphdef.Graph
	reactor *reactor.Reactor
	log     *logrus.Entry
	rng     *rand.Rand

	srv *server.Server

	pauseCounters map[string]int

	liveStreams map[string]*streamproto.Stream

	bytesReadTotal, bytesWrittenTotal   uint64
	bytesReadWindow, bytesWrittenWindow uint64
	streamsSucceeded, streamsFailed     uint64
	windowSucceeded, windowFailed       uint64

	startTime time.Time

	clientEnded bool
	serverEnded bool

	nextStreamID uint64
}

// New builds a Driver ready to Run against g.
func New(g *graphdef.Graph, r *reactor.Reactor, cfg Config) *Driver {
	return &Driver{
		cfg:           cfg,
		graph:         g,
		reactor:       r,
		log:           tlog.For("driver"),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		pauseCounters: make(map[string]int),
		liveStreams:   make(map[string]*streamproto.Stream),
	}
}

// AllEnded reports spec §C.4's exit gate: both the client and server sides
// must have ended (a never-configured server counts as already ended).
func (d *Driver) AllEnded() bool { return d.clientEnded && d.serverEnded }

// Run arms the Start vertex's delay timer and, if configured, the server
// accept path and heartbeat, then blocks until AllEnded (spec §4.6, §5).
func (d *Driver) Run() error {
	d.startTime = time.Now()
	start := d.graph.StartVertex()

	if start.ServerPort != 0 {
		srv, err := server.Listen(d.cfg.BindIP, start.ServerPort, d.onAccept)
		if err != nil {
			return fmt.Errorf("driver: listen: %w", err)
		}
		if err := srv.Register(d.reactor); err != nil {
			return fmt.Errorf("driver: register listener: %w", err)
		}
		d.srv = srv
	} else {
		d.serverEnded = true // spec SPEC_FULL.md §C.4: never configured counts as ended
	}

	heartbeat := time.Second
	if start.HeartbeatNanos != 0 {
		heartbeat = time.Duration(start.HeartbeatNanos)
	}
	if _, err := d.reactor.NewTimer(heartbeat, true, d.onHeartbeat); err != nil {
		return fmt.Errorf("driver: heartbeat timer: %w", err)
	}

	delay := time.Duration(start.StartDelayNanos)
	if _, err := d.reactor.NewTimer(delay, false, func() {
		d.traverse(start.ID, start.Options)
	}); err != nil {
		return fmt.Errorf("driver: start timer: %w", err)
	}

	return d.loop()
}

// loop blocks on the reactor's epoll descriptor between dispatch rounds
// (spec §4.1 "the enclosing program can block on reactor activity with its
// own outer wait"), rather than busy-polling.
func (d *Driver) loop() error {
	epfd := d.reactor.EpollDescriptor()
	pfd := []unix.PollFd{{Fd: int32(epfd), Events: unix.POLLIN}}

	for !d.AllEnded() {
		_, err := unix.Poll(pfd, 1000)
		if err != nil && err != unix.EINTR && err != unix.EAGAIN {
			return fmt.Errorf("driver: poll: %w", err)
		}
		for {
			n, err := d.reactor.LoopOnce(64)
			if err != nil {
				return fmt.Errorf("driver: reactor loop: %w", err)
			}
			if n < 64 {
				break
			}
		}
	}
	return nil
}

func (d *Driver) onHeartbeat() {
	d.reactor.CheckTimeouts()

	tlog.Tagged(tlog.TagDriverHeartbeat).WithFields(logrus.Fields{
		"bytes_read_window":     d.bytesReadWindow,
		"bytes_written_window":  d.bytesWrittenWindow,
		"streams_ok_window":     d.windowSucceeded,
		"streams_failed_window": d.windowFailed,
		"bytes_read_total":      d.bytesReadTotal,
		"bytes_written_total":   d.bytesWrittenTotal,
		"streams_ok_total":      d.streamsSucceeded,
		"streams_failed_total":  d.streamsFailed,
	}).Info("heartbeat")

	d.logStreamStatus()

	d.bytesReadWindow, d.bytesWrittenWindow = 0, 0
	d.windowSucceeded, d.windowFailed = 0, 0
}

// logStreamStatus emits one stream-status line per still-open stream, the
// periodic per-stream snapshot SPEC_FULL.md §C.2 ties to the heartbeat
// timer rather than to each stream's own lifecycle events.
func (d *Driver) logStreamStatus() {
	for id, s := range d.liveStreams {
		tlog.Tagged(tlog.TagStreamStatus).WithFields(logrus.Fields{
			"stream_id":    id,
			"recv_state":   int(s.RecvState()),
			"send_state":   int(s.SendState()),
			"payload_sent": s.PayloadBytesSent(),
			"payload_recv": s.PayloadBytesRecv(),
		}).Info("stream status")
	}
}

// trackStream registers a stream as live once its protocol state machine
// exists, so logStreamStatus has something to report at the next heartbeat.
func (d *Driver) trackStream(s *streamproto.Stream) {
	d.liveStreams[s.String()] = s
}

// untrackStream removes a stream once it has completed, however it ended.
func (d *Driver) untrackStream(streamID string) {
	delete(d.liveStreams, streamID)
}

// recordBytes is the transport.ByteCounterFunc every connection (active or
// passive) reports through, feeding the driver's global counters (spec §5
// "Driver's global counters... mutated only from callbacks running on the
// reactor thread").
func (d *Driver) recordBytes(read, written int) {
	d.bytesReadTotal += uint64(read)
	d.bytesWrittenTotal += uint64(written)
	d.bytesReadWindow += uint64(read)
	d.bytesWrittenWindow += uint64(written)
}

func (d *Driver) recordStreamComplete(success bool, kind streamproto.ErrorKind) {
	if success {
		d.streamsSucceeded++
		d.windowSucceeded++
		tlog.Tagged(tlog.TagStreamComplete).Info("stream completed successfully")
	} else {
		d.streamsFailed++
		d.windowFailed++
		tlog.Tagged(tlog.TagStreamError).WithField("error", kind.String()).Warn("stream failed")
	}
}

func (d *Driver) nextStreamIDFor(role streamproto.Role, remote *peer.Peer) string {
	d.nextStreamID++
	dir := "outgoing"
	if role == streamproto.RoleResponder {
		dir = "incoming"
	}
	peerStr := ""
	if remote != nil {
		peerStr = remote.String()
	}
	return fmt.Sprintf("%d-%s-%s", d.nextStreamID, dir, peerStr)
}

func newTransferID() string { return uuid.NewString() }
