package driver

import (
	"time"

	"github.com/shadow/tgen/internal/reactor"
	"github.com/shadow/tgen/internal/streamproto"
	"github.com/shadow/tgen/internal/transport"
)

// streamConn is the reactor child for one TCP connection across both of its
// lifetimes: the connect()/SOCKS5-handshake phase driven by *transport.Transport,
// and the stream-protocol phase driven by *streamproto.Stream once the
// transport opens. It stays registered under the same descriptor the whole
// time, so there is never a second reactor.Register call for this fd (spec
// §3 "Transport — exclusively owned by its Stream").
type streamConn struct {
	t   *transport.Transport
	s   *streamproto.Stream
	cfg streamproto.Config

	stallout, timeout time.Duration

	onStreamReady func(*streamproto.Stream)
}

// newStreamConn constructs a connector whose Stream is built lazily, once
// (and if) its Transport reaches StateSuccessOpen. onStreamReady, if set, is
// called exactly once at that point so the caller can track the stream for
// status reporting.
func newStreamConn(t *transport.Transport, cfg streamproto.Config, stallout, timeout time.Duration, onStreamReady func(*streamproto.Stream)) *streamConn {
	return &streamConn{t: t, cfg: cfg, stallout: stallout, timeout: timeout, onStreamReady: onStreamReady}
}

func (c *streamConn) OnEvent(readable, writable, done bool) reactor.Response {
	if c.s != nil {
		return c.s.HandleEvent(readable, writable, done)
	}

	if done {
		c.failNoStream()
		return reactor.Response{Wanted: reactor.EvDone}
	}
	if writable {
		if err := c.t.OnWritable(); err != nil {
			c.failNoStream()
			return reactor.Response{Wanted: reactor.EvDone}
		}
	}
	if readable {
		if err := c.t.OnReadable(); err != nil {
			c.failNoStream()
			return reactor.Response{Wanted: reactor.EvDone}
		}
	}

	switch c.t.State() {
	case transport.StateError:
		c.failNoStream()
		return reactor.Response{Wanted: reactor.EvDone}
	case transport.StateSuccessOpen:
		c.s = streamproto.New(c.t, c.cfg)
		if c.onStreamReady != nil {
			c.onStreamReady(c.s)
		}
		return c.s.HandleEvent(false, true, false)
	default:
		return reactor.Response{Wanted: reactor.EvRead | reactor.EvWrite}
	}
}

// OnCheckTimeout implements reactor.OnCheckTimeoutFunc, applying the
// transport-level timeout/stallout rule before the Stream exists and the
// stream-level one afterward (spec §4.2/§4.3).
func (c *streamConn) OnCheckTimeout() bool {
	if c.s != nil {
		return c.s.CheckTimeout(time.Now(), c.stallout, c.timeout)
	}
	stalled, timedOut := c.t.CheckTimeout(c.stallout, c.timeout)
	if stalled || timedOut {
		c.failNoStream()
		return true
	}
	return false
}

// failNoStream records a connect/proxy-phase failure as a completed stream,
// since the Stream's own OnComplete callback never ran.
func (c *streamConn) failNoStream() {
	if c.cfg.OnComplete != nil {
		c.cfg.OnComplete(false, streamproto.ErrProxy)
	}
}
