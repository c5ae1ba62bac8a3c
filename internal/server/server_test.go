package server

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shadow/tgen/internal/peer"
	"github.com/shadow/tgen/internal/reactor"
)

func TestServer_AcceptsConnection(t *testing.T) {
	accepted := make(chan *peer.Peer, 1)

	srv, err := Listen(nil, 0, func(fd int, createdAt, acceptedAt time.Time, remote *peer.Peer) {
		require.False(t, createdAt.After(acceptedAt))
		accepted <- remote
	})
	require.NoError(t, err)
	defer srv.Close()

	port, err := srv.Port()
	require.NoError(t, err)

	r, err := reactor.New(nil)
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, srv.Register(r))

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	require.NoError(t, err)
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		r.LoopOnce(8)
		select {
		case remote := <-accepted:
			require.NotNil(t, remote)
			return
		default:
			time.Sleep(time.Millisecond)
		}
	}
	t.Fatal("server never invoked onAccept")
}
