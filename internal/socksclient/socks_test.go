package socksclient

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoAuth_SuccessfulHandshake(t *testing.T) {
	c := New("", "", Target{IP: net.ParseIP("127.0.0.1"), Port: 9001})
	require.True(t, c.WantWrite())
	require.Equal(t, []byte{0x05, 0x01, 0x00}, c.PendingWrite())
	c.ConsumeWrite(len(c.PendingWrite()))
	require.Equal(t, StateChoice, c.State())

	c.Feed([]byte{0x05, 0x00})
	require.Equal(t, StateRequest, c.State())

	req := c.PendingWrite()
	require.Equal(t, byte(0x05), req[0])
	require.Equal(t, byte(0x01), req[1])
	require.Equal(t, byte(0x01), req[3]) // ATYP=IPv4
	c.ConsumeWrite(len(req))
	require.Equal(t, StateResponseStatus, c.State())

	c.Feed([]byte{0x05, 0x00, 0x00, 0x01})
	require.Equal(t, StateResponseIPv4, c.State())
	c.Feed([]byte{0, 0, 0, 0, 0, 0})
	require.True(t, c.Done())
	require.Equal(t, StateSuccess, c.State())
}

func TestUserPass_SuccessfulHandshake(t *testing.T) {
	c := New("user", "pass", Target{IP: net.ParseIP("127.0.0.1"), Port: 9001})
	require.Equal(t, []byte{0x05, 0x01, 0x02}, c.PendingWrite())
	c.ConsumeWrite(3)

	c.Feed([]byte{0x05, 0x02})
	require.Equal(t, StateAuthRequest, c.State())
	authReq := c.PendingWrite()
	require.Equal(t, []byte{0x01, 4, 'u', 's', 'e', 'r', 4, 'p', 'a', 's', 's'}, authReq)
	c.ConsumeWrite(len(authReq))

	c.Feed([]byte{0x01, 0x00})
	require.Equal(t, StateRequest, c.State())
}

func TestChoiceMismatch_Fails(t *testing.T) {
	c := New("", "", Target{IP: net.ParseIP("127.0.0.1"), Port: 1})
	c.ConsumeWrite(3)
	c.Feed([]byte{0x05, 0x02}) // server wants auth, client offered none
	require.Equal(t, StateError, c.State())
	require.Equal(t, ErrChoice, c.Err())
}

func TestNonZeroBoundAddress_IsReconnError(t *testing.T) {
	c := New("", "", Target{IP: net.ParseIP("127.0.0.1"), Port: 1})
	c.ConsumeWrite(3)
	c.Feed([]byte{0x05, 0x00})
	c.ConsumeWrite(len(c.PendingWrite()))
	c.Feed([]byte{0x05, 0x00, 0x00, 0x01})
	c.Feed([]byte{10, 0, 0, 1, 0, 80})
	require.Equal(t, StateError, c.State())
	require.Equal(t, ErrReconn, c.Err())
}

func TestDomainTarget_UsesDomainRequestForm(t *testing.T) {
	c := New("", "", Target{IsDomain: true, Domain: "example.onion", Port: 80})
	c.ConsumeWrite(3)
	c.Feed([]byte{0x05, 0x00})
	req := c.PendingWrite()
	require.Equal(t, byte(0x03), req[3])
	require.Equal(t, byte(len("example.onion")), req[4])
}

func TestStatusCode_DecodesOnionExtensions(t *testing.T) {
	require.Equal(t, "onion-introduction-failed", StatusOnionIntroFailed.String())
	require.Equal(t, "connection-refused", StatusRefused.String())
}
