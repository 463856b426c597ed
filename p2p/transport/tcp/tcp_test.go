package tcp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ma "github.com/multiformats/go-multiaddr"
)

func mustAddr(t *testing.T, s string) ma.Multiaddr {
	t.Helper()
	a, err := ma.NewMultiaddr(s)
	require.NoError(t, err)
	return a
}

func TestCanDial(t *testing.T) {
	tr, err := New()
	require.NoError(t, err)

	require.True(t, tr.CanDial(mustAddr(t, "/ip4/127.0.0.1/tcp/1234")))
	require.True(t, tr.CanDial(mustAddr(t, "/ip6/::1/tcp/1234")))
	require.False(t, tr.CanDial(mustAddr(t, "/ip4/127.0.0.1/udp/1234")))
	require.False(t, tr.CanDial(mustAddr(t, "/ip4/127.0.0.1/tcp/1234/ws")))
}

func pollUntil[T any](t *testing.T, timeout time.Duration, poll func() (T, bool, bool, error)) (T, bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		item, ready, done, err := poll()
		require.NoError(t, err)
		if ready {
			return item, true
		}
		if done {
			var zero T
			return zero, false
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("poll: timed out waiting for readiness")
	var zero T
	return zero, false
}

func TestListenAndDialRoundTrip(t *testing.T) {
	tr, err := New()
	require.NoError(t, err)

	listener, bound, err := tr.ListenOn(mustAddr(t, "/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	defer listener.Close()

	// The requested port of 0 must have been replaced with the OS-assigned
	// ephemeral port in the returned multiaddr.
	port, err := bound.ValueForProtocol(ma.P_TCP)
	require.NoError(t, err)
	require.NotEqual(t, "0", port)

	dial, err := tr.Dial(bound)
	require.NoError(t, err)

	const payload = "hello from dialer"

	var conn net.Conn
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, _, ready, err := dial.Poll()
		require.NoError(t, err)
		if ready {
			conn = c
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.NotNil(t, conn, "dial never became ready")
	defer conn.Close()

	_, err = conn.Write([]byte(payload))
	require.NoError(t, err)

	item, ok := pollUntil(t, 2*time.Second, listener.Poll)
	require.True(t, ok)
	require.NoError(t, item.Err)
	defer item.Conn.Close()

	buf := make([]byte, len(payload))
	_, err = item.Conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, payload, string(buf))
}

func TestDialUnreachableFails(t *testing.T) {
	tr, err := New(WithConnectionTimeout(200 * time.Millisecond))
	require.NoError(t, err)

	dial, err := tr.Dial(mustAddr(t, "/ip4/127.0.0.1/tcp/1"))
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, _, ready, err := dial.Poll()
		if ready {
			require.Error(t, err)
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected dial to resolve with an error")
}

func TestCloseStopsAcceptStream(t *testing.T) {
	tr, err := New()
	require.NoError(t, err)

	listener, _, err := tr.ListenOn(mustAddr(t, "/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	require.NoError(t, listener.Close())

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, ready, done, err := listener.Poll()
		require.False(t, ready, "a closed listener must not yield further accepted items")
		if done {
			require.NoError(t, err)
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("listener never reported its accept-stream exhausted after Close")
		}
		time.Sleep(time.Millisecond)
	}
}
