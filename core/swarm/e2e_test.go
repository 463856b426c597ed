package swarm_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/go-swarm/swarmcore/core/swarm"
	"github.com/go-swarm/swarmcore/core/upgrade"
	"github.com/go-swarm/swarmcore/p2p/transport/tcp"
	"github.com/go-swarm/swarmcore/p2p/upgrade/multistream"

	"github.com/stretchr/testify/require"

	ma "github.com/multiformats/go-multiaddr"
)

func mustAddr(t *testing.T, s string) ma.Multiaddr {
	t.Helper()
	a, err := ma.NewMultiaddr(s)
	require.NoError(t, err)
	return a
}

// echoReadTask reads exactly len(want) bytes off conn in the background
// and reports itself ready once the read completes, matching the
// "pollable unit backed by a done channel" pattern from SPEC_FULL §3.
type echoReadTask struct {
	done chan struct{}
	got  []byte
	err  error
}

func newEchoReadTask(conn net.Conn, n int) *echoReadTask {
	t := &echoReadTask{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		buf := make([]byte, n)
		_, err := io.ReadFull(conn, buf)
		t.got, t.err = buf, err
	}()
	return t
}

func (t *echoReadTask) Poll() (bool, error) {
	select {
	case <-t.done:
		return true, t.err
	default:
		return false, nil
	}
}

type instantTask struct{ err error }

func (d *instantTask) Poll() (bool, error) { return true, d.err }

// TestDialListenHandshakeOverTCP reproduces §8 scenario 4: one engine
// listens over real TCP, a second engine (a distinct Controller/Engine
// pair, as the spec's "thread B constructs a second engine" requires)
// dials it, both sides negotiate the same multistream-select protocol,
// and the bytes the dialer writes arrive at the listener's handler intact.
func TestDialListenHandshakeOverTCP(t *testing.T) {
	const protocol = upgrade.ProtocolID("/echo/1.0.0")
	payload := []byte{0x01, 0x02, 0x03}

	tr, err := tcp.New()
	require.NoError(t, err)

	received := make(chan *echoReadTask, 1)
	listenUpgrader := multistream.New[net.Conn](time.Second)
	listenUpgrader.AddProtocol(protocol, func(raw net.Conn, _ upgrade.ProtocolID, _ upgrade.EndpointRole) (net.Conn, error) {
		return raw, nil
	})
	listenNode := &upgrade.UpgradedNode[net.Conn]{Transport: tr, Upgrade: listenUpgrader}
	listenController, listenEngine := swarm.New(listenNode, func(conn net.Conn, _ ma.Multiaddr) swarm.HandlerTask {
		task := newEchoReadTask(conn, len(payload))
		received <- task
		return task
	})

	dialUpgrader := multistream.New[net.Conn](time.Second)
	dialUpgrader.AddProtocol(protocol, func(raw net.Conn, _ upgrade.ProtocolID, _ upgrade.EndpointRole) (net.Conn, error) {
		return raw, nil
	})
	dialNode := &upgrade.UpgradedNode[net.Conn]{Transport: tr, Upgrade: dialUpgrader}
	dialController, dialEngine := swarm.New(dialNode, func(conn net.Conn, _ ma.Multiaddr) swarm.HandlerTask {
		_, writeErr := conn.Write(payload)
		return &instantTask{err: writeErr}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runDone := make(chan struct{}, 2)
	go func() { listenEngine.Run(ctx); runDone <- struct{}{} }()
	go func() { dialEngine.Run(ctx); runDone <- struct{}{} }()

	bound, err := listenController.ListenOn(mustAddr(t, "/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)

	require.NoError(t, dialController.Dial(bound))

	var task *echoReadTask
	select {
	case task = <-received:
	case <-time.After(4 * time.Second):
		t.Fatal("listener handler was never invoked")
	}

	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		ready, _ := task.Poll()
		if ready {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, task.err)
	require.Equal(t, payload, task.got)

	listenController.Close()
	dialController.Close()
	cancel()
	<-runDone
	<-runDone
}
