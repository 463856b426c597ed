package swarm

import (
	"context"
	"net"

	"github.com/go-swarm/swarmcore/core/transport"
	"github.com/go-swarm/swarmcore/core/upgrade"

	ma "github.com/multiformats/go-multiaddr"
)

// fakeRawListener is a hand-controlled transport.Listener: tests push
// items onto it directly instead of driving a real socket.
type fakeRawListener struct {
	items []transport.AcceptItem
	done  bool
	err   error
	addr  ma.Multiaddr
}

func (l *fakeRawListener) Poll() (transport.AcceptItem, bool, bool, error) {
	if l.err != nil {
		err := l.err
		l.err = nil
		return transport.AcceptItem{}, false, false, err
	}
	if len(l.items) > 0 {
		item := l.items[0]
		l.items = l.items[1:]
		return item, true, false, nil
	}
	if l.done {
		return transport.AcceptItem{}, false, true, nil
	}
	return transport.AcceptItem{}, false, false, nil
}

func (l *fakeRawListener) Close() error            { return nil }
func (l *fakeRawListener) Multiaddr() ma.Multiaddr { return l.addr }

// fakeRawDial is a hand-controlled transport.Dial.
type fakeRawDial struct {
	conn  net.Conn
	addr  ma.Multiaddr
	ready bool
	err   error
}

func (d *fakeRawDial) Poll() (net.Conn, ma.Multiaddr, bool, error) {
	return d.conn, d.addr, d.ready, d.err
}

// fakeTransport hands back whichever Listener/Dial a test preloaded, or an
// error, so controller-level tests can exercise the rejection and
// bound-address-rewrite paths without a real socket.
type fakeTransport struct {
	listenErr error
	dialErr   error
	listener  transport.Listener
	boundAddr ma.Multiaddr
	dial      transport.Dial
}

func (t *fakeTransport) ListenOn(addr ma.Multiaddr) (transport.Listener, ma.Multiaddr, error) {
	if t.listenErr != nil {
		return nil, nil, t.listenErr
	}
	return t.listener, t.boundAddr, nil
}

func (t *fakeTransport) Dial(addr ma.Multiaddr) (transport.Dial, error) {
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	return t.dial, nil
}

var _ transport.Transport = (*fakeTransport)(nil)

// instantPending is an already-resolved upgrade.Pending[int].
type instantPending struct {
	out int
	err error
}

func (p instantPending) Poll() (int, bool, error) { return p.out, true, p.err }

// fakeUpgrade negotiates nothing and always resolves instantly; it exists
// so tests can build a real *upgrade.UpgradedNode[int] around a
// fakeTransport without a real handshake.
type fakeUpgrade struct{}

func (fakeUpgrade) ProtocolNames() []upgrade.ProtocolID { return nil }

func (fakeUpgrade) UpgradeConn(_ context.Context, _ net.Conn, _ upgrade.ProtocolID, _ upgrade.EndpointRole) upgrade.Pending[int] {
	return instantPending{out: 1}
}

var _ upgrade.Upgrade[int] = fakeUpgrade{}

// fakePendingUpgrade is a hand-controlled upgrade.Pending[int] for
// engine-level stage tests: ready/err are flipped directly between polls
// instead of resolving from a background goroutine.
type fakePendingUpgrade struct {
	ready bool
	out   int
	err   error
	polls int
}

func (f *fakePendingUpgrade) Poll() (int, bool, error) {
	f.polls++
	return f.out, f.ready, f.err
}

// fakeUpgradedListener is a hand-controlled upgrade.UpgradedListener[int].
type fakeUpgradedListener struct {
	items []upgrade.PendingUpgrade[int]
	done  bool
	err   error
	addr  ma.Multiaddr
}

func (l *fakeUpgradedListener) Poll() (upgrade.PendingUpgrade[int], bool, bool, error) {
	if l.err != nil {
		err := l.err
		l.err = nil
		return upgrade.PendingUpgrade[int]{}, false, false, err
	}
	if len(l.items) > 0 {
		item := l.items[0]
		l.items = l.items[1:]
		return item, true, false, nil
	}
	if l.done {
		return upgrade.PendingUpgrade[int]{}, false, true, nil
	}
	return upgrade.PendingUpgrade[int]{}, false, false, nil
}

func (l *fakeUpgradedListener) Close() error            { return nil }
func (l *fakeUpgradedListener) Multiaddr() ma.Multiaddr { return l.addr }

// fakeHandlerTask is a hand-controlled HandlerTask.
type fakeHandlerTask struct {
	ready bool
	err   error
	polls int
}

func (f *fakeHandlerTask) Poll() (bool, error) {
	f.polls++
	return f.ready, f.err
}
