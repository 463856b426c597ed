// Package upgrade defines the connection-upgrade capability: the handshake
// that turns a raw connection into a typed, application-level channel, and
// UpgradedNode, which composes a Transport with an Upgrade so that every
// listen/dial result already comes out upgraded.
package upgrade

import (
	"context"
	"net"

	"github.com/go-swarm/swarmcore/core/transport"

	ma "github.com/multiformats/go-multiaddr"
)

// ProtocolID names one of the sub-protocols an Upgrade can negotiate.
type ProtocolID string

// EndpointRole tells an Upgrade which side of the handshake it is playing,
// since some protocols are not symmetric (e.g. who speaks first).
type EndpointRole int

const (
	// RoleInitiator is the dialing side of a connection.
	RoleInitiator EndpointRole = iota
	// RoleResponder is the accepting side of a connection.
	RoleResponder
)

func (r EndpointRole) String() string {
	if r == RoleResponder {
		return "responder"
	}
	return "initiator"
}

// Pending is a single in-flight upgrade handshake. Poll must never block.
type Pending[O any] interface {
	Poll() (output O, ready bool, err error)
}

// Upgrade negotiates one of a fixed set of named sub-protocols over a raw
// connection and produces a typed, engine-opaque output.
type Upgrade[O any] interface {
	// ProtocolNames lists the candidate sub-protocols this upgrade offers
	// or accepts, in preference order.
	ProtocolNames() []ProtocolID

	// UpgradeConn starts the handshake over raw and returns immediately
	// with a Pending upgrade. negotiated, when non-empty, pins the
	// protocol to use instead of letting the Upgrade negotiate one itself
	// out of ProtocolNames(); UpgradedNode always passes "" since it has
	// no opinion on which protocol should win.
	UpgradeConn(ctx context.Context, raw net.Conn, negotiated ProtocolID, role EndpointRole) Pending[O]
}

// PendingUpgrade pairs a Pending upgrade future with the remote address of
// the connection it is upgrading, exactly the "(future<upgraded>,
// peer-address)" pair the engine moves between stages.
type PendingUpgrade[O any] struct {
	Future Pending[O]
	Addr   ma.Multiaddr
}

// UpgradedListener is a transport.Listener whose accepted connections have
// already been chained into upgrade handshakes: each element is ready to be
// driven independently as a PendingUpgrade, matching the "listener
// accept-stream" data type from the engine's point of view.
type UpgradedListener[O any] interface {
	Poll() (item PendingUpgrade[O], ready bool, done bool, err error)
	Close() error
	Multiaddr() ma.Multiaddr
}

// UpgradedNode composes a Transport with an Upgrade so that listen_on,
// dial, and (for a muxed transport) next_incoming each produce
// already-upgraded results, matching "UpgradedNode = Transport ∘ Upgrade".
type UpgradedNode[O any] struct {
	Transport transport.Transport
	Muxed     transport.MuxedTransport // optional; nil disables NextIncoming
	Upgrade   Upgrade[O]
}

// HasMuxed reports whether this node can produce a global incoming stream.
func (n *UpgradedNode[O]) HasMuxed() bool {
	return n.Muxed != nil
}

// ListenOn starts listening on addr and returns an UpgradedListener whose
// elements are already-chained upgrade futures, plus the effective bound
// address.
func (n *UpgradedNode[O]) ListenOn(addr ma.Multiaddr) (UpgradedListener[O], ma.Multiaddr, error) {
	l, bound, err := n.Transport.ListenOn(addr)
	if err != nil {
		return nil, nil, err
	}
	return &upgradedListener[O]{inner: l, upgrade: n.Upgrade}, bound, nil
}

// Dial starts dialing addr and chains the upgrade handshake onto the
// resulting raw connection, returning a single pending upgrade.
func (n *UpgradedNode[O]) Dial(addr ma.Multiaddr) (Pending[O], error) {
	d, err := n.Transport.Dial(addr)
	if err != nil {
		return nil, err
	}
	return &chainedDial[O]{dial: d, upgrade: n.Upgrade, role: RoleInitiator}, nil
}

// NextIncoming returns a Pending for the host-wide next inbound
// connection, already chained through the upgrade. It panics if this node
// was not built with a muxed transport; callers should check HasMuxed
// first.
func (n *UpgradedNode[O]) NextIncoming() PendingUpgrade[O] {
	d := n.Muxed.NextIncoming()
	return PendingUpgrade[O]{
		Future: &chainedDial[O]{dial: d, upgrade: n.Upgrade, role: RoleResponder},
	}
}

// upgradedListener adapts a transport.Listener into an UpgradedListener by
// chaining each accepted raw connection into an upgrade handshake as soon
// as it is polled off the underlying stream.
type upgradedListener[O any] struct {
	inner   transport.Listener
	upgrade Upgrade[O]
}

func (l *upgradedListener[O]) Poll() (PendingUpgrade[O], bool, bool, error) {
	item, ready, done, err := l.inner.Poll()
	if err != nil || done || !ready {
		return PendingUpgrade[O]{}, false, done, err
	}
	if item.Err != nil {
		// A per-connection accept error: surfaced as an immediately
		// failed pending upgrade rather than a stream-level failure, so
		// the listener itself stays alive.
		return PendingUpgrade[O]{Future: failedPending[O]{err: item.Err}, Addr: item.Addr}, true, false, nil
	}
	pending := &chainedDial[O]{
		dial:    rawReadyDial{conn: item.Conn, addr: item.Addr},
		upgrade: l.upgrade,
		role:    RoleResponder,
	}
	return PendingUpgrade[O]{Future: pending, Addr: item.Addr}, true, false, nil
}

func (l *upgradedListener[O]) Close() error           { return l.inner.Close() }
func (l *upgradedListener[O]) Multiaddr() ma.Multiaddr { return l.inner.Multiaddr() }

// failedPending is an already-resolved Pending carrying only an error, used
// to propagate a per-connection accept failure as an item error rather than
// killing the listener.
type failedPending[O any] struct{ err error }

func (f failedPending[O]) Poll() (O, bool, error) {
	var zero O
	return zero, true, f.err
}

// rawReadyDial adapts an already-accepted net.Conn into the transport.Dial
// shape so chainedDial can treat "freshly accepted" and "freshly dialed"
// uniformly.
type rawReadyDial struct {
	conn net.Conn
	addr ma.Multiaddr
}

func (d rawReadyDial) Poll() (net.Conn, ma.Multiaddr, bool, error) {
	return d.conn, d.addr, true, nil
}

// chainedDial drives an underlying transport.Dial to completion and then
// starts (and drives) the upgrade handshake on the resulting raw
// connection, presenting the whole thing as a single Pending[O].
type chainedDial[O any] struct {
	dial    transport.Dial
	upgrade Upgrade[O]
	role    EndpointRole

	addr    ma.Multiaddr
	started Pending[O]
}

func (c *chainedDial[O]) Poll() (O, bool, error) {
	var zero O
	if c.started == nil {
		conn, addr, ready, err := c.dial.Poll()
		if err != nil {
			return zero, true, err
		}
		if !ready {
			return zero, false, nil
		}
		c.addr = addr
		c.started = c.upgrade.UpgradeConn(context.Background(), conn, "", c.role)
	}
	return c.started.Poll()
}

// Addr returns the remote address discovered once the dial step has
// resolved, or nil beforehand. Callers driving a bare Pending[O] (the
// global-incoming stage, which has no PendingUpgrade wrapper to carry an
// address up front) use this to recover the address after a ready poll.
func (c *chainedDial[O]) Addr() ma.Multiaddr { return c.addr }
