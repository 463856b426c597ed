// Package transport defines the capability contract a swarm composes over:
// listening on and dialing addresses, without knowing anything about what
// runs on top of the raw connections it produces.
package transport

import (
	"errors"
	"net"

	ma "github.com/multiformats/go-multiaddr"
)

// ErrListenerClosed is the sentinel error for a listener that has been
// closed. The listeners in this module do not return it from Poll: a closed
// or exhausted accept-stream reports done=true with a nil error.
var ErrListenerClosed = errors.New("listener closed")

// AcceptItem is a single element of a listener's accept-stream: either a
// freshly accepted raw connection, or a per-connection error. A per-item
// error never terminates the stream it came from.
type AcceptItem struct {
	Conn net.Conn
	Addr ma.Multiaddr
	Err  error
}

// Listener is the lazy, unbounded sequence of inbound raw connections a
// Transport produces for one listen_on call. It is owned by the swarm
// engine for the listener's entire life.
//
// Poll must never block. It returns ready=false when no item is currently
// available, done=true once the stream is permanently exhausted (in which
// case ready is meaningless and the listener should be dropped), and a
// non-nil err only for a stream-level failure — fatal to whatever drives
// it, per-item failures travel inside AcceptItem.Err instead.
type Listener interface {
	Poll() (item AcceptItem, ready bool, done bool, err error)
	Close() error
	Multiaddr() ma.Multiaddr
}

// Dial is a single in-flight connection attempt: an outbound dial, or (for
// a MuxedTransport) the host-wide next inbound connection.
//
// Poll must never block. ready=false means the dial hasn't resolved yet;
// once ready is true the Dial has produced its terminal value and will not
// be polled again. addr is the remote address of the resulting connection;
// for an outbound dial it echoes the address that was dialed, for
// NextIncoming it is discovered from the accepted connection itself.
type Dial interface {
	Poll() (conn net.Conn, addr ma.Multiaddr, ready bool, err error)
}

// Transport knows how to listen on and dial addresses of some address
// family. It never looks inside the connections it produces.
//
// Go has no notion of a by-value self that can be "given back" on error the
// way the source's Rust trait does; ListenOn/Dial simply return an error
// and leave the Transport value usable for a subsequent call on a
// different address.
type Transport interface {
	// ListenOn starts listening on addr. It returns the accept-stream and
	// the effective bound address (which may differ from addr, e.g. a
	// requested port of 0 resolved to the OS-assigned port). If addr is
	// not supported, it returns an error and the address bytes are left
	// untouched by the caller.
	ListenOn(addr ma.Multiaddr) (Listener, ma.Multiaddr, error)

	// Dial starts dialing addr and returns immediately with a pending
	// Dial. If addr is not supported, it returns an error.
	Dial(addr ma.Multiaddr) (Dial, error)
}

// MuxedTransport additionally exposes a single host-wide stream of inbound
// connections, aggregating every passive accept across every listener the
// host owns. Only a MuxedTransport can back UpgradedNode.NextIncoming,
// which feeds the engine's global-incoming stage.
type MuxedTransport interface {
	Transport

	// NextIncoming returns a Dial for the next host-wide inbound
	// connection. A fresh one must be requested every time the previous
	// one resolves; the engine does this automatically.
	NextIncoming() Dial
}
