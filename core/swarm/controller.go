package swarm

import (
	"sync/atomic"

	"github.com/go-swarm/swarmcore/core/upgrade"

	logging "github.com/ipfs/go-log/v2"
	ma "github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("swarm")

// dialerItem is what the controller hands the engine for a dial: the
// pending upgrade future paired with the address that was dialed.
type dialerItem[O any] = upgrade.PendingUpgrade[O]

// controllerState is the shared, reference-counted state behind every
// clone of a Controller. Go has no destructors, so unlike the source
// (where dropping the last Sender clone closes the channel automatically)
// callers must Clone/Close explicitly; Close decrements the refcount and
// closes the submission queues only once it reaches zero.
type controllerState[O any] struct {
	node         *upgrade.UpgradedNode[O]
	newListeners *submissionQueue[upgrade.UpgradedListener[O]]
	newDialers   *submissionQueue[dialerItem[O]]
	refCount     atomic.Int32
}

// Controller is the application-facing handle used to submit dial and
// listen requests into the engine. It is cheap to clone and safe to share:
// multiple holders may submit concurrently.
type Controller[O any] struct {
	state *controllerState[O]
}

// newController builds a Controller and its paired Engine for New; it is
// not exported on its own because a Controller is meaningless without the
// Engine draining its queues.
func newController[O any](node *upgrade.UpgradedNode[O]) (*Controller[O], *Engine[O]) {
	state := &controllerState[O]{
		node:         node,
		newListeners: &submissionQueue[upgrade.UpgradedListener[O]]{},
		newDialers:   &submissionQueue[dialerItem[O]]{},
	}
	state.refCount.Store(1)

	eng := &Engine[O]{
		node:         node,
		newListeners: state.newListeners,
		newDialers:   state.newDialers,
	}
	if node.HasMuxed() {
		pu := node.NextIncoming()
		eng.nextIncoming = pu.Future
	}

	return &Controller[O]{state: state}, eng
}

// Clone returns a new handle to the same controller state. The underlying
// submission queues stay open until every clone (including this one) has
// been Closed.
func (c *Controller[O]) Clone() *Controller[O] {
	c.state.refCount.Add(1)
	return &Controller[O]{state: c.state}
}

// Close drops this handle. Once every clone has been closed, the
// submission queues close: the engine stops accepting new work from them
// but keeps draining whatever it already owns.
func (c *Controller[O]) Close() {
	if c.state.refCount.Add(-1) == 0 {
		c.state.newListeners.close()
		c.state.newDialers.close()
	}
}

// Dial asks the swarm to dial addr. Once the connection is open and
// upgraded, it is handed to the handler. A closed engine is silently
// ignored: nothing would process the submission anyway.
func (c *Controller[O]) Dial(addr ma.Multiaddr) error {
	pending, err := c.state.node.Dial(addr)
	if err != nil {
		return &DialError{Addr: addr, Err: err}
	}
	c.state.newDialers.push(dialerItem[O]{Future: pending, Addr: addr})
	return nil
}

// ListenOn adds addr to listen on. It returns the effective bound address
// (which may differ from addr, e.g. a requested port of 0 resolved to the
// OS-assigned port).
func (c *Controller[O]) ListenOn(addr ma.Multiaddr) (ma.Multiaddr, error) {
	listener, bound, err := c.state.node.ListenOn(addr)
	if err != nil {
		return nil, &ListenError{Addr: addr, Err: err}
	}
	c.state.newListeners.push(listener)
	return bound, nil
}

// DialError is returned when a requested dial address is not supported by
// the underlying transport. Addr is the exact address that was rejected,
// unmodified.
type DialError struct {
	Addr ma.Multiaddr
	Err  error
}

func (e *DialError) Error() string {
	return "swarm: cannot dial " + e.Addr.String() + ": " + e.Err.Error()
}

func (e *DialError) Unwrap() error { return e.Err }

// ListenError is returned when a requested listen address is not supported
// by the underlying transport. Addr is the exact address that was
// rejected, unmodified.
type ListenError struct {
	Addr ma.Multiaddr
	Err  error
}

func (e *ListenError) Error() string {
	return "swarm: cannot listen on " + e.Addr.String() + ": " + e.Err.Error()
}

func (e *ListenError) Unwrap() error { return e.Err }
