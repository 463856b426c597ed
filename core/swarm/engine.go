// Package swarm is the concurrency engine at the heart of the system: it
// multiplexes listener accept-streams, in-flight dials, in-flight upgrade
// handshakes, and in-flight handler tasks behind a single cooperative poll
// loop, fed by a Controller that application code uses to submit work.
package swarm

import (
	"context"
	"time"

	"github.com/go-swarm/swarmcore/core/upgrade"

	ma "github.com/multiformats/go-multiaddr"
)

// HandlerTask is the asynchronous computation a Handler produces for one
// upgraded connection. The engine owns it until it finishes.
type HandlerTask interface {
	// Poll must never block. ready=false means the task hasn't finished;
	// once ready is true (regardless of err) the task is dropped and
	// polled no more.
	Poll() (ready bool, err error)
}

// Handler is the per-session application logic: given an upgraded output
// and the remote address it came from, it produces the task the engine
// will drive to completion.
type Handler[O any] func(output O, addr ma.Multiaddr) HandlerTask

const (
	minBackoff = time.Millisecond
	maxBackoff = 50 * time.Millisecond
)

// Option configures an Engine at construction time.
type Option func(*engineConfig)

type engineConfig struct {
	nonFatalUpgradeErrors bool
	nonFatalHandlerErrors bool
}

// WithNonFatalUpgradeErrors makes a failed dial or listener upgrade
// log-and-continue instead of killing the whole engine. The source treats
// this as fatal; the spec flags that choice as likely too strict for
// general use, so it is opt-in here with the source's fatal behavior as
// the default.
func WithNonFatalUpgradeErrors() Option {
	return func(c *engineConfig) { c.nonFatalUpgradeErrors = true }
}

// WithNonFatalHandlerErrors makes a failed handler task log-and-continue
// instead of killing the whole engine. Fatal by default, matching the
// source.
func WithNonFatalHandlerErrors() Option {
	return func(c *engineConfig) { c.nonFatalHandlerErrors = true }
}

// Engine is the single cooperative state machine that drives every owned
// asynchronous object forward. It is created alongside its Controller by
// New and must be driven to completion by exactly one external driver,
// via Run.
type Engine[O any] struct {
	node    *upgrade.UpgradedNode[O]
	handler Handler[O]
	cfg     engineConfig

	nextIncoming upgrade.Pending[O] // nil when the node has no muxed transport

	newListeners *submissionQueue[upgrade.UpgradedListener[O]]
	newDialers   *submissionQueue[dialerItem[O]]

	listeners        []upgrade.UpgradedListener[O]
	listenersUpgrade []upgrade.PendingUpgrade[O]
	dialers          []upgrade.PendingUpgrade[O]
	toProcess        []HandlerTask
}

// New builds a Controller and its paired Engine over an already-composed
// UpgradedNode. handler is invoked once per fully upgraded connection,
// however it arrived (global incoming, listener accept, or outbound dial).
func New[O any](node *upgrade.UpgradedNode[O], handler Handler[O], opts ...Option) (*Controller[O], *Engine[O]) {
	controller, engine := newController(node)
	engine.handler = handler
	for _, o := range opts {
		o(&engine.cfg)
	}
	return controller, engine
}

// Run drives the engine to completion. It never returns "done" on its
// own — the global-incoming source is conceptually infinite, so there is
// no definable completion point — and only returns when ctx is canceled
// or a fatal error occurs (§7: accept-stream, upgrade/dial, handler, or
// next-incoming failure, unless the corresponding non-fatal option was
// set).
//
// Between passes that make no progress, Run backs off with bounded
// exponential delay, resetting to the minimum the instant any stage
// reports progress; this keeps the driver from busy-spinning without
// requiring every Transport/Upgrade implementation to plumb a wakeup
// signal back to the engine.
func (e *Engine[O]) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		progressed, err := e.pollOnce()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if progressed {
			backoff = minBackoff
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// pollOnce performs exactly one pass over every stage, in the fixed order
// 1..7. It returns progressed=true if any stage observed a ready item, and
// a non-nil error only for a fatal condition.
func (e *Engine[O]) pollOnce() (bool, error) {
	progressed := false

	// 1. Global incoming.
	if e.nextIncoming != nil {
		output, ready, err := e.nextIncoming.Poll()
		if err != nil {
			if !e.cfg.nonFatalUpgradeErrors {
				return progressed, err
			}
			log.Warnf("next-incoming error, continuing: %s", err)
		} else if ready {
			progressed = true
			var addr ma.Multiaddr
			if aw, ok := e.nextIncoming.(interface{ Addr() ma.Multiaddr }); ok {
				addr = aw.Addr()
			}
			e.toProcess = append(e.toProcess, e.handler(output, addr))
		}
		if ready || err != nil {
			e.nextIncoming = e.node.NextIncoming().Future
		}
	}

	// 2. New listener intake.
	if newListeners, _ := e.newListeners.drain(); len(newListeners) > 0 {
		progressed = true
		e.listeners = append(e.listeners, newListeners...)
	}

	// 3. New dialer intake.
	if newDialers, _ := e.newDialers.drain(); len(newDialers) > 0 {
		progressed = true
		e.dialers = append(e.dialers, newDialers...)
	}

	// 4. Drive accept-streams.
	remainingListeners := e.listeners[:0]
	for _, l := range e.listeners {
		item, ready, done, err := l.Poll()
		if err != nil {
			return progressed, err
		}
		if done {
			progressed = true
			continue
		}
		if ready {
			progressed = true
			e.listenersUpgrade = append(e.listenersUpgrade, item)
		}
		remainingListeners = append(remainingListeners, l)
	}
	e.listeners = remainingListeners

	// 5. Drive listener upgrades.
	remainingListenerUpgrades := e.listenersUpgrade[:0]
	for _, pu := range e.listenersUpgrade {
		output, ready, err := pu.Future.Poll()
		if err != nil {
			if !e.cfg.nonFatalUpgradeErrors {
				return progressed, err
			}
			log.Warnf("listener upgrade error for %s, continuing: %s", pu.Addr, err)
			progressed = true
			continue
		}
		if ready {
			progressed = true
			e.toProcess = append(e.toProcess, e.handler(output, pu.Addr))
			continue
		}
		remainingListenerUpgrades = append(remainingListenerUpgrades, pu)
	}
	e.listenersUpgrade = remainingListenerUpgrades

	// 6. Drive dialer upgrades.
	remainingDialers := e.dialers[:0]
	for _, pu := range e.dialers {
		output, ready, err := pu.Future.Poll()
		if err != nil {
			if !e.cfg.nonFatalUpgradeErrors {
				return progressed, err
			}
			log.Warnf("dial upgrade error for %s, continuing: %s", pu.Addr, err)
			progressed = true
			continue
		}
		if ready {
			progressed = true
			e.toProcess = append(e.toProcess, e.handler(output, pu.Addr))
			continue
		}
		remainingDialers = append(remainingDialers, pu)
	}
	e.dialers = remainingDialers

	// 7. Drive handler tasks.
	remainingTasks := e.toProcess[:0]
	for _, t := range e.toProcess {
		ready, err := t.Poll()
		if err != nil {
			if !e.cfg.nonFatalHandlerErrors {
				return progressed, err
			}
			log.Warnf("handler task error, continuing: %s", err)
			progressed = true
			continue
		}
		if ready {
			progressed = true
			continue
		}
		remainingTasks = append(remainingTasks, t)
	}
	e.toProcess = remainingTasks

	return progressed, nil
}
