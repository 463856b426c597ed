// Package multistream is an upgrade.Upgrade implementation that negotiates
// one of a fixed set of protocols using multistream-select, then hands the
// raw connection to the protocol-specific handler that produces the
// engine's opaque output type.
package multistream

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-swarm/swarmcore/core/upgrade"

	logging "github.com/ipfs/go-log/v2"
	mss "github.com/multiformats/go-multistream"
)

var log = logging.Logger("upgrade-mss")

const defaultNegotiateTimeout = 60 * time.Second

// HandlerFunc runs once a protocol has been negotiated (or pinned) on raw,
// and produces the value the engine will treat as this connection's output.
type HandlerFunc[O any] func(raw net.Conn, protocol upgrade.ProtocolID, role upgrade.EndpointRole) (O, error)

// Upgrader is a multistream-select based upgrade.Upgrade.
type Upgrader[O any] struct {
	order    []upgrade.ProtocolID
	handlers map[upgrade.ProtocolID]HandlerFunc[O]
	timeout  time.Duration
}

var _ upgrade.Upgrade[struct{}] = (*Upgrader[struct{}])(nil)

// New creates an empty Upgrader. Use AddProtocol to register handlers
// before it is handed to swarm.New; timeout bounds the multistream
// handshake itself, not the handler that runs after negotiation succeeds.
func New[O any](timeout time.Duration) *Upgrader[O] {
	if timeout <= 0 {
		timeout = defaultNegotiateTimeout
	}
	return &Upgrader[O]{handlers: make(map[upgrade.ProtocolID]HandlerFunc[O]), timeout: timeout}
}

// AddProtocol registers a protocol this Upgrader can negotiate, in the
// order protocols should be preferred when proposing them as a client.
func (u *Upgrader[O]) AddProtocol(id upgrade.ProtocolID, h HandlerFunc[O]) {
	u.order = append(u.order, id)
	u.handlers[id] = h
}

func (u *Upgrader[O]) ProtocolNames() []upgrade.ProtocolID {
	return append([]upgrade.ProtocolID(nil), u.order...)
}

func (u *Upgrader[O]) UpgradeConn(ctx context.Context, raw net.Conn, negotiated upgrade.ProtocolID, role upgrade.EndpointRole) upgrade.Pending[O] {
	p := &pending[O]{done: make(chan struct{})}
	go u.run(ctx, raw, negotiated, role, p)
	return p
}

func (u *Upgrader[O]) run(ctx context.Context, raw net.Conn, negotiated upgrade.ProtocolID, role upgrade.EndpointRole, p *pending[O]) {
	defer close(p.done)

	proto := negotiated
	if proto == "" {
		var err error
		proto, err = u.negotiate(ctx, raw, role)
		if err != nil {
			log.Debugw("multistream negotiation failed", "role", role, "error", err)
			p.err = fmt.Errorf("multistream: negotiation failed: %w", err)
			return
		}
	}

	h, ok := u.handlers[proto]
	if !ok {
		p.err = fmt.Errorf("multistream: no handler registered for protocol %q", proto)
		return
	}

	out, err := h(raw, proto, role)
	p.out, p.err = out, err
}

func (u *Upgrader[O]) negotiate(ctx context.Context, raw net.Conn, role upgrade.EndpointRole) (upgrade.ProtocolID, error) {
	deadline := time.Now().Add(u.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := raw.SetDeadline(deadline); err != nil {
		return "", fmt.Errorf("set deadline: %w", err)
	}
	defer raw.SetDeadline(time.Time{})

	if role == upgrade.RoleResponder {
		muxer := mss.NewMultistreamMuxer[string]()
		for _, id := range u.order {
			muxer.AddHandler(string(id), nil)
		}
		selected, _, err := muxer.Negotiate(raw)
		if err != nil {
			return "", err
		}
		return upgrade.ProtocolID(selected), nil
	}

	names := make([]string, len(u.order))
	for i, id := range u.order {
		names[i] = string(id)
	}
	selected, err := mss.SelectOneOf(names, raw)
	if err != nil {
		return "", err
	}
	return upgrade.ProtocolID(selected), nil
}

type pending[O any] struct {
	done chan struct{}
	out  O
	err  error
}

func (p *pending[O]) Poll() (O, bool, error) {
	select {
	case <-p.done:
		return p.out, true, p.err
	default:
		var zero O
		return zero, false, nil
	}
}
