// Package websocket is a second concrete transport.Transport, carrying
// connections over WebSocket framing instead of a raw TCP stream. It exists
// to prove the engine and upgrade layer are transport-agnostic: nothing in
// core/swarm or core/upgrade knows this package exists.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-swarm/swarmcore/core/transport"

	ws "github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	ma "github.com/multiformats/go-multiaddr"
	mafmt "github.com/multiformats/go-multiaddr-fmt"
	manet "github.com/multiformats/go-multiaddr/net"
)

var log = logging.Logger("ws-tpt")

// dialMatcher accepts /ip.../tcp/PORT/ws and /ip.../tcp/PORT/wss, where the
// leading host component may also be a /dns... name. The
// original transport also recognizes the longer /tls/sni/ws chain used for
// SNI-routed secure websockets; this simplified transport only needs the
// two plain forms to exercise the same engine and upgrade machinery.
var dialMatcher = mafmt.And(
	mafmt.Or(mafmt.IP, mafmt.DNS),
	mafmt.Base(ma.P_TCP),
	mafmt.Or(mafmt.Base(ma.P_WS), mafmt.Base(ma.P_WSS)),
)

var (
	wsComponent, _  = ma.NewComponent("ws", "")
	wssComponent, _ = ma.NewComponent("wss", "")
)

const acceptBacklog = 32

var defaultHandshakeTimeout = 15 * time.Second

// Option configures a Transport at construction time.
type Option func(*Transport) error

// WithTLSClientConfig sets the TLS configuration used when dialing a /wss
// address.
func WithTLSClientConfig(c *tls.Config) Option {
	return func(t *Transport) error { t.tlsClientConf = c; return nil }
}

// WithTLSConfig sets the TLS configuration used when listening for /wss
// connections.
func WithTLSConfig(c *tls.Config) Option {
	return func(t *Transport) error { t.tlsConf = c; return nil }
}

// WithHandshakeTimeout overrides the default websocket upgrade timeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(t *Transport) error { t.handshakeTimeout = d; return nil }
}

// Transport is a websocket-framed transport.Transport.
type Transport struct {
	tlsClientConf    *tls.Config
	tlsConf          *tls.Config
	handshakeTimeout time.Duration
}

var _ transport.Transport = (*Transport)(nil)

// New creates a websocket transport.
func New(opts ...Option) (*Transport, error) {
	t := &Transport{handshakeTimeout: defaultHandshakeTimeout}
	for _, o := range opts {
		if err := o(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Transport) CanDial(addr ma.Multiaddr) bool { return dialMatcher.Matches(addr) }

func (t *Transport) String() string { return "WS" }

// splitWsAddr separates the trailing /ws or /wss component from the
// ip+tcp prefix manet already knows how to dial/listen on.
func splitWsAddr(addr ma.Multiaddr) (prefix ma.Multiaddr, secure bool, err error) {
	parts := ma.Split(addr)
	if len(parts) < 2 {
		return nil, false, errors.New("websocket: address too short")
	}
	last := parts[len(parts)-1]
	switch last.Protocols()[0].Code {
	case ma.P_WS:
		secure = false
	case ma.P_WSS:
		secure = true
	default:
		return nil, false, errors.New("websocket: missing /ws or /wss component")
	}
	return ma.Join(parts[:len(parts)-1]...), secure, nil
}

// Dial starts an asynchronous outbound websocket connection to addr.
func (t *Transport) Dial(addr ma.Multiaddr) (transport.Dial, error) {
	if !t.CanDial(addr) {
		return nil, errors.New("websocket: address not dialable")
	}
	d := &pendingDial{addr: addr, done: make(chan struct{})}
	go t.runDial(d)
	return d, nil
}

func (t *Transport) runDial(d *pendingDial) {
	defer close(d.done)

	prefix, secure, err := splitWsAddr(d.addr)
	if err != nil {
		d.err = err
		return
	}
	_, host, err := manet.DialArgs(prefix)
	if err != nil {
		d.err = err
		return
	}
	scheme := "ws"
	if secure {
		scheme = "wss"
	}

	dialer := ws.Dialer{
		HandshakeTimeout: t.handshakeTimeout,
		Proxy:            ws.DefaultDialer.Proxy,
	}
	if secure {
		dialer.TLSClientConfig = t.tlsClientConf
	}

	ctx := context.Background()
	if t.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.handshakeTimeout)
		defer cancel()
	}

	conn, _, err := dialer.DialContext(ctx, scheme+"://"+host, nil)
	if err != nil {
		d.err = err
		return
	}
	d.conn = &wsConn{Conn: conn}
}

type pendingDial struct {
	addr ma.Multiaddr
	done chan struct{}
	conn net.Conn
	err  error
}

func (d *pendingDial) Poll() (net.Conn, ma.Multiaddr, bool, error) {
	select {
	case <-d.done:
		return d.conn, d.addr, true, d.err
	default:
		return nil, nil, false, nil
	}
}

// ListenOn starts an HTTP server over a raw TCP listener, upgrading every
// incoming request to a websocket connection.
func (t *Transport) ListenOn(addr ma.Multiaddr) (transport.Listener, ma.Multiaddr, error) {
	prefix, secure, err := splitWsAddr(addr)
	if err != nil {
		return nil, nil, err
	}
	raw, err := manet.Listen(prefix)
	if err != nil {
		return nil, nil, err
	}

	var ln net.Listener = manet.NetListener(raw)
	if secure {
		conf := t.tlsConf
		if conf == nil {
			return nil, nil, errors.New("websocket: /wss listen requires WithTLSConfig")
		}
		ln = tls.NewListener(ln, conf.Clone())
	}

	component := wsComponent
	if secure {
		component = wssComponent
	}
	boundAddr, err := raw.Multiaddr().Encapsulate(ma.Cast(component.Bytes()))
	if err != nil {
		return nil, nil, err
	}

	l := &wsListener{
		ln:     ln,
		items:  make(chan transport.AcceptItem, acceptBacklog),
		closed: make(chan struct{}),
		addr:   boundAddr,
		secure: secure,
	}
	l.srv = &http.Server{Handler: http.HandlerFunc(l.handle)}
	go l.serve()
	return l, boundAddr, nil
}

type wsListener struct {
	ln       net.Listener
	upgrader ws.Upgrader
	srv      *http.Server
	items    chan transport.AcceptItem
	closed   chan struct{}
	once     sync.Once
	addr     ma.Multiaddr
	secure   bool

	// inFlight tracks handle() goroutines still negotiating a connection,
	// so items is only closed once nothing can send on it anymore: Close
	// tears the server down without waiting for them (net/http.Server.Close
	// doesn't either), matching the teacher's drain-then-close listener.
	inFlight sync.WaitGroup
}

func (l *wsListener) serve() {
	err := l.srv.Serve(l.ln)
	l.inFlight.Wait()
	defer close(l.items)
	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		select {
		case l.items <- transport.AcceptItem{Err: err}:
		case <-l.closed:
		}
	}
}

func (l *wsListener) handle(w http.ResponseWriter, r *http.Request) {
	l.inFlight.Add(1)
	defer l.inFlight.Done()

	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugw("websocket upgrade failed", "error", err)
		return
	}
	wc := &wsConn{Conn: conn}
	component := wsComponent
	if l.secure {
		component = wssComponent
	}
	remote, err := manet.FromNetAddr(conn.RemoteAddr())
	if err != nil {
		conn.Close()
		return
	}
	addr, err := remote.Encapsulate(ma.Cast(component.Bytes()))
	if err != nil {
		conn.Close()
		return
	}
	item := transport.AcceptItem{Conn: wc, Addr: addr}
	select {
	case l.items <- item:
	case <-l.closed:
		conn.Close()
	}
}

func (l *wsListener) Poll() (transport.AcceptItem, bool, bool, error) {
	select {
	case item, ok := <-l.items:
		if !ok {
			return transport.AcceptItem{}, false, true, nil
		}
		if item.Err != nil {
			return transport.AcceptItem{}, false, true, item.Err
		}
		return item, true, false, nil
	default:
		return transport.AcceptItem{}, false, false, nil
	}
}

func (l *wsListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return l.srv.Close()
}

func (l *wsListener) Multiaddr() ma.Multiaddr { return l.addr }

// wsConn adapts a gorilla *websocket.Conn, which is message-oriented, to
// net.Conn's byte-stream contract by buffering one message reader at a
// time across Read calls.
type wsConn struct {
	*ws.Conn

	readMu sync.Mutex
	reader io.Reader

	writeMu sync.Mutex
}

func (c *wsConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for {
		if c.reader == nil {
			_, r, err := c.Conn.NextReader()
			if err != nil {
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(b)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.Conn.WriteMessage(ws.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.Conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.Conn.SetWriteDeadline(t)
}
