// Package tcp is a concrete transport.Transport over plain TCP sockets,
// built on manet so multiaddr<->net.Addr conversion (including rewriting a
// requested port of 0 to the OS-assigned port) is handled the same way the
// rest of the multiaddr ecosystem does it.
package tcp

import (
	"context"
	"errors"
	"net"
	"os"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/go-swarm/swarmcore/core/transport"

	tec "github.com/jbenet/go-temp-err-catcher"
	logging "github.com/ipfs/go-log/v2"
	ma "github.com/multiformats/go-multiaddr"
	mafmt "github.com/multiformats/go-multiaddr-fmt"
	manet "github.com/multiformats/go-multiaddr/net"
)

var log = logging.Logger("tcp-tpt")

const (
	defaultConnectTimeout = 5 * time.Second
	keepAlivePeriod       = 30 * time.Second
	acceptBacklog         = 32
)

// dialMatcher accepts exactly the address shapes the original transport
// accepted: an IP component followed by a TCP component, nothing else.
var dialMatcher = mafmt.And(mafmt.IP, mafmt.Base(ma.P_TCP))

type canKeepAlive interface {
	SetKeepAlive(bool) error
	SetKeepAlivePeriod(time.Duration) error
}

var _ canKeepAlive = &net.TCPConn{}

func tryKeepAlive(conn net.Conn, keepAlive bool) {
	kac, ok := conn.(canKeepAlive)
	if !ok {
		return
	}
	if err := kac.SetKeepAlive(keepAlive); err != nil {
		if errors.Is(err, os.ErrInvalid) || errors.Is(err, syscall.EINVAL) {
			log.Debugw("failed to enable TCP keepalive", "error", err)
		} else {
			log.Errorw("failed to enable TCP keepalive", "error", err)
		}
		return
	}
	if runtime.GOOS != "openbsd" {
		if err := kac.SetKeepAlivePeriod(keepAlivePeriod); err != nil {
			log.Errorw("failed to set keepalive period", "error", err)
		}
	}
}

func tryLinger(conn net.Conn, sec int) {
	type canLinger interface{ SetLinger(int) error }
	if l, ok := conn.(canLinger); ok {
		_ = l.SetLinger(sec)
	}
}

// Option configures a Transport at construction time.
type Option func(*Transport) error

// WithConnectionTimeout overrides the default dial timeout.
func WithConnectionTimeout(d time.Duration) Option {
	return func(t *Transport) error { t.connectTimeout = d; return nil }
}

// WithMetrics enables prometheus instrumentation of dials and accepts.
func WithMetrics() Option {
	return func(t *Transport) error { t.metrics = defaultMetrics(); return nil }
}

// Transport is a plain-TCP transport.Transport.
type Transport struct {
	connectTimeout time.Duration
	metrics        *metricsCollector
}

var _ transport.Transport = (*Transport)(nil)

// New creates a TCP transport.
func New(opts ...Option) (*Transport, error) {
	t := &Transport{connectTimeout: defaultConnectTimeout}
	for _, o := range opts {
		if err := o(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// CanDial reports whether addr has the IP+TCP shape this transport handles.
func (t *Transport) CanDial(addr ma.Multiaddr) bool {
	return dialMatcher.Matches(addr)
}

// Dial starts an asynchronous outbound connection attempt to addr.
func (t *Transport) Dial(addr ma.Multiaddr) (transport.Dial, error) {
	if !t.CanDial(addr) {
		return nil, errors.New("tcp: address not dialable")
	}
	d := &pendingDial{addr: addr, done: make(chan struct{})}
	go t.runDial(d)
	return d, nil
}

func (t *Transport) runDial(d *pendingDial) {
	defer close(d.done)
	ctx := context.Background()
	if t.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.connectTimeout)
		defer cancel()
	}
	var dialer manet.Dialer
	conn, err := dialer.DialContext(ctx, d.addr)
	if err != nil {
		if t.metrics != nil {
			t.metrics.dialErrors.Inc()
		}
		d.err = err
		return
	}
	tryLinger(conn, 0)
	tryKeepAlive(conn, true)
	if t.metrics != nil {
		t.metrics.dialsOK.Inc()
	}
	d.conn = conn
}

// pendingDial implements transport.Dial by waiting, without blocking the
// poller, on the done channel the background dial goroutine closes.
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

// ListenOn starts listening on addr and returns its lazy accept-stream.
func (t *Transport) ListenOn(addr ma.Multiaddr) (transport.Listener, ma.Multiaddr, error) {
	if !dialMatcher.Matches(addr) {
		return nil, nil, errors.New("tcp: address not listenable")
	}
	ln, err := manet.Listen(addr)
	if err != nil {
		return nil, nil, err
	}
	l := &tcpListener{
		ln:      ln,
		items:   make(chan transport.AcceptItem, acceptBacklog),
		closed:  make(chan struct{}),
		metrics: t.metrics,
	}
	go l.acceptLoop()
	return l, ln.Multiaddr(), nil
}

// tcpListener is a transport.Listener backed by a background accept loop
// feeding a buffered channel; Poll drains it without ever blocking.
type tcpListener struct {
	ln      manet.Listener
	items   chan transport.AcceptItem
	closed  chan struct{}
	once    sync.Once
	metrics *metricsCollector
}

func (l *tcpListener) acceptLoop() {
	var catcher tec.TempErrCatcher
	defer close(l.items)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if catcher.IsTemporary(err) {
				continue
			}
			select {
			case <-l.closed:
				// Close was called; this Accept failure is the expected
				// teardown signal, so the stream exhausts gracefully
				// (closing l.items) instead of reporting a fatal error,
				// matching the teacher's "use of closed network
				// connection" -> transport.ErrListenerClosed special-case.
			default:
				select {
				case l.items <- transport.AcceptItem{Err: err}:
				case <-l.closed:
				}
			}
			return
		}
		tryLinger(conn, 0)
		tryKeepAlive(conn, true)
		if l.metrics != nil {
			l.metrics.accepts.Inc()
		}
		item := transport.AcceptItem{Conn: conn, Addr: conn.RemoteMultiaddr()}
		select {
		case l.items <- item:
		case <-l.closed:
			conn.Close()
			return
		}
	}
}

func (l *tcpListener) Poll() (transport.AcceptItem, bool, bool, error) {
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

func (l *tcpListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return l.ln.Close()
}

func (l *tcpListener) Multiaddr() ma.Multiaddr { return l.ln.Multiaddr() }

func (t *Transport) String() string { return "TCP" }
