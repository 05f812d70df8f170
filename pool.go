package reqx

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Pool is the per-(scheme,host,port) connection pool of component F: an
// idle list, a bound on the number of open connections, and a FIFO queue
// of callers waiting for one to free up. Grounded on original_source's
// basic_pool<Stream> (conns_, lookup_, mutex_), with endpoint selection
// adapted from fetch/proxy.go's roundRobinProxy round-robin index.
type Pool struct {
	Host string
	Port string

	dialer    net.Dialer
	tlsConfig *tls.Config // nil selects a plain-TCP pool
	proxy     *proxyDialer

	maxConns int
	rrIndex  uint32

	mu      sync.Mutex
	idle    []*Connection
	numOpen int
	waiters []chan poolResult
}

type poolResult struct {
	conn *Connection
	err  error
}

// NewPool returns a pool that dials host:port, optionally through tlsConfig,
// bounded to maxConns concurrently open connections.
func NewPool(host, port string, tlsConfig *tls.Config, maxConns int) *Pool {
	if maxConns <= 0 {
		maxConns = 6
	}
	return &Pool{Host: host, Port: port, tlsConfig: tlsConfig, maxConns: maxConns}
}

// SetProxy routes every future dial for this pool through an upstream
// HTTP(S) proxy via CONNECT, instead of dialing the target directly.
func (p *Pool) SetProxy(proxy *proxyDialer) {
	p.mu.Lock()
	p.proxy = proxy
	p.mu.Unlock()
}

// Target returns the registry key this pool answers for, matching
// Session's (scheme, host, port) pool lookup.
func (p *Pool) Target() (scheme, host, port string) {
	if p.tlsConfig != nil {
		return "https", p.Host, p.Port
	}
	return "http", p.Host, p.Port
}

// Get returns an open, unexpired connection: an idle one if available, a
// freshly dialed one if under the pool's cap, or blocks (respecting ctx)
// for one of the above to become available.
func (p *Pool) Get(ctx context.Context) (*Connection, error) {
	p.mu.Lock()
	for len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if c.IsOpen() && !c.Expired(time.Now()) {
			p.mu.Unlock()
			return c, nil
		}
		p.numOpen--
		_ = c.Close()
	}
	if p.numOpen < p.maxConns {
		p.numOpen++
		p.mu.Unlock()
		conn, err := p.dialNew(ctx)
		if err != nil {
			p.mu.Lock()
			p.numOpen--
			p.mu.Unlock()
			return nil, err
		}
		return conn, nil
	}
	ch := make(chan poolResult, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case res := <-ch:
		return res.conn, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns a connection to the pool after a successful exchange: handed
// directly to the oldest waiter if one exists, otherwise parked idle. A
// connection already Expired() is retired instead, and a fresh one dialed
// for the oldest waiter if any is queued.
func (p *Pool) Put(c *Connection) {
	p.mu.Lock()
	if !c.IsOpen() || c.Expired(time.Now()) {
		p.retireLocked(c)
		return
	}
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		ch <- poolResult{conn: c}
		return
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// Discard retires a connection the caller knows is unusable (a framing or
// I/O error mid-exchange) without returning it to the idle list.
func (p *Pool) Discard(c *Connection) {
	p.mu.Lock()
	p.retireLocked(c)
}

// retireLocked must be called with p.mu held; it releases the mutex itself.
func (p *Pool) retireLocked(c *Connection) {
	p.numOpen--
	if len(p.waiters) == 0 {
		p.mu.Unlock()
		_ = c.Close()
		return
	}
	ch := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.numOpen++
	p.mu.Unlock()
	_ = c.Close()
	go p.dialForWaiter(ch)
}

func (p *Pool) dialForWaiter(ch chan poolResult) {
	conn, err := p.dialNew(context.Background())
	if err != nil {
		p.mu.Lock()
		p.numOpen--
		p.mu.Unlock()
		ch <- poolResult{err: err}
		return
	}
	ch <- poolResult{conn: conn}
}

func (p *Pool) dialNew(ctx context.Context) (*Connection, error) {
	p.mu.Lock()
	proxy := p.proxy
	p.mu.Unlock()

	target := net.JoinHostPort(p.Host, p.Port)
	if proxy != nil {
		return p.dialNewViaProxy(ctx, proxy, target)
	}

	endpoints, err := resolveEndpoints(ctx, p.Host, p.Port)
	if err != nil {
		return nil, err
	}
	idx := atomic.AddUint32(&p.rrIndex, 1) - 1
	endpoint := endpoints[idx%uint32(len(endpoints))]

	var stream Stream
	if p.tlsConfig != nil {
		stream = newTLSStream(p.dialer, p.tlsConfig, p.Host)
	} else {
		stream = newTCPStream(p.dialer)
	}
	conn := NewConnection(stream)
	conn.SetHost(hostHeaderValue(p.Host, p.Port, p.tlsConfig != nil))
	if err := conn.Connect(ctx, endpoint); err != nil {
		return nil, err
	}
	return conn, nil
}

func (p *Pool) dialNewViaProxy(ctx context.Context, proxy *proxyDialer, target string) (*Connection, error) {
	raw, err := proxy.dial(ctx, target)
	if err != nil {
		return nil, err
	}
	var stream Stream
	if p.tlsConfig != nil {
		cfg := p.tlsConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = p.Host
		}
		tlsConn := tls.Client(raw, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, fmt.Errorf("%w: %v", ErrTLS, err)
		}
		stream = newTLSStreamFromConn(tlsConn)
	} else {
		stream = newTCPStreamFromConn(raw)
	}
	conn := NewConnection(stream)
	conn.adopt(stream, target)
	conn.SetHost(hostHeaderValue(p.Host, p.Port, p.tlsConfig != nil))
	return conn, nil
}

// hostHeaderValue omits the port when it is the scheme's default, matching
// how a browser or curl would address the same origin.
func hostHeaderValue(host, port string, tlsEnabled bool) string {
	defaultPort := "80"
	if tlsEnabled {
		defaultPort = "443"
	}
	if port == "" || port == defaultPort {
		return host
	}
	return net.JoinHostPort(host, port)
}

// NumOpen reports the number of connections currently dialed by this pool,
// open or in the process of connecting. Exposed for tests and metrics.
func (p *Pool) NumOpen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numOpen
}
