package reqx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// connState is the per-connection lifecycle state from spec §4.5's state
// machine: closed -> connecting -> idle -> writing -> reading -> idle (loop)
// or ... -> closing -> closed. expired is tracked orthogonally via KeepAlive.
type connState int32

const (
	connClosed connState = iota
	connConnecting
	connIdle
	connWriting
	connReading
)

// Connection is the per-stream request arbiter of component E. It owns one
// Stream, a read mutex and a write mutex that are never held by more than
// one goroutine at a time, a flat read buffer, and an ongoing-requests
// counter. Grounded on original_source's basic_connection<Stream>
// (read_mtx_/write_mtx_/ongoing_requests_/keep_alive_set_).
type Connection struct {
	stream Stream

	writeMu sync.Mutex
	readMu  sync.Mutex

	bw          *bufio.Writer
	buf         *bufio.Reader
	reserveSize int

	mu        sync.Mutex
	host      string
	endpoint  string
	keepAlive KeepAlive
	state     connState

	ongoing atomic.Int64
}

// NewConnection returns an unopened Connection over stream.
func NewConnection(stream Stream) *Connection {
	return &Connection{stream: stream, reserveSize: 4096}
}

// streamReader/streamWriter adapt the Stream capability-set interface to
// io.Reader/io.Writer, so bufio can sit in front of it the same way
// original_source layers beast::flat_buffer in front of its asio stream.
type streamReader struct{ s Stream }

func (r streamReader) Read(p []byte) (int, error) { return r.s.ReadSome(p) }

type streamWriter struct{ s Stream }

func (w streamWriter) Write(p []byte) (int, error) { return w.s.WriteSome(p) }

// Connect establishes the transport (TCP, then TLS handshake if
// applicable) and stores endpoint for later inspection.
func (c *Connection) Connect(ctx context.Context, endpoint string) error {
	c.mu.Lock()
	if c.stream.IsOpen() {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	c.state = connConnecting
	c.mu.Unlock()

	if err := c.stream.Connect(ctx, endpoint); err != nil {
		c.mu.Lock()
		c.state = connClosed
		c.mu.Unlock()
		return &ConnError{Endpoint: endpoint, Kind: classifyKind(err), Err: err}
	}

	c.mu.Lock()
	c.endpoint = endpoint
	c.keepAlive = defaultKeepAlive(time.Now())
	c.state = connIdle
	c.buf = bufio.NewReaderSize(streamReader{c.stream}, c.reserveSize)
	c.bw = bufio.NewWriterSize(streamWriter{c.stream}, c.reserveSize)
	c.mu.Unlock()
	return nil
}

// adopt installs an already-connected Stream (e.g. a proxy CONNECT tunnel
// dialed outside the normal Stream.Connect path) and runs the same
// post-connect setup Connect performs.
func (c *Connection) adopt(stream Stream, endpoint string) {
	c.mu.Lock()
	c.stream = stream
	c.endpoint = endpoint
	c.keepAlive = defaultKeepAlive(time.Now())
	c.state = connIdle
	c.buf = bufio.NewReaderSize(streamReader{stream}, c.reserveSize)
	c.bw = bufio.NewWriterSize(streamWriter{stream}, c.reserveSize)
	c.mu.Unlock()
}

func classifyKind(err error) error {
	for _, kind := range []error{ErrTLS, ErrConnect, ErrDNS, ErrIO} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return err
}

// Close performs a graceful shutdown of the stream. Idempotent.
func (c *Connection) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.readMu.Lock()
	defer c.readMu.Unlock()
	c.mu.Lock()
	c.state = connClosed
	c.mu.Unlock()
	return c.stream.Shutdown()
}

// markClosed flags the connection as must-close (e.g. after a framing
// error) without blocking on the read/write mutexes, so it can be called
// from inside a request exchange that already holds them.
func (c *Connection) markClosed() {
	c.mu.Lock()
	c.keepAlive.MustClose = true
	c.mu.Unlock()
}

// IsOpen reports whether the underlying stream is connected.
func (c *Connection) IsOpen() bool { return c.stream.IsOpen() }

// Endpoint returns the endpoint passed to Connect.
func (c *Connection) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// Host returns the configured Host-header value.
func (c *Connection) Host() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host
}

// SetHost sets the Host-header value used by subsequent requests. It does
// not change the name a TLS stream verifies during its handshake; that name
// is fixed when the stream is constructed.
func (c *Connection) SetHost(name string) {
	c.mu.Lock()
	c.host = name
	c.mu.Unlock()
}

// Reserve hints the size of the connection's internal read/write buffers.
// Must be called before Connect to take effect.
func (c *Connection) Reserve(n int) {
	if n > 0 {
		c.reserveSize = n
	}
}

// WorkingRequests returns the number of requests currently in flight on
// this connection: 0, or 1 plus (briefly) 2 during the write-before-read
// overlap window described in spec §3's invariants.
func (c *Connection) WorkingRequests() int64 { return c.ongoing.Load() }

// Timeout returns the instant after which the connection is considered
// expired by keep-alive accounting.
func (c *Connection) Timeout() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepAlive.Timeout
}

// Expired reports whether the pool must treat this connection as unusable:
// a keep-alive timeout has passed, Keep-Alive: max=0 was seen, or a
// close-signalling header was observed.
func (c *Connection) Expired(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepAlive.Expired(now)
}

func (c *Connection) expiredNow() bool { return c.Expired(time.Now()) }

// SingleRequest writes req and reads the full response into memory,
// following spec §4.5's request-exchange protocol steps 1-10.
func (c *Connection) SingleRequest(ctx context.Context, method, path string, header Header, body Body) (*Response, error) {
	if err := c.writeRequest(ctx, method, path, header, body); err != nil {
		return nil, err
	}
	head, tp, err := c.readHead(ctx)
	if err != nil {
		c.ongoing.Add(-1)
		return nil, err
	}
	br, cr, err := c.bodyReader(method, head.status, head.header, tp)
	if err != nil {
		c.readMu.Unlock()
		c.markClosed()
		c.ongoing.Add(-1)
		return nil, err
	}
	data, err := io.ReadAll(br)
	if err != nil {
		c.readMu.Unlock()
		c.markClosed()
		c.ongoing.Add(-1)
		return nil, err
	}
	if cr != nil {
		mergeTrailers(head.header, cr.Trailer())
	}
	c.readMu.Unlock()
	c.ongoing.Add(-1)
	if c.expiredNow() {
		_ = c.Close()
	}
	return &Response{Status: head.status, Reason: head.reason, Header: head.header, Body: data}, nil
}

// SingleHeaderRequest writes req and reads only the status line and
// headers, leaving the body unread; the caller continues with the
// returned ResponseStream. Grounded on original_source's
// single_header_request, whose only caller (download) follows it with a
// ropen-equivalent stream for the body.
func (c *Connection) SingleHeaderRequest(ctx context.Context, method, path string, header Header, body Body) (*Response, *ResponseStream, error) {
	return c.openStream(ctx, method, path, header, body)
}

// Ropen initiates a request and hands back a ResponseStream the caller
// reads the body from directly; the connection's read-lock and in-flight
// ticket transfer to the stream and release when it is closed.
func (c *Connection) Ropen(ctx context.Context, method, path string, header Header, body Body) (*ResponseStream, error) {
	res, stream, err := c.openStream(ctx, method, path, header, body)
	if err != nil {
		return nil, err
	}
	stream.status = res.Status
	stream.reason = res.Reason
	return stream, nil
}

func (c *Connection) openStream(ctx context.Context, method, path string, header Header, body Body) (*Response, *ResponseStream, error) {
	if err := c.writeRequest(ctx, method, path, header, body); err != nil {
		return nil, nil, err
	}
	head, tp, err := c.readHead(ctx)
	if err != nil {
		c.ongoing.Add(-1)
		return nil, nil, err
	}
	br, cr, err := c.bodyReader(method, head.status, head.header, tp)
	if err != nil {
		c.readMu.Unlock()
		c.markClosed()
		c.ongoing.Add(-1)
		return nil, nil, err
	}
	res := &Response{Status: head.status, Reason: head.reason, Header: head.header}
	stream := &ResponseStream{conn: c, reader: br, chunked: cr, header: head.header, status: head.status, reason: head.reason}
	if _, isEmpty := br.(*emptyReader); isEmpty {
		stream.finishLocked()
	}
	return res, stream, nil
}

func (c *Connection) writeRequest(ctx context.Context, method, path string, header Header, body Body) error {
	c.writeMu.Lock()
	if !c.stream.IsOpen() {
		c.writeMu.Unlock()
		return ErrNotConnected
	}
	c.mu.Lock()
	c.state = connWriting
	host := c.host
	c.mu.Unlock()

	c.ongoing.Add(1)

	if header == nil {
		header = Header{}
	}
	if header.Get("Content-Type") == "" {
		if ct := body.DefaultContentType(); ct != "" {
			header.Set("Content-Type", ct)
		}
	}
	size, ok := body.Size()
	chunked := !ok

	if deadline, hasDeadline := ctx.Deadline(); hasDeadline {
		_ = c.stream.SetDeadline(deadline)
	}

	if err := writeRequestHead(c.bw, method, path, host, header, size, chunked); err != nil {
		c.writeMu.Unlock()
		c.markClosed()
		c.ongoing.Add(-1)
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := c.writeBody(body, chunked); err != nil {
		c.writeMu.Unlock()
		c.markClosed()
		c.ongoing.Add(-1)
		return err
	}
	if err := c.bw.Flush(); err != nil {
		c.writeMu.Unlock()
		c.markClosed()
		c.ongoing.Add(-1)
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if shouldClose(false, header) {
		// The caller's own request demanded "Connection: close" (requests
		// are always sent as HTTP/1.1): honor it symmetrically
		// with the response side and don't offer this connection back to
		// the pool once the exchange completes.
		c.markClosed()
	}
	c.mu.Lock()
	c.state = connIdle
	c.mu.Unlock()
	c.writeMu.Unlock()
	return nil
}

func (c *Connection) writeBody(body Body, chunked bool) error {
	buf := make([]byte, 32*1024)
	if chunked {
		cw := &chunkedWriter{w: c.bw}
		for {
			n, more, err := body.ReadSome(buf)
			if err != nil {
				return err
			}
			if n > 0 {
				if werr := cw.writeChunk(buf[:n]); werr != nil {
					return fmt.Errorf("%w: %v", ErrIO, werr)
				}
			}
			if !more {
				break
			}
		}
		return cw.writeTrailer()
	}
	for {
		n, more, err := body.ReadSome(buf)
		if err != nil {
			return err
		}
		if n > 0 {
			if _, werr := c.bw.Write(buf[:n]); werr != nil {
				return fmt.Errorf("%w: %v", ErrIO, werr)
			}
		}
		if !more {
			break
		}
	}
	return nil
}

type headResult struct {
	status  int
	reason  string
	header  Header
	proto10 bool
}

// readHead acquires the read mutex and leaves it held on success: the
// caller is responsible for releasing it once the body has been consumed
// (SingleRequest) or for transferring ownership to a ResponseStream.
func (c *Connection) readHead(ctx context.Context) (*headResult, *textproto.Reader, error) {
	c.readMu.Lock()
	c.mu.Lock()
	c.state = connReading
	c.mu.Unlock()

	if deadline, hasDeadline := ctx.Deadline(); hasDeadline {
		_ = c.stream.SetDeadline(deadline)
	}

	tp := textproto.NewReader(c.buf)
	for {
		proto, status, reason, err := readStatusLine(tp)
		if err != nil {
			c.readMu.Unlock()
			c.markClosed()
			return nil, nil, err
		}
		mh, err := tp.ReadMIMEHeader()
		if err != nil && err != io.EOF {
			c.readMu.Unlock()
			c.markClosed()
			return nil, nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
		}
		if status >= 100 && status < 200 {
			// 1xx informational: consumed silently, read the real
			// response that follows (spec §4.5 edge case).
			continue
		}
		proto10 := proto == "HTTP/1.0"
		header := toHeader(mh)
		ka := updateKeepAlive(mh, proto10, time.Now())
		c.mu.Lock()
		c.keepAlive = ka
		c.state = connIdle
		c.mu.Unlock()
		return &headResult{status: status, reason: reason, header: header, proto10: proto10}, tp, nil
	}
}

// emptyReader is returned for HEAD responses and 204/304 statuses, which
// never carry a body regardless of any advertised Content-Length (spec
// §4.5 edge case).
type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }

func (c *Connection) bodyReader(method string, status int, header Header, tp *textproto.Reader) (io.Reader, *chunkedReader, error) {
	if method == "HEAD" || status == 204 || status == 304 {
		return &emptyReader{}, nil, nil
	}
	if strings.EqualFold(header.Get("Transfer-Encoding"), "chunked") {
		cr := newChunkedReader(tp)
		return cr, cr, nil
	}
	if cl := header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return nil, nil, fmt.Errorf("%w: bad content-length %q", ErrBadFraming, cl)
		}
		return &limitReader{r: tp.R, n: n}, nil, nil
	}
	// No declared length: read until the connection closes (pre-1.1
	// servers, or an explicit "Connection: close" with no framing).
	return tp.R, nil, nil
}

// ResponseStream is the caller-owned token of spec §4.5/§9: while it is
// alive, the connection cannot start a second request's read phase. Its
// Close releases the read mutex and decrements the ongoing-requests
// counter, mirroring original_source's detail::tracker destructor
// behavior.
type ResponseStream struct {
	conn    *Connection
	reader  io.Reader
	chunked *chunkedReader
	header  Header
	status  int
	reason  string

	mu   sync.Mutex
	done bool
}

// Headers returns the response's header fields (see Status for the code).
func (s *ResponseStream) Headers() Header { return s.header }

// Status returns the response's numeric status code.
func (s *ResponseStream) Status() int { return s.status }

// Done reports whether the body has been fully consumed or discarded.
func (s *ResponseStream) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Read implements io.Reader over the response body.
func (s *ResponseStream) Read(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return 0, io.EOF
	}
	n, err := s.reader.Read(buf)
	if err == io.EOF {
		s.finishLocked()
		if n > 0 {
			return n, nil
		}
		return n, io.EOF
	}
	if err != nil {
		s.conn.markClosed()
		return n, err
	}
	return n, nil
}

func (s *ResponseStream) finishLocked() {
	if s.done {
		return
	}
	s.done = true
	if s.chunked != nil {
		mergeTrailers(s.header, s.chunked.Trailer())
	}
}

// Discard drains the remainder of the body without returning it to the
// caller. Grounded on original_source's basic_connection<Stream>::stream's
// dump() operation.
func (s *ResponseStream) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	_, err := io.Copy(io.Discard, s.reader)
	s.finishLocked()
	if err != nil {
		s.conn.markClosed()
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// Close releases the connection's read lock and in-flight ticket. It must
// be called exactly once per ResponseStream, typically via defer. A stream
// abandoned before Done() is true marks the connection closed, since its
// framing position on the wire is now indeterminate.
func (s *ResponseStream) Close() error {
	s.mu.Lock()
	wasDone := s.done
	s.mu.Unlock()
	if !wasDone {
		s.conn.markClosed()
	}
	s.conn.readMu.Unlock()
	s.conn.ongoing.Add(-1)
	if s.conn.expiredNow() {
		_ = s.conn.Close()
	}
	return nil
}
