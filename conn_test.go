package reqx

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawServer accepts a single connection and hands it to handle, closing the
// listener once handle returns. Used to drive Connection against exact wire
// bytes without a net/http server in the way.
func rawServer(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		handle(conn)
	}()
	return ln.Addr().String()
}

func dialConn(t *testing.T, addr string) *Connection {
	t.Helper()
	stream := newTCPStream(net.Dialer{})
	c := NewConnection(stream)
	c.SetHost("example.com")
	require.NoError(t, c.Connect(context.Background(), addr))
	return c
}

func TestSingleRequestContentLength(t *testing.T) {
	t.Parallel()
	addr := rawServer(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"))
	})
	c := dialConn(t, addr)
	defer c.Close()

	res, err := c.SingleRequest(context.Background(), "GET", "/", Header{}, NoBody)
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, "hello", string(res.Body))
	assert.Zero(t, c.WorkingRequests())
}

func TestSingleRequestChunked(t *testing.T) {
	t.Parallel()
	addr := rawServer(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"))
	})
	c := dialConn(t, addr)
	defer c.Close()

	res, err := c.SingleRequest(context.Background(), "GET", "/", Header{}, NoBody)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(res.Body))
}

func TestSingleRequestHEADIgnoresContentLength(t *testing.T) {
	t.Parallel()
	addr := rawServer(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\n"))
	})
	c := dialConn(t, addr)
	defer c.Close()

	res, err := c.SingleRequest(context.Background(), "HEAD", "/", Header{}, NoBody)
	require.NoError(t, err)
	assert.Empty(t, res.Body)
}

func TestSingleRequestKeepAliveReuse(t *testing.T) {
	t.Parallel()
	addr := rawServer(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		readHead := func() {
			for {
				line, err := br.ReadString('\n')
				if err != nil || line == "\r\n" {
					return
				}
			}
		}
		readHead()
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
		readHead()
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	})
	c := dialConn(t, addr)
	defer c.Close()

	res1, err := c.SingleRequest(context.Background(), "GET", "/a", Header{}, NoBody)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(res1.Body))

	res2, err := c.SingleRequest(context.Background(), "GET", "/b", Header{}, NoBody)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(res2.Body))
}

func TestSingleRequestConnectionCloseMarksExpired(t *testing.T) {
	t.Parallel()
	addr := rawServer(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 2\r\n\r\nok"))
	})
	c := dialConn(t, addr)
	defer c.Close()

	_, err := c.SingleRequest(context.Background(), "GET", "/", Header{}, NoBody)
	require.NoError(t, err)
	assert.True(t, c.Expired(time.Now()))
}

func TestSingleRequestWriteFailureDoesNotLeakOngoingCounter(t *testing.T) {
	t.Parallel()
	addr := rawServer(t, func(conn net.Conn) {
		conn.Close()
	})
	c := dialConn(t, addr)
	defer c.Close()

	// An invalid header value fails writeRequestHead before anything is
	// written to the wire; writeRequest must still undo its own
	// ongoing.Add(1) on this path.
	_, err := c.SingleRequest(context.Background(), "GET", "/", Header{"X-Bad": {"line1\nline2"}}, NoBody)
	require.Error(t, err)
	assert.Zero(t, c.WorkingRequests())
}

func TestRopenStreamingAndClose(t *testing.T) {
	t.Parallel()
	addr := rawServer(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"))
	})
	c := dialConn(t, addr)
	defer c.Close()

	stream, err := c.Ropen(context.Background(), "GET", "/", Header{}, NoBody)
	require.NoError(t, err)
	assert.EqualValues(t, 1, c.WorkingRequests())

	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.True(t, stream.Done())

	require.NoError(t, stream.Close())
	assert.Zero(t, c.WorkingRequests())
}
