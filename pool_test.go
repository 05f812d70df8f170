package reqx

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoHostServer answers every request on every accepted connection with a
// canned 200 response, so a Pool can exercise dial/reuse without a
// net/http server in the way.
func echoHostServer(t *testing.T) (host, port string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				br := bufio.NewReader(conn)
				for {
					for {
						line, err := br.ReadString('\n')
						if err != nil {
							return
						}
						if line == "\r\n" {
							break
						}
					}
					if _, err := conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	host, port, err = net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	return host, port
}

func TestPoolGetDialsAndReusesConnection(t *testing.T) {
	t.Parallel()
	host, port := echoHostServer(t)
	p := NewPool(host, port, nil, 4)

	c1, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.NumOpen())

	res, err := c1.SingleRequest(context.Background(), "GET", "/", Header{}, NoBody)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(res.Body))

	p.Put(c1)
	c2, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, p.NumOpen())
}

func TestPoolGetRespectsMaxConns(t *testing.T) {
	t.Parallel()
	host, port := echoHostServer(t)
	p := NewPool(host, port, nil, 1)

	c1, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.NumOpen())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	p.Put(c1)
}

func TestPoolDiscardRetiresConnection(t *testing.T) {
	t.Parallel()
	host, port := echoHostServer(t)
	p := NewPool(host, port, nil, 2)

	c1, err := p.Get(context.Background())
	require.NoError(t, err)
	p.Discard(c1)
	assert.Equal(t, 0, p.NumOpen())
	assert.False(t, c1.IsOpen())
}

func TestPoolTargetReportsSchemeFromTLSConfig(t *testing.T) {
	t.Parallel()
	plain := NewPool("example.com", "80", nil, 1)
	scheme, host, port := plain.Target()
	assert.Equal(t, "http", scheme)
	assert.Equal(t, "example.com", host)
	assert.Equal(t, "80", port)
}

func TestHostHeaderValueOmitsDefaultPort(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "example.com", hostHeaderValue("example.com", "80", false))
	assert.Equal(t, "example.com", hostHeaderValue("example.com", "443", true))
	assert.Equal(t, "example.com:8443", hostHeaderValue("example.com", "8443", true))
}

func TestResolveEndpointsWithIPLiteral(t *testing.T) {
	t.Parallel()
	eps, err := resolveEndpoints(context.Background(), "127.0.0.1", "9000")
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:9000"}, eps)
}
