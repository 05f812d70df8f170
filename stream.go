package reqx

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Stream is the uniform capability set component A requires: connect, read,
// write, shutdown, and an open check, over either a plain TCP socket or a
// TLS-wrapped one. Modeled on original_source's basic_connection<Stream>,
// which templates the same operations over asio::ip::tcp::socket vs
// asio::ssl::stream<...>.
type Stream interface {
	Connect(ctx context.Context, endpoint string) error
	ReadSome(buf []byte) (n int, err error)
	WriteSome(buf []byte) (n int, err error)
	Shutdown() error
	IsOpen() bool
	SetDeadline(t time.Time) error
}

// tcpStream is the plain-TCP Stream variant.
type tcpStream struct {
	dialer net.Dialer
	conn   net.Conn
}

func newTCPStream(dialer net.Dialer) *tcpStream {
	return &tcpStream{dialer: dialer}
}

// newTCPStreamFromConn wraps a net.Conn that is already connected (e.g. a
// proxy CONNECT tunnel), so Connect becomes a no-op that just records it.
func newTCPStreamFromConn(conn net.Conn) *tcpStream {
	return &tcpStream{conn: conn}
}

func (s *tcpStream) Connect(ctx context.Context, endpoint string) error {
	conn, err := s.dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	s.conn = conn
	return nil
}

func (s *tcpStream) ReadSome(buf []byte) (int, error) {
	if s.conn == nil {
		return 0, ErrNotConnected
	}
	n, err := s.conn.Read(buf)
	if err != nil && err.Error() != "EOF" {
		return n, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return n, err
}

func (s *tcpStream) WriteSome(buf []byte) (int, error) {
	if s.conn == nil {
		return 0, ErrNotConnected
	}
	n, err := s.conn.Write(buf)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return n, nil
}

func (s *tcpStream) Shutdown() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *tcpStream) IsOpen() bool { return s.conn != nil }

func (s *tcpStream) SetDeadline(t time.Time) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	return s.conn.SetDeadline(t)
}

// tlsStream layers a TLS handshake over a plain TCP dial, verifying the
// configured server name on connect.
type tlsStream struct {
	dialer     net.Dialer
	tlsConfig  *tls.Config
	serverName string
	conn       *tls.Conn
}

func newTLSStream(dialer net.Dialer, cfg *tls.Config, serverName string) *tlsStream {
	cloned := cfg.Clone()
	if cloned.ServerName == "" {
		cloned.ServerName = serverName
	}
	return &tlsStream{dialer: dialer, tlsConfig: cloned, serverName: serverName}
}

// newTLSStreamFromConn wraps a *tls.Conn whose handshake has already
// completed (e.g. over a proxy CONNECT tunnel).
func newTLSStreamFromConn(conn *tls.Conn) *tlsStream {
	return &tlsStream{conn: conn}
}

func (s *tlsStream) Connect(ctx context.Context, endpoint string) error {
	raw, err := s.dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	conn := tls.Client(raw, s.tlsConfig)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return fmt.Errorf("%w: %v", ErrTLS, err)
	}
	s.conn = conn
	return nil
}

func (s *tlsStream) ReadSome(buf []byte) (int, error) {
	if s.conn == nil {
		return 0, ErrNotConnected
	}
	n, err := s.conn.Read(buf)
	if err != nil && err.Error() != "EOF" {
		return n, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return n, err
}

func (s *tlsStream) WriteSome(buf []byte) (int, error) {
	if s.conn == nil {
		return 0, ErrNotConnected
	}
	n, err := s.conn.Write(buf)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return n, nil
}

// Shutdown performs a graceful TLS close_notify before closing the
// underlying socket, where the plain-TCP variant can only FIN.
func (s *tlsStream) Shutdown() error {
	if s.conn == nil {
		return nil
	}
	_ = s.conn.CloseWrite()
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *tlsStream) IsOpen() bool { return s.conn != nil }

func (s *tlsStream) SetDeadline(t time.Time) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	return s.conn.SetDeadline(t)
}
