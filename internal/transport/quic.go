package transport

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

// Default QUIC configuration values
const (
	quicMaxIdleTimeout  = 60 * time.Second
	quicKeepAlivePeriod = 30 * time.Second
)

// QUICListener implements Listener over QUIC.
// Each tunnel uses a single bidirectional stream, wrapped as a net.Conn
// so the layers above see the same byte stream as TLS.
type QUICListener struct {
	listener *quic.Listener
	connCh   chan net.Conn
	closeCh  chan struct{}
	closed   atomic.Bool
}

// ListenQUIC creates a QUIC listener on addr.
func ListenQUIC(addr string, opts Options) (*QUICListener, error) {
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required for quic listener")
	}

	tlsConfig := opts.TLSConfig
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{ALPNProtocol}
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:        quicMaxIdleTimeout,
		KeepAlivePeriod:       quicKeepAlivePeriod,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: 0,
	}

	listener, err := quic.ListenAddr(addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("QUIC listen failed: %w", err)
	}

	l := &QUICListener{
		listener: listener,
		connCh:   make(chan net.Conn, opts.AcceptBacklog),
		closeCh:  make(chan struct{}),
	}
	go l.acceptLoop()

	return l, nil
}

func (l *QUICListener) acceptLoop() {
	ctx := context.Background()
	for {
		conn, err := l.listener.Accept(ctx)
		if err != nil {
			return
		}
		// The client opens the tunnel stream; waiting for it must not
		// block further accepts.
		go l.acceptStream(conn)
	}
}

func (l *QUICListener) acceptStream(conn quic.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "no tunnel stream")
		return
	}

	select {
	case l.connCh <- &quicConn{conn: conn, stream: stream}:
	case <-l.closeCh:
		conn.CloseWithError(0, "server closed")
	}
}

// Accept waits for and returns the next QUIC tunnel connection.
func (l *QUICListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, fmt.Errorf("listener closed")
	}
}

// Addr returns the listener's address.
func (l *QUICListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Type returns the transport type.
func (l *QUICListener) Type() Type {
	return TypeQUIC
}

// Close stops the listener.
func (l *QUICListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)
	return l.listener.Close()
}

// quicConn adapts a QUIC connection with its single tunnel stream to net.Conn.
type quicConn struct {
	conn   quic.Connection
	stream quic.Stream
}

func (c *quicConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *quicConn) Close() error {
	c.stream.CancelRead(0)
	c.stream.Close()
	return c.conn.CloseWithError(0, "connection closed")
}

func (c *quicConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *quicConn) SetDeadline(t time.Time) error      { return c.stream.SetDeadline(t) }
func (c *quicConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *quicConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }
