package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"
)

// TLSListener implements Listener over raw TLS connections.
type TLSListener struct {
	ln      net.Listener
	connCh  chan net.Conn
	closeCh chan struct{}
	closed  atomic.Bool
}

// ListenTLS creates a TLS listener on addr.
func ListenTLS(addr string, opts Options) (*TLSListener, error) {
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required for tls listener")
	}

	tlsConfig := opts.TLSConfig
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{ALPNProtocol}
	}

	ln, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("tls listen failed: %w", err)
	}

	l := &TLSListener{
		ln:      ln,
		connCh:  make(chan net.Conn, opts.AcceptBacklog),
		closeCh: make(chan struct{}),
	}
	go l.acceptLoop()

	return l, nil
}

func (l *TLSListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.closed.Load() {
				return
			}
			// Transient accept errors; the listener itself is still valid.
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		select {
		case l.connCh <- conn:
		case <-l.closeCh:
			conn.Close()
			return
		}
	}
}

// Accept waits for and returns the next TLS connection.
func (l *TLSListener) Accept(ctx context.Context) (net.Conn, error) {
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
func (l *TLSListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Type returns the transport type.
func (l *TLSListener) Type() Type {
	return TypeTLS
}

// Close stops the listener.
func (l *TLSListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)
	return l.ln.Close()
}
