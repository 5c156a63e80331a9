package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// WebSocket transport constants
const (
	wsDefaultPath      = "/tunnel"
	wsDefaultReadLimit = 16 * 1024 * 1024 // 16 MB max message size
)

// WSListener implements Listener over WebSocket connections.
// Each accepted WebSocket is wrapped as a net.Conn carrying binary
// messages, so the layers above see the same byte stream as TLS.
type WSListener struct {
	addr      string
	path      string
	tlsConfig *tls.Config
	server    *http.Server
	netLn     net.Listener
	connCh    chan net.Conn
	closeCh   chan struct{}
	closed    atomic.Bool
}

// ListenWebSocket creates a WebSocket listener on addr.
func ListenWebSocket(addr string, opts Options) (*WSListener, error) {
	if opts.TLSConfig == nil && !opts.PlainText {
		return nil, fmt.Errorf("TLS config required for ws listener (or set plaintext)")
	}

	path := opts.Path
	if path == "" {
		path = wsDefaultPath
	}

	l := &WSListener{
		addr:      addr,
		path:      path,
		tlsConfig: opts.TLSConfig,
		connCh:    make(chan net.Conn, opts.AcceptBacklog),
		closeCh:   make(chan struct{}),
	}

	if err := l.start(); err != nil {
		return nil, err
	}

	return l, nil
}

func (l *WSListener) start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.handleWebSocket)

	l.server = &http.Server{
		Addr:      l.addr,
		Handler:   mux,
		TLSConfig: l.tlsConfig,
	}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen failed: %w", err)
	}
	l.netLn = ln

	go func() {
		if l.tlsConfig != nil {
			l.server.ServeTLS(ln, "", "")
		} else {
			l.server.Serve(ln)
		}
	}()

	return nil
}

// handleWebSocket handles incoming WebSocket upgrade requests.
func (l *WSListener) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{WSSubprotocol},
	})
	if err != nil {
		return
	}

	conn.SetReadLimit(wsDefaultReadLimit)

	// Wrap the WebSocket as a net.Conn over binary messages. The context
	// must outlive this handler; the tunnel layer owns the connection now.
	netConn := websocket.NetConn(context.Background(), conn, websocket.MessageBinary)

	select {
	case l.connCh <- netConn:
	case <-l.closeCh:
		conn.Close(websocket.StatusGoingAway, "server closed")
	}
}

// Accept waits for and returns the next WebSocket connection.
func (l *WSListener) Accept(ctx context.Context) (net.Conn, error) {
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
func (l *WSListener) Addr() net.Addr {
	if l.netLn != nil {
		return l.netLn.Addr()
	}
	return nil
}

// Type returns the transport type.
func (l *WSListener) Type() Type {
	return TypeWebSocket
}

// Close stops the listener.
func (l *WSListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}

	close(l.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if l.server != nil {
		return l.server.Shutdown(ctx)
	}
	return nil
}
