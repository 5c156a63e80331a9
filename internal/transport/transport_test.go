package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"nhooyr.io/websocket"

	"github.com/below/SimpleTunnel/internal/certutil"
)

func testTLSConfig(t *testing.T) *tls.Config {
	t.Helper()

	cert, err := certutil.GenerateServerCert("localhost", time.Hour)
	if err != nil {
		t.Fatalf("GenerateServerCert failed: %v", err)
	}
	tlsCert, err := cert.TLSCertificate()
	if err != nil {
		t.Fatalf("TLSCertificate failed: %v", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPNProtocol},
	}
}

func exchange(t *testing.T, client, server net.Conn) {
	t.Helper()

	msg := []byte("hello tunnel")
	if _, err := client.Write(msg); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	buf := make([]byte, len(msg))
	server.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	if string(buf) != string(msg) {
		t.Errorf("server read %q, want %q", buf, msg)
	}

	reply := []byte("hello client")
	if _, err := server.Write(reply); err != nil {
		t.Fatalf("server write failed: %v", err)
	}

	buf = make([]byte, len(reply))
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if string(buf) != string(reply) {
		t.Errorf("client read %q, want %q", buf, reply)
	}
}

func TestTLSListener_Exchange(t *testing.T) {
	opts := DefaultOptions()
	opts.TLSConfig = testTLSConfig(t)

	l, err := ListenTLS("127.0.0.1:0", opts)
	if err != nil {
		t.Fatalf("ListenTLS failed: %v", err)
	}
	defer l.Close()

	if l.Type() != TypeTLS {
		t.Errorf("Type() = %s, want tls", l.Type())
	}

	clientCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := tls.Dial("tcp", l.Addr().String(), &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{ALPNProtocol},
		})
		if err != nil {
			errCh <- err
			return
		}
		clientCh <- conn
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	defer server.Close()

	// The accepted tls.Conn handshakes lazily on first I/O; drive it here so
	// the client's Dial can complete.
	hsCh := make(chan error, 1)
	go func() { hsCh <- server.(*tls.Conn).HandshakeContext(ctx) }()

	var client net.Conn
	select {
	case client = <-clientCh:
	case err := <-errCh:
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	if err := <-hsCh; err != nil {
		t.Fatalf("server handshake failed: %v", err)
	}

	exchange(t, client, server)
}

func TestWSListener_PlainTextExchange(t *testing.T) {
	opts := DefaultOptions()
	opts.PlainText = true
	opts.Path = "/tunnel"

	l, err := ListenWebSocket("127.0.0.1:0", opts)
	if err != nil {
		t.Fatalf("ListenWebSocket failed: %v", err)
	}
	defer l.Close()

	if l.Type() != TypeWebSocket {
		t.Errorf("Type() = %s, want ws", l.Type())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		url := fmt.Sprintf("ws://%s/tunnel", l.Addr().String())
		wsConn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
			Subprotocols: []string{WSSubprotocol},
		})
		if err != nil {
			errCh <- err
			return
		}
		clientCh <- websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary)
	}()

	server, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	defer server.Close()

	var client net.Conn
	select {
	case client = <-clientCh:
	case err := <-errCh:
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	exchange(t, client, server)
}

func TestQUICListener_Exchange(t *testing.T) {
	opts := DefaultOptions()
	opts.TLSConfig = testTLSConfig(t)

	l, err := ListenQUIC("127.0.0.1:0", opts)
	if err != nil {
		t.Fatalf("ListenQUIC failed: %v", err)
	}
	defer l.Close()

	if l.Type() != TypeQUIC {
		t.Errorf("Type() = %s, want quic", l.Type())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientCh := make(chan quic.Stream, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := quic.DialAddr(ctx, l.Addr().String(), &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{ALPNProtocol},
		}, nil)
		if err != nil {
			errCh <- err
			return
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			errCh <- err
			return
		}
		// The server only learns about the stream once data flows.
		if _, err := stream.Write([]byte("hello tunnel")); err != nil {
			errCh <- err
			return
		}
		clientCh <- stream
	}()

	server, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	defer server.Close()

	var client quic.Stream
	select {
	case client = <-clientCh:
	case err := <-errCh:
		t.Fatalf("dial failed: %v", err)
	}

	buf := make([]byte, len("hello tunnel"))
	server.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	if string(buf) != "hello tunnel" {
		t.Errorf("server read %q, want hello tunnel", buf)
	}

	if _, err := server.Write([]byte("hello client")); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
	buf = make([]byte, len("hello client"))
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if string(buf) != "hello client" {
		t.Errorf("client read %q, want hello client", buf)
	}
}

func TestListen_UnknownType(t *testing.T) {
	_, err := Listen("sctp", "127.0.0.1:0", DefaultOptions())
	if err == nil {
		t.Fatal("expected error for unknown transport type")
	}
}

func TestListenTLS_RequiresConfig(t *testing.T) {
	_, err := ListenTLS("127.0.0.1:0", DefaultOptions())
	if err == nil {
		t.Fatal("expected error without TLS config")
	}
}

func TestListenWebSocket_RequiresConfigOrPlainText(t *testing.T) {
	_, err := ListenWebSocket("127.0.0.1:0", DefaultOptions())
	if err == nil {
		t.Fatal("expected error without TLS config or plaintext")
	}
}

func TestAccept_ContextCanceled(t *testing.T) {
	opts := DefaultOptions()
	opts.TLSConfig = testTLSConfig(t)

	l, err := ListenTLS("127.0.0.1:0", opts)
	if err != nil {
		t.Fatalf("ListenTLS failed: %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = l.Accept(ctx)
	if err != context.Canceled {
		t.Errorf("Accept returned %v, want context.Canceled", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	opts := DefaultOptions()
	opts.TLSConfig = testTLSConfig(t)

	l, err := ListenTLS("127.0.0.1:0", opts)
	if err != nil {
		t.Fatalf("ListenTLS failed: %v", err)
	}

	if err := l.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := l.Accept(ctx); err == nil {
		t.Error("Accept after Close should fail")
	}
}
