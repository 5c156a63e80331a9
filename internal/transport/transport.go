// Package transport provides the client-facing tunnel listeners.
//
// Every transport hands the accepted connection to the caller as a plain
// net.Conn carrying the tunnel frame protocol. Framing and multiplexing
// happen above this package.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// Type identifies the transport protocol.
type Type string

const (
	TypeTLS       Type = "tls"
	TypeWebSocket Type = "ws"
	TypeQUIC      Type = "quic"
)

const (
	// ALPNProtocol is the ALPN protocol identifier for TLS and QUIC listeners.
	ALPNProtocol = "simpletunnel/1"

	// WSSubprotocol is the WebSocket subprotocol identifier.
	WSSubprotocol = "simpletunnel/1"
)

// Listener accepts incoming tunnel connections.
type Listener interface {
	// Accept waits for and returns the next connection.
	Accept(ctx context.Context) (net.Conn, error)

	// Addr returns the listener's network address.
	Addr() net.Addr

	// Type returns the transport type identifier.
	Type() Type

	// Close stops the listener.
	Close() error
}

// Options contains options for creating a listener.
type Options struct {
	// TLSConfig is the TLS configuration for the listener.
	// Required unless PlainText is set on a WebSocket listener.
	TLSConfig *tls.Config

	// Path is the HTTP path for WebSocket listeners.
	Path string

	// PlainText allows WebSocket listeners to accept connections without
	// TLS. Use this only behind a reverse proxy that terminates TLS.
	PlainText bool

	// AcceptBacklog is the size of the pending-connection queue.
	AcceptBacklog int
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		AcceptBacklog: 16,
	}
}

// Listen creates a listener of the given type.
func Listen(typ Type, addr string, opts Options) (Listener, error) {
	if opts.AcceptBacklog <= 0 {
		opts.AcceptBacklog = 16
	}

	switch typ {
	case TypeTLS:
		return ListenTLS(addr, opts)
	case TypeWebSocket:
		return ListenWebSocket(addr, opts)
	case TypeQUIC:
		return ListenQUIC(addr, opts)
	default:
		return nil, fmt.Errorf("unknown transport type: %s", typ)
	}
}

// LoadTLSConfig loads a TLS configuration from certificate and key files.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// TLSConfigFromBytes creates a TLS config from PEM-encoded certificate and key.
func TLSConfigFromBytes(certPEM, keyPEM []byte) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPNProtocol},
	}, nil
}
