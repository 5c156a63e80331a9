package udpflow

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/below/SimpleTunnel/internal/logging"
	"github.com/below/SimpleTunnel/internal/poller"
)

// Direction selects which side of a flow a close applies to.
type Direction int

const (
	// DirectionRead closes the tunnel-bound direction.
	DirectionRead Direction = iota
	// DirectionWrite closes the peer-bound direction.
	DirectionWrite
	// DirectionAll closes both directions.
	DirectionAll
)

// String returns a human-readable name for the direction.
func (d Direction) String() string {
	switch d {
	case DirectionRead:
		return "read"
	case DirectionWrite:
		return "write"
	case DirectionAll:
		return "all"
	default:
		return "unknown"
	}
}

// TunnelWriter is the multiplexer capability for delivering a received UDP
// datagram back into the tunnel, tagged with the originating flow identifier
// and the true sender's endpoint.
//
// Implementations must not block: the call runs on the poller's event loop,
// which every flow on the server shares. Queue or drop, never wait.
type TunnelWriter interface {
	SendDataWithEndpoint(connID uint64, payload []byte, host string, port uint16) error
}

// FlowConnection is the per-flow object exposed to the tunnel multiplexer.
// It owns at most one socket session, created on the first outbound send and
// destroyed when both directions are closed.
type FlowConnection struct {
	id     uint64
	tunnel TunnelWriter
	poller *poller.Poller
	logger *slog.Logger

	mu           sync.Mutex
	readClosed   bool
	writeClosed  bool
	closed       bool
	closeReason  string
	session      *Session
	lastActivity time.Time

	onClosed func(*FlowConnection)
}

// NewFlowConnection creates a flow with a fresh identifier. The identifier
// is immutable for the life of the flow.
func NewFlowConnection(id uint64, tunnel TunnelWriter, p *poller.Poller, logger *slog.Logger) *FlowConnection {
	return &FlowConnection{
		id:           id,
		tunnel:       tunnel,
		poller:       p,
		logger:       logger.With(logging.KeyFlowID, id),
		lastActivity: time.Now(),
	}
}

// ID returns the flow's connection identifier.
func (c *FlowConnection) ID() uint64 {
	return c.id
}

// SetOnClosed registers a callback invoked exactly once when the flow
// becomes fully closed. Used by the multiplexer to drop its reference.
func (c *FlowConnection) SetOnClosed(fn func(*FlowConnection)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClosed = fn
}

// SendDataWithEndpoint relays one datagram from the tunnel to the UDP peer,
// creating the socket session on first use. Failures never propagate to the
// multiplexer: an address or socket-creation failure drops the datagram and
// leaves the flow open, while a send failure on an open session closes the
// flow in both directions.
func (c *FlowConnection) SendDataWithEndpoint(payload []byte, host string, port uint16) {
	c.mu.Lock()
	if c.writeClosed {
		c.mu.Unlock()
		c.logger.Debug("dropping datagram for write-closed flow")
		return
	}
	if c.session == nil {
		c.session = NewSession(c.poller, c.logger, c.handleDatagram, c.handleError)
	}
	sess := c.session
	c.lastActivity = time.Now()
	c.mu.Unlock()

	err := sess.Send(payload, host, port)
	if err == nil {
		return
	}

	if IsAddressError(err) || errors.Is(err, ErrSessionClosed) || !sess.IsOpen() {
		c.logger.Warn("dropping datagram",
			logging.KeyHost, host,
			logging.KeyPort, port,
			logging.KeyError, err)
		return
	}

	c.logger.Warn("udp send failed, closing flow",
		logging.KeyHost, host,
		logging.KeyPort, port,
		logging.KeyError, err)
	c.CloseWithReason(DirectionAll, CloseReasonError)
}

// handleDatagram forwards an inbound datagram into the tunnel. Forwarding
// failures are the multiplexer's concern, not the flow's.
func (c *FlowConnection) handleDatagram(payload []byte, sender Endpoint) {
	c.mu.Lock()
	if c.readClosed {
		c.mu.Unlock()
		return
	}
	c.lastActivity = time.Now()
	c.mu.Unlock()

	if err := c.tunnel.SendDataWithEndpoint(c.id, payload, sender.Host, sender.Port); err != nil {
		c.logger.Debug("inbound forward failed",
			logging.KeyHost, sender.Host,
			logging.KeyPort, sender.Port,
			logging.KeyError, err)
	}
}

// handleError tears the flow down after a fatal session failure.
func (c *FlowConnection) handleError(err error) {
	c.logger.Warn("udp session error, closing flow", logging.KeyError, err)
	c.CloseWithReason(DirectionAll, CloseReasonError)
}

// Close reasons reported by CloseReason after a full close.
const (
	CloseReasonClient = "client"
	CloseReasonIdle   = "idle"
	CloseReasonTunnel = "tunnel"
	CloseReasonError  = "error"
)

// CloseConnection applies a half or full close requested by the client.
// When both directions are closed the socket session is closed and
// released; repeated calls are idempotent and the socket is never closed
// twice.
func (c *FlowConnection) CloseConnection(direction Direction) {
	c.CloseWithReason(direction, CloseReasonClient)
}

// CloseWithReason is CloseConnection with an explicit reason, recorded if
// this call completes the full close.
func (c *FlowConnection) CloseWithReason(direction Direction, reason string) {
	c.mu.Lock()
	switch direction {
	case DirectionRead:
		c.readClosed = true
	case DirectionWrite:
		c.writeClosed = true
	case DirectionAll:
		c.readClosed = true
		c.writeClosed = true
	}

	var (
		sess   *Session
		notify func(*FlowConnection)
	)
	if c.readClosed && c.writeClosed && !c.closed {
		c.closed = true
		c.closeReason = reason
		sess = c.session
		c.session = nil
		notify = c.onClosed
	}
	c.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
	if notify != nil {
		notify(c)
	}
}

// CloseReason returns the reason of the full close, or "" while the flow
// is still at least half open.
func (c *FlowConnection) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// IsClosed returns true once both directions are closed.
func (c *FlowConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readClosed && c.writeClosed
}

// IsClosedForRead returns true if the tunnel-bound direction is closed.
func (c *FlowConnection) IsClosedForRead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readClosed
}

// IsClosedForWrite returns true if the peer-bound direction is closed.
func (c *FlowConnection) IsClosedForWrite() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeClosed
}

// IsExpired checks if the flow has been idle longer than the timeout.
func (c *FlowConnection) IsExpired(timeout time.Duration) bool {
	if timeout == 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity) > timeout
}

// hasSession reports whether a socket session currently exists.
func (c *FlowConnection) hasSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}
