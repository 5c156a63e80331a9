// Package tunnel implements the server side of a tunnel connection: the
// handshake, the frame dispatch loop, and the per-tunnel UDP flow table.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/below/SimpleTunnel/internal/logging"
	"github.com/below/SimpleTunnel/internal/metrics"
	"github.com/below/SimpleTunnel/internal/poller"
	"github.com/below/SimpleTunnel/internal/protocol"
	"github.com/below/SimpleTunnel/internal/udpflow"
)

// handshakeTimeout bounds how long a client may take to send HELLO.
const handshakeTimeout = 10 * time.Second

// writeTimeout bounds a single frame write to the client connection.
const writeTimeout = 30 * time.Second

// outboundQueueSize bounds the frames waiting for the writer goroutine.
// Inbound UDP is lossy by nature: when the client cannot drain fast enough,
// excess datagrams are dropped instead of blocking the poller's event loop.
const outboundQueueSize = 256

// Config contains per-tunnel settings.
type Config struct {
	// AuthRequired enables token verification during the handshake.
	AuthRequired bool

	// SecretHash is the bcrypt hash the client token is verified against.
	SecretHash string

	// MaxFlows caps the number of concurrent UDP flows on this tunnel.
	MaxFlows int

	// IdleTimeout closes flows with no datagram activity.
	IdleTimeout time.Duration

	// KeepaliveTimeout closes the tunnel when no frame arrives in time.
	// Zero disables the watchdog.
	KeepaliveTimeout time.Duration

	// RateLimit polices inbound datagram payload bytes per second.
	// Zero means unlimited.
	RateLimit int64

	// AtCapacity rejects the handshake with a resource-limit error. The
	// server sets it when the tunnel count has reached its configured cap.
	AtCapacity bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxFlows:         1000,
		IdleTimeout:      2 * time.Minute,
		KeepaliveTimeout: 90 * time.Second,
	}
}

// Tunnel multiplexes UDP flows over a single client connection.
type Tunnel struct {
	conn      net.Conn
	transport string
	config    Config

	reader  *protocol.FrameReader
	writer  *protocol.FrameWriter
	writeMu sync.Mutex
	sendCh  chan outboundFrame

	poller  *poller.Poller
	metrics *metrics.Metrics
	logger  *slog.Logger
	limiter *rate.Limiter

	mu           sync.Mutex
	flows        map[uint64]*udpflow.FlowConnection
	closed       bool
	lastActivity time.Time

	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a tunnel over an accepted transport connection.
// Call Serve to run the handshake and the frame loop.
func New(conn net.Conn, transportName string, p *poller.Poller, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Tunnel {
	ctx, cancel := context.WithCancel(context.Background())

	t := &Tunnel{
		conn:      conn,
		transport: transportName,
		config:    cfg,
		reader:    protocol.NewFrameReader(conn),
		writer:    protocol.NewFrameWriter(conn),
		sendCh:    make(chan outboundFrame, outboundQueueSize),
		poller:    p,
		metrics:   m,
		logger: logger.With(
			slog.String(logging.KeyComponent, "tunnel"),
			slog.String(logging.KeyTransport, transportName),
			slog.String(logging.KeyRemoteAddr, remoteAddrString(conn))),
		flows:        make(map[uint64]*udpflow.FlowConnection),
		lastActivity: time.Now(),
		ctx:          ctx,
		cancel:       cancel,
	}

	if cfg.RateLimit > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit))
	}

	return t
}

func remoteAddrString(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

// Serve runs the handshake and then dispatches frames until the connection
// fails, the client disconnects, or ctx is canceled.
func (t *Tunnel) Serve(ctx context.Context) error {
	defer t.Close("serve exit")

	// Unblock the frame reader when the caller gives up.
	go func() {
		select {
		case <-ctx.Done():
			t.conn.Close()
		case <-t.ctx.Done():
		}
	}()

	if err := t.handshake(); err != nil {
		t.logger.Warn("tunnel handshake failed", logging.KeyError, err)
		return err
	}

	t.metrics.RecordTunnelOpen(t.transport)
	defer t.metrics.RecordTunnelClose("disconnect")
	t.logger.Info("tunnel established")

	t.wg.Add(1)
	go t.writeLoop()

	if t.config.IdleTimeout > 0 {
		t.wg.Add(1)
		go t.sweepLoop()
	}
	if t.config.KeepaliveTimeout > 0 {
		t.wg.Add(1)
		go t.watchdogLoop()
	}

	return t.readLoop()
}

// handshake expects a HELLO frame, verifies it, and answers.
func (t *Tunnel) handshake() error {
	start := time.Now()

	t.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer t.conn.SetReadDeadline(time.Time{})

	frame, err := t.reader.Read()
	if err != nil {
		t.metrics.RecordHandshakeError("read")
		return fmt.Errorf("read HELLO: %w", err)
	}

	if frame.Type != protocol.FrameHello {
		t.metrics.RecordHandshakeError("unexpected_frame")
		return fmt.Errorf("expected HELLO, got %s", protocol.FrameTypeName(frame.Type))
	}

	hello, err := protocol.DecodeHello(frame.Payload)
	if err != nil {
		t.metrics.RecordHandshakeError("malformed")
		return fmt.Errorf("decode HELLO: %w", err)
	}

	if hello.Version != protocol.ProtocolVersion {
		t.rejectHandshake(protocol.ErrVersionMismatch,
			fmt.Sprintf("unsupported protocol version %d", hello.Version))
		t.metrics.RecordHandshakeError("version_mismatch")
		return fmt.Errorf("protocol version mismatch: client %d, server %d",
			hello.Version, protocol.ProtocolVersion)
	}

	if t.config.AuthRequired {
		err := bcrypt.CompareHashAndPassword([]byte(t.config.SecretHash), []byte(hello.Token))
		if err != nil {
			t.rejectHandshake(protocol.ErrAuthFailed, "authentication failed")
			t.metrics.RecordHandshakeError("auth_failed")
			return fmt.Errorf("authentication failed")
		}
	}

	if t.config.AtCapacity {
		t.rejectHandshake(protocol.ErrResourceLimit, "tunnel limit reached")
		t.metrics.RecordHandshakeError("resource_limit")
		return fmt.Errorf("tunnel limit reached")
	}

	ack := &protocol.HelloAck{Version: protocol.ProtocolVersion}
	if err := t.writeFrame(protocol.FrameHelloAck, 0, protocol.ControlConnID, ack.Encode()); err != nil {
		return fmt.Errorf("send HELLO_ACK: %w", err)
	}

	t.metrics.RecordHandshake(time.Since(start).Seconds())
	return nil
}

func (t *Tunnel) rejectHandshake(code uint16, message string) {
	he := &protocol.HelloErr{ErrorCode: code, Message: message}
	t.writeFrame(protocol.FrameHelloErr, 0, protocol.ControlConnID, he.Encode())
}

// readLoop dispatches frames until the connection dies.
func (t *Tunnel) readLoop() error {
	for {
		frame, err := t.reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) || t.isClosed() {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		t.touch()

		switch frame.Type {
		case protocol.FrameData:
			t.handleData(frame)
		case protocol.FrameClose:
			t.handleClose(frame)
		case protocol.FrameKeepalive:
			t.handleKeepalive(frame)
		default:
			// Unknown or out-of-place frames are a protocol violation.
			return fmt.Errorf("unexpected frame: %s", protocol.FrameTypeName(frame.Type))
		}
	}
}

// handleData forwards a client datagram to its UDP flow, creating the flow
// on first use.
func (t *Tunnel) handleData(frame *protocol.Frame) {
	datagram, err := protocol.DecodeDatagram(frame.Payload)
	if err != nil {
		t.logger.Warn("dropping malformed datagram",
			logging.KeyFlowID, frame.ConnID,
			logging.KeyError, err)
		t.metrics.RecordDroppedOut("malformed")
		return
	}

	host, err := datagram.Endpoint()
	if err != nil {
		t.logger.Warn("dropping datagram with bad endpoint",
			logging.KeyFlowID, frame.ConnID,
			logging.KeyError, err)
		t.metrics.RecordDroppedOut("bad_address")
		return
	}

	if t.limiter != nil && !t.limiter.AllowN(time.Now(), len(datagram.Data)) {
		t.metrics.RecordDroppedOut("rate_limit")
		return
	}

	flow, err := t.getOrCreateFlow(frame.ConnID)
	if err != nil {
		t.logger.Warn("dropping datagram, cannot create flow",
			logging.KeyFlowID, frame.ConnID,
			logging.KeyError, err)
		t.metrics.RecordDroppedOut("flow_limit")
		// Tell the client the flow will not open, so it can reclaim its state
		// instead of waiting on a reply that never comes.
		t.enqueueFrame(protocol.FrameClose,
			protocol.FlagCloseRead|protocol.FlagCloseWrite, frame.ConnID, nil)
		return
	}

	t.bytesOut.Add(int64(len(datagram.Data)))
	t.metrics.RecordDatagramOut(len(datagram.Data))
	flow.SendDataWithEndpoint(datagram.Data, host, datagram.Port)
}

// handleClose applies a half or full close to the flow named by the frame.
func (t *Tunnel) handleClose(frame *protocol.Frame) {
	t.mu.Lock()
	flow := t.flows[frame.ConnID]
	t.mu.Unlock()

	if flow == nil {
		return
	}

	closeRead := frame.Flags&protocol.FlagCloseRead != 0
	closeWrite := frame.Flags&protocol.FlagCloseWrite != 0

	switch {
	case closeRead && closeWrite:
		flow.CloseConnection(udpflow.DirectionAll)
	case closeRead:
		flow.CloseConnection(udpflow.DirectionRead)
	case closeWrite:
		flow.CloseConnection(udpflow.DirectionWrite)
	default:
		// CLOSE with no direction flags means full close.
		flow.CloseConnection(udpflow.DirectionAll)
	}
}

func (t *Tunnel) handleKeepalive(frame *protocol.Frame) {
	t.metrics.RecordKeepalive()

	ka, err := protocol.DecodeKeepalive(frame.Payload)
	if err != nil {
		return
	}

	// Echo the client timestamp so it can measure RTT.
	t.enqueueFrame(protocol.FrameKeepaliveAck, 0, protocol.ControlConnID, ka.Encode())
}

// getOrCreateFlow returns the flow for connID, creating it if the flow
// limit allows.
func (t *Tunnel) getOrCreateFlow(connID uint64) (*udpflow.FlowConnection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("tunnel closed")
	}

	if flow := t.flows[connID]; flow != nil {
		return flow, nil
	}

	if t.config.MaxFlows > 0 && len(t.flows) >= t.config.MaxFlows {
		return nil, fmt.Errorf("flow limit reached (%d)", t.config.MaxFlows)
	}

	flow := udpflow.NewFlowConnection(connID, t, t.poller, t.logger)
	flow.SetOnClosed(t.flowClosed)
	t.flows[connID] = flow

	t.metrics.RecordFlowOpen()
	t.logger.Debug("flow opened", logging.KeyFlowID, connID)

	return flow, nil
}

// flowClosed runs exactly once per flow, after both directions are closed.
// It removes the flow from the table, accounts for the close, and notifies
// the client.
func (t *Tunnel) flowClosed(flow *udpflow.FlowConnection) {
	t.mu.Lock()
	delete(t.flows, flow.ID())
	closed := t.closed
	t.mu.Unlock()

	reason := flow.CloseReason()
	t.metrics.RecordFlowClose(reason)
	if reason == udpflow.CloseReasonError {
		t.metrics.RecordFlowError("session")
	}

	t.logger.Debug("flow closed",
		logging.KeyFlowID, flow.ID(),
		slog.String("reason", reason))

	if !closed {
		t.enqueueFrame(protocol.FrameClose,
			protocol.FlagCloseRead|protocol.FlagCloseWrite, flow.ID(), nil)
	}
}

// SendDataWithEndpoint implements udpflow.TunnelWriter. It carries a datagram
// received from a remote UDP endpoint back to the client. It never blocks:
// it runs on the poller's event loop, which is shared by every flow on the
// server, so a slow client must cost datagrams, not time.
func (t *Tunnel) SendDataWithEndpoint(connID uint64, payload []byte, host string, port uint16) error {
	datagram, err := protocol.NewDatagram(host, port, payload)
	if err != nil {
		return err
	}

	if !t.enqueueFrame(protocol.FrameData, 0, connID, datagram.Encode()) {
		t.metrics.RecordDroppedIn("queue_full")
		return nil
	}

	t.bytesIn.Add(int64(len(payload)))
	t.metrics.RecordDatagramIn(len(payload))
	return nil
}

// outboundFrame is a frame waiting for the writer goroutine.
type outboundFrame struct {
	frameType uint8
	flags     uint8
	connID    uint64
	payload   []byte
}

// enqueueFrame hands a frame to the writer goroutine without blocking.
// Returns false when the tunnel is closing or the queue is full.
func (t *Tunnel) enqueueFrame(frameType uint8, flags uint8, connID uint64, payload []byte) bool {
	if t.ctx.Err() != nil {
		return false
	}
	select {
	case t.sendCh <- outboundFrame{frameType, flags, connID, payload}:
		return true
	default:
		return false
	}
}

// writeLoop drains the outbound queue onto the client connection. A write
// failure is fatal to the tunnel.
func (t *Tunnel) writeLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case f := <-t.sendCh:
			if err := t.writeFrame(f.frameType, f.flags, f.connID, f.payload); err != nil {
				if !t.isClosed() {
					t.logger.Warn("client write failed", logging.KeyError, err)
				}
				go t.Close("write failed")
				return
			}
		}
	}
}

// writeFrame serializes frame writes. The handshake and the writer goroutine
// share the single tunnel connection.
func (t *Tunnel) writeFrame(frameType uint8, flags uint8, connID uint64, payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.writer.WriteFrame(frameType, flags, connID, payload)
}

func (t *Tunnel) touch() {
	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

func (t *Tunnel) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// ActiveFlows returns the number of open flows.
func (t *Tunnel) ActiveFlows() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.flows)
}

// RemoteAddr returns the client address.
func (t *Tunnel) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// sweepLoop periodically closes flows past the idle timeout.
func (t *Tunnel) sweepLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.sweepExpired()
		}
	}
}

func (t *Tunnel) sweepExpired() {
	t.mu.Lock()
	var expired []*udpflow.FlowConnection
	for _, flow := range t.flows {
		if flow.IsExpired(t.config.IdleTimeout) {
			expired = append(expired, flow)
		}
	}
	t.mu.Unlock()

	for _, flow := range expired {
		t.logger.Debug("closing idle flow", logging.KeyFlowID, flow.ID())
		flow.CloseWithReason(udpflow.DirectionAll, udpflow.CloseReasonIdle)
	}
}

// watchdogLoop closes the tunnel when the client goes silent.
func (t *Tunnel) watchdogLoop() {
	defer t.wg.Done()

	interval := t.config.KeepaliveTimeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			idle := time.Since(t.lastActivity)
			t.mu.Unlock()

			if idle > t.config.KeepaliveTimeout {
				t.logger.Warn("tunnel keepalive timeout",
					logging.KeyDuration, idle)
				go t.Close("keepalive timeout")
				return
			}
		}
	}
}

// Close tears down the tunnel: all flows, the connection, and the
// background loops. Safe to call multiple times.
func (t *Tunnel) Close(reason string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	flows := make([]*udpflow.FlowConnection, 0, len(t.flows))
	for _, flow := range t.flows {
		flows = append(flows, flow)
	}
	t.flows = make(map[uint64]*udpflow.FlowConnection)
	t.mu.Unlock()

	t.cancel()

	for _, flow := range flows {
		flow.CloseWithReason(udpflow.DirectionAll, udpflow.CloseReasonTunnel)
	}

	err := t.conn.Close()
	t.wg.Wait()

	t.logger.Info("tunnel closed",
		slog.String("reason", reason),
		slog.String("bytes_to_remote", humanize.IBytes(uint64(t.bytesOut.Load()))),
		slog.String("bytes_to_client", humanize.IBytes(uint64(t.bytesIn.Load()))))

	return err
}
