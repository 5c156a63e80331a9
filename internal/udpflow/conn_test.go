package udpflow

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/below/SimpleTunnel/internal/logging"
)

// mockTunnelWriter records inbound forwards from flow connections.
type mockTunnelWriter struct {
	mu       sync.Mutex
	forwards []forwardCall
	err      error
}

type forwardCall struct {
	connID  uint64
	payload []byte
	host    string
	port    uint16
}

func (m *mockTunnelWriter) SendDataWithEndpoint(connID uint64, payload []byte, host string, port uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	m.forwards = append(m.forwards, forwardCall{connID: connID, payload: payload, host: host, port: port})
	return nil
}

func (m *mockTunnelWriter) getForwards() []forwardCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]forwardCall(nil), m.forwards...)
}

func TestFlowConnection_SendCreatesSessionLazily(t *testing.T) {
	p := newTestPoller(t)
	peer := newTestPeer(t)

	writer := &mockTunnelWriter{}
	c := NewFlowConnection(1, writer, p, logging.NopLogger())
	defer c.CloseConnection(DirectionAll)

	if c.hasSession() {
		t.Fatal("session should not exist before the first send")
	}

	c.SendDataWithEndpoint([]byte{0x00, 0x01}, "127.0.0.1", uint16(peer.Port))

	if !c.hasSession() {
		t.Fatal("session should exist after the first send")
	}
	if c.IsClosed() {
		t.Error("flow should remain open after a successful send")
	}
}

func TestFlowConnection_InboundForward(t *testing.T) {
	p := newTestPoller(t)
	peer := newTestPeer(t)

	writer := &mockTunnelWriter{}
	c := NewFlowConnection(7, writer, p, logging.NopLogger())
	defer c.CloseConnection(DirectionAll)

	payload := []byte{0x00, 0x01, 0x81, 0x80}
	c.SendDataWithEndpoint(payload, "127.0.0.1", uint16(peer.Port))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(writer.getForwards()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	forwards := writer.getForwards()
	if len(forwards) != 1 {
		t.Fatalf("forwards = %d, want exactly 1", len(forwards))
	}

	fw := forwards[0]
	if fw.connID != 7 {
		t.Errorf("connID = %d, want 7", fw.connID)
	}
	if fw.host != "127.0.0.1" {
		t.Errorf("host = %q, want 127.0.0.1", fw.host)
	}
	if fw.port != uint16(peer.Port) {
		t.Errorf("port = %d, want %d", fw.port, peer.Port)
	}
	if string(fw.payload) != string(payload) {
		t.Errorf("payload = %v, want %v", fw.payload, payload)
	}
}

func TestFlowConnection_BadLiteralKeepsFlowOpen(t *testing.T) {
	p := newTestPoller(t)

	writer := &mockTunnelWriter{}
	c := NewFlowConnection(1, writer, p, logging.NopLogger())
	defer c.CloseConnection(DirectionAll)

	c.SendDataWithEndpoint([]byte("x"), "not-an-ip", 53)

	if c.IsClosed() {
		t.Error("flow should remain open after an address-parse failure")
	}
	if c.hasSession() && c.ID() == 0 {
		t.Error("unexpected state")
	}
	// The session never opened a socket.
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess != nil && sess.State() != StateUnopened {
		t.Errorf("session state = %s, want UNOPENED", sess.State())
	}
}

func TestFlowConnection_ReceiveErrorClosesFlow(t *testing.T) {
	p := newTestPoller(t)
	peer := newTestPeer(t)

	writer := &mockTunnelWriter{}
	c := NewFlowConnection(1, writer, p, logging.NopLogger())

	c.SendDataWithEndpoint([]byte("x"), "127.0.0.1", uint16(peer.Port))
	if !c.hasSession() {
		t.Fatal("session should exist")
	}

	// A fatal session error closes both directions.
	c.handleError(errors.New("receive: connection refused"))

	if !c.IsClosed() {
		t.Error("flow should be fully closed after a receive error")
	}
	if c.hasSession() {
		t.Error("session reference should be released on full close")
	}
}

func TestFlowConnection_CloseIdempotent(t *testing.T) {
	p := newTestPoller(t)
	peer := newTestPeer(t)

	writer := &mockTunnelWriter{}
	c := NewFlowConnection(1, writer, p, logging.NopLogger())

	var closedCount int
	var mu sync.Mutex
	c.SetOnClosed(func(*FlowConnection) {
		mu.Lock()
		closedCount++
		mu.Unlock()
	})

	c.SendDataWithEndpoint([]byte("x"), "127.0.0.1", uint16(peer.Port))

	c.CloseConnection(DirectionAll)
	c.CloseConnection(DirectionAll)

	if !c.IsClosed() {
		t.Error("flow should be closed")
	}

	mu.Lock()
	defer mu.Unlock()
	if closedCount != 1 {
		t.Errorf("onClosed fired %d times, want exactly 1", closedCount)
	}
}

func TestFlowConnection_CloseReason(t *testing.T) {
	p := newTestPoller(t)

	c := NewFlowConnection(1, &mockTunnelWriter{}, p, logging.NopLogger())

	if got := c.CloseReason(); got != "" {
		t.Errorf("CloseReason() before close = %q, want empty", got)
	}

	c.CloseWithReason(DirectionAll, CloseReasonIdle)
	if got := c.CloseReason(); got != CloseReasonIdle {
		t.Errorf("CloseReason() = %q, want %q", got, CloseReasonIdle)
	}

	// The first full close wins; later reasons are ignored.
	c.CloseWithReason(DirectionAll, CloseReasonTunnel)
	if got := c.CloseReason(); got != CloseReasonIdle {
		t.Errorf("CloseReason() after second close = %q, want %q", got, CloseReasonIdle)
	}
}

func TestFlowConnection_ErrorCloseReason(t *testing.T) {
	p := newTestPoller(t)

	c := NewFlowConnection(1, &mockTunnelWriter{}, p, logging.NopLogger())

	c.handleError(errors.New("receive: connection refused"))

	if got := c.CloseReason(); got != CloseReasonError {
		t.Errorf("CloseReason() = %q, want %q", got, CloseReasonError)
	}
}

func TestFlowConnection_HalfCloseOrdering(t *testing.T) {
	p := newTestPoller(t)
	peer := newTestPeer(t)

	writer := &mockTunnelWriter{}
	c := NewFlowConnection(1, writer, p, logging.NopLogger())

	c.SendDataWithEndpoint([]byte("x"), "127.0.0.1", uint16(peer.Port))

	c.CloseConnection(DirectionRead)
	if c.IsClosed() {
		t.Error("read-only close should not fully close the flow")
	}
	if !c.IsClosedForRead() || c.IsClosedForWrite() {
		t.Error("only the read direction should be closed")
	}
	if !c.hasSession() {
		t.Error("session should survive a half close")
	}

	c.CloseConnection(DirectionWrite)
	if !c.IsClosed() {
		t.Error("read close followed by write close should fully close the flow")
	}
	if c.hasSession() {
		t.Error("session should be released on full close")
	}
}

func TestFlowConnection_SendAfterWriteClose(t *testing.T) {
	p := newTestPoller(t)
	peer := newTestPeer(t)

	writer := &mockTunnelWriter{}
	c := NewFlowConnection(1, writer, p, logging.NopLogger())
	defer c.CloseConnection(DirectionAll)

	c.CloseConnection(DirectionWrite)
	c.SendDataWithEndpoint([]byte("x"), "127.0.0.1", uint16(peer.Port))

	if c.hasSession() {
		t.Error("no session should be created for a write-closed flow")
	}
}

func TestFlowConnection_IsExpired(t *testing.T) {
	p := newTestPoller(t)

	writer := &mockTunnelWriter{}
	c := NewFlowConnection(1, writer, p, logging.NopLogger())
	defer c.CloseConnection(DirectionAll)

	if c.IsExpired(0) {
		t.Error("zero timeout never expires")
	}
	if c.IsExpired(time.Hour) {
		t.Error("fresh flow should not be expired")
	}

	time.Sleep(20 * time.Millisecond)
	if !c.IsExpired(time.Millisecond) {
		t.Error("idle flow should be expired")
	}
}

func TestDirection_String(t *testing.T) {
	dirs := map[Direction]string{
		DirectionRead:  "read",
		DirectionWrite: "write",
		DirectionAll:   "all",
		Direction(42):  "unknown",
	}
	for d, want := range dirs {
		if got := d.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", d, got, want)
		}
	}
}
