// Package protocol defines the wire protocol spoken between SimpleTunnel
// clients and the server. A single transport connection carries a stream of
// frames; each frame is tagged with the connection identifier of the UDP flow
// it belongs to (zero for control frames).
package protocol

// Frame type constants
const (
	// Control frames
	FrameHello        uint8 = 0x01 // Initial handshake
	FrameHelloAck     uint8 = 0x02 // Handshake accepted
	FrameHelloErr     uint8 = 0x03 // Handshake rejected
	FrameKeepalive    uint8 = 0x20 // Liveness probe
	FrameKeepaliveAck uint8 = 0x21 // Liveness response

	// Flow frames
	FrameData  uint8 = 0x10 // UDP datagram with endpoint
	FrameClose uint8 = 0x11 // Half or full close of a flow
)

// Flags for FrameClose. Both set means full close.
const (
	FlagCloseRead  uint8 = 0x01
	FlagCloseWrite uint8 = 0x02
)

// Address type constants for Data frames.
const (
	AddrTypeIPv4 uint8 = 0x01 // 4 bytes
	AddrTypeIPv6 uint8 = 0x04 // 16 bytes
)

// Error codes for HELLO_ERR.
const (
	ErrAuthFailed      uint16 = 1
	ErrVersionMismatch uint16 = 2
	ErrResourceLimit   uint16 = 3
	ErrGeneralFailure  uint16 = 4
)

// Protocol constants
const (
	// ProtocolVersion is the current protocol version
	ProtocolVersion uint16 = 1

	// HeaderSize is the size of a frame header in bytes
	HeaderSize = 14

	// MaxPayloadSize is the maximum frame payload size (16 KB)
	MaxPayloadSize = 16384

	// ControlConnID is the connection identifier used by control frames
	ControlConnID uint64 = 0
)

// FrameTypeName returns a human-readable name for a frame type.
func FrameTypeName(t uint8) string {
	switch t {
	case FrameHello:
		return "HELLO"
	case FrameHelloAck:
		return "HELLO_ACK"
	case FrameHelloErr:
		return "HELLO_ERR"
	case FrameData:
		return "DATA"
	case FrameClose:
		return "CLOSE"
	case FrameKeepalive:
		return "KEEPALIVE"
	case FrameKeepaliveAck:
		return "KEEPALIVE_ACK"
	default:
		return "UNKNOWN"
	}
}

// ErrorCodeName returns a human-readable name for an error code.
func ErrorCodeName(code uint16) string {
	switch code {
	case ErrAuthFailed:
		return "AUTH_FAILED"
	case ErrVersionMismatch:
		return "VERSION_MISMATCH"
	case ErrResourceLimit:
		return "RESOURCE_LIMIT"
	case ErrGeneralFailure:
		return "GENERAL_FAILURE"
	default:
		return "UNKNOWN"
	}
}

// IsFlowFrame returns true if the frame type is scoped to a single UDP flow.
func IsFlowFrame(t uint8) bool {
	return t == FrameData || t == FrameClose
}

// IsControlFrame returns true if the frame type is a control frame.
func IsControlFrame(t uint8) bool {
	switch t {
	case FrameHello, FrameHelloAck, FrameHelloErr, FrameKeepalive, FrameKeepaliveAck:
		return true
	}
	return false
}
