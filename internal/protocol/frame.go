package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds the maximum size
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")

	// ErrInvalidFrame is returned when a frame is malformed
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrUnknownFrameType is returned for unrecognized frame types
	ErrUnknownFrameType = errors.New("unknown frame type")
)

// Frame represents a wire protocol frame.
// Header format (14 bytes):
//
//	Type   [1 byte]  - Frame type
//	Flags  [1 byte]  - Frame flags
//	Length [4 bytes] - Payload length (big-endian)
//	ConnID [8 bytes] - Flow connection identifier (big-endian)
type Frame struct {
	Type    uint8
	Flags   uint8
	ConnID  uint64
	Payload []byte
}

// Encode serializes the frame to bytes.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, HeaderSize+len(f.Payload))

	// Header
	buf[0] = f.Type
	buf[1] = f.Flags
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(f.Payload)))
	binary.BigEndian.PutUint64(buf[6:14], f.ConnID)

	// Payload
	copy(buf[14:], f.Payload)

	return buf, nil
}

// DecodeHeader decodes a frame header from bytes.
func DecodeHeader(buf []byte) (frameType uint8, flags uint8, length uint32, connID uint64, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, 0, 0, fmt.Errorf("%w: header too short", ErrInvalidFrame)
	}

	frameType = buf[0]
	flags = buf[1]
	length = binary.BigEndian.Uint32(buf[2:6])
	connID = binary.BigEndian.Uint64(buf[6:14])

	if length > MaxPayloadSize {
		return 0, 0, 0, 0, ErrFrameTooLarge
	}

	return
}

// Decode deserializes a frame from bytes.
func Decode(buf []byte) (*Frame, error) {
	frameType, flags, length, connID, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}

	if len(buf) < HeaderSize+int(length) {
		return nil, fmt.Errorf("%w: buffer too short for payload", ErrInvalidFrame)
	}

	payload := make([]byte, length)
	copy(payload, buf[HeaderSize:HeaderSize+length])

	return &Frame{
		Type:    frameType,
		Flags:   flags,
		ConnID:  connID,
		Payload: payload,
	}, nil
}

// String returns a debug representation of the frame.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Type=%s, Flags=0x%02x, ConnID=%d, PayloadLen=%d}",
		FrameTypeName(f.Type), f.Flags, f.ConnID, len(f.Payload))
}

// ============================================================================
// Payload structures
// ============================================================================

// Hello is the payload for HELLO frames.
type Hello struct {
	Version uint16
	Token   string
}

// Encode serializes Hello to bytes.
func (h *Hello) Encode() []byte {
	buf := make([]byte, 2+1+len(h.Token))
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	buf[2] = uint8(len(h.Token))
	copy(buf[3:], h.Token)
	return buf
}

// DecodeHello deserializes Hello from bytes.
func DecodeHello(buf []byte) (*Hello, error) {
	if len(buf) < 3 {
		return nil, fmt.Errorf("%w: Hello too short", ErrInvalidFrame)
	}

	h := &Hello{}
	h.Version = binary.BigEndian.Uint16(buf[0:2])

	tokenLen := int(buf[2])
	if 3+tokenLen > len(buf) {
		return nil, fmt.Errorf("%w: Hello token truncated", ErrInvalidFrame)
	}
	h.Token = string(buf[3 : 3+tokenLen])

	return h, nil
}

// HelloAck is the payload for HELLO_ACK frames.
type HelloAck struct {
	Version uint16
}

// Encode serializes HelloAck to bytes.
func (h *HelloAck) Encode() []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, h.Version)
	return buf
}

// DecodeHelloAck deserializes HelloAck from bytes.
func DecodeHelloAck(buf []byte) (*HelloAck, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: HelloAck too short", ErrInvalidFrame)
	}
	return &HelloAck{Version: binary.BigEndian.Uint16(buf)}, nil
}

// HelloErr is the payload for HELLO_ERR frames.
type HelloErr struct {
	ErrorCode uint16
	Message   string
}

// Encode serializes HelloErr to bytes.
func (h *HelloErr) Encode() []byte {
	buf := make([]byte, 2+1+len(h.Message))
	binary.BigEndian.PutUint16(buf[0:2], h.ErrorCode)
	buf[2] = uint8(len(h.Message))
	copy(buf[3:], h.Message)
	return buf
}

// DecodeHelloErr deserializes HelloErr from bytes.
func DecodeHelloErr(buf []byte) (*HelloErr, error) {
	if len(buf) < 3 {
		return nil, fmt.Errorf("%w: HelloErr too short", ErrInvalidFrame)
	}

	h := &HelloErr{}
	h.ErrorCode = binary.BigEndian.Uint16(buf[0:2])

	msgLen := int(buf[2])
	if 3+msgLen > len(buf) {
		return nil, fmt.Errorf("%w: HelloErr message truncated", ErrInvalidFrame)
	}
	h.Message = string(buf[3 : 3+msgLen])

	return h, nil
}

// Datagram is the payload for DATA frames. The endpoint identifies the UDP
// destination on the tunnel-to-peer direction, and the true sender on the
// peer-to-tunnel direction.
type Datagram struct {
	AddressType uint8
	Address     []byte // IPv4 (4 bytes) or IPv6 (16 bytes)
	Port        uint16
	Data        []byte
}

// Encode serializes Datagram to bytes.
func (d *Datagram) Encode() []byte {
	buf := make([]byte, 1+len(d.Address)+2+len(d.Data))
	offset := 0

	buf[offset] = d.AddressType
	offset++

	copy(buf[offset:], d.Address)
	offset += len(d.Address)

	binary.BigEndian.PutUint16(buf[offset:], d.Port)
	offset += 2

	copy(buf[offset:], d.Data)

	return buf
}

// DecodeDatagram deserializes Datagram from bytes.
func DecodeDatagram(buf []byte) (*Datagram, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("%w: Datagram too short", ErrInvalidFrame)
	}

	d := &Datagram{}
	offset := 0

	d.AddressType = buf[offset]
	offset++

	var addrLen int
	switch d.AddressType {
	case AddrTypeIPv4:
		addrLen = 4
	case AddrTypeIPv6:
		addrLen = 16
	default:
		return nil, fmt.Errorf("%w: unknown address type %d", ErrInvalidFrame, d.AddressType)
	}

	if offset+addrLen+2 > len(buf) {
		return nil, fmt.Errorf("%w: Datagram address truncated", ErrInvalidFrame)
	}

	d.Address = make([]byte, addrLen)
	copy(d.Address, buf[offset:offset+addrLen])
	offset += addrLen

	d.Port = binary.BigEndian.Uint16(buf[offset:])
	offset += 2

	d.Data = make([]byte, len(buf)-offset)
	copy(d.Data, buf[offset:])

	return d, nil
}

// NewDatagram builds a Datagram for an IP literal endpoint.
func NewDatagram(host string, port uint16, data []byte) (*Datagram, error) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, fmt.Errorf("%w: not an IP literal: %s", ErrInvalidFrame, host)
	}

	d := &Datagram{Port: port, Data: data}
	if addr.Is4() {
		b := addr.As4()
		d.AddressType = AddrTypeIPv4
		d.Address = b[:]
	} else {
		b := addr.As16()
		d.AddressType = AddrTypeIPv6
		d.Address = b[:]
	}
	return d, nil
}

// Endpoint returns the datagram's address as an IP literal string.
func (d *Datagram) Endpoint() (string, error) {
	switch d.AddressType {
	case AddrTypeIPv4:
		if len(d.Address) != 4 {
			return "", fmt.Errorf("%w: bad IPv4 address length %d", ErrInvalidFrame, len(d.Address))
		}
		return netip.AddrFrom4([4]byte(d.Address)).String(), nil
	case AddrTypeIPv6:
		if len(d.Address) != 16 {
			return "", fmt.Errorf("%w: bad IPv6 address length %d", ErrInvalidFrame, len(d.Address))
		}
		return netip.AddrFrom16([16]byte(d.Address)).String(), nil
	default:
		return "", fmt.Errorf("%w: unknown address type %d", ErrInvalidFrame, d.AddressType)
	}
}

// Keepalive is the payload for KEEPALIVE and KEEPALIVE_ACK frames.
type Keepalive struct {
	Timestamp uint64
}

// Encode serializes Keepalive to bytes.
func (k *Keepalive) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, k.Timestamp)
	return buf
}

// DecodeKeepalive deserializes Keepalive from bytes.
func DecodeKeepalive(buf []byte) (*Keepalive, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: Keepalive too short", ErrInvalidFrame)
	}
	return &Keepalive{Timestamp: binary.BigEndian.Uint64(buf)}, nil
}

// ============================================================================
// Frame Reader/Writer
// ============================================================================

// FrameReader reads frames from an io.Reader.
type FrameReader struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewFrameReader creates a new FrameReader.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Read reads the next frame.
func (fr *FrameReader) Read() (*Frame, error) {
	// Read header
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, err
	}

	frameType, flags, length, connID, err := DecodeHeader(fr.header[:])
	if err != nil {
		return nil, err
	}

	// Read payload
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, err
		}
	}

	return &Frame{
		Type:    frameType,
		Flags:   flags,
		ConnID:  connID,
		Payload: payload,
	}, nil
}

// FrameWriter writes frames to an io.Writer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a new FrameWriter.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write writes a frame.
func (fw *FrameWriter) Write(f *Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = fw.w.Write(data)
	return err
}

// WriteFrame is a convenience method to write a frame with the given parameters.
func (fw *FrameWriter) WriteFrame(frameType uint8, flags uint8, connID uint64, payload []byte) error {
	return fw.Write(&Frame{
		Type:    frameType,
		Flags:   flags,
		ConnID:  connID,
		Payload: payload,
	})
}
