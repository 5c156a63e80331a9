package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameEncodeDecode(t *testing.T) {
	f := &Frame{
		Type:    FrameData,
		Flags:   0,
		ConnID:  42,
		Payload: []byte("hello"),
	}

	data, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode error = %v", err)
	}

	if len(data) != HeaderSize+5 {
		t.Errorf("encoded length = %d, want %d", len(data), HeaderSize+5)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode error = %v", err)
	}

	if decoded.Type != f.Type {
		t.Errorf("Type = %d, want %d", decoded.Type, f.Type)
	}
	if decoded.ConnID != f.ConnID {
		t.Errorf("ConnID = %d, want %d", decoded.ConnID, f.ConnID)
	}
	if !bytes.Equal(decoded.Payload, f.Payload) {
		t.Errorf("Payload = %q, want %q", decoded.Payload, f.Payload)
	}
}

func TestFrameEncode_TooLarge(t *testing.T) {
	f := &Frame{
		Type:    FrameData,
		Payload: make([]byte, MaxPayloadSize+1),
	}

	_, err := f.Encode()
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Encode error = %v, want ErrFrameTooLarge", err)
	}
}

func TestDecodeHeader_TooShort(t *testing.T) {
	_, _, _, _, err := DecodeHeader([]byte{0x01, 0x00})
	if !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("DecodeHeader error = %v, want ErrInvalidFrame", err)
	}
}

func TestDecodeHeader_OversizedLength(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0] = FrameData
	// Length field far beyond MaxPayloadSize
	buf[2] = 0xFF
	buf[3] = 0xFF
	buf[4] = 0xFF
	buf[5] = 0xFF

	_, _, _, _, err := DecodeHeader(buf)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("DecodeHeader error = %v, want ErrFrameTooLarge", err)
	}
}

func TestHelloEncodeDecode(t *testing.T) {
	h := &Hello{Version: ProtocolVersion, Token: "s3cret"}

	decoded, err := DecodeHello(h.Encode())
	if err != nil {
		t.Fatalf("DecodeHello error = %v", err)
	}

	if decoded.Version != ProtocolVersion {
		t.Errorf("Version = %d, want %d", decoded.Version, ProtocolVersion)
	}
	if decoded.Token != "s3cret" {
		t.Errorf("Token = %q, want %q", decoded.Token, "s3cret")
	}
}

func TestDecodeHello_Truncated(t *testing.T) {
	h := &Hello{Version: 1, Token: "abcdef"}
	buf := h.Encode()

	if _, err := DecodeHello(buf[:4]); err == nil {
		t.Error("DecodeHello should fail on truncated token")
	}
	if _, err := DecodeHello(nil); err == nil {
		t.Error("DecodeHello should fail on empty buffer")
	}
}

func TestHelloErrEncodeDecode(t *testing.T) {
	h := &HelloErr{ErrorCode: ErrAuthFailed, Message: "bad token"}

	decoded, err := DecodeHelloErr(h.Encode())
	if err != nil {
		t.Fatalf("DecodeHelloErr error = %v", err)
	}

	if decoded.ErrorCode != ErrAuthFailed {
		t.Errorf("ErrorCode = %d, want %d", decoded.ErrorCode, ErrAuthFailed)
	}
	if decoded.Message != "bad token" {
		t.Errorf("Message = %q, want %q", decoded.Message, "bad token")
	}
}

func TestDatagramEncodeDecode_IPv4(t *testing.T) {
	d := &Datagram{
		AddressType: AddrTypeIPv4,
		Address:     []byte{203, 0, 113, 5},
		Port:        53,
		Data:        []byte{0x00, 0x01, 0x81, 0x80},
	}

	decoded, err := DecodeDatagram(d.Encode())
	if err != nil {
		t.Fatalf("DecodeDatagram error = %v", err)
	}

	if decoded.AddressType != AddrTypeIPv4 {
		t.Errorf("AddressType = %d, want %d", decoded.AddressType, AddrTypeIPv4)
	}
	if !bytes.Equal(decoded.Address, d.Address) {
		t.Errorf("Address = %v, want %v", decoded.Address, d.Address)
	}
	if decoded.Port != 53 {
		t.Errorf("Port = %d, want 53", decoded.Port)
	}
	if !bytes.Equal(decoded.Data, d.Data) {
		t.Errorf("Data = %v, want %v", decoded.Data, d.Data)
	}
}

func TestDatagramEncodeDecode_IPv6(t *testing.T) {
	addr := make([]byte, 16)
	addr[0] = 0x20
	addr[1] = 0x01
	addr[15] = 0x01

	d := &Datagram{
		AddressType: AddrTypeIPv6,
		Address:     addr,
		Port:        443,
		Data:        []byte("payload"),
	}

	decoded, err := DecodeDatagram(d.Encode())
	if err != nil {
		t.Fatalf("DecodeDatagram error = %v", err)
	}

	if !bytes.Equal(decoded.Address, addr) {
		t.Errorf("Address = %v, want %v", decoded.Address, addr)
	}
	if decoded.Port != 443 {
		t.Errorf("Port = %d, want 443", decoded.Port)
	}
}

func TestDecodeDatagram_UnknownAddressType(t *testing.T) {
	buf := []byte{0x99, 1, 2, 3, 4, 0, 53}
	if _, err := DecodeDatagram(buf); err == nil {
		t.Error("DecodeDatagram should fail on unknown address type")
	}
}

func TestDecodeDatagram_EmptyPayload(t *testing.T) {
	d := &Datagram{
		AddressType: AddrTypeIPv4,
		Address:     []byte{127, 0, 0, 1},
		Port:        9999,
	}

	decoded, err := DecodeDatagram(d.Encode())
	if err != nil {
		t.Fatalf("DecodeDatagram error = %v", err)
	}
	if len(decoded.Data) != 0 {
		t.Errorf("Data length = %d, want 0", len(decoded.Data))
	}
}

func TestNewDatagram_IPv4(t *testing.T) {
	d, err := NewDatagram("203.0.113.5", 53, []byte("query"))
	if err != nil {
		t.Fatalf("NewDatagram error = %v", err)
	}

	if d.AddressType != AddrTypeIPv4 {
		t.Errorf("AddressType = %d, want %d", d.AddressType, AddrTypeIPv4)
	}
	if !bytes.Equal(d.Address, []byte{203, 0, 113, 5}) {
		t.Errorf("Address = %v, want 203.0.113.5", d.Address)
	}

	host, err := d.Endpoint()
	if err != nil {
		t.Fatalf("Endpoint error = %v", err)
	}
	if host != "203.0.113.5" {
		t.Errorf("Endpoint = %q, want %q", host, "203.0.113.5")
	}
}

func TestNewDatagram_IPv6(t *testing.T) {
	d, err := NewDatagram("2001:db8::1", 443, nil)
	if err != nil {
		t.Fatalf("NewDatagram error = %v", err)
	}

	if d.AddressType != AddrTypeIPv6 {
		t.Errorf("AddressType = %d, want %d", d.AddressType, AddrTypeIPv6)
	}
	if len(d.Address) != 16 {
		t.Errorf("Address length = %d, want 16", len(d.Address))
	}

	host, err := d.Endpoint()
	if err != nil {
		t.Fatalf("Endpoint error = %v", err)
	}
	if host != "2001:db8::1" {
		t.Errorf("Endpoint = %q, want %q", host, "2001:db8::1")
	}
}

func TestNewDatagram_NotALiteral(t *testing.T) {
	for _, host := range []string{"example.com", "", "256.0.0.1", "203.0.113.5:53"} {
		if _, err := NewDatagram(host, 53, nil); err == nil {
			t.Errorf("NewDatagram(%q) should fail", host)
		}
	}
}

func TestEndpoint_BadAddressLength(t *testing.T) {
	d := &Datagram{AddressType: AddrTypeIPv4, Address: []byte{1, 2, 3}}
	if _, err := d.Endpoint(); err == nil {
		t.Error("Endpoint should fail on truncated IPv4 address")
	}

	d = &Datagram{AddressType: AddrTypeIPv6, Address: []byte{1, 2, 3}}
	if _, err := d.Endpoint(); err == nil {
		t.Error("Endpoint should fail on truncated IPv6 address")
	}
}

func TestFrameReaderWriter(t *testing.T) {
	var buf bytes.Buffer
	writer := NewFrameWriter(&buf)
	reader := NewFrameReader(&buf)

	frames := []*Frame{
		{Type: FrameHello, ConnID: ControlConnID, Payload: (&Hello{Version: 1}).Encode()},
		{Type: FrameData, ConnID: 7, Payload: []byte("datagram")},
		{Type: FrameClose, Flags: FlagCloseRead | FlagCloseWrite, ConnID: 7},
	}

	for _, f := range frames {
		if err := writer.Write(f); err != nil {
			t.Fatalf("Write error = %v", err)
		}
	}

	for i, want := range frames {
		got, err := reader.Read()
		if err != nil {
			t.Fatalf("Read %d error = %v", i, err)
		}
		if got.Type != want.Type || got.Flags != want.Flags || got.ConnID != want.ConnID {
			t.Errorf("frame %d = %s, want %s", i, got, want)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("frame %d payload = %q, want %q", i, got.Payload, want.Payload)
		}
	}
}

func TestFrameTypeName(t *testing.T) {
	if name := FrameTypeName(FrameData); name != "DATA" {
		t.Errorf("FrameTypeName(FrameData) = %q, want DATA", name)
	}
	if name := FrameTypeName(0xEE); name != "UNKNOWN" {
		t.Errorf("FrameTypeName(0xEE) = %q, want UNKNOWN", name)
	}
}

func TestIsFlowFrame(t *testing.T) {
	if !IsFlowFrame(FrameData) || !IsFlowFrame(FrameClose) {
		t.Error("DATA and CLOSE should be flow frames")
	}
	if IsFlowFrame(FrameHello) || IsFlowFrame(FrameKeepalive) {
		t.Error("control frames should not be flow frames")
	}
}
