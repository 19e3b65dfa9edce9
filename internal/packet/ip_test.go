package packet

import (
	"net"
	"testing"

	"github.com/postalsys/muti-metroo/internal/buf"
)

func mustIPv4(t *testing.T, hdrLen int, proto uint8, payload []byte) buf.Bytes {
	t.Helper()
	total := hdrLen + len(payload)
	raw := make([]byte, total)
	raw[0] = byte(0x40 | (hdrLen / 4))
	raw[2] = byte(total >> 8)
	raw[3] = byte(total)
	raw[8] = 64
	raw[9] = proto
	copy(raw[12:16], net.IPv4(10, 0, 0, 1).To4())
	copy(raw[16:20], net.IPv4(10, 0, 0, 2).To4())
	copy(raw[hdrLen:], payload)

	b := buf.New(raw)
	hdrBytes, err := b.Slice(0, hdrLen)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	h, _, err := WithIPv4Bytes(hdrBytes)
	if err != nil {
		t.Fatalf("WithIPv4Bytes: %v", err)
	}
	h.CalculateChecksum()
	return b
}

func TestParseIPv4RoundTrip(t *testing.T) {
	payload := []byte{0xAA, 0xBB, 0xCC}
	b := mustIPv4(t, ipv4MinHeaderLen, ProtoUDP, payload)

	parsed, err := Parse(b)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.V4 == nil || parsed.V6 != nil {
		t.Fatal("expected V4 header")
	}
	if parsed.Proto != ProtoUDP {
		t.Fatalf("Proto = %d", parsed.Proto)
	}
	if !parsed.V4.SrcIP().Equal(net.IPv4(10, 0, 0, 1)) {
		t.Fatalf("SrcIP = %v", parsed.V4.SrcIP())
	}
	if !parsed.V4.ChecksumValid() {
		t.Fatal("expected valid checksum")
	}
	if parsed.Payload.Len() != len(payload) {
		t.Fatalf("Payload len = %d, want %d", parsed.Payload.Len(), len(payload))
	}
}

func TestParseIPv4TruncatedHeader(t *testing.T) {
	raw := make([]byte, 10)
	raw[0] = 0x45
	_, err := Parse(buf.New(raw))
	if err != ErrTruncatedPacket {
		t.Fatalf("err = %v, want ErrTruncatedPacket", err)
	}
}

func TestParseIPv4WrongVersion(t *testing.T) {
	raw := make([]byte, 20)
	raw[0] = 0x55 // version 5
	_, _, err := WithIPv4Bytes(buf.New(raw))
	if err != ErrUnsupportedVersion {
		t.Fatalf("err = %v, want ErrUnsupportedVersion", err)
	}
}

func TestParseIPv6RoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	raw := make([]byte, ipv6HeaderLen+len(payload))
	raw[0] = 0x60
	raw[4] = byte(len(payload) >> 8)
	raw[5] = byte(len(payload))
	raw[6] = ProtoTCP
	raw[7] = 64
	src := net.ParseIP("fe80::1")
	dst := net.ParseIP("fe80::2")
	copy(raw[8:24], src.To16())
	copy(raw[24:40], dst.To16())
	copy(raw[40:], payload)

	parsed, err := Parse(buf.New(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.V6 == nil || parsed.V4 != nil {
		t.Fatal("expected V6 header")
	}
	if parsed.Proto != ProtoTCP {
		t.Fatalf("Proto = %d", parsed.Proto)
	}
	if !parsed.V6.DstIP().Equal(dst) {
		t.Fatalf("DstIP = %v", parsed.V6.DstIP())
	}
	if parsed.Payload.Len() != len(payload) {
		t.Fatalf("Payload len = %d", parsed.Payload.Len())
	}
}

func TestParseIPv6HopByHopSkipped(t *testing.T) {
	// Hop-by-Hop header: next-header = TCP, ext-len-words = 0 (8 bytes total).
	hopByHop := []byte{ProtoTCP, 0, 0, 0, 0, 0, 0, 0}
	payload := []byte{9, 9, 9}
	raw := make([]byte, ipv6HeaderLen+len(hopByHop)+len(payload))
	raw[0] = 0x60
	total := len(hopByHop) + len(payload)
	raw[4] = byte(total >> 8)
	raw[5] = byte(total)
	raw[6] = ProtoIPv6HopOpt
	raw[7] = 64
	copy(raw[8:24], net.ParseIP("::1").To16())
	copy(raw[24:40], net.ParseIP("::2").To16())
	copy(raw[40:48], hopByHop)
	copy(raw[48:], payload)

	parsed, err := Parse(buf.New(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Proto != ProtoTCP {
		t.Fatalf("Proto = %d, want TCP after hop-by-hop skip", parsed.Proto)
	}
	if parsed.Payload.Len() != len(payload) {
		t.Fatalf("Payload len = %d, want %d", parsed.Payload.Len(), len(payload))
	}
}

func TestParseUnsupportedVersion(t *testing.T) {
	raw := make([]byte, 20)
	raw[0] = 0x90
	if _, err := Parse(buf.New(raw)); err != ErrUnsupportedVersion {
		t.Fatalf("err = %v, want ErrUnsupportedVersion", err)
	}
}
