package packet

import (
	"net"
	"testing"
)

func TestTCPBuilderWithDataAndV6(t *testing.T) {
	src := net.ParseIP("fe80::1")
	dst := net.ParseIP("fe80::2")
	data := []byte("payload bytes")

	built, err := TCPSegmentBuilder{
		SrcIP: src, DstIP: dst,
		SrcPort: 1111, DstPort: 2222,
		Seq: 5, Ack: 9,
		Flags:  TCPFlags{ACK: true, PSH: true},
		Window: 4096,
		Data:   data,
	}.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	parsed, err := Parse(built)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.V6 == nil {
		t.Fatal("expected IPv6 header")
	}
	tcpHdr, rest, err := WithTCPBytes(parsed.Payload)
	if err != nil {
		t.Fatalf("WithTCPBytes: %v", err)
	}
	if string(rest.Bytes()) != string(data) {
		t.Fatalf("data = %q, want %q", rest.Bytes(), data)
	}
	if !tcpHdr.ChecksumValid(true, src, dst, rest.Bytes()) {
		t.Fatal("expected valid IPv6 TCP checksum")
	}
}

func TestUDPBuilderV6(t *testing.T) {
	src := net.ParseIP("::1")
	dst := net.ParseIP("::2")
	built, err := UDPPacketBuilder{
		SrcIP: src, DstIP: dst,
		SrcPort: 53535, DstPort: 53,
		Data: []byte{1, 2, 3, 4, 5},
	}.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	parsed, err := Parse(built)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.V6 == nil {
		t.Fatal("expected IPv6 header")
	}
	udpHdr, rest, err := WithUDPBytes(parsed.Payload)
	if err != nil {
		t.Fatalf("WithUDPBytes: %v", err)
	}
	if !udpHdr.ChecksumValid(true, src, dst, rest.Bytes()) {
		t.Fatal("expected valid IPv6 UDP checksum")
	}
}

func TestTCPBuilderMissingField(t *testing.T) {
	if _, err := (TCPSegmentBuilder{SrcIP: net.IPv4(1, 1, 1, 1)}).Build(); err != ErrMissingField {
		t.Fatalf("err = %v, want ErrMissingField", err)
	}
}
