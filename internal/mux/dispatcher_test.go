package mux

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/postalsys/muti-metroo/internal/buf"
	"github.com/postalsys/muti-metroo/internal/dns"
	"github.com/postalsys/muti-metroo/internal/packet"
)

var (
	clientIP = net.IPv4(10, 0, 0, 5)
	serverIP = net.IPv4(93, 184, 216, 34)
)

func buildSYN(t *testing.T, srcPort, dstPort uint16) []byte {
	t.Helper()
	b, err := packet.TCPSegmentBuilder{
		SrcIP: clientIP, DstIP: serverIP,
		SrcPort: srcPort, DstPort: dstPort,
		Seq: 1000, Flags: packet.TCPFlags{SYN: true},
		Window: 65535, MSS: 1460,
	}.Build()
	if err != nil {
		t.Fatalf("build SYN: %v", err)
	}
	return b.Bytes()
}

func buildBareACK(t *testing.T, srcPort, dstPort uint16) []byte {
	t.Helper()
	b, err := packet.TCPSegmentBuilder{
		SrcIP: clientIP, DstIP: serverIP,
		SrcPort: srcPort, DstPort: dstPort,
		Seq: 5000, Ack: 1, Flags: packet.TCPFlags{ACK: true},
		Window: 65535,
	}.Build()
	if err != nil {
		t.Fatalf("build ACK: %v", err)
	}
	return b.Bytes()
}

// fakeDialer answers every Dial with one end of a net.Pipe.
type fakeDialer struct{}

func newFakeDialer() *fakeDialer { return &fakeDialer{} }

func (f *fakeDialer) Dial(ctx context.Context, dst net.IP, port uint16) (net.Conn, error) {
	client, _ := net.Pipe()
	return client, nil
}

func newTestDispatcher(t *testing.T, dialer SOCKS5Dialer) (*Dispatcher, *EgressQueue) {
	t.Helper()
	egress := NewEgressQueue(16, nil, nil)
	d := NewDispatcher(context.Background(), Config{
		Dialer:         dialer,
		Egress:         egress,
		ConnectTimeout: 2 * time.Second,
	})
	t.Cleanup(d.Close)
	return d, egress
}

func recvEgress(t *testing.T, q *EgressQueue) []byte {
	t.Helper()
	select {
	case pkt := <-q.ch:
		return pkt.Bytes()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for egress packet")
		return nil
	}
}

func TestNewSYNCreatesFlowAndEmitsSynAck(t *testing.T) {
	dialer := newFakeDialer()
	d, egress := newTestDispatcher(t, dialer)

	d.HandleInbound(buildSYN(t, 51000, 443))

	pkt := recvEgress(t, egress)
	parsed, err := packet.Parse(buf.New(pkt))
	if err != nil {
		t.Fatalf("parse reply: %v", err)
	}
	tcpHdr, _, err := packet.WithTCPBytes(parsed.Payload)
	if err != nil {
		t.Fatalf("parse tcp: %v", err)
	}
	flags := tcpHdr.Flags()
	if !flags.SYN || !flags.ACK {
		t.Fatalf("expected SYN|ACK reply, got %+v", flags)
	}
	if d.FlowCount() != 1 {
		t.Fatalf("FlowCount = %d, want 1", d.FlowCount())
	}
}

func TestNonSYNWithNoFlowGetsRST(t *testing.T) {
	dialer := newFakeDialer()
	d, egress := newTestDispatcher(t, dialer)

	d.HandleInbound(buildBareACK(t, 52000, 443))

	pkt := recvEgress(t, egress)
	parsed, err := packet.Parse(buf.New(pkt))
	if err != nil {
		t.Fatalf("parse reply: %v", err)
	}
	tcpHdr, _, err := packet.WithTCPBytes(parsed.Payload)
	if err != nil {
		t.Fatalf("parse tcp: %v", err)
	}
	if !tcpHdr.Flags().RST {
		t.Fatalf("expected RST reply, got %+v", tcpHdr.Flags())
	}
	if d.FlowCount() != 0 {
		t.Fatalf("FlowCount = %d, want 0 (no flow should be created)", d.FlowCount())
	}
}

func TestNewFlowRateLimiterRejectsSYNAfterBurst(t *testing.T) {
	dialer := newFakeDialer()
	egress := NewEgressQueue(16, nil, nil)
	d := NewDispatcher(context.Background(), Config{
		Dialer:       dialer,
		Egress:       egress,
		NewFlowRate:  0.0001,
		NewFlowBurst: 1,
	})
	t.Cleanup(d.Close)

	d.HandleInbound(buildSYN(t, 51000, 443))
	recvEgress(t, egress) // first SYN admitted: SYN|ACK

	d.HandleInbound(buildSYN(t, 51001, 443))
	pkt := recvEgress(t, egress) // second SYN over budget: RST
	parsed, _ := packet.Parse(buf.New(pkt))
	tcpHdr, _, _ := packet.WithTCPBytes(parsed.Payload)
	if !tcpHdr.Flags().RST {
		t.Fatalf("expected RST for rate-limited SYN, got %+v", tcpHdr.Flags())
	}
}

func TestDNSQueryIsRelayed(t *testing.T) {
	resolverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer resolverConn.Close()
	go func() {
		buf := make([]byte, 512)
		for {
			n, from, err := resolverConn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			resolverConn.WriteToUDP(buf[:n], from)
		}
	}()

	relay := dns.NewRelay(resolverConn.LocalAddr().(*net.UDPAddr), time.Second, nil, nil)
	egress := NewEgressQueue(16, nil, nil)
	d := NewDispatcher(context.Background(), Config{
		Dialer: newFakeDialer(),
		DNS:    relay,
		Egress: egress,
	})
	t.Cleanup(d.Close)

	query, err := packet.UDPPacketBuilder{
		SrcIP: clientIP, DstIP: net.IPv4(8, 8, 8, 8),
		SrcPort: 40000, DstPort: 53,
		Data: []byte{0xAA, 0xBB},
	}.Build()
	if err != nil {
		t.Fatalf("build query: %v", err)
	}

	d.HandleInbound(query.Bytes())

	pkt := recvEgress(t, egress)
	parsed, err := packet.Parse(buf.New(pkt))
	if err != nil {
		t.Fatalf("parse reply: %v", err)
	}
	udpHdr, data, err := packet.WithUDPBytes(parsed.Payload)
	if err != nil {
		t.Fatalf("parse udp: %v", err)
	}
	if udpHdr.SrcPort() != 53 || udpHdr.DstPort() != 40000 {
		t.Fatalf("reply ports = %d/%d", udpHdr.SrcPort(), udpHdr.DstPort())
	}
	if string(data.Bytes()) != "\xaa\xbb" {
		t.Fatalf("reply data = %v", data.Bytes())
	}
}
