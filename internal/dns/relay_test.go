package dns

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/postalsys/muti-metroo/internal/packet"
)

func startEchoResolver(t *testing.T) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	go func() {
		buf := make([]byte, 512)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			reply := append([]byte(nil), buf[:n]...)
			reply = append(reply, 0xFF) // distinguish reply from query
			conn.WriteToUDP(reply, from)
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return conn.LocalAddr().(*net.UDPAddr)
}

func TestRelayQueryRoundTrip(t *testing.T) {
	resolver := startEchoResolver(t)
	r := NewRelay(resolver, time.Second, nil, nil)

	out := make(chan Reply, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := FlowKey{SrcIP: "10.0.0.5", SrcPort: 4000, DstIP: "10.0.0.1", DstPort: 53}
	query := []byte{0x00, 0x01, 0x02, 0x03}
	r.Query(ctx, key, net.IPv4(10, 0, 0, 5), net.IPv4(10, 0, 0, 1), 4000, 53, query, out)

	select {
	case reply := <-out:
		if reply.Key != key {
			t.Fatalf("key = %+v, want %+v", reply.Key, key)
		}
		parsed, err := packet.Parse(reply.Packet)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if parsed.Proto != packet.ProtoUDP {
			t.Fatalf("Proto = %d", parsed.Proto)
		}
		udpHdr, data, err := packet.WithUDPBytes(parsed.Payload)
		if err != nil {
			t.Fatalf("WithUDPBytes: %v", err)
		}
		if udpHdr.SrcPort() != 53 || udpHdr.DstPort() != 4000 {
			t.Fatalf("ports = %d/%d", udpHdr.SrcPort(), udpHdr.DstPort())
		}
		want := append(append([]byte(nil), query...), 0xFF)
		if string(data.Bytes()) != string(want) {
			t.Fatalf("data = %v, want %v", data.Bytes(), want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for relay reply")
	}
}

func TestRelayDedupAttachesToInFlightQuery(t *testing.T) {
	resolver := startEchoResolver(t)
	r := NewRelay(resolver, time.Second, nil, nil)

	key := FlowKey{SrcIP: "10.0.0.5", SrcPort: 4000, DstIP: "10.0.0.1", DstPort: 53}
	out1 := make(chan Reply, 1)
	out2 := make(chan Reply, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	r.mu.Lock()
	r.inflight[key] = &query{waiters: []chan<- Reply{out1}}
	r.mu.Unlock()

	r.Query(ctx, key, net.IPv4(10, 0, 0, 5), net.IPv4(10, 0, 0, 1), 4000, 53, []byte{1}, out2)

	r.mu.Lock()
	n := len(r.inflight[key].waiters)
	r.mu.Unlock()
	if n != 2 {
		t.Fatalf("waiters = %d, want 2 (no second upstream socket opened)", n)
	}
}
