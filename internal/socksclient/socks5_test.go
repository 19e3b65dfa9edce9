package socksclient

import (
	"context"
	"net"
	"testing"
	"time"
)

func fakeServer(t *testing.T, conn net.Conn, methodReply byte, connectReply byte) {
	t.Helper()
	greeting := make([]byte, 3)
	if _, err := conn.Read(greeting); err != nil {
		t.Errorf("server read greeting: %v", err)
		return
	}
	if _, err := conn.Write([]byte{version, methodReply}); err != nil {
		t.Errorf("server write method reply: %v", err)
		return
	}
	if methodReply != methodNoAuth {
		return
	}

	req := make([]byte, 10) // ver,cmd,rsv,atype(1),ipv4(4),port(2)
	if _, err := conn.Read(req); err != nil {
		t.Errorf("server read request: %v", err)
		return
	}
	reply := []byte{version, connectReply, 0x00, atypeIPv4, 0, 0, 0, 0, 0, 0}
	conn.Write(reply)
}

func TestConnectSuccess(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go fakeServer(t, server, methodNoAuth, replySucceeded)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := Connect(ctx, client, net.IPv4(93, 184, 216, 34), 443); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestConnectNoAcceptableMethods(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go fakeServer(t, server, methodNoAcceptable, replySucceeded)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := Connect(ctx, client, net.IPv4(1, 1, 1, 1), 80)
	if err != ErrNoAcceptableMethods {
		t.Fatalf("err = %v, want ErrNoAcceptableMethods", err)
	}
}

func TestConnectReplyError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go fakeServer(t, server, methodNoAuth, replyConnRefused)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := Connect(ctx, client, net.IPv4(1, 1, 1, 1), 80)
	replyErr, ok := err.(*ReplyError)
	if !ok {
		t.Fatalf("err = %v, want *ReplyError", err)
	}
	if replyErr.Code != replyConnRefused {
		t.Fatalf("Code = %x", replyErr.Code)
	}
}

func TestConnectBadVersion(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go func() {
		buf := make([]byte, 3)
		server.Read(buf)
		server.Write([]byte{0x04, methodNoAuth})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := Connect(ctx, client, net.IPv4(1, 1, 1, 1), 80); err != ErrBadVersion {
		t.Fatalf("err = %v, want ErrBadVersion", err)
	}
}

func TestConnectUnsupportedAddr(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go func() {
		buf := make([]byte, 3)
		server.Read(buf)
		server.Write([]byte{version, methodNoAuth})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// A net.IP that is neither 4 nor 16 bytes (here, an empty IP).
	if err := Connect(ctx, client, net.IP{}, 80); err != ErrUnsupportedAddr {
		t.Fatalf("err = %v, want ErrUnsupportedAddr", err)
	}
}

func TestConnectIPv6Request(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		greeting := make([]byte, 3)
		server.Read(greeting)
		server.Write([]byte{version, methodNoAuth})

		req := make([]byte, 22) // ver,cmd,rsv,atype,ipv6(16),port(2)
		if _, err := server.Read(req); err != nil {
			t.Errorf("read request: %v", err)
			return
		}
		if req[3] != atypeIPv6 {
			t.Errorf("atype = %d, want IPv6", req[3])
		}
		server.Write([]byte{version, replySucceeded, 0x00, atypeIPv4, 0, 0, 0, 0, 0, 0})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := Connect(ctx, client, net.ParseIP("2001:db8::1"), 443); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-done
}
