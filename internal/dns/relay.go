// Package dns implements the UDP:53 diversion relay: each inbound DNS
// query captured from the tun device is forwarded, unparsed, to a fixed
// upstream resolver endpoint and the reply is re-encapsulated as a
// UDP/IP packet addressed back to the original tun-side source. Query
// lifecycle mirrors the association bookkeeping the mesh's UDP
// associations use for their relayed sockets, trimmed to a single
// round-trip per flow key.
package dns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/postalsys/muti-metroo/internal/buf"
	"github.com/postalsys/muti-metroo/internal/logging"
	"github.com/postalsys/muti-metroo/internal/metrics"
	"github.com/postalsys/muti-metroo/internal/packet"
)

// ErrBadReplySource describes a datagram that arrives on the ephemeral
// socket from somewhere other than the configured resolver. It is only
// logged, never returned: the datagram is dropped and the relay keeps
// waiting for the resolver's reply.
var ErrBadReplySource = errors.New("dns: reply from unexpected source")

const defaultTimeout = 5 * time.Second

// FlowKey identifies an in-flight query by its tun-side 4-tuple, so a
// retransmitted query for the same exchange attaches to the query
// already underway instead of opening a second upstream socket.
type FlowKey struct {
	SrcIP   string
	SrcPort uint16
	DstIP   string
	DstPort uint16
}

// Reply is a fully-built UDP/IP packet ready for the egress queue.
type Reply struct {
	Key    FlowKey
	Packet buf.Bytes
}

// Relay resolves DNS queries diverted from the tun-facing multiplexer
// against a single fixed resolver endpoint.
type Relay struct {
	resolver *net.UDPAddr
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	inflight map[FlowKey]*query
}

type query struct {
	waiters []chan<- Reply
}

// NewRelay constructs a Relay targeting resolver. A zero timeout uses
// the default of 5 seconds.
func NewRelay(resolver *net.UDPAddr, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Relay {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Relay{
		resolver: resolver,
		timeout:  timeout,
		logger:   logger,
		metrics:  m,
		inflight: make(map[FlowKey]*query),
	}
}

// Query resolves one DNS packet for the given flow and delivers the
// result to out. If a query for the same key is already in flight, this
// call attaches as an additional waiter rather than opening a second
// upstream socket (SPEC_FULL.md §4.4). query takes ownership of payload.
func (r *Relay) Query(ctx context.Context, key FlowKey, srcIP, dstIP net.IP, srcPort, dstPort uint16, payload []byte, out chan<- Reply) {
	r.mu.Lock()
	if q, ok := r.inflight[key]; ok {
		q.waiters = append(q.waiters, out)
		r.mu.Unlock()
		return
	}
	q := &query{waiters: []chan<- Reply{out}}
	r.inflight[key] = q
	r.mu.Unlock()

	go r.resolve(ctx, key, srcIP, dstIP, srcPort, dstPort, payload, q)
}

func (r *Relay) resolve(ctx context.Context, key FlowKey, srcIP, dstIP net.IP, srcPort, dstPort uint16, payload []byte, q *query) {
	defer func() {
		r.mu.Lock()
		delete(r.inflight, key)
		r.mu.Unlock()
	}()

	start := time.Now()
	reply, err := r.roundTrip(ctx, payload)
	if err != nil {
		r.logger.Warn("dns query failed", logging.KeyError, err, "flow", key)
		if r.metrics != nil {
			r.metrics.DNSQueryFailures.Inc()
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				r.metrics.DNSQueryTimeouts.Inc()
			}
		}
		return
	}
	if r.metrics != nil {
		r.metrics.DNSQueryLatency.Observe(time.Since(start).Seconds())
	}

	built, err := packet.UDPPacketBuilder{
		SrcIP: dstIP, DstIP: srcIP,
		SrcPort: dstPort, DstPort: srcPort,
		Data: reply,
	}.Build()
	if err != nil {
		r.logger.Error("dns reply encapsulation failed", logging.KeyError, err, "flow", key)
		return
	}

	r.mu.Lock()
	waiters := q.waiters
	r.mu.Unlock()
	for _, w := range waiters {
		select {
		case w <- Reply{Key: key, Packet: built}:
		case <-ctx.Done():
			return
		}
	}
}

// roundTrip opens an ephemeral UDP socket, sends payload to the
// resolver, and waits up to r.timeout for exactly one reply from the
// resolver's address — any other source is discarded and waiting
// continues, since spoofed or stray datagrams on the ephemeral socket
// must not short-circuit a legitimate reply still in flight.
func (r *Relay) roundTrip(ctx context.Context, payload []byte) ([]byte, error) {
	conn, err := net.DialUDP("udp", nil, r.resolver)
	if err != nil {
		return nil, fmt.Errorf("dns: dial resolver: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(r.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("dns: write query: %w", err)
	}

	buf := make([]byte, 65535)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, fmt.Errorf("dns: read reply: %w", err)
		}
		if !from.IP.Equal(r.resolver.IP) || from.Port != r.resolver.Port {
			r.logger.Debug("dropping dns reply from unexpected source", "from", from, logging.KeyError, ErrBadReplySource)
			continue
		}
		out := make([]byte, n)
		copy(out, buf[:n])
		return out, nil
	}
}
