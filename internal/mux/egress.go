package mux

import (
	"context"
	"log/slog"

	"github.com/postalsys/muti-metroo/internal/buf"
	"github.com/postalsys/muti-metroo/internal/logging"
	"github.com/postalsys/muti-metroo/internal/metrics"
)

// Sink is the tun-facing write side: one complete IP packet per call.
// The tun collaborator implements this directly.
type Sink interface {
	WritePacket(pkt []byte) error
}

// EgressQueue is the single bounded channel every PCB and the DNS relay
// publish finished IP packets through. A full queue blocks the producer
// (SPEC_FULL.md §4.6 "TCP PCBs pause emitting until drain") rather than
// dropping — the one exception is Offer, used by paths that must not
// block a shared dispatch loop (RST replies and DNS replies), which
// drops and counts instead.
type EgressQueue struct {
	ch      chan buf.Bytes
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewEgressQueue constructs a queue with the given capacity.
func NewEgressQueue(capacity int, logger *slog.Logger, m *metrics.Metrics) *EgressQueue {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &EgressQueue{ch: make(chan buf.Bytes, capacity), logger: logger, metrics: m}
}

// Enqueue blocks until pkt is accepted or ctx is canceled.
func (q *EgressQueue) Enqueue(ctx context.Context, pkt buf.Bytes) error {
	if q.metrics != nil {
		q.metrics.RecordEgressQueueDepth(len(q.ch))
	}
	select {
	case q.ch <- pkt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Offer attempts to enqueue pkt without blocking, dropping and counting
// it if the queue is full.
func (q *EgressQueue) Offer(pkt buf.Bytes) {
	select {
	case q.ch <- pkt:
	default:
		if q.metrics != nil {
			q.metrics.RecordEgressDropped()
		}
		q.logger.Debug("egress queue full, dropping packet")
	}
}

// Run drains the queue into sink until ctx is canceled. This is the
// single tun-writer goroutine named in SPEC_FULL.md §4.8.
func (q *EgressQueue) Run(ctx context.Context, sink Sink) {
	for {
		select {
		case pkt := <-q.ch:
			if q.metrics != nil {
				q.metrics.RecordEgressQueueDepth(len(q.ch))
			}
			if err := sink.WritePacket(pkt.Bytes()); err != nil {
				q.logger.Warn("tun write failed", logging.KeyError, err)
			}
		case <-ctx.Done():
			return
		}
	}
}
