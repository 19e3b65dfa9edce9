// Package mux implements the tun-facing multiplexer: the ingress
// pipeline that validates and classifies inbound packets, the flow
// table that keys live TCP PCBs and in-flight DNS exchanges by 4-tuple,
// and the bounded egress queue every flow publishes outbound packets
// through on their way back to the tun sink.
package mux

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/muti-metroo/internal/buf"
	"github.com/postalsys/muti-metroo/internal/dns"
	"github.com/postalsys/muti-metroo/internal/logging"
	"github.com/postalsys/muti-metroo/internal/metrics"
	"github.com/postalsys/muti-metroo/internal/packet"
	"github.com/postalsys/muti-metroo/internal/stream"
	"github.com/postalsys/muti-metroo/internal/tcpstack"
)

const dnsPort = 53

// SOCKS5Dialer is the subset of socksclient.Dialer the dispatcher needs,
// accepted as an interface so tests can substitute a fake.
type SOCKS5Dialer interface {
	Dial(ctx context.Context, dst net.IP, port uint16) (net.Conn, error)
}

// Config bundles everything the dispatcher needs beyond packet bytes.
type Config struct {
	Dialer  SOCKS5Dialer
	DNS     *dns.Relay
	Egress  *EgressQueue
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// NewFlowRate / NewFlowBurst tune the token bucket bounding new TCP
	// SYNs and new DNS queries (SPEC_FULL.md §4.6). NewFlowRate<=0
	// disables the limiter.
	NewFlowRate  float64
	NewFlowBurst int

	// ConnectTimeout bounds each SOCKS5 CONNECT attempt.
	ConnectTimeout time.Duration
}

// Dispatcher implements the ingress pipeline described in SPEC_FULL.md
// §4.6: validate, classify, route to a PCB/DNS relay, and funnel every
// outbound result back through the shared egress queue.
type Dispatcher struct {
	dialer  SOCKS5Dialer
	dnsRelay *dns.Relay
	egress  *EgressQueue
	flows   *FlowTable
	logger  *slog.Logger
	metrics *metrics.Metrics

	connectTimeout time.Duration
	newFlowLimiter *rate.Limiter

	dnsReplies chan dns.Reply
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewDispatcher constructs a dispatcher and starts its background DNS
// reply pump. Call Close to stop it and abort every tracked TCP flow.
func NewDispatcher(parent context.Context, cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	var limiter *rate.Limiter
	if cfg.NewFlowRate > 0 {
		burst := cfg.NewFlowBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.NewFlowRate), burst)
	}

	ctx, cancel := context.WithCancel(parent)
	d := &Dispatcher{
		dialer:         cfg.Dialer,
		dnsRelay:       cfg.DNS,
		egress:         cfg.Egress,
		flows:          NewFlowTable(),
		logger:         logger,
		metrics:        cfg.Metrics,
		connectTimeout: cfg.ConnectTimeout,
		newFlowLimiter: limiter,
		dnsReplies:     make(chan dns.Reply, 64),
		ctx:            ctx,
		cancel:         cancel,
	}
	go d.pumpDNSReplies()
	return d
}

// Close cancels every tracked flow and stops the DNS reply pump.
func (d *Dispatcher) Close() {
	d.cancel()
	d.flows.Each(func(_ FlowKey, f *tcpFlow) {
		f.pcb.Abort()
		f.cancel()
	})
}

// FlowCount reports the number of live TCP flows, for tests and metrics.
func (d *Dispatcher) FlowCount() int { return d.flows.Len() }

func (d *Dispatcher) pumpDNSReplies() {
	for {
		select {
		case reply := <-d.dnsReplies:
			d.egress.Offer(reply.Packet)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) allowNewFlow() bool {
	if d.newFlowLimiter == nil {
		return true
	}
	return d.newFlowLimiter.Allow()
}

// HandleInbound runs one tun-inbound packet through the ingress
// pipeline: IP validation, extension-chain parsing, transport-checksum
// validation, classification, and routing.
func (d *Dispatcher) HandleInbound(raw []byte) {
	pkt := buf.New(append([]byte(nil), raw...))

	parsed, err := packet.Parse(pkt)
	if err != nil {
		d.drop("ip_parse")
		return
	}
	iphdr := parsed.Header()
	if !iphdr.IsV6() {
		v4 := parsed.V4
		if !v4.ChecksumValid() {
			d.drop("ip_checksum")
			return
		}
	}

	switch parsed.Proto {
	case packet.ProtoUDP:
		d.handleUDP(iphdr, parsed.Payload)
	case packet.ProtoTCP:
		d.handleTCP(iphdr, parsed.Payload)
	default:
		d.drop("unknown_proto")
	}
}

func (d *Dispatcher) drop(reason string) {
	if d.metrics != nil {
		d.metrics.RecordPacketDropped(reason)
	}
}

func (d *Dispatcher) accept(proto string) {
	if d.metrics != nil {
		d.metrics.RecordPacketAccepted(proto)
	}
}

func (d *Dispatcher) handleUDP(iphdr packet.IPHeader, payload buf.Bytes) {
	udpHdr, data, err := packet.WithUDPBytes(payload)
	if err != nil {
		d.drop("udp_truncated")
		return
	}
	if !udpHdr.ChecksumValid(iphdr.IsV6(), iphdr.SrcIP(), iphdr.DstIP(), data.Bytes()) {
		d.drop("udp_checksum")
		return
	}
	if udpHdr.DstPort() != dnsPort {
		d.drop("udp_unsupported_port")
		return
	}
	if d.dnsRelay == nil {
		d.drop("dns_relay_unavailable")
		return
	}

	key := newFlowKey(iphdr.SrcIP(), iphdr.DstIP(), udpHdr.SrcPort(), udpHdr.DstPort())
	if !d.allowNewFlow() {
		d.drop("new_flow_rate_limited")
		return
	}
	d.accept("dns")
	d.dnsRelay.Query(d.ctx, dns.FlowKey(key), iphdr.SrcIP(), iphdr.DstIP(), udpHdr.SrcPort(), udpHdr.DstPort(), data.Bytes(), d.dnsReplies)
}

func (d *Dispatcher) handleTCP(iphdr packet.IPHeader, payload buf.Bytes) {
	tcpHdr, data, err := packet.WithTCPBytes(payload)
	if err != nil {
		d.drop("tcp_truncated")
		return
	}
	if !tcpHdr.ChecksumValid(iphdr.IsV6(), iphdr.SrcIP(), iphdr.DstIP(), data.Bytes()) {
		d.drop("tcp_checksum")
		return
	}

	key := newFlowKey(iphdr.SrcIP(), iphdr.DstIP(), tcpHdr.SrcPort(), tcpHdr.DstPort())
	flags := tcpHdr.Flags()

	if f, ok := d.flows.Get(key); ok {
		d.accept("tcp")
		opts := packet.ParseOptions(tcpHdr.Options())
		f.pcb.HandleSegment(flags, tcpHdr.Seq(), tcpHdr.Ack(), tcpHdr.Window(), data.Bytes(), opts)
		return
	}

	if !flags.SYN {
		d.accept("tcp")
		d.sendRST(iphdr, tcpHdr, data.Bytes())
		return
	}

	if !d.allowNewFlow() {
		d.drop("new_flow_rate_limited")
		d.sendRST(iphdr, tcpHdr, data.Bytes())
		return
	}
	d.accept("tcp")
	d.openTCPFlow(iphdr, tcpHdr, key)
}

func (d *Dispatcher) openTCPFlow(iphdr packet.IPHeader, tcpHdr packet.TCPHeader, key FlowKey) {
	local := tcpstack.Endpoint{IP: iphdr.DstIP(), Port: tcpHdr.DstPort()}
	remote := tcpstack.Endpoint{IP: iphdr.SrcIP(), Port: tcpHdr.SrcPort()}
	pcb := tcpstack.NewListenPCB(local, remote, iphdr.IsV6(), d.logger, d.metrics)

	flowCtx, cancel := context.WithCancel(d.ctx)
	f := &tcpFlow{pcb: pcb, cancel: cancel}
	d.flows.Put(key, f)
	if d.metrics != nil {
		d.metrics.RecordFlowOpened("tcp")
	}

	go d.pumpPCBOut(flowCtx, key, pcb)
	go d.connectUpstream(flowCtx, key, pcb, local, remote)

	opts := packet.ParseOptions(tcpHdr.Options())
	pcb.HandleSegment(tcpHdr.Flags(), tcpHdr.Seq(), tcpHdr.Ack(), tcpHdr.Window(), nil, opts)
}

// pumpPCBOut drains one PCB's outbound segments, encapsulates them, and
// forwards them to the shared egress queue until the PCB closes.
func (d *Dispatcher) pumpPCBOut(ctx context.Context, key FlowKey, pcb *tcpstack.PCB) {
	for {
		select {
		case seg := <-pcb.Out():
			built, err := packet.TCPSegmentBuilder{
				SrcIP: pcb.Local.IP, DstIP: pcb.Remote.IP,
				SrcPort: pcb.Local.Port, DstPort: pcb.Remote.Port,
				Seq: seg.Seq, Ack: seg.Ack, Flags: seg.Flags,
				Window: seg.Window, MSS: seg.MSS, Data: seg.Data,
			}.Build()
			if err != nil {
				d.logger.Error("tcp segment encapsulation failed", logging.KeyError, err, logging.KeyFlow, key)
				continue
			}
			if err := d.egress.Enqueue(ctx, built); err != nil {
				return
			}
		case <-pcb.Done():
			d.teardownFlow(key)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) teardownFlow(key FlowKey) {
	if f, ok := d.flows.Get(key); ok {
		f.cancel()
	}
	d.flows.Delete(key)
	if d.metrics != nil {
		d.metrics.RecordFlowClosed("closed")
	}
}

// connectUpstream dials the SOCKS5 server as soon as the flow is created,
// in parallel with the tun-side handshake, and once both have completed
// attaches the upstream connection and begins the bidirectional stream
// copy. On failure it aborts the PCB and the flow is torn down; Abort
// sends no RST, so the tun peer's next segment for the flow is answered
// with an RST as a segment with no flow.
func (d *Dispatcher) connectUpstream(ctx context.Context, key FlowKey, pcb *tcpstack.PCB, local, remote tcpstack.Endpoint) {
	connectCtx := ctx
	if d.connectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, d.connectTimeout)
		defer cancel()
	}

	start := time.Now()
	upstream, err := d.dialer.Dial(connectCtx, local.IP, local.Port)
	if err != nil {
		d.logger.Warn("socks5 connect failed", logging.KeyError, err, logging.KeyFlow, key)
		if d.metrics != nil {
			d.metrics.RecordSOCKS5ConnectFailure("connect_error")
		}
		pcb.Abort()
		return
	}
	if d.metrics != nil {
		d.metrics.RecordSOCKS5ConnectLatency(time.Since(start).Seconds())
	}

	// Wait for the 3-way handshake to finish before relaying application
	// data, per SPEC_FULL.md §4.6.
	established := make(chan struct{})
	var closeOnce sync.Once
	pcb.SetStateChangeCallback(func(s tcpstack.State) {
		if s == tcpstack.StateEstablished {
			closeOnce.Do(func() { close(established) })
		}
	})
	// The handshake may have completed while the dial was in progress,
	// before the callback above was registered.
	if s := pcb.State(); s != tcpstack.StateListen && s != tcpstack.StateSynRcvd && s != tcpstack.StateClosed {
		closeOnce.Do(func() { close(established) })
	}
	select {
	case <-established:
	case <-pcb.Done():
		upstream.Close()
		return
	case <-ctx.Done():
		upstream.Close()
		return
	}

	relay := stream.NewRelay(pcb, upstream, d.logger, d.metrics)
	if err := relay.Run(ctx); err != nil {
		d.logger.Debug("stream relay ended", logging.KeyError, err, logging.KeyFlow, key)
	}
}

func (d *Dispatcher) sendRST(iphdr packet.IPHeader, tcpHdr packet.TCPHeader, data []byte) {
	flags := tcpHdr.Flags()
	var ack uint32
	if flags.ACK {
		ack = tcpHdr.Ack()
	}
	seq := tcpHdr.Seq() + uint32(len(data))
	if flags.SYN {
		seq++
	}

	built, err := packet.TCPSegmentBuilder{
		SrcIP: iphdr.DstIP(), DstIP: iphdr.SrcIP(),
		SrcPort: tcpHdr.DstPort(), DstPort: tcpHdr.SrcPort(),
		Seq: ack, Ack: seq,
		Flags: packet.TCPFlags{RST: true, ACK: true},
	}.Build()
	if err != nil {
		d.logger.Error("rst encapsulation failed", logging.KeyError, err)
		return
	}
	d.egress.Offer(built)
}
