package tcpstack

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/muti-metroo/internal/logging"
	"github.com/postalsys/muti-metroo/internal/metrics"
	"github.com/postalsys/muti-metroo/internal/packet"
)

const (
	// DefaultMSSv4 / DefaultMSSv6 are honored when the peer's SYN carries
	// no MSS option (SPEC_FULL.md §4.5).
	DefaultMSSv4 uint16 = 1460
	DefaultMSSv6 uint16 = 1440

	rcvWndMax = 65535

	minRTO = time.Second
	maxRTO = 60 * time.Second
	maxRetries = 5

	delayedAckInterval = 200 * time.Millisecond
	timeWaitDuration    = 2 * 60 * time.Second // 2*MSL, MSL approximated at 60s
)

// DefaultMSS picks the advertised MSS default for the given address family.
func DefaultMSS(isV6 bool) uint16 {
	if isV6 {
		return DefaultMSSv6
	}
	return DefaultMSSv4
}

// PCB is one TCP protocol control block: the tun-facing half of a
// proxied connection. Segment arrivals and application writes both
// drive the same state machine; outbound segments are published on Out
// and application payload on reads via Read.
type PCB struct {
	Local, Remote Endpoint
	IsV6          bool

	mu    sync.Mutex
	state State

	iss, sndUna, sndNxt uint32
	sndWnd              uint16
	sndWl1, sndWl2      uint32
	sndQueue            []byte // app bytes not yet sent due to window/MSS limits
	sndFinQueued        bool
	sndFinSent          bool

	irs, rcvNxt uint32
	rcvWndUsed  int // bytes delivered to the app but not yet Read()

	mss uint16

	rtx         []rtxEntry
	rto         time.Duration
	srtt, rttvar time.Duration
	retries     int
	rtxTimer    *time.Timer

	segSinceAck   int
	delayedAck    *time.Timer
	timeWaitTimer *time.Timer

	appReadCh  chan []byte
	appReadEOF bool
	outCh      chan OutSegment
	closed     chan struct{}
	closeOnce  sync.Once

	onStateChange func(State)
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// NewListenPCB constructs a PCB in LISTEN, ready to receive the
// triggering SYN via HandleSegment. The tun interface owns the entire
// routed address space, so there is no separate bind/listen call — the
// multiplexer constructs one of these per new flow key on first SYN.
func NewListenPCB(local, remote Endpoint, isV6 bool, logger *slog.Logger, m *metrics.Metrics) *PCB {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &PCB{
		Local:   local,
		Remote:  remote,
		IsV6:    isV6,
		state:   StateListen,
		mss:     DefaultMSS(isV6),
		rto:     minRTO,
		appReadCh: make(chan []byte, 64),
		outCh:     make(chan OutSegment, 16),
		closed:    make(chan struct{}),
		logger:    logger,
		metrics:   m,
	}
}

// SetStateChangeCallback registers a callback invoked (outside the
// PCB's lock) whenever the state transitions.
func (p *PCB) SetStateChangeCallback(f func(State)) {
	p.mu.Lock()
	p.onStateChange = f
	p.mu.Unlock()
}

// State returns the current PCB state.
func (p *PCB) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Out is the channel of outbound segments the multiplexer must
// encapsulate and hand to the egress queue, in order.
func (p *PCB) Out() <-chan OutSegment { return p.outCh }

// Done is closed once the PCB reaches CLOSED.
func (p *PCB) Done() <-chan struct{} { return p.closed }

func (p *PCB) setState(s State) {
	p.state = s
	cb := p.onStateChange
	if p.metrics != nil {
		p.metrics.RecordPCBTransition(s.String())
	}
	if cb != nil {
		go cb(s)
	}
	if s == StateClosed {
		p.closeOnce.Do(func() { close(p.closed) })
	}
}

func randomISS() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}

// advertisedWindow applies silly-window avoidance: never advertise a
// window below mss/2 unless it is exactly zero.
func (p *PCB) advertisedWindow() uint16 {
	avail := rcvWndMax - p.rcvWndUsed
	if avail <= 0 {
		return 0
	}
	if avail < int(p.mss)/2 {
		return 0
	}
	if avail > rcvWndMax {
		avail = rcvWndMax
	}
	return uint16(avail)
}

// emit hands seg to the multiplexer in order. A full Out channel blocks
// the caller (and therefore this PCB's lock) until the multiplexer
// drains it — backpressure on the egress queue propagates all the way
// back to pausing a PCB's own emission, per SPEC_FULL.md §4.6.
func (p *PCB) emit(seg OutSegment) {
	p.outCh <- seg
}

// HandleSegment processes one inbound segment (already checksum- and
// in-window validated by the multiplexer for everything except the
// sequence-number checks this function itself performs) and returns
// once any resulting outbound segments have been queued on Out.
func (p *PCB) HandleSegment(flags packet.TCPFlags, seq, ack uint32, window uint16, data []byte, opts packet.ParsedOptions) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if flags.RST {
		p.abort(ErrClosed)
		return
	}

	switch p.state {
	case StateListen:
		p.handleListenSyn(flags, seq, opts)
	case StateSynRcvd:
		p.handleSynRcvdAck(flags, ack, window)
	default:
		p.handleEstablishedOrLater(flags, seq, ack, window, data)
	}
}

func (p *PCB) handleListenSyn(flags packet.TCPFlags, seq uint32, opts packet.ParsedOptions) {
	if !flags.SYN {
		return
	}
	p.irs = seq
	p.rcvNxt = seq + 1
	p.iss = randomISS()
	p.sndUna = p.iss
	p.sndNxt = p.iss + 1
	if opts.MSS != 0 {
		p.mss = opts.MSS
	}

	p.setState(StateSynRcvd)
	p.emit(OutSegment{
		Seq: p.iss, Ack: p.rcvNxt,
		Flags:  packet.TCPFlags{SYN: true, ACK: true},
		Window: p.advertisedWindow(),
		MSS:    DefaultMSS(p.IsV6),
	})
	now := time.Now()
	p.rtx = append(p.rtx, rtxEntry{seq: p.iss, syn: true, firstSent: now, lastSent: now})
	p.armRetransmit()
}

func (p *PCB) handleSynRcvdAck(flags packet.TCPFlags, ack uint32, window uint16) {
	if !flags.ACK {
		return
	}
	if ack != p.sndNxt {
		return
	}
	p.clearRetransmitted(p.sndNxt)
	p.sndUna = ack
	p.sndWnd = window
	p.sndWl1 = p.irs + 1 // SEG.SEQ of the ACK-of-SYN is IRS+1
	p.sndWl2 = ack
	p.setState(StateEstablished)
}

func (p *PCB) handleEstablishedOrLater(flags packet.TCPFlags, seq, ack uint32, window uint16, data []byte) {
	if flags.ACK {
		p.handleAck(ack, window)
	}

	if len(data) > 0 {
		p.handleData(seq, data)
	}

	if flags.FIN {
		p.handleFin(seq, data)
	}
}

func (p *PCB) handleAck(ack uint32, window uint16) {
	if seqLess(p.sndUna, ack) && seqLessEq(ack, p.sndNxt) {
		p.clearRetransmitted(ack)
		p.sndUna = ack
		p.sndWnd = window
		p.retries = 0
		p.trySend()

		switch p.state {
		case StateFinWait1:
			if ack == p.sndNxt && p.sndFinSent {
				p.setState(StateFinWait2)
			}
		case StateClosing:
			if ack == p.sndNxt && p.sndFinSent {
				p.setState(StateTimeWait)
				p.armTimeWait()
			}
		case StateLastAck:
			if ack == p.sndNxt && p.sndFinSent {
				p.setState(StateClosed)
			}
		}
	} else if p.sndWnd != window && ack == p.sndUna {
		// Pure window update with no new data acked.
		p.sndWnd = window
		p.trySend()
	}
}

func (p *PCB) handleData(seq uint32, data []byte) {
	if !inWindow(seq, p.rcvNxt, p.advertisedWindow()) && seq != p.rcvNxt {
		// Outside the window: drop but still elicit an ACK below.
		p.scheduleAck(true)
		return
	}
	if seq == p.rcvNxt {
		p.rcvNxt += uint32(len(data))
		p.rcvWndUsed += len(data)
		cp := make([]byte, len(data))
		copy(cp, data)
		// Blocks if the app is behind; ordering is preserved over dropping
		// already-acknowledged bytes.
		p.appReadCh <- cp
	}
	// Out-of-order segments beyond rcvNxt are not reassembled in this
	// implementation (SOCKS upstream is reliable and in-order; the TCP
	// side rarely reorders over a local tun device) — they are dropped
	// and rely on the sender's retransmit timer.
	p.scheduleAck(false)
}

func (p *PCB) handleFin(seq uint32, data []byte) {
	finSeq := seq + uint32(len(data))
	if finSeq != p.rcvNxt {
		return
	}
	p.rcvNxt++

	switch p.state {
	case StateEstablished:
		p.setState(StateCloseWait)
		p.appReadEOF = true
		close(p.appReadCh)
	case StateFinWait1:
		p.setState(StateClosing)
	case StateFinWait2:
		p.setState(StateTimeWait)
		p.armTimeWait()
	}
	p.sendAck()
}

// clearRetransmitted drops every rtx entry fully covered by [snd_una, ack).
func (p *PCB) clearRetransmitted(ack uint32) {
	kept := p.rtx[:0]
	now := time.Now()
	for _, e := range p.rtx {
		if seqLessEq(e.endSeq(), ack) {
			p.updateRTO(now.Sub(e.firstSent))
			continue
		}
		kept = append(kept, e)
	}
	p.rtx = kept
	if len(p.rtx) == 0 && p.rtxTimer != nil {
		p.rtxTimer.Stop()
		p.rtxTimer = nil
	}
}

// updateRTO applies a simplified Jacobson/Karels estimator.
func (p *PCB) updateRTO(sample time.Duration) {
	if p.srtt == 0 {
		p.srtt = sample
		p.rttvar = sample / 2
	} else {
		diff := sample - p.srtt
		if diff < 0 {
			diff = -diff
		}
		p.rttvar += (diff - p.rttvar) / 4
		p.srtt += (sample - p.srtt) / 8
	}
	rto := p.srtt + 4*p.rttvar
	if rto < minRTO {
		rto = minRTO
	}
	p.rto = rto
}

func (p *PCB) scheduleAck(immediate bool) {
	p.segSinceAck++
	if immediate || p.segSinceAck >= 2 {
		p.sendAck()
		return
	}
	if p.delayedAck == nil {
		p.delayedAck = time.AfterFunc(delayedAckInterval, func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.state == StateClosed {
				return
			}
			p.sendAck()
		})
	}
}

func (p *PCB) sendAck() {
	if p.delayedAck != nil {
		p.delayedAck.Stop()
		p.delayedAck = nil
	}
	p.segSinceAck = 0
	p.emit(OutSegment{
		Seq: p.sndNxt, Ack: p.rcvNxt,
		Flags:  packet.TCPFlags{ACK: true},
		Window: p.advertisedWindow(),
	})
}

// trySend drains sndQueue into new outbound segments up to the
// advertised peer window and MSS, and emits a standalone FIN once the
// queue is empty and a close was requested.
func (p *PCB) trySend() {
	outstanding := p.sndNxt - p.sndUna
	for len(p.sndQueue) > 0 {
		avail := int(p.sndWnd) - int(outstanding)
		if avail <= 0 {
			return
		}
		n := avail
		if n > int(p.mss) {
			n = int(p.mss)
		}
		if n > len(p.sndQueue) {
			n = len(p.sndQueue)
		}
		chunk := p.sndQueue[:n]
		p.sndQueue = p.sndQueue[n:]

		seq := p.sndNxt
		p.emit(OutSegment{
			Seq: seq, Ack: p.rcvNxt,
			Flags:  packet.TCPFlags{ACK: true, PSH: len(p.sndQueue) == 0},
			Window: p.advertisedWindow(),
			Data:   chunk,
		})
		entry := rtxEntry{seq: seq, data: append([]byte(nil), chunk...), firstSent: time.Now(), lastSent: time.Now()}
		p.rtx = append(p.rtx, entry)
		p.sndNxt += uint32(n)
		outstanding += uint32(n)
		p.armRetransmit()
	}

	if len(p.sndQueue) == 0 && p.sndFinQueued && !p.sndFinSent {
		avail := int(p.sndWnd) - int(outstanding)
		if avail <= 0 {
			return
		}
		seq := p.sndNxt
		p.emit(OutSegment{
			Seq: seq, Ack: p.rcvNxt,
			Flags:  packet.TCPFlags{ACK: true, FIN: true},
			Window: p.advertisedWindow(),
		})
		p.rtx = append(p.rtx, rtxEntry{seq: seq, fin: true, firstSent: time.Now(), lastSent: time.Now()})
		p.sndNxt++
		p.sndFinSent = true
		p.armRetransmit()
	}
}

func (p *PCB) armRetransmit() {
	if p.rtxTimer != nil {
		return
	}
	p.rtxTimer = time.AfterFunc(p.rto, p.retransmitFire)
}

func (p *PCB) retransmitFire() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateClosed || len(p.rtx) == 0 {
		p.rtxTimer = nil
		return
	}

	p.retries++
	if p.retries > maxRetries {
		p.abort(ErrMaxRetriesExceeded)
		return
	}

	head := p.rtx[0]
	flags := packet.TCPFlags{ACK: true}
	if head.syn {
		flags.SYN = true
	}
	if head.fin {
		flags.FIN = true
	}
	seg := OutSegment{Seq: head.seq, Ack: p.rcvNxt, Flags: flags, Window: p.advertisedWindow(), Data: head.data}
	if head.syn {
		seg.MSS = DefaultMSS(p.IsV6)
	}
	p.emit(seg)
	head.lastSent = time.Now()
	p.rtx[0] = head

	p.rto *= 2
	if p.rto > maxRTO {
		p.rto = maxRTO
	}
	p.rtxTimer = time.AfterFunc(p.rto, p.retransmitFire)
}

func (p *PCB) armTimeWait() {
	p.timeWaitTimer = time.AfterFunc(timeWaitDuration, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.state == StateTimeWait {
			p.setState(StateClosed)
		}
	})
}

// abort performs the "any state, RST in window -> CLOSED" transition
// and the retransmit-exhaustion abort path, tearing down timers and the
// app-facing channel.
func (p *PCB) abort(cause error) {
	if p.state == StateClosed {
		return
	}
	if p.rtxTimer != nil {
		p.rtxTimer.Stop()
	}
	if p.delayedAck != nil {
		p.delayedAck.Stop()
	}
	if p.timeWaitTimer != nil {
		p.timeWaitTimer.Stop()
	}
	if !p.appReadEOF {
		p.appReadEOF = true
		close(p.appReadCh)
	}
	p.logger.Debug("pcb aborted", logging.KeyState, p.state.String(), logging.KeyError, cause)
	p.setState(StateClosed)
}

// Abort immediately tears down the PCB as if an in-window RST had
// arrived, for use when SOCKS5 CONNECT fails before the handshake
// completes.
func (p *PCB) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abort(ErrClosed)
}

// Read returns the next contiguous chunk of in-order application
// payload, or io.EOF once the peer's FIN has been processed and every
// buffered chunk has been delivered.
func (p *PCB) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-p.appReadCh:
		if !ok {
			return nil, io.EOF
		}
		p.mu.Lock()
		p.rcvWndUsed -= len(data)
		p.mu.Unlock()
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write queues application bytes for transmission to the tun peer,
// respecting the current window and MSS.
func (p *PCB) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateClosed || p.sndFinQueued {
		return 0, ErrClosed
	}
	p.sndQueue = append(p.sndQueue, data...)
	p.trySend()
	return len(data), nil
}

// CloseWrite signals application close: flush the send buffer, then
// send FIN once drained (ESTABLISHED -> FIN_WAIT_1, CLOSE_WAIT ->
// LAST_ACK).
func (p *PCB) CloseWrite() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sndFinQueued {
		return nil
	}
	p.sndFinQueued = true

	switch p.state {
	case StateEstablished:
		p.setState(StateFinWait1)
	case StateCloseWait:
		p.setState(StateLastAck)
	}
	p.trySend()
	return nil
}
