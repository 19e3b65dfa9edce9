// Package stream relays application bytes between a tun-facing TCP flow
// and its SOCKS5 upstream connection, propagating half-close in both
// directions and tracking per-flow byte counters.
package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/postalsys/muti-metroo/internal/logging"
	"github.com/postalsys/muti-metroo/internal/metrics"
	"github.com/postalsys/muti-metroo/internal/recovery"
)

// State is the relay's view of how much of the flow has closed.
type State int32

const (
	StateOpen State = iota
	StateHalfClosedLocal  // tun side has no more data to send upstream
	StateHalfClosedRemote // upstream has no more data to deliver to tun
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfClosedLocal:
		return "HALF_CLOSED_LOCAL"
	case StateHalfClosedRemote:
		return "HALF_CLOSED_REMOTE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Endpoint is the tun-facing side of a flow: the subset of tcpstack.PCB's
// surface the relay needs. Accepting an interface here (rather than the
// concrete PCB type) keeps this package usable in tests without a full
// TCP state machine behind it.
type Endpoint interface {
	Read(ctx context.Context) ([]byte, error)
	Write(p []byte) (int, error)
	CloseWrite() error
}

// halfCloser is implemented by connections that support a TCP half-close
// (net.TCPConn and the SOCKS5 upstream net.Conn both do).
type halfCloser interface {
	CloseWrite() error
}

// Relay copies bytes bidirectionally between a tun-facing Endpoint and its
// SOCKS5 upstream net.Conn until both directions have seen EOF, an error
// occurs, or ctx is canceled.
type Relay struct {
	tun      Endpoint
	upstream net.Conn
	logger   *slog.Logger
	metrics  *metrics.Metrics

	state     atomic.Int32
	mu        sync.Mutex
	localFin  bool
	remoteFin bool

	bytesToUpstream   atomic.Uint64
	bytesFromUpstream atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// NewRelay constructs a relay ready to run via Run.
func NewRelay(tun Endpoint, upstream net.Conn, logger *slog.Logger, m *metrics.Metrics) *Relay {
	if logger == nil {
		logger = logging.NopLogger()
	}
	r := &Relay{
		tun:      tun,
		upstream: upstream,
		logger:   logger,
		metrics:  m,
		done:     make(chan struct{}),
	}
	r.state.Store(int32(StateOpen))
	return r
}

// State returns the relay's current half-close state.
func (r *Relay) State() State { return State(r.state.Load()) }

// Done is closed once both directions have finished (normally or on error).
func (r *Relay) Done() <-chan struct{} { return r.done }

// BytesTransferred returns (tun->upstream, upstream->tun) byte counts.
func (r *Relay) BytesTransferred() (toUpstream, fromUpstream uint64) {
	return r.bytesToUpstream.Load(), r.bytesFromUpstream.Load()
}

// Run drives both copy directions and blocks until the flow fully closes.
// It returns the first error observed on either side, or nil on a clean
// bidirectional EOF.
func (r *Relay) Run(ctx context.Context) error {
	defer r.closeOnce.Do(func() { close(r.done) })

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer recovery.RecoverWithLog(r.logger, "stream.Relay.tunToUpstream")
		errCh <- r.tunToUpstream(ctx, cancel)
	}()

	go func() {
		defer wg.Done()
		defer recovery.RecoverWithLog(r.logger, "stream.Relay.upstreamToTun")
		errCh <- r.upstreamToTun(ctx, cancel)
	}()

	wg.Wait()
	close(errCh)

	var first error
	for err := range errCh {
		if err != nil && first == nil {
			first = err
		}
	}

	r.upstream.Close()
	r.markClosed()
	return first
}

const upstreamReadBufSize = 4096 // >=2 KiB per SPEC_FULL.md §4.7

func (r *Relay) tunToUpstream(ctx context.Context, abort func()) error {
	for {
		data, err := r.tun.Read(ctx)
		if err != nil {
			if err == io.EOF {
				r.markLocalFin()
				if hc, ok := r.upstream.(halfCloser); ok {
					hc.CloseWrite()
				} else {
					r.upstream.Close()
				}
				return nil
			}
			abort()
			return err
		}
		if _, err := writeFull(r.upstream, data); err != nil {
			abort()
			return err
		}
		r.bytesToUpstream.Add(uint64(len(data)))
	}
}

func (r *Relay) upstreamToTun(ctx context.Context, abort func()) error {
	buf := make([]byte, upstreamReadBufSize)
	for {
		n, err := r.upstream.Read(buf)
		if n > 0 {
			if _, werr := r.tun.Write(buf[:n]); werr != nil {
				abort()
				return werr
			}
			r.bytesFromUpstream.Add(uint64(n))
		}
		if err != nil {
			if err == io.EOF {
				r.markRemoteFin()
				r.tun.CloseWrite()
				return nil
			}
			abort()
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func writeFull(w io.Writer, data []byte) (int, error) {
	written := 0
	for written < len(data) {
		n, err := w.Write(data[written:])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (r *Relay) markLocalFin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.localFin {
		return
	}
	r.localFin = true
	r.transitionLocked()
}

func (r *Relay) markRemoteFin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.remoteFin {
		return
	}
	r.remoteFin = true
	r.transitionLocked()
}

// transitionLocked must be called with r.mu held.
func (r *Relay) transitionLocked() {
	switch {
	case r.localFin && r.remoteFin:
		r.setState(StateClosed)
	case r.localFin:
		r.setState(StateHalfClosedLocal)
	case r.remoteFin:
		r.setState(StateHalfClosedRemote)
	}
}

func (r *Relay) markClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setState(StateClosed)
}

func (r *Relay) setState(s State) {
	if State(r.state.Load()) == s {
		return
	}
	r.state.Store(int32(s))
	r.logger.Debug("flow state", logging.KeyState, s.String())
}

// String returns a debug representation.
func (r *Relay) String() string {
	toUp, fromUp := r.BytesTransferred()
	return fmt.Sprintf("Relay{state=%s, up=%d, down=%d}", r.State(), toUp, fromUp)
}
