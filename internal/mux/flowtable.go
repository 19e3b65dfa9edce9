package mux

import (
	"net"
	"sync"

	"github.com/postalsys/muti-metroo/internal/tcpstack"
)

// FlowKey is the 4-tuple identifying a TCP PCB or an in-flight DNS
// exchange (SPEC_FULL.md §3 Data Model). net.IP is not comparable, so
// addresses are stored as their string form.
type FlowKey struct {
	SrcIP   string
	SrcPort uint16
	DstIP   string
	DstPort uint16
}

func newFlowKey(srcIP, dstIP net.IP, srcPort, dstPort uint16) FlowKey {
	return FlowKey{SrcIP: srcIP.String(), SrcPort: srcPort, DstIP: dstIP.String(), DstPort: dstPort}
}

// tcpFlow bundles a PCB with the bookkeeping the dispatcher needs to
// tear it down and account for it.
type tcpFlow struct {
	pcb    *tcpstack.PCB
	cancel func()
}

// FlowTable is the multiplexer's exclusive map of live TCP flows. Per
// SPEC_FULL.md §5 it is "owned by the multiplexer; it is the sole
// mutator" — every method here assumes the caller is the dispatcher's
// single ingress goroutine or a flow's own teardown path, so ordinary
// mutex exclusion (rather than a lock-free structure) is sufficient.
type FlowTable struct {
	mu    sync.Mutex
	flows map[FlowKey]*tcpFlow
}

// NewFlowTable constructs an empty table.
func NewFlowTable() *FlowTable {
	return &FlowTable{flows: make(map[FlowKey]*tcpFlow)}
}

// Get returns the flow for key, if any.
func (t *FlowTable) Get(key FlowKey) (*tcpFlow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.flows[key]
	return f, ok
}

// Put registers a new flow, replacing any prior entry under key.
func (t *FlowTable) Put(key FlowKey, f *tcpFlow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flows[key] = f
}

// Delete removes key, if present.
func (t *FlowTable) Delete(key FlowKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.flows, key)
}

// Len reports the number of tracked flows.
func (t *FlowTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.flows)
}

// Each calls f for every tracked flow. f must not call back into the
// table (Put/Delete/Get would deadlock).
func (t *FlowTable) Each(f func(FlowKey, *tcpFlow)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range t.flows {
		f(k, v)
	}
}
