// Package statsreg implements the process-wide statistics namespace (spec
// component C2): a small set of counters (monotone except current) shared
// across every worker, plus a per-connection handle that batches its deltas
// into the shared namespace no more often than every flushInterval.
//
// Every counter update is mirrored into a Prometheus collector (a gauge for
// current, counters for the rest) so the same numbers that feed the wire
// "STAT"/"INFO" snapshot are also scrapeable at /metrics.
package statsreg

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// flushInterval bounds how often a connection's local deltas are applied to
// the shared namespace, per spec.md §3/§4.2.
const flushInterval = 2 * time.Second

// Registry is the process-wide, shared statistics namespace. All exported
// methods are safe for concurrent use by every worker goroutine.
type Registry struct {
	mu sync.Mutex

	current int64
	total   int64
	sent    int64
	recv    int64

	gCurrent prometheus.Gauge
	gTotal   prometheus.Counter
	gSent    prometheus.Counter
	gRecv    prometheus.Counter
}

// New constructs a Registry and registers its Prometheus collectors against
// reg. Passing a fresh prometheus.NewRegistry() keeps tests hermetic;
// passing prometheus.DefaultRegisterer wires it into the default /metrics
// handler.
func New(reg prometheus.Registerer) (*Registry, error) {
	r := &Registry{
		gCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "udstunnel",
			Name:      "connections_current",
			Help:      "Currently open tunnel connections.",
		}),
		gTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "udstunnel",
			Name:      "connections_total",
			Help:      "Tunnel connections accepted since start.",
		}),
		gSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "udstunnel",
			Name:      "bytes_sent_total",
			Help:      "Bytes forwarded from back-end to client.",
		}),
		gRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "udstunnel",
			Name:      "bytes_recv_total",
			Help:      "Bytes forwarded from client to back-end.",
		}),
	}
	for _, c := range []prometheus.Collector{r.gCurrent, r.gTotal, r.gSent, r.gRecv} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("statsreg: registering collector: %w", err)
		}
	}
	return r, nil
}

// Snapshot is the four-counter point-in-time view of the shared namespace.
type Snapshot struct {
	Current int64
	Total   int64
	Sent    int64
	Recv    int64
}

// Snapshot returns the current values of the four shared counters.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{Current: r.current, Total: r.total, Sent: r.sent, Recv: r.recv}
}

// Line renders the snapshot as the wire format from spec.md §4.2:
// "current;total;sent;recv\n".
func (s Snapshot) Line() string {
	return fmt.Sprintf("%d;%d;%d;%d\n", s.Current, s.Total, s.Sent, s.Recv)
}

func (r *Registry) addSent(n int64) {
	r.mu.Lock()
	r.sent += n
	r.mu.Unlock()
	r.gSent.Add(float64(n))
}

func (r *Registry) addRecv(n int64) {
	r.mu.Lock()
	r.recv += n
	r.mu.Unlock()
	r.gRecv.Add(float64(n))
}

func (r *Registry) open() {
	r.mu.Lock()
	r.current++
	r.total++
	r.mu.Unlock()
	r.gCurrent.Inc()
	r.gTotal.Inc()
}

func (r *Registry) closeOne() {
	r.mu.Lock()
	r.current--
	r.mu.Unlock()
	r.gCurrent.Dec()
}

// Connection is a per-connection statistics handle. It buffers local deltas
// and only touches the shared Registry on flush, per the batching policy in
// spec.md §4.2.
type Connection struct {
	mu sync.Mutex

	reg *Registry

	localSent int64
	localRecv int64

	flushedSent int64
	flushedRecv int64

	lastFlush time.Time
	closed    bool
}

// Open creates a new per-connection handle and immediately accounts for it
// in the shared namespace (current++, total++).
func (r *Registry) Open() *Connection {
	r.open()
	return &Connection{reg: r, lastFlush: time.Now()}
}

// AddSent records n bytes forwarded onward to the client (the backend to
// client direction), per the broker-centric naming in spec.md §4.6.
func (c *Connection) AddSent(n int) {
	c.mu.Lock()
	c.localSent += int64(n)
	c.maybeFlushLocked(false)
	c.mu.Unlock()
}

// AddRecv records n bytes received from the client (the client to backend
// direction).
func (c *Connection) AddRecv(n int) {
	c.mu.Lock()
	c.localRecv += int64(n)
	c.maybeFlushLocked(false)
	c.mu.Unlock()
}

// maybeFlushLocked applies local deltas to the shared registry if at least
// flushInterval has elapsed since the last flush, or force is set. Caller
// must hold c.mu.
func (c *Connection) maybeFlushLocked(force bool) {
	if !force && time.Since(c.lastFlush) < flushInterval {
		return
	}
	c.flushLocked()
}

func (c *Connection) flushLocked() {
	deltaSent := c.localSent - c.flushedSent
	deltaRecv := c.localRecv - c.flushedRecv
	if deltaSent != 0 {
		c.reg.addSent(deltaSent)
		c.flushedSent = c.localSent
	}
	if deltaRecv != 0 {
		c.reg.addRecv(deltaRecv)
		c.flushedRecv = c.localRecv
	}
	c.lastFlush = time.Now()
}

// Totals returns the connection's locally accumulated sent/recv byte
// counts, independent of the shared namespace.
func (c *Connection) Totals() (sent, recv int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localSent, c.localRecv
}

// Close flushes any remaining deltas and decrements the shared `current`
// counter exactly once. Idempotent: a second call is a no-op.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.flushLocked()
	c.mu.Unlock()
	c.reg.closeOne()
}
