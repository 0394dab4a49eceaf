// Package worker implements the event loop each broker worker runs
// (spec component C8): it owns one inbound queue of accepted connections
// and spawns a task per connection that runs the protocol state machine
// through to completion.
//
// Each Worker is a goroutine with a buffered channel as its inbound
// queue, and each accepted connection gets its own task (a goroutine)
// spawned per accepted net.Conn.
package worker

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"udstunnel/internal/protocol"
)

// QueueSize bounds how many accepted connections may sit in a worker's
// inbound queue before Dispatch considers it unresponsive, analogous to the
// supervisor detecting a zombie child process at dispatch time
// (spec.md §4.9 item 4).
const QueueSize = 64

// DispatchTimeout is how long Dispatch waits for the worker to accept a
// connection off its queue before the caller treats it as unresponsive.
const DispatchTimeout = 2 * time.Second

// Worker owns exactly one inbound queue and runs its cooperative loop on a
// single goroutine; any parallelism within a worker comes from the
// per-connection goroutines it spawns, not from the loop itself.
type Worker struct {
	id     int
	queue  chan net.Conn
	active int64 // atomic: live connections, used as the dispatch load metric
	deps   protocol.Deps
	log    *logrus.Entry
	wg     sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Worker. Call Run in its own goroutine to start the
// event loop.
func New(id int, deps protocol.Deps, log *logrus.Logger) *Worker {
	return &Worker{
		id:     id,
		queue:  make(chan net.Conn, QueueSize),
		deps:   deps,
		log:    log.WithField("worker", id),
		closed: make(chan struct{}),
	}
}

// ID returns the worker's logical slot number. Respawned replacements keep
// the same slot, per spec.md §4.9 item 4 ("the replacement retains the same
// logical slot count").
func (w *Worker) ID() int { return w.id }

// Load returns the worker's current live-connection count, the metric the
// supervisor uses to pick the least-loaded worker (spec.md §4.9 item 3).
// Goroutines share one OS process and have no independent CPU-percent
// figure; live connection count is the closest available proxy (see
// DESIGN.md).
func (w *Worker) Load() int64 {
	return atomic.LoadInt64(&w.active)
}

// Dispatch hands conn to the worker's queue, waiting up to DispatchTimeout.
// It returns false if the queue is full or the worker has been closed,
// which the supervisor treats as a dead/unresponsive worker.
func (w *Worker) Dispatch(conn net.Conn) bool {
	select {
	case <-w.closed:
		return false
	default:
	}
	select {
	case w.queue <- conn:
		return true
	case <-time.After(DispatchTimeout):
		return false
	case <-w.closed:
		return false
	}
}

// Run is the worker's cooperative event loop: it pulls connections off its
// queue and spawns a task per connection until ctx is cancelled, then
// drains in-flight tasks before returning (spec.md §4.8 "Graceful
// shutdown: workers drain in-flight tasks, then exit").
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case conn := <-w.queue:
			w.spawn(ctx, conn)
		}
	}
}

func (w *Worker) spawn(ctx context.Context, conn net.Conn) {
	atomic.AddInt64(&w.active, 1)
	w.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.WithField("panic", r).Error("recovered panic in connection task")
			}
			atomic.AddInt64(&w.active, -1)
			w.wg.Done()
		}()
		protocol.HandleConnection(ctx, conn, w.deps)
	}()
}

func (w *Worker) drain() {
	w.log.Info("draining in-flight connections")
	w.wg.Wait()
}

// Close marks the worker unresponsive to new dispatches. Idempotent.
func (w *Worker) Close() {
	w.closeOnce.Do(func() { close(w.closed) })
}
