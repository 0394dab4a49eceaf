// Package supervisor owns the listener sockets and the pool of workers
// behind them (spec component C9). It accepts connections, hands each one
// to the least-loaded worker, respawns workers that stop accepting work,
// and coordinates graceful shutdown on SIGTERM/SIGINT.
package supervisor

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"udstunnel/internal/protocol"
	"udstunnel/internal/worker"
)

// acceptDeadline bounds each Accept call so the listener loop can observe
// context cancellation promptly.
const acceptDeadline = 2 * time.Second

// respawnGrace is how long a worker is given to accept a dispatched
// connection before the supervisor considers it dead and respawns it in
// its slot, matching worker.DispatchTimeout's unresponsiveness window.
const respawnGrace = worker.DispatchTimeout

// Options configures a Supervisor.
type Options struct {
	ListenAddress string
	ListenPort    int
	ListenIPv6    bool
	TLSConfig     *tls.Config
	WorkerCount   int
	Deps          protocol.Deps
	User          string // drop privileges to this user after binding, if set
	Log           *logrus.Logger
}

// Supervisor owns the listener and the worker pool dispatching accepted
// connections into it.
type Supervisor struct {
	opts    Options
	log     *logrus.Logger
	workers []*worker.Worker
	mu      sync.Mutex // guards workers slice during respawn
	wg      sync.WaitGroup
	ctx     context.Context // set by Run; used by respawn to start replacements
}

// New constructs a Supervisor with opts.WorkerCount workers, not yet
// started.
func New(opts Options) *Supervisor {
	s := &Supervisor{opts: opts, log: opts.Log}
	s.workers = make([]*worker.Worker, opts.WorkerCount)
	for i := range s.workers {
		s.workers[i] = worker.New(i, opts.Deps, s.log)
	}
	return s
}

// Run binds the listener, starts every worker, accepts connections until
// ctx is cancelled or a termination signal arrives, and blocks until
// shutdown has drained every in-flight connection.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ctx = ctx

	ln, err := s.listen()
	if err != nil {
		return err
	}
	defer ln.Close()

	if err := s.dropPrivileges(); err != nil {
		return err
	}

	for _, w := range s.workers {
		s.wg.Add(1)
		go func(w *worker.Worker) {
			defer s.wg.Done()
			w.Run(ctx)
		}(w)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			s.log.Info("shutdown signal received, draining")
			cancel()
		case <-ctx.Done():
		}
	}()

	s.acceptLoop(ctx, ln)

	for _, w := range s.snapshotWorkers() {
		w.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Supervisor) listen() (net.Listener, error) {
	host := s.opts.ListenAddress
	if s.opts.ListenIPv6 && host == "0.0.0.0" {
		host = "::"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(s.opts.ListenPort))
	tcpLn, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("supervisor: listen %s: %w", addr, err)
	}
	s.log.WithField("addr", addr).Info("listening")
	return tls.NewListener(tcpLn, s.opts.TLSConfig), nil
}

// dropPrivileges switches to the configured unprivileged user after the
// listener socket is bound (root is only needed to bind low ports).
// User must be a numeric uid: no username lookup is done, and the same
// number is also used as the gid. golang.org/x/sys/unix gives direct access to setuid/setgid, which the
// standard library does not expose portably.
func (s *Supervisor) dropPrivileges() error {
	if s.opts.User == "" || os.Geteuid() != 0 {
		return nil
	}
	uidStr := s.opts.User
	uid, err := strconv.Atoi(uidStr)
	if err != nil {
		return fmt.Errorf("supervisor: user must be numeric uid on this platform: %w", err)
	}
	if err := unix.Setgid(uid); err != nil {
		return fmt.Errorf("supervisor: setgid: %w", err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("supervisor: setuid: %w", err)
	}
	s.log.WithField("uid", uid).Info("dropped privileges")
	return nil
}

func (s *Supervisor) acceptLoop(ctx context.Context, ln net.Listener) {
	type deadliner interface {
		SetDeadline(time.Time) error
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if dl, ok := ln.(deadliner); ok {
			dl.SetDeadline(time.Now().Add(acceptDeadline))
		}
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				s.log.WithError(err).Warn("accept failed")
				continue
			}
		}
		s.dispatch(conn)
	}
}

// dispatch hands conn to the least-loaded live worker. If that worker
// fails to accept it within respawnGrace, it is treated as unresponsive
// and replaced in its slot (spec.md §4.9 item 4), and the connection is
// retried once against the new worker.
func (s *Supervisor) dispatch(conn net.Conn) {
	w := s.bestWorker()
	if w.Dispatch(conn) {
		return
	}
	s.log.WithField("worker", w.ID()).Warn("worker unresponsive, respawning")
	replacement := s.respawn(w)
	if replacement == nil || !replacement.Dispatch(conn) {
		conn.Close()
	}
}

// bestWorker returns the worker with the fewest live connections, used as
// a load proxy (see worker.Load).
func (s *Supervisor) bestWorker() *worker.Worker {
	workers := s.snapshotWorkers()
	best := workers[0]
	for _, w := range workers[1:] {
		if w.Load() < best.Load() {
			best = w
		}
	}
	return best
}

// respawn replaces dead in its logical slot with a fresh worker, preserving
// slot indices so the pool keeps the same worker count after a restart.
func (s *Supervisor) respawn(dead *worker.Worker) *worker.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.workers {
		if w == dead {
			dead.Close()
			replacement := worker.New(dead.ID(), s.opts.Deps, s.log)
			s.workers[i] = replacement
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				replacement.Run(s.ctx)
			}()
			return replacement
		}
	}
	return nil
}

func (s *Supervisor) snapshotWorkers() []*worker.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*worker.Worker, len(s.workers))
	copy(out, s.workers)
	return out
}
