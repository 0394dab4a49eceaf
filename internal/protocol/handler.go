// Package protocol implements the command parser / state machine (C4) and
// the stats responder (C7) described in spec.md §4.4 and §4.7.
//
// The state diagram is:
//
//	AWAIT_HANDSHAKE -> AWAIT_COMMAND -> {AWAIT_TICKET -> LOOKUP -> DIAL -> PROXY
//	                                    | TEST -> CLOSE
//	                                    | AWAIT_PASSWORD -> AUTHZ -> EMIT_STATS -> CLOSE}
//
// Each connection reads fixed-length fields off the wire in sequence and
// acts as soon as a field completes; nothing is buffered beyond what the
// current state needs.
package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"udstunnel/internal/controlplane"
	"udstunnel/internal/forwarder"
	"udstunnel/internal/secretauth"
	"udstunnel/internal/statsreg"
)

// BackendDialTimeout bounds the TCP dial to the back-end host:port returned
// by the control plane.
const BackendDialTimeout = 10 * time.Second

// ControlPlane is the subset of *controlplane.Client the handler depends
// on, narrowed to an interface so tests can substitute a fake.
type ControlPlane interface {
	Open(ctx context.Context, ticket, clientIP string) (*controlplane.LookupResult, error)
	Stop(ctx context.Context, notify string, sent, recv int64) error
}

// AllowList reports whether a source IP may issue STAT/INFO commands.
type AllowList interface {
	Allowed(ip string) bool
}

// Dialer opens the plain-TCP back-end leg. Production code uses net.Dialer;
// tests substitute an in-memory pipe.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// DefaultDialer dials a real TCP connection.
func DefaultDialer(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: BackendDialTimeout}
	return d.DialContext(ctx, "tcp", addr)
}

// Deps bundles everything the state machine needs beyond the raw
// connection: the control-plane client, the shared statistics namespace,
// the admin secret and allow-list, and the back-end dialer.
type Deps struct {
	ControlPlane ControlPlane
	Stats        *statsreg.Registry
	Allow        AllowList
	SecretHash   string
	Dial         Dialer
	Log          *logrus.Logger
}

// HandleConnection drives one already TLS-terminated client connection
// through the full state machine until it closes. It never returns an
// error to the caller: every failure is handled in-protocol (a response
// token, or silence, followed by closing the connection) per spec.md §7,
// so an uncaught failure here only ever drops this one connection.
func HandleConnection(ctx context.Context, client net.Conn, deps Deps) {
	defer client.Close()

	connID := uuid.NewString()
	remoteAddr := client.RemoteAddr().String()
	log := deps.Log.WithFields(logrus.Fields{"conn": connID, "remote": remoteAddr})

	client.SetReadDeadline(time.Now().Add(ReadTimeout))

	hs := make([]byte, len(Handshake))
	if _, err := io.ReadFull(client, hs); err != nil {
		log.WithError(err).Debug("handshake read failed, closing")
		return
	}
	if !bytes.Equal(hs, Handshake) {
		log.Warn("bad handshake magic, closing")
		return
	}

	cmd := make([]byte, CommandLength)
	if _, err := io.ReadFull(client, cmd); err != nil {
		log.WithError(err).Debug("command read failed, closing")
		return
	}

	switch string(cmd) {
	case CmdOpen:
		handleOpen(ctx, client, deps, log)
	case CmdTest:
		log.Info("TEST command")
		client.SetReadDeadline(time.Time{})
		client.Write(RespOK)
	case CmdStat, CmdInfo:
		handleStats(client, deps, remoteAddr, log)
	default:
		log.WithField("command", fmt.Sprintf("%q", cmd)).Warn("unknown command")
		client.Write(RespErrorCommand)
	}
}

func handleOpen(ctx context.Context, client net.Conn, deps Deps, log *logrus.Entry) {
	ticket := make([]byte, TicketLength)
	if _, err := io.ReadFull(client, ticket); err != nil {
		log.WithError(err).Debug("ticket read failed, closing")
		return
	}
	client.SetReadDeadline(time.Time{})

	if !ValidTicket(ticket) {
		log.Warn("malformed ticket, rejecting without a control-plane call")
		client.Write(RespErrorTicket)
		return
	}

	clientIP, _, _ := net.SplitHostPort(client.RemoteAddr().String())

	lookupCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	result, err := deps.ControlPlane.Open(lookupCtx, string(ticket), clientIP)
	if err != nil {
		var timeoutErr *controlplane.ErrLookupTimeout
		if errors.As(err, &timeoutErr) {
			log.WithError(err).Warn("control-plane lookup timed out")
			client.Write(RespTimeout)
			return
		}
		log.WithError(err).Warn("control-plane rejected ticket")
		client.Write(RespErrorTicket)
		return
	}

	backendAddr := net.JoinHostPort(result.Host, fmt.Sprintf("%d", result.Port))
	dialCtx, dialCancel := context.WithTimeout(ctx, BackendDialTimeout)
	backend, err := deps.Dial(dialCtx, backendAddr)
	dialCancel()
	if err != nil {
		log.WithError(err).WithField("backend", backendAddr).Warn("back-end dial failed")
		client.Write(RespErrorTicket)
		return
	}

	log.WithField("backend", backendAddr).Info("tunnel established")
	if _, err := client.Write(RespOK); err != nil {
		backend.Close()
		return
	}

	stats := deps.Stats.Open()
	pumpErr := forwarder.Pump(client, backend, stats)
	sent, recv := stats.Totals()
	stats.Close()
	if pumpErr != nil {
		log.WithError(pumpErr).Debug("forwarder ended with error")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), BackendDialTimeout)
	defer stopCancel()
	if err := deps.ControlPlane.Stop(stopCtx, result.Notify, sent, recv); err != nil {
		log.WithError(err).Warn("control-plane stop notification failed")
	}
}

func handleStats(client net.Conn, deps Deps, remoteAddr string, log *logrus.Entry) {
	ip, _, _ := net.SplitHostPort(remoteAddr)
	if !deps.Allow.Allowed(ip) {
		log.WithField("source", ip).Warn("stats request from disallowed source")
		client.Write(RespForbidden)
		return
	}

	password := make([]byte, PasswordLength)
	if _, err := io.ReadFull(client, password); err != nil {
		log.WithError(err).Debug("password read failed, closing")
		return
	}
	client.SetReadDeadline(time.Time{})

	if !secretauth.Equal(password, deps.SecretHash) {
		log.Warn("stats request with bad password")
		client.Write(RespForbidden)
		return
	}

	snapshot := deps.Stats.Snapshot()
	client.Write([]byte(snapshot.Line()))
	log.Info("stats served")
}
