package protocol

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"udstunnel/internal/controlplane"
	"udstunnel/internal/secretauth"
	"udstunnel/internal/statsreg"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeControlPlane struct {
	result    *controlplane.LookupResult
	openErr   error
	stopCalls []string
}

func (f *fakeControlPlane) Open(ctx context.Context, ticket, clientIP string) (*controlplane.LookupResult, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.result, nil
}

func (f *fakeControlPlane) Stop(ctx context.Context, notify string, sent, recv int64) error {
	f.stopCalls = append(f.stopCalls, notify)
	return nil
}

type allowAll struct{}

func (allowAll) Allowed(ip string) bool { return true }

type allowNone struct{}

func (allowNone) Allowed(ip string) bool { return false }

func testDeps(t *testing.T, cp ControlPlane, dial Dialer) Deps {
	t.Helper()
	stats, err := statsreg.New(prometheus.NewRegistry())
	require.NoError(t, err)
	log := logrus.New()
	log.SetOutput(testWriter{t})
	return Deps{
		ControlPlane: cp,
		Stats:        stats,
		Allow:        allowAll{},
		SecretHash:   secretauth.Hash("adminsecret"),
		Dial:         dial,
		Log:          log,
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { return len(p), nil }

func validTicket() []byte {
	return []byte(strings.Repeat("a", TicketLength))
}

func TestHandleConnectionTestCommand(t *testing.T) {
	client, server := net.Pipe()
	deps := testDeps(t, &fakeControlPlane{}, DefaultDialer)

	go HandleConnection(context.Background(), server, deps)

	client.Write(Handshake)
	client.Write([]byte(CmdTest))

	resp := make([]byte, len(RespOK))
	_, err := io.ReadFull(client, resp)
	require.NoError(t, err)
	require.Equal(t, RespOK, resp)
}

func TestHandleConnectionBadHandshakeCloses(t *testing.T) {
	client, server := net.Pipe()
	deps := testDeps(t, &fakeControlPlane{}, DefaultDialer)

	go HandleConnection(context.Background(), server, deps)

	client.Write([]byte("garbage!"))
	buf := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(time.Second))
	_, err := client.Read(buf)
	require.Error(t, err)
}

func TestHandleConnectionOpenRejectsMalformedTicket(t *testing.T) {
	client, server := net.Pipe()
	deps := testDeps(t, &fakeControlPlane{}, DefaultDialer)

	go HandleConnection(context.Background(), server, deps)

	badTicket := []byte(strings.Repeat("a", TicketLength-1) + "!")
	client.Write(Handshake)
	client.Write([]byte(CmdOpen))
	client.Write(badTicket)
	client.SetReadDeadline(time.Now().Add(time.Second))
	resp := make([]byte, len(RespErrorTicket))
	n, _ := client.Read(resp)
	require.Equal(t, string(RespErrorTicket), string(resp[:n]))
}

func TestHandleConnectionOpenDialsBackendAndRelays(t *testing.T) {
	backendLocal, backendRemote := net.Pipe()
	dial := func(ctx context.Context, addr string) (net.Conn, error) {
		require.Equal(t, "10.0.0.5:3389", addr)
		return backendRemote, nil
	}
	cp := &fakeControlPlane{result: &controlplane.LookupResult{Host: "10.0.0.5", Port: 3389, Notify: "notify-1"}}
	deps := testDeps(t, cp, dial)

	client, server := net.Pipe()
	go HandleConnection(context.Background(), server, deps)

	client.Write(Handshake)
	client.Write([]byte(CmdOpen))
	client.Write(validTicket())

	resp := make([]byte, len(RespOK))
	_, err := io.ReadFull(client, resp)
	require.NoError(t, err)
	require.Equal(t, RespOK, resp)

	go func() {
		client.Write([]byte("ping"))
		client.Close()
	}()
	got := make([]byte, 4)
	_, err = io.ReadFull(backendLocal, got)
	require.NoError(t, err)
	require.Equal(t, "ping", string(got))
	backendLocal.Close()

	require.Eventually(t, func() bool {
		return len(cp.stopCalls) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, "notify-1", cp.stopCalls[0])
}

func TestHandleConnectionStatRequiresSecret(t *testing.T) {
	client, server := net.Pipe()
	deps := testDeps(t, &fakeControlPlane{}, DefaultDialer)

	go HandleConnection(context.Background(), server, deps)

	client.Write(Handshake)
	client.Write([]byte(CmdInfo))
	client.Write(make([]byte, PasswordLength))

	resp := make([]byte, len(RespForbidden))
	_, err := io.ReadFull(client, resp)
	require.NoError(t, err)
	require.Equal(t, RespForbidden, resp)
}

func TestHandleConnectionStatDeniedByAllowList(t *testing.T) {
	stats, err := statsreg.New(prometheus.NewRegistry())
	require.NoError(t, err)
	log := logrus.New()
	log.SetOutput(testWriter{t})
	deps := Deps{
		ControlPlane: &fakeControlPlane{},
		Stats:        stats,
		Allow:        allowNone{},
		SecretHash:   secretauth.Hash("adminsecret"),
		Dial:         DefaultDialer,
		Log:          log,
	}

	client, server := net.Pipe()
	go HandleConnection(context.Background(), server, deps)

	client.Write(Handshake)
	client.Write([]byte(CmdInfo))

	resp := make([]byte, len(RespForbidden))
	_, err = io.ReadFull(client, resp)
	require.NoError(t, err)
	require.Equal(t, RespForbidden, resp)
}

