package worker

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"udstunnel/internal/protocol"
	"udstunnel/internal/statsreg"
)

func testDeps(t *testing.T) protocol.Deps {
	t.Helper()
	stats, err := statsreg.New(prometheus.NewRegistry())
	require.NoError(t, err)
	log := logrus.New()
	log.SetOutput(nopWriter{})
	return protocol.Deps{
		Stats: stats,
		Dial:  protocol.DefaultDialer,
		Log:   log,
	}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestDispatchRunsConnectionThroughHandler(t *testing.T) {
	w := New(0, testDeps(t), logrus.New())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	client, server := net.Pipe()
	require.True(t, w.Dispatch(server))

	client.Write(protocol.Handshake)
	client.Write([]byte(protocol.CmdTest))
	resp := make([]byte, len(protocol.RespOK))
	_, err := io.ReadFull(client, resp)
	require.NoError(t, err)
	require.Equal(t, protocol.RespOK, resp)
}

func TestLoadTracksActiveConnections(t *testing.T) {
	w := New(0, testDeps(t), logrus.New())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	client, server := net.Pipe()
	require.True(t, w.Dispatch(server))

	require.Eventually(t, func() bool { return w.Load() == 1 }, time.Second, 10*time.Millisecond)

	client.Write(protocol.Handshake)
	client.Write([]byte(protocol.CmdTest))
	client.Close()

	require.Eventually(t, func() bool { return w.Load() == 0 }, time.Second, 10*time.Millisecond)
}

func TestCloseRejectsFurtherDispatch(t *testing.T) {
	w := New(0, testDeps(t), logrus.New())
	w.Close()
	_, server := net.Pipe()
	require.False(t, w.Dispatch(server))
}
