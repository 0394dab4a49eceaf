package statsreg

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(prometheus.NewRegistry())
	require.NoError(t, err)
	return r
}

func TestOpenIncrementsCurrentAndTotal(t *testing.T) {
	r := newTestRegistry(t)
	conn := r.Open()
	snap := r.Snapshot()
	require.Equal(t, int64(1), snap.Current)
	require.Equal(t, int64(1), snap.Total)
	conn.Close()
}

func TestCloseIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	conn := r.Open()
	conn.Close()
	conn.Close()
	snap := r.Snapshot()
	require.Equal(t, int64(0), snap.Current, "double Close must not double-decrement current")
}

func TestCloseFlushesUnflushedBytes(t *testing.T) {
	r := newTestRegistry(t)
	conn := r.Open()
	conn.AddSent(100)
	conn.AddRecv(50)
	conn.Close()

	snap := r.Snapshot()
	require.Equal(t, int64(100), snap.Sent)
	require.Equal(t, int64(50), snap.Recv)
}

func TestTotalsReflectLocalCounters(t *testing.T) {
	r := newTestRegistry(t)
	conn := r.Open()
	conn.AddSent(10)
	conn.AddRecv(20)
	sent, recv := conn.Totals()
	require.Equal(t, int64(10), sent)
	require.Equal(t, int64(20), recv)
	conn.Close()
}

func TestSnapshotLineFormat(t *testing.T) {
	snap := Snapshot{Current: 1, Total: 2, Sent: 3, Recv: 4}
	require.Equal(t, "1;2;3;4\n", snap.Line())
}
