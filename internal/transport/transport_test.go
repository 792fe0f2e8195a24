package transport

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/wakeonlan/internal/cluster"
	"github.com/dreamware/wakeonlan/internal/telemetry"
	"github.com/dreamware/wakeonlan/internal/wire"
)

var testSelf = cluster.NodeInfo{
	Hostname: "m0",
	IP:       "127.0.0.1",
	MAC:      "AA:BB:CC:DD:EE:00",
}

// newLoopback starts a transport on an ephemeral loopback port that sends to
// itself.
func newLoopback(t *testing.T) *Transport {
	t.Helper()
	tr := New(testSelf, cluster.NewSyncState(), Options{
		BindAddr:      "127.0.0.1",
		BroadcastAddr: "127.0.0.1",
	}, zaptest.NewLogger(t))
	require.NoError(t, tr.Start())
	t.Cleanup(func() { _ = tr.Stop() })
	return tr
}

// popWithin waits for the next message on q.
func popWithin(t *testing.T, q *Queue, d time.Duration) (wire.Message, bool) {
	t.Helper()
	deadline := time.After(d)
	for {
		if m, ok := q.TryPop(); ok {
			return m, true
		}
		select {
		case <-q.Ready():
		case <-deadline:
			return wire.Message{}, false
		}
	}
}

func TestStartBindsEphemeralPort(t *testing.T) {
	tr := newLoopback(t)
	assert.NotZero(t, tr.Port())
}

func TestStartBindFailure(t *testing.T) {
	first := newLoopback(t)

	second := New(testSelf, nil, Options{BindAddr: "127.0.0.1", Port: first.Port()}, zaptest.NewLogger(t))
	err := second.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bind")
}

func TestSendBeforeStart(t *testing.T) {
	tr := New(testSelf, nil, Options{}, zaptest.NewLogger(t))
	err := tr.Send(wire.New(wire.TypeStatus, 1, testSelf), "127.0.0.1")
	assert.ErrorIs(t, err, ErrNotStarted)
}

// TestClassification verifies that each message type lands in the queue of
// the protocol that owns it.
func TestClassification(t *testing.T) {
	tr := newLoopback(t)

	cases := []struct {
		typ   wire.Type
		queue *Queue
	}{
		{wire.TypeStatus, tr.Monitoring()},
		{wire.TypeDiscovery, tr.Discovery()},
		{wire.TypeExit, tr.Discovery()},
		{wire.TypeElection, tr.Election()},
		{wire.TypeAnswer, tr.Election()},
		{wire.TypeCoordinator, tr.Election()},
	}
	for _, tc := range cases {
		t.Run(tc.typ.String(), func(t *testing.T) {
			require.NoError(t, tr.Send(wire.New(tc.typ, 42, testSelf), "127.0.0.1"))

			m, ok := popWithin(t, tc.queue, 2*time.Second)
			require.True(t, ok, "message not routed")
			assert.Equal(t, tc.typ, m.Type)
			assert.Equal(t, uint32(42), m.Seq)
			assert.Equal(t, testSelf.Hostname, m.Hostname)
			assert.Equal(t, testSelf.MAC, m.MAC)
		})
	}
}

// TestDropsUnknownAndMalformed verifies that garbage and Unknown messages
// never reach a queue and do not stop the receive loop.
func TestDropsUnknownAndMalformed(t *testing.T) {
	tr := newLoopback(t)

	decodeBefore := testutil.ToFloat64(telemetry.DatagramsDropped.WithLabelValues("decode"))
	unknownBefore := testutil.ToFloat64(telemetry.DatagramsDropped.WithLabelValues("unknown"))

	conn, err := net.Dial("udp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(tr.Port())))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("garbage"))
	require.NoError(t, err)
	bad := wire.Encode(wire.New(wire.TypeStatus, 1, testSelf))
	bad[0] = 'Z'
	_, err = conn.Write(bad)
	require.NoError(t, err)
	require.NoError(t, tr.Send(wire.New(wire.TypeUnknown, 1, testSelf), "127.0.0.1"))

	// A valid message sent afterwards still arrives.
	require.NoError(t, tr.Send(wire.New(wire.TypeDiscovery, wire.SeqSYN, testSelf), "127.0.0.1"))
	m, ok := popWithin(t, tr.Discovery(), 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, wire.TypeDiscovery, m.Type)

	assert.Zero(t, tr.Monitoring().Len())
	assert.Zero(t, tr.Election().Len())
	assert.Zero(t, tr.Discovery().Len())
	assert.Equal(t, decodeBefore+2, testutil.ToFloat64(telemetry.DatagramsDropped.WithLabelValues("decode")))
	assert.Equal(t, unknownBefore+1, testutil.ToFloat64(telemetry.DatagramsDropped.WithLabelValues("unknown")))
}

func TestBroadcast(t *testing.T) {
	tr := newLoopback(t)

	require.NoError(t, tr.Broadcast(wire.New(wire.TypeDiscovery, wire.SeqSYN, testSelf)))
	m, ok := popWithin(t, tr.Discovery(), 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, wire.SeqSYN, m.Seq)
}

// TestMulticastSkipsManagerAndUnknown verifies fan-out only reaches
// participants in Awaken or Sleeping status.
func TestMulticastSkipsManagerAndUnknown(t *testing.T) {
	tr := newLoopback(t)

	participants := []cluster.Participant{
		{Hostname: "m0", IP: "127.0.0.1", Status: cluster.StatusManager, ElectedTimestamp: "01-01-2024 00:00:00"},
		{Hostname: "p1", IP: "127.0.0.1", Status: cluster.StatusAwaken, ElectedTimestamp: cluster.NotElected},
		{Hostname: "p2", IP: "127.0.0.1", Status: cluster.StatusSleeping, ElectedTimestamp: cluster.NotElected},
		{Hostname: "p3", IP: "127.0.0.1", Status: cluster.StatusUnknown, ElectedTimestamp: cluster.NotElected},
	}
	require.NoError(t, tr.Multicast(participants, 9))

	for i := 0; i < 2; i++ {
		m, ok := popWithin(t, tr.Monitoring(), 2*time.Second)
		require.True(t, ok, "update %d not received", i)
		require.Equal(t, wire.TypeTableUpdate, m.Type)

		seq, got, err := m.Snapshot()
		require.NoError(t, err)
		assert.Equal(t, uint32(9), seq)
		assert.Equal(t, participants, got)
	}

	_, ok := popWithin(t, tr.Monitoring(), 100*time.Millisecond)
	assert.False(t, ok, "manager and unknown entries must be skipped")
}

func TestMulticastTooLarge(t *testing.T) {
	tr := newLoopback(t)

	participants := make([]cluster.Participant, 200)
	for i := range participants {
		participants[i] = cluster.Participant{
			Hostname: "host-" + strconv.Itoa(i),
			IP:       "127.0.0.1",
			Status:   cluster.StatusAwaken,
		}
	}
	err := tr.Multicast(participants, 1)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

// TestWakeUp verifies the magic packet reaches the wake port intact.
func TestWakeUp(t *testing.T) {
	wake, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer wake.Close()

	tr := New(testSelf, nil, Options{
		BroadcastAddr: "127.0.0.1",
		WakePort:      wake.LocalAddr().(*net.UDPAddr).Port,
	}, zaptest.NewLogger(t))

	before := testutil.ToFloat64(telemetry.WakeUps.WithLabelValues("sent"))
	require.NoError(t, tr.WakeUp("AA:BB:CC:DD:EE:01"))

	require.NoError(t, wake.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 256)
	n, _, err := wake.ReadFrom(buf)
	require.NoError(t, err)

	want, err := wire.MagicPacket("AA:BB:CC:DD:EE:01")
	require.NoError(t, err)
	assert.Equal(t, want, buf[:n])
	assert.Equal(t, before+1, testutil.ToFloat64(telemetry.WakeUps.WithLabelValues("sent")))

	assert.ErrorIs(t, tr.WakeUp("not-a-mac"), wire.ErrInvalidMAC)
}

func TestStopIsIdempotent(t *testing.T) {
	tr := New(testSelf, nil, Options{BindAddr: "127.0.0.1"}, zaptest.NewLogger(t))
	require.NoError(t, tr.Start())

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, tr.Stop())
		assert.NoError(t, tr.Stop())
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
}

func TestGlobalStatus(t *testing.T) {
	state := cluster.NewSyncState()
	tr := New(testSelf, state, Options{}, zaptest.NewLogger(t))

	assert.Equal(t, cluster.Unknown, tr.GlobalStatus())
	tr.ChangeStatus(cluster.WaitingForSync)
	assert.Equal(t, cluster.WaitingForSync, state.Status(), "status must be visible through the shared cell")

	tr.SetManagerIP("192.168.0.10")
	assert.Equal(t, "192.168.0.10", tr.ManagerIP())
}
