package membership

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/wakeonlan/internal/cluster"
)

func participant(hostname string, status cluster.Status) cluster.Participant {
	return cluster.Participant{
		Hostname:         hostname,
		IP:               "192.168.0." + hostname[len(hostname)-1:],
		MAC:              "AA:BB:CC:DD:EE:0" + hostname[len(hostname)-1:],
		Status:           status,
		ElectedTimestamp: cluster.NotElected,
	}
}

func newTestTable(t *testing.T) *Table {
	return NewTable(zaptest.NewLogger(t))
}

// TestInsertIsIdempotent verifies that a retransmitted admission does not
// duplicate the entry or advance the sequence.
func TestInsertIsIdempotent(t *testing.T) {
	table := newTestTable(t)
	table.Insert(participant("m0", cluster.StatusManager))

	seq, snap := table.Insert(participant("p1", cluster.StatusUnknown))
	require.Equal(t, uint32(1), seq)
	require.Len(t, snap, 2)

	seq, snap = table.Insert(participant("p1", cluster.StatusAwaken))
	assert.Zero(t, seq, "second insert must be a no-op")
	assert.Len(t, snap, 2)
	assert.Equal(t, uint32(1), table.Sequence())

	got := table.GetParticipantsMonitoring()
	assert.Equal(t, cluster.StatusUnknown, got[1].Status, "existing row must not be overwritten")
}

// TestSequenceRules checks the 0 → 1 → +1 numbering of changes.
func TestSequenceRules(t *testing.T) {
	table := newTestTable(t)

	seq, _ := table.Insert(participant("m0", cluster.StatusManager))
	assert.Zero(t, seq, "a single-entry table has nothing to replicate")
	seq, _ = table.Update(cluster.StatusAwaken, "m0")
	assert.Zero(t, seq)

	seq, _ = table.Insert(participant("p1", cluster.StatusUnknown))
	assert.Equal(t, uint32(1), seq)

	seq, _ = table.Remove("p1")
	assert.Equal(t, uint32(2), seq, "the sequence keeps counting once started")
}

// TestSequenceMonotonic drives a mix of real mutations and no-ops and checks
// that every real mutation returns a strictly larger sequence.
func TestSequenceMonotonic(t *testing.T) {
	table := newTestTable(t)
	table.Insert(participant("m0", cluster.StatusManager))

	var last uint32
	statuses := []cluster.Status{cluster.StatusAwaken, cluster.StatusSleeping, cluster.StatusSleeping, cluster.StatusAwaken}
	for i := 1; i <= 5; i++ {
		seq, _ := table.Insert(participant(fmt.Sprintf("p%d", i), cluster.StatusUnknown))
		require.Greater(t, seq, last)
		last = seq
		for _, s := range statuses {
			seq, _ = table.Update(s, fmt.Sprintf("p%d", i))
			if seq == 0 {
				continue
			}
			require.Greater(t, seq, last)
			last = seq
		}
	}
	seq, _ := table.Remove("p3")
	assert.Greater(t, seq, last)
}

func TestUpdate(t *testing.T) {
	table := newTestTable(t)
	table.Insert(participant("m0", cluster.StatusManager))
	table.Insert(participant("p1", cluster.StatusUnknown))

	t.Run("absent hostname", func(t *testing.T) {
		seq, snap := table.Update(cluster.StatusAwaken, "ghost")
		assert.Zero(t, seq)
		assert.Len(t, snap, 2)
	})

	t.Run("unchanged status", func(t *testing.T) {
		seq, _ := table.Update(cluster.StatusUnknown, "p1")
		assert.Zero(t, seq)
	})

	t.Run("real change", func(t *testing.T) {
		seq, snap := table.Update(cluster.StatusSleeping, "p1")
		assert.Equal(t, uint32(2), seq)
		assert.Equal(t, cluster.StatusSleeping, snap[1].Status)
	})

	t.Run("promotion stamps elected time", func(t *testing.T) {
		table.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
		_, snap := table.Update(cluster.StatusManager, "p1")
		assert.Equal(t, "02-01-2024 03:04:05", snap[1].ElectedTimestamp)
	})
}

func TestRemove(t *testing.T) {
	table := newTestTable(t)
	table.Insert(participant("m0", cluster.StatusManager))
	table.Insert(participant("p1", cluster.StatusAwaken))

	seq, _ := table.Remove("ghost")
	assert.Zero(t, seq)

	seq, snap := table.Remove("p1")
	assert.Equal(t, uint32(2), seq)
	require.Len(t, snap, 1)
	assert.Equal(t, "m0", snap[0].Hostname)
}

// TestTransaction verifies wholesale replacement and sequence assignment.
func TestTransaction(t *testing.T) {
	table := newTestTable(t)
	table.Insert(participant("old", cluster.StatusAwaken))

	entries := []cluster.Participant{
		participant("m0", cluster.StatusManager),
		participant("p1", cluster.StatusAwaken),
		participant("p2", cluster.StatusSleeping),
	}
	require.NoError(t, table.Transaction(17, entries))
	assert.Equal(t, uint32(17), table.Sequence())
	assert.Equal(t, entries, table.GetParticipantsMonitoring())

	// An older snapshot still overwrites.
	require.NoError(t, table.Transaction(3, entries[:1]))
	assert.Equal(t, uint32(3), table.Sequence())
	assert.Equal(t, 1, table.Len())
}

func TestTransactionDuplicateEntries(t *testing.T) {
	table := newTestTable(t)
	entries := []cluster.Participant{
		participant("m0", cluster.StatusManager),
		participant("p1", cluster.StatusAwaken),
		participant("p1", cluster.StatusSleeping),
	}

	err := table.Transaction(8, entries)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateParticipant)

	assert.Equal(t, uint32(8), table.Sequence(), "sequence is committed despite the bad entry")
	snap := table.GetParticipantsMonitoring()
	require.Len(t, snap, 2)
	assert.Equal(t, cluster.StatusAwaken, snap[1].Status, "first occurrence wins")
}

func TestGetManager(t *testing.T) {
	table := newTestTable(t)
	_, ok := table.GetManager()
	assert.False(t, ok)

	table.Insert(participant("p1", cluster.StatusAwaken))
	table.Insert(participant("m0", cluster.StatusManager))

	m, ok := table.GetManager()
	require.True(t, ok)
	assert.Equal(t, "m0", m.Hostname)
}

func TestSnapshotIsSortedCopy(t *testing.T) {
	table := newTestTable(t)
	table.Insert(participant("p3", cluster.StatusAwaken))
	table.Insert(participant("p1", cluster.StatusAwaken))
	table.Insert(participant("p2", cluster.StatusAwaken))

	snap := table.GetParticipantsMonitoring()
	assert.Equal(t, []string{"p1", "p2", "p3"}, []string{snap[0].Hostname, snap[1].Hostname, snap[2].Hostname})

	snap[0].Status = cluster.StatusSleeping
	assert.Equal(t, cluster.StatusAwaken, table.GetParticipantsMonitoring()[0].Status)
}

// TestBlockingReadWakesOnChange verifies GetParticipantsInterface is released
// by a real mutation, not by no-ops, and blocks again until the next change.
func TestBlockingReadWakesOnChange(t *testing.T) {
	table := newTestTable(t)
	table.Insert(participant("m0", cluster.StatusManager))

	// Consume the change produced by the setup insert.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := table.GetParticipantsInterface(ctx)
	require.NoError(t, err)

	result := make(chan []cluster.Participant, 1)
	go func() {
		snap, err := table.GetParticipantsInterface(context.Background())
		if err == nil {
			result <- snap
		}
	}()

	// No-ops must not release the reader.
	table.Insert(participant("m0", cluster.StatusManager))
	table.Update(cluster.StatusManager, "m0")
	table.Remove("ghost")
	select {
	case <-result:
		t.Fatal("reader released by a no-op")
	case <-time.After(50 * time.Millisecond):
	}

	table.Insert(participant("p1", cluster.StatusUnknown))
	select {
	case snap := <-result:
		assert.Len(t, snap, 2)
	case <-time.After(time.Second):
		t.Fatal("reader not released by a real mutation")
	}

	// A second call before any further change blocks again.
	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	_, err = table.GetParticipantsInterface(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBlockingReadWakesOnTransaction(t *testing.T) {
	table := newTestTable(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		snap, err := table.GetParticipantsInterface(context.Background())
		assert.NoError(t, err)
		assert.Len(t, snap, 1)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, table.Transaction(4, []cluster.Participant{participant("m0", cluster.StatusManager)}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reader not released by transaction")
	}
}

// TestConcurrentMutations verifies that concurrent writers never share a
// sequence number.
func TestConcurrentMutations(t *testing.T) {
	table := newTestTable(t)
	table.Insert(participant("m0", cluster.StatusManager))
	table.Insert(participant("p0", cluster.StatusManager))

	const writers = 20
	var (
		mu   sync.Mutex
		seen = make(map[uint32]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seq, _ := table.Insert(cluster.Participant{Hostname: fmt.Sprintf("host-%d", i)})
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[seq], "sequence %d assigned twice", seq)
			seen[seq] = true
		}(i)
	}
	wg.Wait()
	assert.Equal(t, uint32(1+writers), table.Sequence())
	assert.Equal(t, writers+2, table.Len())
}
