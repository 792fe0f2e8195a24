// Package membership implements the replicated membership table: the
// hostname-keyed set of participants every protocol reads and mutates.
package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/wakeonlan/internal/cluster"
)

// ErrDuplicateParticipant is reported when a snapshot lists a hostname twice.
var ErrDuplicateParticipant = errors.New("duplicate participant")

// Table is the membership store. Each mutating method returns the sequence
// number to replicate with and a full snapshot taken under the same lock, so
// callers can multicast immediately. A returned sequence of 0 means there is
// nothing to replicate: either the call was a no-op or the table has never
// held more than one entry.
//
// Thread-safe: one mutex guards the map, the sequence and the change flag.
// Methods never call out while holding it.
type Table struct {
	data   map[string]cluster.Participant // hostname -> row
	notify chan struct{}                  // closed and replaced on every change
	log    *zap.Logger
	now    func() time.Time // stamps ElectedTimestamp on promotion

	// mu guards data, notify, seq and changed.
	mu sync.Mutex
	// seq is the replication sequence: 0 until the table first holds two
	// rows, then incremented on every change or set by Transaction.
	seq     uint32
	changed bool // set by mutations, cleared by GetParticipantsInterface
}

// NewTable creates an empty table.
func NewTable(log *zap.Logger) *Table {
	if log == nil {
		log = zap.NewNop()
	}
	return &Table{
		data:   make(map[string]cluster.Participant),
		notify: make(chan struct{}),
		log:    log,
		now:    time.Now,
	}
}

// Insert adds p if its hostname is absent. Inserting a known hostname is an
// idempotent no-op: seq is 0 and the snapshot is the unchanged table.
//
// Parameters:
//   - p: the row to add, keyed by p.Hostname
//
// Returns:
//   - seq: sequence to replicate with, 0 if there is nothing to replicate
//   - snapshot: every row, ordered by hostname, taken under the same lock
//
// Example:
//
//	if seq, snap := table.Insert(p); seq != 0 {
//	    net.Multicast(snap, seq)
//	}
func (t *Table) Insert(p cluster.Participant) (uint32, []cluster.Participant) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.data[p.Hostname]; exists {
		return 0, t.snapshotLocked()
	}
	if p.ElectedTimestamp == "" {
		p.ElectedTimestamp = cluster.NotElected
	}
	t.data[p.Hostname] = p
	return t.commitLocked(), t.snapshotLocked()
}

// Update sets the status of hostname. It is a no-op when the hostname is
// absent or already has that status. A row promoted to Manager gets a fresh
// elected timestamp.
func (t *Table) Update(status cluster.Status, hostname string) (uint32, []cluster.Participant) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, exists := t.data[hostname]
	if !exists || p.Status == status {
		return 0, t.snapshotLocked()
	}
	p.Status = status
	if status == cluster.StatusManager {
		p.ElectedTimestamp = cluster.ElectedNow(t.now())
	}
	t.data[hostname] = p
	return t.commitLocked(), t.snapshotLocked()
}

// Remove deletes hostname; removing an absent hostname is a no-op.
func (t *Table) Remove(hostname string) (uint32, []cluster.Participant) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.data[hostname]; !exists {
		return 0, t.snapshotLocked()
	}
	delete(t.data, hostname)
	return t.commitLocked(), t.snapshotLocked()
}

// Transaction replaces the whole table with entries and assigns seq as the
// stored sequence. Participants call it with the snapshots the manager
// replicates. Entries repeating a hostname are skipped and reported in
// the returned error, but the rest of the snapshot and the sequence are still
// committed. Stale sequences are not rejected.
func (t *Table) Transaction(seq uint32, entries []cluster.Participant) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs error
	data := make(map[string]cluster.Participant, len(entries))
	for _, p := range entries {
		if _, dup := data[p.Hostname]; dup {
			t.log.Error("transaction entry rejected",
				zap.String("hostname", p.Hostname), zap.Uint32("seq", seq))
			errs = multierr.Append(errs, fmt.Errorf("%w: %q", ErrDuplicateParticipant, p.Hostname))
			continue
		}
		data[p.Hostname] = p
	}
	if seq < t.seq {
		t.log.Debug("applying older snapshot", zap.Uint32("current", t.seq), zap.Uint32("incoming", seq))
	}
	t.data = data
	t.seq = seq
	t.signalLocked()
	return errs
}

// GetParticipantsMonitoring returns a snapshot without blocking.
func (t *Table) GetParticipantsMonitoring() []cluster.Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// GetParticipantsInterface blocks until the table has changed since the
// previous call, clears the change flag and returns a snapshot. It returns
// ctx.Err() if ctx ends first.
//
// Example:
//
//	for {
//	    snap, err := table.GetParticipantsInterface(ctx)
//	    if err != nil {
//	        return
//	    }
//	    render(snap)
//	}
func (t *Table) GetParticipantsInterface(ctx context.Context) ([]cluster.Participant, error) {
	for {
		t.mu.Lock()
		if t.changed {
			t.changed = false
			snap := t.snapshotLocked()
			t.mu.Unlock()
			return snap, nil
		}
		wait := t.notify
		t.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// GetManager returns the entry whose status is Manager, if any.
func (t *Table) GetManager() (cluster.Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.snapshotLocked() {
		if p.Status == cluster.StatusManager {
			return p, true
		}
	}
	return cluster.Participant{}, false
}

// Sequence returns the stored sequence number.
func (t *Table) Sequence() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.data)
}

// commitLocked advances the sequence after a real mutation and wakes waiters.
// The sequence stays 0 until the table first holds two entries, becomes 1
// then, and counts every change after that.
func (t *Table) commitLocked() uint32 {
	switch {
	case t.seq > 0:
		t.seq++
	case len(t.data) >= 2:
		t.seq = 1
	}
	t.signalLocked()
	return t.seq
}

func (t *Table) signalLocked() {
	t.changed = true
	close(t.notify)
	t.notify = make(chan struct{})
}

// snapshotLocked copies the rows ordered by hostname.
func (t *Table) snapshotLocked() []cluster.Participant {
	out := make([]cluster.Participant, 0, len(t.data))
	for _, p := range t.data {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b cluster.Participant) int {
		return strings.Compare(a.Hostname, b.Hostname)
	})
	return out
}
