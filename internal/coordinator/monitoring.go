package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/wakeonlan/internal/cluster"
	"github.com/dreamware/wakeonlan/internal/membership"
	"github.com/dreamware/wakeonlan/internal/wire"
)

// Monitoring is the heartbeat failure detector. As manager it sends a
// SleepStatusRequest to every participant each MonitorPeriod and marks the
// ones that stayed silent for a whole period Sleeping; as participant it
// answers those requests and applies the table snapshots the manager
// replicates.
//
// Grace window: a request sent at round k that gets no reply flips the
// participant to Sleeping at round k+1, never within the round it was sent.
//
//	round k                 round k+1
//	   │  R ──────────► p1      │  p1 still awaiting → Sleeping
//	   │  awaiting={p1}         │  awaiting={p1} (new request)
//
// Thread-safe: Start, Stop and Restart may be called from any goroutine.
// The loop state below is owned by the loop goroutine.
type Monitoring struct {
	net     Network           // transport handle and global status
	table   *membership.Table // statuses and snapshots are applied here
	log     *zap.Logger
	now     func() time.Time // replaced in tests
	timings Timings
	loop    runner

	awaiting      map[string]struct{} // manager: hostnames without a reply this round
	round         uint32              // manager: request sequence marker
	lastHeartbeat time.Time           // participant: last request from the manager
}

// NewMonitoring creates a stopped monitoring service.
//
// Parameters:
//   - net: transport handle used for requests, replies and replication
//   - table: the membership table this node maintains
//   - timings: MonitorPeriod and HeartbeatTimeout drive the detector
//   - log: parent logger; the service logs under "monitoring"
//
// Returns:
//   - *Monitoring: service ready to Start in either role
//
// Example:
//
//	mon := NewMonitoring(tr, table, DefaultTimings(), log)
//	mon.Start(cluster.RoleManager)
//	defer mon.Stop()
func NewMonitoring(net Network, table *membership.Table, timings Timings, log *zap.Logger) *Monitoring {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitoring{
		net:      net,
		table:    table,
		timings:  timings,
		log:      log.Named("monitoring"),
		now:      time.Now,
		awaiting: make(map[string]struct{}),
	}
}

// Start launches the loop for role. It is a no-op if already running.
func (m *Monitoring) Start(role cluster.Role) {
	m.loop.start(func(ctx context.Context) {
		m.log.Info("started", zap.Stringer("role", role), zap.Duration("period", m.timings.MonitorPeriod))
		m.run(ctx, role)
		m.log.Info("stopped", zap.Stringer("role", role))
	})
}

// Stop ends the loop and waits for it.
func (m *Monitoring) Stop() {
	m.loop.stop()
}

// Restart stops the current loop and starts one for role.
func (m *Monitoring) Restart(role cluster.Role) {
	m.Stop()
	m.Start(role)
}

func (m *Monitoring) run(ctx context.Context, role cluster.Role) {
	m.awaiting = make(map[string]struct{})
	m.round = 0
	m.lastHeartbeat = m.now()

	interval := m.timings.Poll
	if role == cluster.RoleManager {
		interval = m.timings.MonitorPeriod
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	queue := m.net.Monitoring()
	for {
		select {
		case <-ctx.Done():
			return
		case <-queue.Ready():
			for {
				msg, ok := queue.TryPop()
				if !ok {
					break
				}
				if role == cluster.RoleManager {
					m.handleReply(msg)
				} else {
					m.handleAsParticipant(msg)
				}
			}
		case <-ticker.C:
			if role == cluster.RoleManager {
				m.managerRound()
			} else {
				m.participantTick(m.now())
			}
		}
	}
}

// managerRound closes the previous round and opens the next one.
//
// Implementation:
//  1. Mark every participant that did not answer the previous round Sleeping
//  2. Replicate the table after each real change
//  3. Send a fresh request to every non-manager participant
func (m *Monitoring) managerRound() {
	for hostname := range m.awaiting {
		seq, snap := m.table.Update(cluster.StatusSleeping, hostname)
		if seq != 0 {
			m.log.Info("participant asleep", zap.String("hostname", hostname), zap.Uint32("seq", seq))
			m.multicast(snap, seq)
		}
	}

	m.awaiting = make(map[string]struct{})
	m.round++
	req := wire.New(wire.TypeStatus, m.round, m.net.Self())
	for _, p := range m.table.GetParticipantsMonitoring() {
		if p.Status == cluster.StatusManager {
			continue
		}
		m.awaiting[p.Hostname] = struct{}{}
		if err := m.net.Send(req, p.IP); err != nil {
			m.log.Warn("status request failed", zap.String("hostname", p.Hostname), zap.Error(err))
		}
	}
}

// handleReply records a participant's answer to the current round.
func (m *Monitoring) handleReply(msg wire.Message) {
	if msg.Type != wire.TypeStatus {
		m.log.Debug("ignoring message as manager", zap.Stringer("type", msg.Type), zap.String("from", msg.IP))
		return
	}
	delete(m.awaiting, msg.Hostname)
	seq, snap := m.table.Update(cluster.StatusAwaken, msg.Hostname)
	if seq != 0 {
		m.log.Info("participant awake", zap.String("hostname", msg.Hostname), zap.Uint32("seq", seq))
		m.multicast(snap, seq)
	}
}

func (m *Monitoring) handleAsParticipant(msg wire.Message) {
	status := m.net.GlobalStatus()

	switch msg.Type {
	case wire.TypeStatus:
		if status != cluster.Syncing && status != cluster.Synchronized {
			return
		}
		if err := m.net.Send(wire.New(wire.TypeStatus, msg.Seq, m.net.Self()), msg.IP); err != nil {
			m.log.Warn("status reply failed", zap.String("manager", msg.IP), zap.Error(err))
		}
		m.lastHeartbeat = m.now()
		if ip := m.net.ManagerIP(); ip != msg.IP {
			m.log.Info("manager address changed", zap.String("from", ip), zap.String("to", msg.IP))
			m.net.SetManagerIP(msg.IP)
		}
		if status == cluster.Syncing {
			m.net.ChangeStatus(cluster.Synchronized)
		}

	case wire.TypeTableUpdate:
		if status != cluster.Synchronized {
			m.log.Debug("ignoring table update before synchronization", zap.Uint32("seq", msg.Seq))
			return
		}
		seq, entries, err := msg.Snapshot()
		if err != nil {
			m.log.Warn("dropping malformed table update", zap.String("from", msg.IP), zap.Error(err))
			return
		}
		if err := m.table.Transaction(seq, entries); err != nil {
			m.log.Warn("table update applied partially", zap.Uint32("seq", seq), zap.Error(err))
			return
		}
		m.log.Debug("table updated", zap.Uint32("seq", seq), zap.Int("participants", len(entries)))
	}
}

// participantTick reverts to WaitingForSync after HeartbeatTimeout without a
// request, so that discovery binds again to whichever manager is broadcasting.
func (m *Monitoring) participantTick(now time.Time) {
	status := m.net.GlobalStatus()
	if status != cluster.Syncing && status != cluster.Synchronized {
		m.lastHeartbeat = now
		return
	}
	if silent := now.Sub(m.lastHeartbeat); silent > m.timings.HeartbeatTimeout {
		m.log.Warn("manager heartbeat lost", zap.Duration("silent", silent))
		m.lastHeartbeat = now
		m.net.ChangeStatus(cluster.WaitingForSync)
	}
}

func (m *Monitoring) multicast(snap []cluster.Participant, seq uint32) {
	if err := m.net.Multicast(snap, seq); err != nil {
		m.log.Warn("table multicast incomplete", zap.Uint32("seq", seq), zap.Error(err))
	}
}
