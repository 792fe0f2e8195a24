package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/wakeonlan/internal/cluster"
	"github.com/dreamware/wakeonlan/internal/membership"
	"github.com/dreamware/wakeonlan/internal/wire"
)

// Discovery admits participants into the group and binds participants to a
// manager. The manager broadcasts a SYN every DiscoveryWindow and admits
// every host that answers with a SYN-ACK; a participant answers the first
// SYN it sees and gives up on the manager after SyncTimeout.
//
// The role is data: one Discovery runs either loop and is restarted in the
// other role when an election changes this node's role.
//
// Thread-safe: Start, Stop and Restart may be called from any goroutine.
// The loop state below is owned by the loop goroutine.
type Discovery struct {
	net     Network           // transport handle and global status
	table   *membership.Table // admissions and exits are applied here
	log     *zap.Logger
	now     func() time.Time // wall clock, replaced in tests
	timings Timings
	loop    runner

	nextSYN      time.Time // manager: when the next SYN is due
	waitingSince time.Time // participant: entry into WaitingForSync
}

// NewDiscovery creates a stopped discovery service.
//
// Parameters:
//   - net: transport handle used for SYN broadcasts and replies
//   - table: the membership table admissions are written to
//   - timings: DiscoveryWindow, DiscoveryDrift and SyncTimeout drive the loop
//   - log: parent logger; the service logs under "discovery"
//
// Returns:
//   - *Discovery: service ready to Start in either role
//
// Example:
//
//	disc := NewDiscovery(tr, table, DefaultTimings(), log)
//	disc.Start(cluster.RoleParticipant)
//	defer disc.Stop()
func NewDiscovery(net Network, table *membership.Table, timings Timings, log *zap.Logger) *Discovery {
	if log == nil {
		log = zap.NewNop()
	}
	return &Discovery{
		net:     net,
		table:   table,
		timings: timings,
		log:     log.Named("discovery"),
		now:     wallClock,
	}
}

// Start launches the loop for role. It is a no-op if already running.
func (d *Discovery) Start(role cluster.Role) {
	d.loop.start(func(ctx context.Context) {
		d.log.Info("started", zap.Stringer("role", role))
		d.run(ctx, role)
		d.log.Info("stopped", zap.Stringer("role", role))
	})
}

// Stop ends the loop and waits for it.
func (d *Discovery) Stop() {
	d.loop.stop()
}

// Restart stops the current loop and starts one for role. Loop state (the
// SYN schedule and the sync timer) starts over.
func (d *Discovery) Restart(role cluster.Role) {
	d.Stop()
	d.Start(role)
}

func (d *Discovery) run(ctx context.Context, role cluster.Role) {
	d.nextSYN = time.Time{}
	d.waitingSince = time.Time{}

	ticker := time.NewTicker(d.timings.Poll)
	defer ticker.Stop()

	queue := d.net.Discovery()
	d.tick(role)
	for {
		select {
		case <-ctx.Done():
			return
		case <-queue.Ready():
			for {
				m, ok := queue.TryPop()
				if !ok {
					break
				}
				d.handle(role, m)
			}
		case <-ticker.C:
			d.tick(role)
		}
	}
}

func (d *Discovery) tick(role cluster.Role) {
	if role == cluster.RoleManager {
		d.managerTick(d.now())
	} else {
		d.participantTick(d.now())
	}
}

func (d *Discovery) handle(role cluster.Role, m wire.Message) {
	if role == cluster.RoleManager {
		d.handleAsManager(m)
	} else {
		d.handleAsParticipant(m)
	}
}

// managerTick drives the SYN schedule. The manager only broadcasts while
// Synchronized; during an election or after stepping down it stays quiet
// until the supervisor restarts it in the right role. A broadcast that comes
// due more than DiscoveryDrift late means the process did not run for a while
// (typically a suspended host), so the manager reports NotSynchronized
// instead of sending and resumes on the next tick.
func (d *Discovery) managerTick(now time.Time) {
	switch d.net.GlobalStatus() {
	case cluster.Unknown:
		d.net.ChangeStatus(cluster.Synchronized)
	case cluster.NotSynchronized:
		d.log.Warn("resuming discovery after schedule lapse")
		d.net.ChangeStatus(cluster.Synchronized)
		d.nextSYN = time.Time{}
	case cluster.Synchronized:
	default:
		return
	}

	if !d.nextSYN.IsZero() {
		if now.Before(d.nextSYN) {
			return
		}
		if late := now.Sub(d.nextSYN); late > d.timings.DiscoveryDrift {
			d.log.Warn("discovery schedule lapsed",
				zap.Duration("late", late), zap.Duration("window", d.timings.DiscoveryWindow))
			d.net.ChangeStatus(cluster.NotSynchronized)
			d.nextSYN = now.Add(d.timings.DiscoveryWindow)
			return
		}
	}

	if err := d.net.Broadcast(wire.New(wire.TypeDiscovery, wire.SeqSYN, d.net.Self())); err != nil {
		d.log.Warn("SYN broadcast failed", zap.Error(err))
	}
	d.nextSYN = now.Add(d.timings.DiscoveryWindow)
}

func (d *Discovery) handleAsManager(m wire.Message) {
	self := d.net.Self()

	switch {
	case m.Type == wire.TypeExit:
		seq, snap := d.table.Remove(m.Hostname)
		if seq == 0 {
			return
		}
		d.log.Info("participant left", zap.String("hostname", m.Hostname), zap.Uint32("seq", seq))
		d.multicast(snap, seq)

	case m.Seq == wire.SeqSYNACK:
		p := cluster.Participant{
			Hostname:         m.Hostname,
			IP:               m.IP,
			MAC:              m.MAC,
			Status:           cluster.StatusUnknown,
			ElectedTimestamp: cluster.NotElected,
		}
		seq, snap := d.table.Insert(p)
		if seq == 0 {
			return
		}
		d.log.Info("participant admitted",
			zap.String("hostname", p.Hostname), zap.String("ip", p.IP),
			zap.String("mac", p.MAC), zap.Uint32("seq", seq))
		d.multicast(snap, seq)

	case m.Seq == wire.SeqSYN:
		if m.MAC == self.MAC || d.net.GlobalStatus() != cluster.Synchronized {
			return
		}
		// Another manager is broadcasting on the same segment.
		d.log.Warn("competing manager detected",
			zap.String("hostname", m.Hostname), zap.String("ip", m.IP), zap.String("mac", m.MAC))
		seq, snap := d.table.Insert(cluster.Participant{
			Hostname:         m.Hostname,
			IP:               m.IP,
			MAC:              m.MAC,
			Status:           cluster.StatusManager,
			ElectedTimestamp: cluster.NotElected,
		})
		if seq == 0 {
			seq, snap = d.table.Update(cluster.StatusManager, m.Hostname)
		}
		if seq != 0 {
			d.multicast(snap, seq)
		}
		d.net.ChangeStatus(cluster.ManagerFailure)
	}
}

// participantTick leaves Unknown and enforces SyncTimeout.
func (d *Discovery) participantTick(now time.Time) {
	status := d.net.GlobalStatus()
	if status == cluster.Unknown {
		d.net.ChangeStatus(cluster.WaitingForSync)
		status = cluster.WaitingForSync
	}
	if status != cluster.WaitingForSync {
		d.waitingSince = time.Time{}
		return
	}
	if d.waitingSince.IsZero() {
		d.waitingSince = now
		return
	}
	if waited := now.Sub(d.waitingSince); waited > d.timings.SyncTimeout {
		d.log.Warn("no manager answered, presuming failure", zap.Duration("waited", waited))
		d.waitingSince = time.Time{}
		d.net.ChangeStatus(cluster.ManagerFailure)
	}
}

func (d *Discovery) handleAsParticipant(m wire.Message) {
	if m.Type != wire.TypeDiscovery || m.Seq != wire.SeqSYN {
		return
	}
	if m.MAC == d.net.Self().MAC || d.net.GlobalStatus() != cluster.WaitingForSync {
		return
	}

	d.net.SetManagerIP(m.IP)
	if err := d.net.Send(wire.New(wire.TypeDiscovery, wire.SeqSYNACK, d.net.Self()), m.IP); err != nil {
		d.log.Warn("SYN-ACK failed", zap.String("manager", m.IP), zap.Error(err))
		return
	}
	d.log.Info("bound to manager", zap.String("hostname", m.Hostname), zap.String("ip", m.IP))
	d.waitingSince = time.Time{}
	d.net.ChangeStatus(cluster.Syncing)
}

func (d *Discovery) multicast(snap []cluster.Participant, seq uint32) {
	if err := d.net.Multicast(snap, seq); err != nil {
		d.log.Warn("table multicast incomplete", zap.Uint32("seq", seq), zap.Error(err))
	}
}
