package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/wakeonlan/internal/cluster"
	"github.com/dreamware/wakeonlan/internal/membership"
	"github.com/dreamware/wakeonlan/internal/telemetry"
	"github.com/dreamware/wakeonlan/internal/wire"
)

var (
	// ErrNoManager is returned by Leave when this node is not bound to a manager.
	ErrNoManager = errors.New("coordinator: no manager to leave")
	// ErrUnknownHost is returned by WakeUp for a hostname not in the table.
	ErrUnknownHost = errors.New("coordinator: host not found")
	// ErrAlreadyAwake is returned by WakeUp for a host answering heartbeats.
	ErrAlreadyAwake = errors.New("coordinator: host already awake")
)

// Node supervises the three protocols of one process. It owns the election
// trigger loop: when the global status becomes ManagerFailure it runs an
// election, and whenever an election changes this node's role it restarts
// Discovery and Monitoring in the new role without restarting the process.
//
// Thread-safe: all exported methods may be called concurrently.
type Node struct {
	net        Network
	table      *membership.Table
	log        *zap.Logger
	timings    Timings
	discovery  *Discovery
	monitoring *Monitoring
	election   *Election
	loop       runner // election trigger loop

	// mu guards role, the role Discovery and Monitoring currently run in.
	mu   sync.RWMutex
	role cluster.Role
}

// NewNode wires the protocols for a node starting in role.
//
// Example:
//
//	node := coordinator.NewNode(tr, table, cluster.RoleParticipant, coordinator.DefaultTimings(), log)
//	node.Start()
//	defer node.Stop()
func NewNode(net Network, table *membership.Table, role cluster.Role, timings Timings, log *zap.Logger) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	return &Node{
		net:        net,
		table:      table,
		log:        log.Named("node"),
		timings:    timings,
		role:       role,
		discovery:  NewDiscovery(net, table, timings, log),
		monitoring: NewMonitoring(net, table, timings, log),
		election:   NewElection(net, table, role, timings, log),
	}
}

// Start launches the protocols in the initial role. A node started as
// manager installs itself through the election bootstrap path first.
func (n *Node) Start() {
	role := n.Role()
	n.log.Info("starting", zap.Stringer("role", role))

	n.election.Start()
	if role == cluster.RoleManager {
		n.election.AnnounceVictory()
	}
	n.discovery.Start(role)
	n.monitoring.Start(role)
	n.loop.start(n.supervise)
}

// Stop ends every loop. It blocks until all of them have exited.
func (n *Node) Stop() {
	n.loop.stop()
	n.discovery.Stop()
	n.monitoring.Stop()
	n.election.Stop()
	n.log.Info("stopped")
}

// Role returns the role the protocols are currently running in.
func (n *Node) Role() cluster.Role {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.role
}

// Status returns the process-wide synchronization status.
func (n *Node) Status() cluster.GlobalStatus {
	return n.net.GlobalStatus()
}

// Leave tells the manager that this participant is going away so it is
// removed from the table instead of being reported as sleeping.
//
// Returns:
//   - nil for a manager, which has nobody to tell
//   - ErrNoManager if the participant was never bound to a manager
//   - the send error otherwise
//
// Example:
//
//	if err := node.Leave(); err != nil && !errors.Is(err, coordinator.ErrNoManager) {
//	    log.Warn("leave failed", zap.Error(err))
//	}
func (n *Node) Leave() error {
	if n.Role() == cluster.RoleManager {
		return nil
	}
	ip := n.net.ManagerIP()
	if ip == "" {
		return ErrNoManager
	}
	n.log.Info("leaving group", zap.String("manager", ip))
	return n.net.Send(wire.New(wire.TypeExit, 0, n.net.Self()), ip)
}

// WakeUp sends the magic packet to the participant named hostname (case
// insensitive). The returned row is the one that was looked up, also on
// ErrAlreadyAwake, so callers can report its MAC.
//
// Parameters:
//   - hostname: table key to look up, compared case-insensitively
//
// Returns:
//   - the matching row and nil once the packet is sent
//   - ErrUnknownHost if no row matches
//   - ErrAlreadyAwake for an Awaken or Manager row; nothing is sent
//
// Example:
//
//	p, err := node.WakeUp("picard")
//	if err == nil {
//	    fmt.Printf("Waking up %s @ %s.\n", p.Hostname, p.MAC)
//	}
func (n *Node) WakeUp(hostname string) (cluster.Participant, error) {
	rows := n.table.GetParticipantsMonitoring()
	i := slices.IndexFunc(rows, func(p cluster.Participant) bool {
		return strings.EqualFold(p.Hostname, hostname)
	})
	if i < 0 {
		return cluster.Participant{}, ErrUnknownHost
	}
	p := rows[i]
	if p.Status == cluster.StatusAwaken || p.Status == cluster.StatusManager {
		return p, ErrAlreadyAwake
	}
	n.log.Info("waking participant", zap.String("hostname", p.Hostname), zap.String("mac", p.MAC))
	return p, n.net.WakeUp(p.MAC)
}

// Participants returns the current table without blocking.
func (n *Node) Participants() []cluster.Participant {
	return n.table.GetParticipantsMonitoring()
}

func (n *Node) supervise(ctx context.Context) {
	ticker := time.NewTicker(n.timings.Supervise)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.check(ctx)
		}
	}
}

// check runs one pass of the election trigger loop.
func (n *Node) check(ctx context.Context) {
	if n.net.GlobalStatus() == cluster.ManagerFailure && !n.election.Ongoing() {
		n.log.Warn("manager failure detected, starting election")
		role := n.election.StartElection(ctx)
		if ctx.Err() != nil {
			return
		}
		n.reconfigure(role)
	} else if role, ok := n.election.NewElectionResult(); ok {
		n.reconfigure(role)
	}

	telemetry.ObserveNode(n.net.GlobalStatus(), n.Role())
	telemetry.ObserveTable(n.table.Sequence(), n.table.GetParticipantsMonitoring())
}

// reconfigure restarts Discovery and Monitoring if role differs from the
// running one. A node demoted to participant starts over in WaitingForSync.
func (n *Node) reconfigure(role cluster.Role) {
	n.mu.Lock()
	prev := n.role
	n.role = role
	n.mu.Unlock()
	if prev == role {
		return
	}

	n.log.Info("role changed", zap.Stringer("from", prev), zap.Stringer("to", role))
	n.election.SetRole(role)
	n.discovery.Stop()
	n.monitoring.Stop()
	if role == cluster.RoleParticipant {
		n.net.ChangeStatus(cluster.WaitingForSync)
	}
	n.discovery.Start(role)
	n.monitoring.Start(role)
}
