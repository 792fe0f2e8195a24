package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/wakeonlan/internal/cluster"
	"github.com/dreamware/wakeonlan/internal/membership"
	"github.com/dreamware/wakeonlan/internal/telemetry"
	"github.com/dreamware/wakeonlan/internal/wire"
)

// Election implements the bully algorithm over the membership table. The
// node with the numerically lowest IP has the highest priority.
//
// An election is started either by the supervisor when the global status is
// ManagerFailure, or passively when an Election message arrives and none is
// in progress. Only the passive kind records its outcome for
// NewElectionResult; the supervisor gets the outcome from StartElection.
//
// Thread-safe: all exported methods may be called concurrently.
type Election struct {
	net     Network           // sends Election/Answer/Coordinator, owns the status
	table   *membership.Table // contenders are read from it, the winner written to it
	log     *zap.Logger
	now     func() time.Time // stamps rounds and elected timestamps
	timings Timings
	loop    runner // passive loop consuming the election queue
	spawned sync.WaitGroup // elections started by the passive loop

	// mu guards every field below.
	mu sync.Mutex
	// ongoing is true from the start of a round until this node wins, a
	// Coordinator arrives or ElectionTimeout passes. A lost round stays
	// ongoing while the winner announces itself.
	ongoing   bool
	startedAt time.Time
	// current is the latest round. Only one round runs at a time; callers
	// arriving while it is ongoing join it instead of replacing it.
	current *electionRound
	// role is the role the supervisor last configured.
	role cluster.Role
	// result and unread hold the outcome NewElectionResult reports once.
	result cluster.Role
	unread bool
}

// electionRound is one run of the algorithm.
type electionRound struct {
	id       string
	answered chan struct{} // closed by the first Answer or Coordinator
	done     chan struct{} // closed when conduct returns
	result   cluster.Role  // valid once done is closed
}

// NewElection creates an election service for a node currently in role.
//
// Parameters:
//   - net: transport handle; its election queue feeds the passive loop
//   - table: source of contenders and target of the victory announcement
//   - role: the role the node starts in
//   - timings: AnswerTimeout and ElectionTimeout bound each round
//   - log: parent logger; the service logs under "election"
//
// Returns:
//   - *Election: service whose passive loop is started with Start
//
// Example:
//
//	el := NewElection(tr, table, cluster.RoleParticipant, DefaultTimings(), log)
//	el.Start()
//	defer el.Stop()
func NewElection(net Network, table *membership.Table, role cluster.Role, timings Timings, log *zap.Logger) *Election {
	if log == nil {
		log = zap.NewNop()
	}
	return &Election{
		net:     net,
		table:   table,
		timings: timings,
		role:    role,
		log:     log.Named("election"),
		now:     time.Now,
	}
}

// Start launches the passive loop that answers and follows other nodes'
// elections. It is a no-op if already running.
func (e *Election) Start() {
	e.loop.start(func(ctx context.Context) {
		e.log.Info("started")
		e.run(ctx)
		e.spawned.Wait()
		e.log.Info("stopped")
	})
}

// Stop ends the passive loop and waits for elections it started.
func (e *Election) Stop() {
	e.loop.stop()
}

// SetRole records the role the supervisor has configured this node for.
func (e *Election) SetRole(role cluster.Role) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.role = role
}

// Ongoing reports whether an election is believed to be in progress.
func (e *Election) Ongoing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ongoing
}

// NewElectionResult returns the outcome of the last passively triggered
// election (or of a Coordinator announcement) exactly once. Afterwards it
// returns the current role and false until another election completes.
func (e *Election) NewElectionResult() (cluster.Role, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.unread {
		return e.role, false
	}
	e.unread = false
	return e.result, true
}

func (e *Election) run(ctx context.Context) {
	ticker := time.NewTicker(e.timings.Poll)
	defer ticker.Stop()

	queue := e.net.Election()
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
				e.handle(ctx, m)
			}
		case <-ticker.C:
			e.expire(e.now())
		}
	}
}

func (e *Election) handle(ctx context.Context, m wire.Message) {
	switch m.Type {
	case wire.TypeElection:
		e.log.Info("election message received", zap.String("from", m.IP))
		if err := e.net.Send(wire.New(wire.TypeAnswer, 0, e.net.Self()), m.IP); err != nil {
			e.log.Warn("answer failed", zap.String("to", m.IP), zap.Error(err))
		}
		e.mu.Lock()
		if e.ongoing {
			e.mu.Unlock()
			return
		}
		r := e.beginLocked()
		e.mu.Unlock()

		e.spawned.Add(1)
		go func() {
			defer e.spawned.Done()
			e.publish(e.conduct(ctx, r))
		}()

	case wire.TypeAnswer:
		e.log.Info("election answered", zap.String("from", m.IP))
		e.mu.Lock()
		e.closeAnsweredLocked()
		e.mu.Unlock()

	case wire.TypeCoordinator:
		e.log.Info("new manager announced, election over",
			zap.String("hostname", m.Hostname), zap.String("ip", m.IP))
		e.mu.Lock()
		e.ongoing = false
		e.closeAnsweredLocked()
		e.mu.Unlock()

		e.net.SetManagerIP(m.IP)
		switch e.net.GlobalStatus() {
		case cluster.Syncing, cluster.Synchronized:
			if e.currentRole() == cluster.RoleManager {
				e.net.ChangeStatus(cluster.WaitingForSync)
			}
		default:
			e.net.ChangeStatus(cluster.WaitingForSync)
		}
		e.publish(cluster.RoleParticipant)
	}
}

// expire abandons an election that saw no conclusive message in time.
func (e *Election) expire(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ongoing && now.Sub(e.startedAt) > e.timings.ElectionTimeout {
		e.log.Warn("election timed out", zap.String("round", e.current.id))
		telemetry.Elections.WithLabelValues("abandoned").Inc()
		e.ongoing = false
	}
}

func (e *Election) publish(role cluster.Role) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.result = role
	e.unread = true
}

func (e *Election) currentRole() cluster.Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

func (e *Election) closeAnsweredLocked() {
	if e.current == nil {
		return
	}
	select {
	case <-e.current.answered:
	default:
		close(e.current.answered)
	}
}

// StartElection runs one election round and returns the role this node ends
// up with. It blocks for at most AnswerTimeout.
//
// Implementation:
//  1. Collect contenders: table entries that outrank this node
//  2. No contenders: win immediately
//  3. Send Election to every contender and wait for an Answer
//  4. An Answer (or a Coordinator) means a higher node takes over: lose
//  5. Silence until AnswerTimeout: win and announce victory
//
// A lost election stays ongoing until a Coordinator arrives or
// ElectionTimeout passes. If a round is already ongoing, for instance one
// started by an incoming Election message, StartElection joins it and
// returns its outcome instead of starting a second one.
//
// Parameters:
//   - ctx: cancels the wait for answers; the current role is returned then
//
// Returns:
//   - RoleManager if this node won and announced itself, RoleParticipant otherwise
//
// Example:
//
//	if net.GlobalStatus() == cluster.ManagerFailure && !election.Ongoing() {
//	    role := election.StartElection(ctx)
//	    reconfigure(role)
//	}
func (e *Election) StartElection(ctx context.Context) cluster.Role {
	e.mu.Lock()
	if e.ongoing && e.current != nil {
		r := e.current
		e.mu.Unlock()
		e.log.Info("joining ongoing election", zap.String("round", r.id))
		select {
		case <-r.done:
			return r.result
		case <-ctx.Done():
			return e.currentRole()
		}
	}
	r := e.beginLocked()
	e.mu.Unlock()
	return e.conduct(ctx, r)
}

// beginLocked marks a new election round as ongoing.
func (e *Election) beginLocked() *electionRound {
	e.ongoing = true
	e.startedAt = e.now()
	e.current = &electionRound{
		id:       uuid.NewString(),
		answered: make(chan struct{}),
		done:     make(chan struct{}),
	}
	return e.current
}

func (e *Election) conduct(ctx context.Context, r *electionRound) (role cluster.Role) {
	defer func() {
		r.result = role
		close(r.done)
	}()

	log := e.log.With(zap.String("round", r.id))
	contenders := e.contenders()
	log.Info("starting election", zap.Int("contenders", len(contenders)))

	if len(contenders) > 0 {
		msg := wire.New(wire.TypeElection, 0, e.net.Self())
		for _, c := range contenders {
			if err := e.net.Send(msg, c.IP); err != nil {
				log.Warn("election message failed", zap.String("to", c.IP), zap.Error(err))
			}
		}

		timer := time.NewTimer(e.timings.AnswerTimeout)
		defer timer.Stop()
		select {
		case <-r.answered:
			log.Info("election lost, waiting for coordinator")
			telemetry.Elections.WithLabelValues("lost").Inc()
			return cluster.RoleParticipant
		case <-ctx.Done():
			e.mu.Lock()
			if e.current == r {
				e.ongoing = false
			}
			e.mu.Unlock()
			return e.currentRole()
		case <-timer.C:
			log.Info("no answer to election messages")
		}
	}

	e.AnnounceVictory()
	e.mu.Lock()
	if e.current == r {
		e.ongoing = false
	}
	e.mu.Unlock()
	log.Info("election won")
	telemetry.Elections.WithLabelValues("won").Inc()
	return cluster.RoleManager
}

// contenders returns the table entries that outrank this node, highest
// priority first.
func (e *Election) contenders() []cluster.Participant {
	self := e.net.Self()
	var out []cluster.Participant
	for _, p := range e.table.GetParticipantsMonitoring() {
		if p.Hostname != self.Hostname && outranks(p.IP, self.IP) {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b cluster.Participant) int {
		switch {
		case outranks(a.IP, b.IP):
			return -1
		case outranks(b.IP, a.IP):
			return 1
		}
		return 0
	})
	return out
}

// AnnounceVictory installs this node as manager.
//
// Behavior:
//   - Sets the global status to Synchronized and the manager IP to self
//   - Empty table: inserts self as Manager and sends nothing
//   - Otherwise: Coordinator to every other entry, self promoted, other
//     Manager entries demoted to Unknown, each change replicated
//
// On an empty table it only
// inserts itself (bootstrap, nothing to tell anyone). Otherwise it sends
// Coordinator to every other entry, promotes its own entry and demotes any
// other Manager entry to Unknown, replicating after each change. A demoted
// manager that is still alive is sorted out by the next heartbeat rounds.
func (e *Election) AnnounceVictory() {
	self := e.net.Self()
	e.net.ChangeStatus(cluster.Synchronized)
	e.net.SetManagerIP(self.IP)

	me := self.Participant(cluster.StatusManager)
	me.ElectedTimestamp = cluster.ElectedNow(e.now())

	if e.table.Len() == 0 {
		e.table.Insert(me)
		e.log.Info("bootstrapped as manager", zap.String("hostname", self.Hostname))
		return
	}

	coordinator := wire.New(wire.TypeCoordinator, 0, self)
	for _, p := range e.table.GetParticipantsMonitoring() {
		if p.Hostname == self.Hostname {
			continue
		}
		if err := e.net.Send(coordinator, p.IP); err != nil {
			e.log.Warn("coordinator message failed", zap.String("to", p.IP), zap.Error(err))
		}
	}

	seq, snap := e.table.Update(cluster.StatusManager, self.Hostname)
	if seq == 0 {
		seq, snap = e.table.Insert(me)
	}
	e.replicate(snap, seq)

	for _, p := range snap {
		if p.Status != cluster.StatusManager || p.Hostname == self.Hostname {
			continue
		}
		seq, demoted := e.table.Update(cluster.StatusUnknown, p.Hostname)
		e.log.Info("previous manager demoted", zap.String("hostname", p.Hostname))
		e.replicate(demoted, seq)
	}
	e.log.Info("announced as manager", zap.String("hostname", self.Hostname), zap.String("ip", self.IP))
}

func (e *Election) replicate(snap []cluster.Participant, seq uint32) {
	if seq == 0 {
		return
	}
	if err := e.net.Multicast(snap, seq); err != nil {
		e.log.Warn("table multicast incomplete", zap.Uint32("seq", seq), zap.Error(err))
	}
}
