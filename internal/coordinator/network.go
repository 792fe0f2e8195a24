package coordinator

import (
	"context"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/dreamware/wakeonlan/internal/cluster"
	"github.com/dreamware/wakeonlan/internal/transport"
	"github.com/dreamware/wakeonlan/internal/wire"
)

// Network is the view of the transport the protocols depend on: outbound
// sends, the inbound queue each protocol consumes, and the shared
// synchronization status. *transport.Transport implements it.
type Network interface {
	Self() cluster.NodeInfo
	Send(m wire.Message, ip string) error
	Broadcast(m wire.Message) error
	Multicast(participants []cluster.Participant, seq uint32) error
	WakeUp(mac string) error

	Discovery() *transport.Queue
	Monitoring() *transport.Queue
	Election() *transport.Queue

	GlobalStatus() cluster.GlobalStatus
	ChangeStatus(next cluster.GlobalStatus)
	ManagerIP() string
	SetManagerIP(ip string)
}

var _ Network = (*transport.Transport)(nil)

// Timings holds every protocol delay. Production code uses DefaultTimings;
// tests shrink them.
type Timings struct {
	// DiscoveryWindow is the interval between manager SYN broadcasts.
	DiscoveryWindow time.Duration
	// DiscoveryDrift is how late a broadcast may be before the manager
	// assumes it was suspended and reports NotSynchronized.
	DiscoveryDrift time.Duration
	// SyncTimeout bounds WaitingForSync before the manager is presumed absent.
	SyncTimeout time.Duration
	// MonitorPeriod is the heartbeat round length.
	MonitorPeriod time.Duration
	// HeartbeatTimeout is how long a participant tolerates heartbeat silence.
	HeartbeatTimeout time.Duration
	// AnswerTimeout bounds the wait for an Answer to Election messages.
	AnswerTimeout time.Duration
	// ElectionTimeout abandons an election with no conclusive message.
	ElectionTimeout time.Duration
	// Poll is the housekeeping tick of every protocol loop.
	Poll time.Duration
	// Supervise is the tick of the election trigger loop.
	Supervise time.Duration
}

// DefaultTimings returns the protocol constants used on a real network.
func DefaultTimings() Timings {
	return Timings{
		DiscoveryWindow:  10 * time.Second,
		DiscoveryDrift:   2 * time.Second,
		SyncTimeout:      12 * time.Second,
		MonitorPeriod:    8 * time.Second,
		HeartbeatTimeout: 35 * time.Second,
		AnswerTimeout:    5 * time.Second,
		ElectionTimeout:  25 * time.Second,
		Poll:             100 * time.Millisecond,
		Supervise:        500 * time.Millisecond,
	}
}

// wallClock strips the monotonic reading so that time spent suspended shows
// up in durations.
func wallClock() time.Time {
	return time.Now().Round(0)
}

// runner owns the lifecycle of one background loop: Start launches it with a
// fresh context, Stop cancels it and waits for it to return.
type runner struct {
	cancel context.CancelFunc
	mu     sync.Mutex
	wg     sync.WaitGroup
}

// start runs fn in a goroutine unless a loop is already running.
func (r *runner) start(fn func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn(ctx)
	}()
	return true
}

// stop cancels the loop and blocks until it has exited.
func (r *runner) stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
}

func (r *runner) running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// outranks reports whether address a has election priority over b: the
// numerically lower IP wins. Addresses that do not parse fall back to string
// order so the relation stays total.
func outranks(a, b string) bool {
	pa, errA := netip.ParseAddr(a)
	pb, errB := netip.ParseAddr(b)
	if errA == nil && errB == nil {
		return pa.Compare(pb) < 0
	}
	return strings.Compare(a, b) < 0
}
