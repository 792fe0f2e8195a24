// Package transport owns the UDP endpoint on the service port. It decodes
// inbound datagrams, routes them into one queue per protocol and provides the
// outbound primitives every protocol uses: unicast, broadcast, table
// multicast and the Wake-on-LAN magic packet.
package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"github.com/dreamware/wakeonlan/internal/cluster"
	"github.com/dreamware/wakeonlan/internal/telemetry"
	"github.com/dreamware/wakeonlan/internal/wire"
)

const (
	DefaultBindAddr      = "0.0.0.0"
	DefaultBroadcastAddr = "255.255.255.255"
	DefaultPort          = 4000
	DefaultWakePort      = 9

	// MaxDatagramSize is the largest IPv4 UDP payload.
	MaxDatagramSize = 65507
)

var (
	// ErrNotStarted is returned by sends when no destination port is known yet.
	ErrNotStarted = errors.New("transport: not started")
	// ErrMessageTooLarge is returned when an encoded message does not fit a datagram.
	ErrMessageTooLarge = errors.New("transport: message exceeds datagram size")
)

// Options configures the endpoint. Port 0 binds an ephemeral port, which is
// then also used as the destination port unless PeerPort is set.
type Options struct {
	BindAddr      string
	BroadcastAddr string
	Port          int
	PeerPort      int
	WakePort      int
}

// DefaultOptions returns the production endpoint settings.
func DefaultOptions() Options {
	return Options{
		BindAddr:      DefaultBindAddr,
		BroadcastAddr: DefaultBroadcastAddr,
		Port:          DefaultPort,
		WakePort:      DefaultWakePort,
	}
}

// Transport is the network layer shared by every protocol. It also fronts the
// process-wide synchronization status so that protocols reach both through
// one handle.
//
// Thread-safe: sends are serialized by one mutex and each uses its own
// short-lived socket; queues are independently locked.
type Transport struct {
	self  cluster.NodeInfo
	state *cluster.SyncState
	log   *zap.Logger

	discovery  *Queue
	monitoring *Queue
	election   *Queue

	conn   *ipv4.PacketConn
	opts   Options
	mu     sync.Mutex // guards conn and opts
	sendMu sync.Mutex
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a transport for the node self. Nothing is bound until Start.
func New(self cluster.NodeInfo, state *cluster.SyncState, opts Options, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	if state == nil {
		state = cluster.NewSyncState()
	}
	if opts.BindAddr == "" {
		opts.BindAddr = DefaultBindAddr
	}
	if opts.BroadcastAddr == "" {
		opts.BroadcastAddr = DefaultBroadcastAddr
	}
	return &Transport{
		self:       self,
		state:      state,
		log:        log,
		opts:       opts,
		discovery:  NewQueue(),
		monitoring: NewQueue(),
		election:   NewQueue(),
	}
}

// Start binds the listener and launches the receive loop. A bind failure is
// returned to the caller, which is expected to treat it as fatal.
//
// Example:
//
//	t := transport.New(self, state, transport.DefaultOptions(), log)
//	if err := t.Start(); err != nil {
//	    logFatal("transport: %v", err)
//	}
//	defer t.Stop()
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}
	addr := net.JoinHostPort(t.opts.BindAddr, strconv.Itoa(t.opts.Port))
	pc, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	t.opts.Port = pc.LocalAddr().(*net.UDPAddr).Port

	conn := ipv4.NewPacketConn(pc)
	if err := conn.SetControlMessage(ipv4.FlagDst, true); err != nil {
		// Delivery classification is informational only.
		t.log.Warn("destination control messages unavailable", zap.Error(err))
	}
	t.conn = conn
	t.closed.Store(false)

	t.log.Info("listening", zap.String("addr", pc.LocalAddr().String()))

	t.wg.Add(1)
	go t.receiveLoop(conn)
	return nil
}

// Stop closes the listener and waits for the receive loop to exit. Calling
// Stop more than once is safe.
func (t *Transport) Stop() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	t.closed.Store(true)
	err := conn.Close()
	t.wg.Wait()
	t.log.Info("stopped")
	return err
}

// Port returns the bound service port, or the configured one before Start.
func (t *Transport) Port() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opts.Port
}

// Self returns the identity stamped on outbound messages.
func (t *Transport) Self() cluster.NodeInfo {
	return t.self
}

// Discovery returns the queue of SleepServiceDiscovery and SleepServiceExit messages.
func (t *Transport) Discovery() *Queue { return t.discovery }

// Monitoring returns the queue of SleepStatusRequest and TableUpdate messages.
func (t *Transport) Monitoring() *Queue { return t.monitoring }

// Election returns the queue of election, answer and coordinator messages.
func (t *Transport) Election() *Queue { return t.election }

func (t *Transport) receiveLoop(conn *ipv4.PacketConn) {
	defer t.wg.Done()

	buf := make([]byte, MaxDatagramSize+1)
	for {
		n, cm, src, err := conn.ReadFrom(buf)
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.Warn("receive failed", zap.Error(err))
			continue
		}
		t.dispatch(buf[:n], cm, src)
	}
}

// dispatch decodes one datagram and routes it to the owning protocol queue.
func (t *Transport) dispatch(data []byte, cm *ipv4.ControlMessage, src net.Addr) {
	m, err := wire.Decode(data)
	if err != nil {
		telemetry.DatagramsDropped.WithLabelValues("decode").Inc()
		t.log.Warn("dropping undecodable datagram",
			zap.Stringer("from", src), zap.Int("bytes", len(data)), zap.Error(err))
		return
	}

	var q *Queue
	switch m.Type {
	case wire.TypeStatus, wire.TypeTableUpdate:
		q = t.monitoring
	case wire.TypeDiscovery, wire.TypeExit:
		q = t.discovery
	case wire.TypeElection, wire.TypeAnswer, wire.TypeCoordinator:
		q = t.election
	default:
		telemetry.DatagramsDropped.WithLabelValues("unknown").Inc()
		t.log.Debug("dropping unknown message", zap.Stringer("from", src))
		return
	}

	delivery := "unicast"
	if cm != nil && cm.Dst != nil && cm.Dst.Equal(net.IPv4bcast) {
		delivery = "broadcast"
	}
	telemetry.DatagramsReceived.WithLabelValues(m.Type.String(), delivery).Inc()
	t.log.Debug("received",
		zap.Stringer("type", m.Type),
		zap.Uint32("seq", m.Seq),
		zap.String("hostname", m.Hostname),
		zap.String("ip", m.IP),
		zap.String("delivery", delivery))
	q.Push(m)
}

// Send writes m to ip on the service port through a short-lived socket.
// Errors are returned for logging; UDP gives no delivery guarantee anyway.
func (t *Transport) Send(m wire.Message, ip string) error {
	t.mu.Lock()
	port := t.opts.PeerPort
	if port == 0 {
		port = t.opts.Port
	}
	t.mu.Unlock()
	if port == 0 {
		return ErrNotStarted
	}

	buf := wire.Encode(m)
	if len(buf) > MaxDatagramSize {
		telemetry.SendErrors.WithLabelValues(m.Type.String()).Inc()
		return fmt.Errorf("%w: %s is %d bytes", ErrMessageTooLarge, m.Type, len(buf))
	}

	if err := t.write(net.JoinHostPort(ip, strconv.Itoa(port)), buf); err != nil {
		telemetry.SendErrors.WithLabelValues(m.Type.String()).Inc()
		t.log.Warn("send failed", zap.Stringer("type", m.Type), zap.String("to", ip), zap.Error(err))
		return err
	}
	telemetry.DatagramsSent.WithLabelValues(m.Type.String()).Inc()
	return nil
}

// Broadcast sends m to the broadcast address.
func (t *Transport) Broadcast(m wire.Message) error {
	return t.Send(m, t.opts.BroadcastAddr)
}

// Multicast encodes one TableUpdate snapshot and unicasts it to every
// participant that is neither Manager nor Unknown. Every destination is
// attempted; failures are combined into the returned error.
func (t *Transport) Multicast(participants []cluster.Participant, seq uint32) error {
	m, err := wire.NewTableUpdate(t.self, participants, seq)
	if err != nil {
		return err
	}

	var errs error
	for _, p := range participants {
		if p.Status == cluster.StatusManager || p.Status == cluster.StatusUnknown {
			continue
		}
		errs = multierr.Append(errs, t.Send(m, p.IP))
	}
	return errs
}

// WakeUp broadcasts the magic packet for mac on the wake port.
func (t *Transport) WakeUp(mac string) error {
	pkt, err := wire.MagicPacket(mac)
	if err != nil {
		telemetry.WakeUps.WithLabelValues("invalid").Inc()
		return err
	}
	addr := net.JoinHostPort(t.opts.BroadcastAddr, strconv.Itoa(t.opts.WakePort))
	if err := t.write(addr, pkt); err != nil {
		telemetry.WakeUps.WithLabelValues("error").Inc()
		t.log.Warn("magic packet failed", zap.String("mac", mac), zap.Error(err))
		return err
	}
	telemetry.WakeUps.WithLabelValues("sent").Inc()
	t.log.Info("magic packet sent", zap.String("mac", mac), zap.String("to", addr))
	return nil
}

func (t *Transport) write(addr string, buf []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	conn, err := net.Dial("udp4", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(buf)
	return err
}

// GlobalStatus returns the process-wide synchronization status.
func (t *Transport) GlobalStatus() cluster.GlobalStatus {
	return t.state.Status()
}

// ChangeStatus sets the process-wide synchronization status.
func (t *Transport) ChangeStatus(next cluster.GlobalStatus) {
	prev := t.state.Change(next)
	telemetry.SyncStatus.Set(float64(next))
	if prev != next {
		t.log.Info("global status changed", zap.Stringer("from", prev), zap.Stringer("to", next))
	}
}

// ManagerIP returns the IP of the manager this node is bound to.
func (t *Transport) ManagerIP() string {
	return t.state.ManagerIP()
}

// SetManagerIP records the manager this node is bound to.
func (t *Transport) SetManagerIP(ip string) {
	t.state.SetManagerIP(ip)
}
