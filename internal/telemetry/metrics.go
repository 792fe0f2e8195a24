// Package telemetry owns the Prometheus registry and the process metrics:
// datagram traffic, table state, elections, wake-ups and the admin API.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/wakeonlan/internal/cluster"
)

const namespace = "wakeonlan"

var (
	Registry = prometheus.NewRegistry()

	// ---- Transport ----
	DatagramsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Datagrams accepted by the listener, by message type and delivery (broadcast/unicast).",
		},
		[]string{"type", "delivery"},
	)

	DatagramsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Datagrams discarded by the listener, by reason.",
		},
		[]string{"reason"},
	)

	DatagramsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Datagrams written, by message type.",
		},
		[]string{"type"},
	)

	SendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Datagrams that could not be written, by message type.",
		},
		[]string{"type"},
	)

	WakeUps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wakeups_total",
			Help:      "Magic packets broadcast, by result.",
		},
		[]string{"result"},
	)

	// ---- Membership ----
	TableSequence = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "table_sequence",
			Help:      "Sequence number of the local membership table.",
		},
	)

	Participants = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants",
			Help:      "Participants in the local table, by status.",
		},
		[]string{"status"},
	)

	// ---- Protocols ----
	Elections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "elections_total",
			Help:      "Elections started locally, by outcome (won/lost/abandoned).",
		},
		[]string{"outcome"},
	)

	SyncStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_status",
			Help:      "Global synchronization status (0=Unknown 1=WaitingForSync 2=Syncing 3=Synchronized 4=NotSynchronized 5=ManagerFailure).",
		},
	)

	IsManager = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "is_manager",
			Help:      "1 while this node runs the manager role.",
		},
	)

	// ---- Admin API ----
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of admin HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency of admin HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version).",
		},
		[]string{"version"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		DatagramsReceived, DatagramsDropped, DatagramsSent, SendErrors, WakeUps,
		TableSequence, Participants, Elections, SyncStatus, IsManager,
		RequestsTotal, RequestDuration, buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func SetBuildInfo(version string) {
	buildInfo.WithLabelValues(version).Set(1)
}

// ObserveTable publishes the table sequence and the per-status participant
// counts. Statuses with no participants are reported as 0.
func ObserveTable(seq uint32, participants []cluster.Participant) {
	TableSequence.Set(float64(seq))
	counts := map[cluster.Status]int{}
	for _, p := range participants {
		counts[p.Status]++
	}
	for _, s := range []cluster.Status{cluster.StatusAwaken, cluster.StatusSleeping, cluster.StatusUnknown, cluster.StatusManager} {
		Participants.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

// ObserveNode publishes the local sync status and role.
func ObserveNode(status cluster.GlobalStatus, role cluster.Role) {
	SyncStatus.Set(float64(status))
	if role == cluster.RoleManager {
		IsManager.Set(1)
	} else {
		IsManager.Set(0)
	}
}

// Instrument is gin middleware recording request metrics under the "op" label.
//
// Example:
//
//	r.GET("/participants", telemetry.Instrument("participants"), s.participants)
func Instrument(op string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		class := strconv.Itoa(c.Writer.Status()/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
