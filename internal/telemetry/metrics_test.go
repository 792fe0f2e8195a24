package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/wakeonlan/internal/cluster"
)

func TestObserveTable(t *testing.T) {
	ObserveTable(7, []cluster.Participant{
		{Hostname: "m0", Status: cluster.StatusManager},
		{Hostname: "p1", Status: cluster.StatusAwaken},
		{Hostname: "p2", Status: cluster.StatusAwaken},
	})

	assert.Equal(t, 7.0, testutil.ToFloat64(TableSequence))
	assert.Equal(t, 2.0, testutil.ToFloat64(Participants.WithLabelValues("AWAKEN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(Participants.WithLabelValues("MANAGER")))
	assert.Equal(t, 0.0, testutil.ToFloat64(Participants.WithLabelValues("SLEEPING")))

	ObserveTable(8, nil)
	assert.Equal(t, 0.0, testutil.ToFloat64(Participants.WithLabelValues("AWAKEN")))
}

func TestObserveNode(t *testing.T) {
	ObserveNode(cluster.ManagerFailure, cluster.RoleManager)
	assert.Equal(t, float64(cluster.ManagerFailure), testutil.ToFloat64(SyncStatus))
	assert.Equal(t, 1.0, testutil.ToFloat64(IsManager))

	ObserveNode(cluster.Syncing, cluster.RoleParticipant)
	assert.Equal(t, 0.0, testutil.ToFloat64(IsManager))
}

func TestInstrument(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ok", Instrument("ok"), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/missing", Instrument("missing"), func(c *gin.Context) { c.Status(http.StatusNotFound) })

	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("ok", "2xx"))
	for _, path := range []string{"/ok", "/ok", "/missing"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, before+2, testutil.ToFloat64(RequestsTotal.WithLabelValues("ok", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(RequestsTotal.WithLabelValues("missing", "4xx")))
}

func TestMetricsHandler(t *testing.T) {
	SetBuildInfo("test")
	DatagramsDropped.WithLabelValues("decode").Inc()

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `wakeonlan_build_info{version="test"} 1`))
	assert.True(t, strings.Contains(body, `wakeonlan_datagrams_dropped_total{reason="decode"}`))
	assert.True(t, strings.Contains(body, "wakeonlan_uptime_seconds"))
}
