package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.CallStarted()
	m.CallFinished("confirmed", time.Second, true)
	m.SMS("escalation", "sent")
	m.BroadcastStarted()
	m.BroadcastFinished("b1", "completed")
	m.QueueLength("b1", 3)
	m.TransportError("t1")
	m.RegisterChannels(func() (int, int, int) { return 0, 0, 0 })
}

func TestDispatchCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CallStarted()
	m.CallStarted()
	m.CallFinished("confirmed", 12*time.Second, true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("confirmed")))

	m.BroadcastStarted()
	m.QueueLength("b1", 4)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.DispatchQueueLength.WithLabelValues("b1")))
	m.BroadcastFinished("b1", "completed")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BroadcastsRunning))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BroadcastsTotal.WithLabelValues("completed")))

	m.RegisterChannels(func() (int, int, int) { return 10, 3, 7 })
	n, err := testutil.GatherAndCount(reg, "trunk_channels_available")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP trunk_channels_active Channels carrying a call
# TYPE trunk_channels_active gauge
trunk_channels_active 3
`), "trunk_channels_active"))
}

func TestMiddlewareUsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	m := New(reg)
	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/v1/broadcasts/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, id := range []string{"a", "b"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/broadcasts/"+id, nil))
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/broadcasts/:id", "200")))
}
