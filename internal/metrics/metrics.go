// Package metrics holds the Prometheus instruments of the dispatch service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	reg prometheus.Registerer

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Dispatch metrics
	CallsTotal          *prometheus.CounterVec
	CallDuration        prometheus.Histogram
	CallsInFlight       prometheus.Gauge
	SMSTotal            *prometheus.CounterVec
	BroadcastsTotal     *prometheus.CounterVec
	BroadcastsRunning   prometheus.Gauge
	TrunkFailuresTotal  *prometheus.CounterVec
	DispatchQueueLength *prometheus.GaugeVec
}

// New registers every instrument on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
		CallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcast_calls_total",
				Help: "Broadcast calls by recorded attempt status",
			},
			[]string{"status"},
		),
		CallDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "broadcast_call_duration_seconds",
			Help:    "Talk time of answered broadcast calls",
			Buckets: []float64{1, 5, 10, 15, 20, 30, 45, 60, 120},
		}),
		CallsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "broadcast_calls_in_flight",
			Help: "Calls currently ringing or connected",
		}),
		SMSTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcast_sms_total",
				Help: "SMS sent for broadcasts by kind and delivery status",
			},
			[]string{"kind", "status"},
		),
		BroadcastsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcasts_finished_total",
				Help: "Broadcasts that reached a terminal status",
			},
			[]string{"status"},
		),
		BroadcastsRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "broadcasts_running",
			Help: "Broadcasts currently dispatching",
		}),
		TrunkFailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trunk_transport_errors_total",
				Help: "Transport errors reported per trunk",
			},
			[]string{"trunk_id"},
		),
		DispatchQueueLength: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broadcast_queue_length",
				Help: "Recipients waiting for a channel per broadcast",
			},
			[]string{"broadcast_id"},
		),
	}
}

// ChannelStats is read on every scrape.
type ChannelStats func() (total, active, available int)

// RegisterChannels exposes trunk pool usage as gauges.
func (m *Metrics) RegisterChannels(stats ChannelStats) {
	if m == nil {
		return
	}
	f := promauto.With(m.reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{Name: "trunk_channels_total", Help: "Channels on dispatchable trunks"}, func() float64 {
		t, _, _ := stats()
		return float64(t)
	})
	f.NewGaugeFunc(prometheus.GaugeOpts{Name: "trunk_channels_active", Help: "Channels carrying a call"}, func() float64 {
		_, a, _ := stats()
		return float64(a)
	})
	f.NewGaugeFunc(prometheus.GaugeOpts{Name: "trunk_channels_available", Help: "Free channels on dispatchable trunks"}, func() float64 {
		_, _, av := stats()
		return float64(av)
	})
}

func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.CallsInFlight.Inc()
}

func (m *Metrics) CallFinished(status string, talk time.Duration, answered bool) {
	if m == nil {
		return
	}
	m.CallsInFlight.Dec()
	m.CallsTotal.WithLabelValues(status).Inc()
	if answered {
		m.CallDuration.Observe(talk.Seconds())
	}
}

func (m *Metrics) SMS(kind, status string) {
	if m == nil {
		return
	}
	m.SMSTotal.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) BroadcastStarted() {
	if m == nil {
		return
	}
	m.BroadcastsRunning.Inc()
}

func (m *Metrics) BroadcastFinished(broadcastID, status string) {
	if m == nil {
		return
	}
	m.BroadcastsRunning.Dec()
	m.BroadcastsTotal.WithLabelValues(status).Inc()
	m.DispatchQueueLength.DeleteLabelValues(broadcastID)
}

func (m *Metrics) QueueLength(broadcastID string, n int) {
	if m == nil {
		return
	}
	m.DispatchQueueLength.WithLabelValues(broadcastID).Set(float64(n))
}

func (m *Metrics) TransportError(trunkID string) {
	if m == nil {
		return
	}
	m.TrunkFailuresTotal.WithLabelValues(trunkID).Inc()
}

// Middleware records request count and latency using the matched route to
// keep label cardinality low.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
	}
}
