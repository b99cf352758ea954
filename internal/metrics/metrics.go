// Package metrics defines the counters and gauges backing /healthz and
// /metricsz, registered on a dedicated Prometheus registry so tests can
// construct a fresh, isolated instance per run. Gatherer exposes that
// registry; no HTTP route serves it in Prometheus format.
package metrics

import (
	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric this relay exposes. A fresh Registry is
// cheap to construct and safe for concurrent use by its Inc*/Observe* methods.
type Registry struct {
	reg *prometheus.Registry

	SessionsCreated      prometheus.Counter
	SessionsClosed       *prometheus.CounterVec // labeled by reason
	PairEndpointAttempts *prometheus.CounterVec // labeled by endpoint
	PairEndpointSuccess  *prometheus.CounterVec // labeled by endpoint
	PairEndpointFailure  *prometheus.CounterVec // labeled by endpoint, code
	OutboundSendFailures prometheus.Counter
	SlowConsumerDrops    prometheus.Counter
	BusPublishFailures   prometheus.Counter
	PersistenceFailures  prometheus.Counter
	ActiveWebsockets     prometheus.Gauge
	PendingJoinWaiters   prometheus.Gauge
}

// New constructs a Registry under the given metric name prefix (namespace).
func New(namespace string) *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_created_total",
			Help: "Total number of sessions created via pair/start.",
		}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_closed_total",
			Help: "Total number of sessions closed, labeled by reason.",
		}, []string{"reason"}),
		PairEndpointAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pair_endpoint_attempts_total",
			Help: "Total number of HTTP pairing-endpoint requests, labeled by endpoint.",
		}, []string{"endpoint"}),
		PairEndpointSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pair_endpoint_success_total",
			Help: "Total number of successful HTTP pairing-endpoint requests, labeled by endpoint.",
		}, []string{"endpoint"}),
		PairEndpointFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pair_endpoint_failure_total",
			Help: "Total number of failed HTTP pairing-endpoint requests, labeled by endpoint and error code.",
		}, []string{"endpoint", "code"}),
		OutboundSendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbound_send_failures_total",
			Help: "Total number of non-blocking socket offers that found a full queue.",
		}),
		SlowConsumerDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "slow_consumer_disconnects_total",
			Help: "Total number of sockets disconnected because their outbound queue was full when a frame was offered.",
		}),
		BusPublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_publish_failures_total",
			Help: "Total number of failed cross-instance bus publishes.",
		}),
		PersistenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "persistence_failures_total",
			Help: "Total number of failed persistence adapter operations.",
		}),
		ActiveWebsockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_websocket_connections",
			Help: "Current number of authenticated bidirectional channel connections.",
		}),
		PendingJoinWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_join_waiters",
			Help: "Current number of pair/join requests awaiting desktop approval.",
		}),
	}

	reg.MustRegister(
		r.SessionsCreated, r.SessionsClosed,
		r.PairEndpointAttempts, r.PairEndpointSuccess, r.PairEndpointFailure,
		r.OutboundSendFailures, r.SlowConsumerDrops,
		r.BusPublishFailures, r.PersistenceFailures,
		r.ActiveWebsockets, r.PendingJoinWaiters,
	)

	return r
}

// ReadCounter extracts a prometheus.Counter's current value, for the
// hand-rolled JSON /metricsz payload. No Prometheus exposition route is
// registered.
func ReadCounter(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// ReadCounterVec sums every label combination of a CounterVec.
func ReadCounterVec(cv *prometheus.CounterVec) float64 {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		cv.Collect(ch)
		close(ch)
	}()
	var total float64
	for metric := range ch {
		var m dto.Metric
		if err := metric.Write(&m); err == nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

// Gatherer exposes the underlying Prometheus registry for a /metrics
// (Prometheus exposition format) handler, separate from the JSON /metricsz
// payload that internal/httpapi serves per spec.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
