// Package metrics provides Prometheus metrics for the manager and orchestrator.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	MutationsTotal  *prometheus.CounterVec
	PushesTotal     *prometheus.CounterVec
	PushQueueDepth  prometheus.Gauge
	ScaleActions    *prometheus.CounterVec
	LayerAverage    *prometheus.GaugeVec
	DecisionState   *prometheus.GaugeVec
	HTTPRequests    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "icnaas_topology_mutations_total",
				Help: "Topology mutations by operation and result.",
			},
			[]string{"op", "result"},
		),
		PushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "icnaas_device_pushes_total",
				Help: "Forwarding-table pushes by verb and result.",
			},
			[]string{"verb", "result"},
		),
		PushQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "icnaas_device_push_queue_depth",
				Help: "Pushes waiting to be applied.",
			},
		),
		ScaleActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "icnaas_scale_actions_total",
				Help: "Scaling actions taken by the decision loop, by directive kind and layer.",
			},
			[]string{"kind", "layer"},
		),
		LayerAverage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "icnaas_layer_average",
				Help: "Last sampled per-layer average by metric.",
			},
			[]string{"layer", "metric"},
		),
		DecisionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "icnaas_decision_state",
				Help: "1 for the decision loop's current state, 0 otherwise.",
			},
			[]string{"state"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "icnaas_http_requests_total",
				Help: "HTTP requests by route and status code.",
			},
			[]string{"route", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "icnaas_http_request_duration_seconds",
				Help:    "HTTP request duration by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		registry: reg,
	}

	reg.MustRegister(m.MutationsTotal)
	reg.MustRegister(m.PushesTotal)
	reg.MustRegister(m.PushQueueDepth)
	reg.MustRegister(m.ScaleActions)
	reg.MustRegister(m.LayerAverage)
	reg.MustRegister(m.DecisionState)
	reg.MustRegister(m.HTTPRequests)
	reg.MustRegister(m.RequestDuration)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordMutation(op string, err error) {
	if m == nil {
		return
	}
	m.MutationsTotal.WithLabelValues(op, result(err)).Inc()
}

func (m *Metrics) RecordPush(verb string, err error) {
	if m == nil {
		return
	}
	m.PushesTotal.WithLabelValues(verb, result(err)).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.PushQueueDepth.Set(float64(n))
}

func (m *Metrics) RecordScale(kind string, layer int) {
	if m == nil {
		return
	}
	m.ScaleActions.WithLabelValues(kind, strconv.Itoa(layer)).Inc()
}

func (m *Metrics) SetLayerAverage(layer int, metric string, v float64) {
	if m == nil {
		return
	}
	m.LayerAverage.WithLabelValues(strconv.Itoa(layer), metric).Set(v)
}

// SetDecisionState marks state as current among all.
func (m *Metrics) SetDecisionState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.DecisionState.WithLabelValues(s).Set(v)
	}
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(route string, code int, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(seconds)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
