package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_decision_total",
			Help: "Gateway decisions by action and path taken (cached/pipeline/fail_open)",
		},
		[]string{"action", "path"},
	)
	DecisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_decision_duration_seconds",
			Help:    "Latency of the detection pipeline per request",
			Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		},
	)
	TokenVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_token_verify_total",
			Help: "Bearer token verifications by result code",
		},
		[]string{"result"},
	)
	DetectorFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_detector_fired_total",
			Help: "Detector matches, before thresholding",
		},
		[]string{"detector"},
	)
	DetectorEscalated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_detector_escalated_total",
			Help: "Detector matches that met their threshold inside the window",
		},
		[]string{"detector"},
	)
	DetectorErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_detector_errors_total",
			Help: "Detector failures treated as no match",
		},
		[]string{"detector"},
	)
	Incidents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_incidents_total",
			Help: "Incidents journaled by attack category",
		},
		[]string{"category"},
	)
	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_response_cache_hits_total",
			Help: "Requests answered from a standing decision without running detection",
		},
	)
	NotificationsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_incident_notifications_dropped_total",
			Help: "Incident notifications dropped because the reporter queue was full",
		},
	)
	SweepEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_sweep_evictions_total",
			Help: "Entries removed by the background sweeper",
		},
		[]string{"store"},
	)
	SourcesTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_sources_tracked",
			Help: "Sources currently held by the analytics store",
		},
	)
	StandingDecisions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_standing_decisions",
			Help: "Unexpired cached decisions",
		},
	)
	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_errors_total",
			Help: "Reverse proxy failures by kind",
		},
		[]string{"kind"},
	)
	UpstreamLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_upstream_duration_seconds",
			Help:    "Time spent proxying allowed requests upstream",
			Buckets: prometheus.DefBuckets,
		},
	)
	UpstreamCircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_upstream_circuit_state",
			Help: "Upstream circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"upstream"},
	)
	UpstreamCircuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_circuit_transitions_total",
			Help: "Upstream circuit breaker state transitions",
		},
		[]string{"upstream", "from", "to"},
	)
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_build_info",
			Help: "Build info gauge, always 1",
		},
		[]string{"version"},
	)
)

func MustRegister() {
	prometheus.MustRegister(
		Decisions, DecisionDuration, TokenVerifications,
		DetectorFired, DetectorEscalated, DetectorErrors,
		Incidents, CacheHits, NotificationsDropped, SweepEvictions,
		SourcesTracked, StandingDecisions, UpstreamErrors, UpstreamLatency,
		UpstreamCircuitState, UpstreamCircuitTransitions, BuildInfo,
	)
}
