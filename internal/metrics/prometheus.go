// Package metrics exports engine observations as Prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "decision_engine"

// Recorder implements the recorder interfaces of the risk, signals,
// execution and orchestrator packages. A nil *Recorder records nothing.
type Recorder struct {
	riskChecks      *prometheus.CounterVec
	emergencyStop   prometheus.Gauge
	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	consensus       *prometheus.CounterVec
	executions      *prometheus.CounterVec
	arbitrage       *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	evaluation      prometheus.Histogram
	threshold       prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New registers the engine collectors with reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		riskChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_checks_total",
			Help:      "Risk sub-check results",
		}, []string{"check", "result"}),
		emergencyStop: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "emergency_stop_active",
			Help:      "1 while the emergency stop is engaged",
		}),
		providerCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Advisory provider calls by outcome",
		}, []string{"provider", "status"}),
		providerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Advisory provider call latency",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		}, []string{"provider"}),
		consensus: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_total",
			Help:      "Consensus rounds by resulting action and fallback strategy",
		}, []string{"action", "fallback"}),
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_executions_total",
			Help:      "Order attempts per exchange",
		}, []string{"exchange", "result", "fallback"}),
		arbitrage: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arbitrage_opportunities_total",
			Help:      "Arbitrage opportunities detected",
		}, []string{"symbol"}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Evaluation results",
		}, []string{"symbol", "action", "executed"}),
		evaluation: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "End to end evaluation latency",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		threshold: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "confidence_threshold_base",
			Help:      "Current base confidence threshold",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests",
		}, []string{"route", "method", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

func result(ok bool) string {
	if ok {
		return "pass"
	}
	return "fail"
}

// RecordRiskCheck counts a risk sub-check.
func (r *Recorder) RecordRiskCheck(check string, passed bool) {
	if r == nil {
		return
	}
	r.riskChecks.WithLabelValues(check, result(passed)).Inc()
}

// SetEmergencyStop mirrors the emergency stop flag.
func (r *Recorder) SetEmergencyStop(active bool) {
	if r == nil {
		return
	}
	if active {
		r.emergencyStop.Set(1)
		return
	}
	r.emergencyStop.Set(0)
}

// RecordProviderCall counts a provider call and its latency.
func (r *Recorder) RecordProviderCall(provider, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.providerCalls.WithLabelValues(provider, status).Inc()
	r.providerLatency.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordConsensus counts a consensus round.
func (r *Recorder) RecordConsensus(action, fallback string) {
	if r == nil {
		return
	}
	if fallback == "" {
		fallback = "none"
	}
	r.consensus.WithLabelValues(action, fallback).Inc()
}

// RecordExecution counts an order attempt on exchange.
func (r *Recorder) RecordExecution(exchange string, success, fallback bool) {
	if r == nil {
		return
	}
	r.executions.WithLabelValues(exchange, result(success), strconv.FormatBool(fallback)).Inc()
}

// RecordArbitrageOpportunity counts a detected opportunity.
func (r *Recorder) RecordArbitrageOpportunity(symbol string) {
	if r == nil {
		return
	}
	r.arbitrage.WithLabelValues(symbol).Inc()
}

// RecordDecision counts an evaluation result and its latency.
func (r *Recorder) RecordDecision(symbol, action string, executed bool, d time.Duration) {
	if r == nil {
		return
	}
	r.decisions.WithLabelValues(symbol, action, strconv.FormatBool(executed)).Inc()
	r.evaluation.Observe(d.Seconds())
}

// SetThresholdBase mirrors the optimizer's base threshold.
func (r *Recorder) SetThresholdBase(v float64) {
	if r == nil {
		return
	}
	r.threshold.Set(v)
}

// RecordHTTPRequest counts an API request by route template.
func (r *Recorder) RecordHTTPRequest(route, method string, status int, d time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route, method).Observe(d.Seconds())
}
