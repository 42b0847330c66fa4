// Package metrics exports Prometheus metrics for the control plane: queue
// depth, active leases, dead-letter counts and alert firings.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the counters and gauges the orchestrator exposes.
type Registry struct {
	registry *prometheus.Registry

	runsDispatched   *prometheus.CounterVec
	runsCompleted    *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	activeLeases     prometheus.Gauge
	leaseContentions *prometheus.CounterVec
	deadLetters      prometheus.Gauge
	alertsFired      *prometheus.CounterVec
	workflowNodes    *prometheus.CounterVec
	recoveryActions  *prometheus.CounterVec
}

// New builds a Registry and registers every metric against a fresh
// Prometheus registry.
func New() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.runsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentorch",
		Subsystem: "dispatch",
		Name:      "runs_dispatched_total",
		Help:      "Total runs handed to a runtime by outcome",
	}, []string{"outcome"})

	r.runsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentorch",
		Subsystem: "runs",
		Name:      "completed_total",
		Help:      "Total runs reaching a terminal state, by state and failure class",
	}, []string{"state", "failure_class"})

	r.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentorch",
		Subsystem: "dispatch",
		Name:      "queue_depth",
		Help:      "Number of runs currently queued awaiting a runtime slot",
	})

	r.activeLeases = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentorch",
		Subsystem: "runtimepool",
		Name:      "active_leases",
		Help:      "Number of runtime leases currently held",
	})

	r.leaseContentions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentorch",
		Subsystem: "runtimepool",
		Name:      "lease_contentions_total",
		Help:      "Total failed lease-acquisition attempts (CAS races)",
	}, []string{"harness"})

	r.deadLetters = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentorch",
		Subsystem: "workflow",
		Name:      "dead_letters",
		Help:      "Number of workflow nodes currently dead-lettered",
	})

	r.alertsFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentorch",
		Subsystem: "alerts",
		Name:      "fired_total",
		Help:      "Total alert notifications fired, by rule type",
	}, []string{"rule_type"})

	r.workflowNodes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentorch",
		Subsystem: "workflow",
		Name:      "nodes_completed_total",
		Help:      "Total workflow nodes completed, by outcome",
	}, []string{"outcome"})

	r.recoveryActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentorch",
		Subsystem: "recovery",
		Name:      "actions_total",
		Help:      "Total recovery actions taken, by failure class",
	}, []string{"failure_class"})

	r.registry.MustRegister(
		r.runsDispatched, r.runsCompleted, r.queueDepth, r.activeLeases,
		r.leaseContentions, r.deadLetters, r.alertsFired, r.workflowNodes,
		r.recoveryActions,
	)
	return r
}

// RecordDispatch increments the dispatch-outcome counter.
func (r *Registry) RecordDispatch(outcome string) {
	r.runsDispatched.WithLabelValues(outcome).Inc()
}

// RecordRunCompleted increments the run-completion counter.
func (r *Registry) RecordRunCompleted(state, failureClass string) {
	r.runsCompleted.WithLabelValues(state, failureClass).Inc()
}

// SetQueueDepth sets the current queue-depth gauge.
func (r *Registry) SetQueueDepth(n int) {
	r.queueDepth.Set(float64(n))
}

// SetActiveLeases sets the current active-lease gauge.
func (r *Registry) SetActiveLeases(n int) {
	r.activeLeases.Set(float64(n))
}

// RecordLeaseContention increments the lease-contention counter for harness.
func (r *Registry) RecordLeaseContention(harness string) {
	r.leaseContentions.WithLabelValues(harness).Inc()
}

// SetDeadLetterCount sets the current dead-letter gauge.
func (r *Registry) SetDeadLetterCount(n int) {
	r.deadLetters.Set(float64(n))
}

// RecordAlertFired increments the alert-firing counter for ruleType.
func (r *Registry) RecordAlertFired(ruleType string) {
	r.alertsFired.WithLabelValues(ruleType).Inc()
}

// RecordWorkflowNode increments the workflow-node-completion counter.
func (r *Registry) RecordWorkflowNode(outcome string) {
	r.workflowNodes.WithLabelValues(outcome).Inc()
}

// RecordRecoveryAction increments the recovery-action counter.
func (r *Registry) RecordRecoveryAction(failureClass string) {
	r.recoveryActions.WithLabelValues(failureClass).Inc()
}

// Handler returns the HTTP handler serving the registry in Prometheus
// exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
