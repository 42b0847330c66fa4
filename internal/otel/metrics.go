package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the OTel instruments emitted alongside spans. These
// duplicate a subset of internal/metrics' Prometheus gauges/counters in
// histogram form so a trace backend can correlate latency distributions
// with individual spans; internal/metrics remains the scrape target for
// dashboards and alerting thresholds.
type Metrics struct {
	DispatchDuration      metric.Float64Histogram
	LeaseAcquireDuration  metric.Float64Histogram
	LeaseContentions      metric.Int64Counter
	NodeExecutionDuration metric.Float64Histogram
	RecoveryActionsTotal  metric.Int64Counter
	AlertEvalDuration     metric.Float64Histogram
	ActiveRuns            metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.DispatchDuration, err = meter.Float64Histogram("agentorch.dispatch.duration",
		metric.WithDescription("Time to evaluate and act on a dispatch request, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LeaseAcquireDuration, err = meter.Float64Histogram("agentorch.lease.acquire.duration",
		metric.WithDescription("Time spent acquiring a runtime lease, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LeaseContentions, err = meter.Int64Counter("agentorch.lease.contentions",
		metric.WithDescription("Failed lease-acquisition attempts due to a CAS race"),
	)
	if err != nil {
		return nil, err
	}

	m.NodeExecutionDuration, err = meter.Float64Histogram("agentorch.workflow.node.duration",
		metric.WithDescription("Time a DAG workflow node spent executing, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RecoveryActionsTotal, err = meter.Int64Counter("agentorch.recovery.actions",
		metric.WithDescription("Recovery actions taken against stale or zombie runs"),
	)
	if err != nil {
		return nil, err
	}

	m.AlertEvalDuration, err = meter.Float64Histogram("agentorch.alerts.eval.duration",
		metric.WithDescription("Time spent evaluating one alert rule tick, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter("agentorch.runs.active",
		metric.WithDescription("Number of runs currently dispatched to a runtime"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
