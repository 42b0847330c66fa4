package metrics_test

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/basket/agentorch/internal/metrics"
)

func TestRegistry_ExposesRecordedMetrics(t *testing.T) {
	r := metrics.New()
	r.RecordDispatch("dispatched")
	r.SetQueueDepth(3)
	r.RecordAlertFired("QueueBacklog")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)

	body := w.Body.String()
	for _, want := range []string{
		`agentorch_dispatch_runs_dispatched_total{outcome="dispatched"} 1`,
		`agentorch_dispatch_queue_depth 3`,
		`agentorch_alerts_fired_total{rule_type="QueueBacklog"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}
}
