// Package eventstream implements the Event Stream Listener (C3): it
// consumes a runtime's push event channel and turns messages into state
// transitions on runs, tasks and workers.
package eventstream

import (
	"encoding/json"
	"strings"

	"github.com/basket/agentorch/internal/store"
)

// Message is one event delivered over a runtime's event stream (§4.3).
type Message struct {
	RunID         string
	EventType     string
	Summary       string
	Sequence      int64
	Category      string
	PayloadJSON   string
	SchemaVersion string
	Metadata      map[string]string
}

// isStructured reports whether m carries a structured (not plain log)
// event, per §4.3's taxonomy: sequence>0 and category non-empty, or a
// non-empty schema_version.
func (m Message) isStructured() bool {
	if m.Sequence > 0 && m.Category != "" {
		return true
	}
	return m.SchemaVersion != ""
}

// HarnessResultEnvelope is the payload embedded in a `completed` message's
// `metadata["payload"]`, describing how the harness run actually ended.
type HarnessResultEnvelope struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// parseEnvelope extracts and decodes the HarnessResultEnvelope from a
// completed message's metadata. ok is false if the payload is missing or
// unparsable — the caller uses this to pick the §7 envelope-validation
// fallback summary.
func parseEnvelope(metadata map[string]string) (env HarnessResultEnvelope, present bool, ok bool) {
	raw, present := metadata["payload"]
	if !present || strings.TrimSpace(raw) == "" {
		return HarnessResultEnvelope{}, false, false
	}
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return HarnessResultEnvelope{}, true, false
	}
	return env, true, true
}

// classifyFailure applies §7's failure-classification rules: a
// case-insensitive "timeout"/"cancelled" substring in the error message
// takes precedence over the generic unclassified bucket.
func classifyFailure(errMsg string) store.FailureClass {
	lower := strings.ToLower(errMsg)
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "cancelled") || strings.Contains(lower, "canceled") {
		return store.FailureTimeout
	}
	return store.FailureNone
}
