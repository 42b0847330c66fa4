package projector

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const defaultSchemaVersion = "harness-structured-event-v2"

// structuredEventSchemaJSON is the bundled JSON Schema for the
// harness-structured-event-v2 payload envelope (§4.4). It only constrains
// the shape the projector actually reads (category-specific payload
// fields), not every field a harness may choose to emit.
const structuredEventSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"thinking": {"type": "string"},
		"tool_call_id": {"type": "string"},
		"tool_name": {"type": "string"},
		"state": {"type": "string"},
		"diff_stat": {"type": "string"},
		"diff_patch": {"type": "string"}
	}
}`

var structuredEventSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(structuredEventSchemaJSON))
	if err != nil {
		panic("projector: invalid bundled schema: " + err.Error())
	}
	const resourceURL = "structured-event-schema.json"
	if err := c.AddResource(resourceURL, doc); err != nil {
		panic("projector: add bundled schema resource: " + err.Error())
	}
	sch, err := c.Compile(resourceURL)
	if err != nil {
		panic("projector: compile bundled schema: " + err.Error())
	}
	return sch
}

// NormalizePayload canonicalises a raw payload string: whitespace-only
// becomes "{}"; a string that doesn't parse as JSON is JSON-escaped as a
// string literal; anything that parses as JSON is re-emitted minified.
func NormalizePayload(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return "{}"
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		b, _ := json.Marshal(raw)
		return string(b)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(raw)); err != nil {
		b, _ := json.Marshal(raw)
		return string(b)
	}
	return buf.String()
}

// RawEvent is the wire shape an event arrives in before Decode fills
// defaults and validates.
type RawEvent struct {
	RunID         string
	EventType     string
	Category      string
	Sequence      int64
	PayloadJSON   string
	SchemaVersion string
	Summary       string
	Error         string
	TimestampUTC  time.Time
	CreatedAtUTC  time.Time
}

// Decode fills blank fields with their defaults and, for the
// harness-structured-event-v2 schema, validates the normalized payload —
// downgrading to category "structured.invalid" on a schema violation
// rather than rejecting the event, since events are never dropped from the
// timeline (§4.4).
func Decode(raw RawEvent) RawEvent {
	out := raw
	if out.EventType == "" {
		out.EventType = "structured"
	}
	if out.Category == "" {
		out.Category = "structured"
	}
	out.SchemaVersion = strings.TrimSpace(out.SchemaVersion)
	if out.SchemaVersion == "" {
		out.SchemaVersion = defaultSchemaVersion
	}
	if out.TimestampUTC.IsZero() {
		out.TimestampUTC = out.CreatedAtUTC
	}
	out.PayloadJSON = NormalizePayload(out.PayloadJSON)

	if out.SchemaVersion == defaultSchemaVersion {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(out.PayloadJSON))
		if err != nil {
			out.Category = "structured.invalid"
			return out
		}
		if err := structuredEventSchema.Validate(doc); err != nil {
			out.Category = "structured.invalid"
		}
	}
	return out
}
