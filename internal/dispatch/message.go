package dispatch

import (
	"bytes"
	"encoding/json"
)

// EventMessage is the queue envelope of an event awaiting dispatch.
type EventMessage struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenant_id"`
	EventType    string            `json:"event_type"`
	Payload      json.RawMessage   `json:"payload"`
	PublishedAt  string            `json:"published_at"`            // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// encodeMessage marshals msg without HTML escaping so the payload reaches the
// dispatcher byte for byte as Canonicalize produced it.
func encodeMessage(msg EventMessage) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
