// Package wire defines the framed envelopes the core publishes to
// external consumers over the local stream endpoint: one JSON object
// per line, each carrying a type tag and a typed payload. The
// dashboard bridge consumes these; the core functions identically
// with no consumer attached.
package wire

import (
	"encoding/json"
	"time"

	"nightwatch/internal/health"
	"nightwatch/internal/model"
)

// Envelope is the outer frame. Type is one of event, channel, alert,
// status.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EventRecord is the serialized form of a detector event.
type EventRecord struct {
	Detector   string         `json:"detector"`
	Timestamp  time.Time      `json:"timestamp"`
	Sequence   uint64         `json:"sequence"`
	SessionID  string         `json:"session_id"`
	State      string         `json:"state"`
	Confidence float64        `json:"confidence"`
	Value      map[string]any `json:"value,omitempty"`
}

// ChannelRecord is the serialized form of a fused channel update.
type ChannelRecord struct {
	Name       string    `json:"name"`
	Value      any       `json:"value"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	Sources    []string  `json:"sources,omitempty"`
	Agreement  float64   `json:"agreement"`
	Degraded   bool      `json:"degraded"`
}

// AlertRecord is the serialized form of an alert firing or
// resolution.
type AlertRecord struct {
	AlertID        string     `json:"alert_id"`
	RuleName       string     `json:"rule_name"`
	Level          string     `json:"level"`
	Source         string     `json:"source"`
	Message        string     `json:"message"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	Resolved       bool       `json:"resolved"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// StatusRecord is the serialized health summary.
type StatusRecord struct {
	System     string            `json:"system"`
	Components []ComponentRecord `json:"components,omitempty"`
}

// ComponentRecord is one component's health entry in a StatusRecord.
type ComponentRecord struct {
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	LastUpdate time.Time `json:"last_update"`
	Dropped    uint64    `json:"dropped,omitempty"`
}

// FromEvent converts a bus event to its wire record.
func FromEvent(ev model.Event) EventRecord {
	return EventRecord{
		Detector:   ev.Detector,
		Timestamp:  ev.Timestamp,
		Sequence:   ev.Sequence,
		SessionID:  ev.SessionID,
		State:      string(ev.State),
		Confidence: ev.Confidence,
		Value:      ev.Value,
	}
}

// FromChannel converts a fused channel update to its wire record.
func FromChannel(fs model.FusedSignal) ChannelRecord {
	return ChannelRecord{
		Name:       fs.Name,
		Value:      fs.Value,
		Confidence: fs.Confidence,
		Timestamp:  fs.Timestamp,
		Sources:    fs.Sources,
		Agreement:  fs.Agreement,
		Degraded:   fs.Degraded,
	}
}

// FromAlert converts an alert record to its wire record.
func FromAlert(a model.Alert) AlertRecord {
	return AlertRecord{
		AlertID:        a.AlertID,
		RuleName:       a.RuleName,
		Level:          string(a.Level),
		Source:         a.Source,
		Message:        a.Message,
		TriggeredAt:    a.TriggeredAt,
		AcknowledgedAt: a.AcknowledgedAt,
		Resolved:       a.Resolved,
		ResolvedAt:     a.ResolvedAt,
	}
}

// FromHealth converts a health snapshot to its wire record.
func FromHealth(system health.Status, components []health.ComponentHealth) StatusRecord {
	recs := make([]ComponentRecord, len(components))
	for i, c := range components {
		recs[i] = ComponentRecord{
			Name:       c.Name,
			Status:     string(c.Status),
			LastUpdate: c.LastUpdate,
			Dropped:    c.Dropped,
		}
	}
	return StatusRecord{System: string(system), Components: recs}
}

// Marshal frames payload under the given type tag as one
// newline-terminated JSON line.
func Marshal(typeTag string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	line, err := json.Marshal(Envelope{Type: typeTag, Payload: raw})
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}
