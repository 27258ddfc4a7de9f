// Package model holds the data types shared across the Nightwatch
// pipeline: events produced by detectors, the fused channels the
// fusion engine derives from them, and the rules/alerts the alert
// engine evaluates against both.
package model

import "time"

// State is the detector-reported confidence bucket for an Event.
type State string

const (
	StateNormal    State = "NORMAL"
	StateWarning   State = "WARNING"
	StateAlert     State = "ALERT"
	StateUncertain State = "UNCERTAIN"
)

// Event is the canonical unit produced by a detector. Value holds the
// detector's feature bag; numeric features are float64, booleans are
// bool. Fields absent from Value are treated as null by consumers.
type Event struct {
	Detector   string
	Timestamp  time.Time // monotonic-sourced, microsecond resolution
	Sequence   uint64    // strictly increasing per (Detector, SessionID)
	SessionID  string
	State      State
	Confidence float64
	Value      map[string]any
}

// Float returns the named feature as a float64 and whether it was
// present and numeric.
func (e *Event) Float(field string) (float64, bool) {
	if e == nil || e.Value == nil {
		return 0, false
	}
	v, ok := e.Value[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// Bool returns the named feature as a bool and whether it was present
// and boolean.
func (e *Event) Bool(field string) (bool, bool) {
	if e == nil || e.Value == nil {
		return false, false
	}
	v, ok := e.Value[field]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// SignalValue is the latest reading of one feature from one detector.
type SignalValue struct {
	Detector   string
	Field      string
	Value      any
	Confidence float64
	Timestamp  time.Time
}

// Stale reports whether this value is older than maxAge as of now.
func (s SignalValue) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.Timestamp) > maxAge
}

// FusedSignal is a named logical channel produced by fusion.
type FusedSignal struct {
	Name       string
	Value      any
	Confidence float64
	Timestamp  time.Time
	Sources    []string
	Agreement  float64
	Degraded   bool
}

// Combine describes how a rule's conditions are aggregated.
type Combine string

const (
	CombineAll Combine = "all"
	CombineAny Combine = "any"
)

// Operator is a condition comparison operator.
type Operator string

const (
	OpLT Operator = "<"
	OpLE Operator = "<="
	OpEQ Operator = "=="
	OpNE Operator = "!="
	OpGE Operator = ">="
	OpGT Operator = ">"
)

// SourceKind selects whether a Condition reads a fused channel or a
// raw detector field.
type SourceKind string

const (
	SourceChannel  SourceKind = "channel"
	SourceDetector SourceKind = "detector"
)

// Condition is one predicate clause of a Rule.
type Condition struct {
	SourceKind      SourceKind
	Source          string // channel name, or detector id
	Field           string
	Operator        Operator
	Value           float64
	BoolValue       bool
	IsBool          bool
	DurationSeconds float64 // reserved for per-condition dwell
}

// Severity is an alert's severity level.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rule is a configured predicate driving alerts.
type Rule struct {
	Name            string
	Enabled         bool
	Conditions      []Condition
	Combine         Combine
	Severity        Severity
	DurationSeconds float64
	CooldownSeconds float64
	ResolveHoldSecs float64 // default 10s if zero
	Message         string
}

// Alert is one firing (or resolved) instance of a Rule.
type Alert struct {
	AlertID        string
	RuleName       string
	Level          Severity
	Source         string
	Message        string
	TriggeredAt    time.Time
	AcknowledgedAt *time.Time
	Resolved       bool
	ResolvedAt     *time.Time
}

// PauseState is the Orchestrator-owned notifier suppression state.
type PauseState struct {
	Paused     bool
	PauseUntil *time.Time
}

// ControlType names one of the control-inbox request types.
type ControlType string

const (
	ControlPause     ControlType = "pause"
	ControlResume    ControlType = "resume"
	ControlAck       ControlType = "acknowledge"
	ControlResolve   ControlType = "resolve"
	ControlTestAlert ControlType = "test_alert"
)

// ControlMessage is one request on the control topic. All
// control operations are idempotent.
type ControlMessage struct {
	Type         ControlType
	AlertID      string   // for acknowledge/resolve
	PauseMinutes float64  // for pause
	TestSeverity Severity // for test_alert
}
