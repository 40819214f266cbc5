package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is the closed set of recognized channel message kinds.
// Anything off this list is MsgUnknown and passes through untouched.
type MessageType string

const (
	MsgInferenceScore MessageType = "inference_score"
	MsgEventStart     MessageType = "event_start"
	MsgEventEnd       MessageType = "event_end"
	MsgViolenceAlert  MessageType = "violence_alert"
	MsgAlert          MessageType = "alert"
	MsgStreamStatus   MessageType = "stream_status"
	MsgPing           MessageType = "ping"
	MsgPong           MessageType = "pong"
	MsgUnknown        MessageType = "unknown"
)

// Message is one channel frame: a type tag plus an opaque payload.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Kind maps the wire type onto the closed taxonomy. Unrecognized tags come
// back as MsgUnknown so new types fail closed instead of matching a case by
// accident.
func (m Message) Kind() MessageType {
	switch m.Type {
	case MsgInferenceScore, MsgEventStart, MsgEventEnd, MsgViolenceAlert,
		MsgAlert, MsgStreamStatus, MsgPing, MsgPong:
		return m.Type
	default:
		return MsgUnknown
	}
}

// IsLifecycleAlert reports whether the message marks the start, end, or
// standalone occurrence of a detected event.
func (m Message) IsLifecycleAlert() bool {
	switch m.Kind() {
	case MsgEventStart, MsgEventEnd, MsgViolenceAlert, MsgAlert:
		return true
	default:
		return false
	}
}

// Score is an ephemeral per-stream confidence update. Newer scores for the
// same stream key supersede older ones.
type Score struct {
	StreamKey    string    `json:"stream_key"`
	Confidence   float64   `json:"confidence"`
	SamplingRate float64   `json:"sampling_rate"`
	Timestamp    time.Time `json:"timestamp"`
}

func ParseScore(m Message) (*Score, error) {
	var score Score
	if err := json.Unmarshal(m.Data, &score); err != nil {
		return nil, fmt.Errorf("malformed score payload: %w", err)
	}
	if score.StreamKey == "" {
		return nil, fmt.Errorf("score payload missing stream key")
	}
	return &score, nil
}

// AlertKind distinguishes the lifecycle position of an alert.
type AlertKind string

const (
	AlertStart      AlertKind = "start"
	AlertEnd        AlertKind = "end"
	AlertStandalone AlertKind = "standalone"
)

// Alert is a lifecycle event notification for operator review.
type Alert struct {
	EventID    string    `json:"event_id"`
	StreamKey  string    `json:"stream_key"`
	Severity   string    `json:"severity"`
	Confidence float64   `json:"confidence"`
	Kind       AlertKind `json:"kind"`
}

// ParseAlert decodes a lifecycle alert, deriving its kind from the message
// type.
func ParseAlert(m Message) (*Alert, error) {
	var alert Alert
	if err := json.Unmarshal(m.Data, &alert); err != nil {
		return nil, fmt.Errorf("malformed alert payload: %w", err)
	}
	if alert.EventID == "" {
		return nil, fmt.Errorf("alert payload missing event id")
	}

	switch m.Kind() {
	case MsgEventStart:
		alert.Kind = AlertStart
	case MsgEventEnd:
		alert.Kind = AlertEnd
	case MsgViolenceAlert, MsgAlert:
		alert.Kind = AlertStandalone
	default:
		return nil, fmt.Errorf("message type %s is not a lifecycle alert", m.Type)
	}

	return &alert, nil
}
