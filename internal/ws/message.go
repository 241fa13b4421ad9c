package ws

import (
	"time"

	"github.com/Faffstifu/wake-o-matic/internal/pipeline"
)

// StatusMessage represents a sleep status transition broadcast
type StatusMessage struct {
	Type      string    `json:"type"` // "status"
	SessionID string    `json:"session_id"`
	Cycle     int       `json:"cycle"`
	Previous  string    `json:"previous"` // "awake", "asleep", "no_face"
	Status    string    `json:"status"`
	Action    string    `json:"action"` // "awake", "warning", "alarm"
	Timestamp time.Time `json:"timestamp"`
}

// DiagnosticMessage represents a recoverable pipeline incident
type DiagnosticMessage struct {
	Type      string    `json:"type"` // "diagnostic"
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// NewStatusMessage creates a status message from a pipeline event
func NewStatusMessage(event *pipeline.StatusEvent) *StatusMessage {
	return &StatusMessage{
		Type:      "status",
		SessionID: event.SessionID,
		Cycle:     event.Cycle,
		Previous:  event.Previous.String(),
		Status:    event.Status.String(),
		Action:    event.Action,
		Timestamp: event.Timestamp,
	}
}

// NewDiagnosticMessage creates a diagnostic message from a pipeline event
func NewDiagnosticMessage(event *pipeline.DiagnosticEvent) *DiagnosticMessage {
	return &DiagnosticMessage{
		Type:      "diagnostic",
		SessionID: event.SessionID,
		Kind:      string(event.Kind),
		Detail:    event.Detail,
		Timestamp: event.Timestamp,
	}
}
