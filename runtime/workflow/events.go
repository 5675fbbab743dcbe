package workflow

import (
	"encoding/json"
	"time"
)

// Lifecycle event types published on "<name>:<thread>".
const (
	EventStarted    = "started"
	EventStepFailed = "step_failed"
	EventCompleted  = "completed"
	EventFailed     = "failed"
	EventCancelled  = "cancelled"
)

// Event is one lifecycle event of a workflow execution. Exactly one of the
// terminal types (completed, failed, cancelled) is published per execution.
type Event struct {
	Type      string          `json:"type"`
	ThreadID  string          `json:"threadId"`
	JobID     string          `json:"jobId,omitempty"`
	Step      Step            `json:"step,omitempty"`
	Status    Status          `json:"status"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Channel returns the event channel for a thread under the given workflow
// prefix.
func Channel(prefix, thread string) string {
	return prefix + ":" + thread
}
