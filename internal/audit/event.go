// Package audit buffers enforcement-outcome events and flushes them to the
// control plane in batches. At-least-once delivery with a bounded in-memory
// queue; the host's tool-call path is never blocked to make room.
package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/wardenlabs/warden/internal/policy"
)

// Event is a single append-only audit record.
type Event struct {
	ID         string         `json:"id"`
	EventType  string         `json:"event_type"`
	Outcome    string         `json:"outcome"`
	ToolName   string         `json:"tool_name,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	SessionKey string         `json:"session_key,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// Common event types.
const (
	TypeToolDecision = "tool_decision"
	TypeToolOutcome  = "tool_outcome"
	TypeConnState    = "connection_state_changed"
	TypeKillSwitch   = "kill_switch_changed"
)

// NewEvent stamps an event with an ID and enqueue time.
func NewEvent(eventType, outcome string) Event {
	return Event{
		ID:         uuid.NewString(),
		EventType:  eventType,
		Outcome:    outcome,
		EnqueuedAt: time.Now().UTC(),
	}
}

// ApplyLevel redacts an event per the policy's audit level. The second
// return is false when the level suppresses the event entirely.
func ApplyLevel(e Event, level policy.AuditLevel) (Event, bool) {
	switch level {
	case policy.AuditOff:
		return Event{}, false
	case policy.AuditMetadata:
		e.Metadata = nil
		return e, true
	default:
		return e, true
	}
}
