package domain

import (
	"encoding/json"
	"fmt"
)

// EventKind tags a QueueEvent. The set is closed: one status/chunk/heartbeat
// stream followed by exactly one terminal (completed, failed, or interrupt).
type EventKind string

const (
	EventStatus    EventKind = "status"
	EventChunk     EventKind = "chunk"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventHeartbeat EventKind = "heartbeat"
	EventInterrupt EventKind = "interrupt"
)

// Terminal reports whether the kind ends the job's event stream.
func (k EventKind) Terminal() bool {
	switch k {
	case EventCompleted, EventFailed, EventInterrupt:
		return true
	}
	return false
}

// QueueEvent is one message on a job's pub/sub channel. One event is one UTF-8
// JSON object; absent fields are omitted on the wire.
type QueueEvent struct {
	JobID    string         `json:"job_id"`
	Type     EventKind      `json:"type"`
	Status   JobStage       `json:"status,omitempty"`
	Content  string         `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Usage    map[string]any `json:"usage,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Terminal reports whether this event ends the job's event stream.
func (e QueueEvent) Terminal() bool { return e.Type.Terminal() }

// Encode serializes the event for publication.
func (e QueueEvent) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("op=event.Encode job_id=%s: %w", e.JobID, err)
	}
	return b, nil
}

// DecodeEvent parses one published message. Unknown kinds are rejected so a
// malformed publisher cannot wedge subscribers.
func DecodeEvent(data []byte) (QueueEvent, error) {
	var e QueueEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return QueueEvent{}, fmt.Errorf("op=event.Decode: %w", err)
	}
	switch e.Type {
	case EventStatus, EventChunk, EventCompleted, EventFailed, EventHeartbeat, EventInterrupt:
	default:
		return QueueEvent{}, fmt.Errorf("op=event.Decode: %w: unknown event type %q", ErrInvalidArgument, e.Type)
	}
	if e.JobID == "" {
		return QueueEvent{}, fmt.Errorf("op=event.Decode: %w: missing job_id", ErrInvalidArgument)
	}
	return e, nil
}

// StatusEvent builds a stage-transition event.
func StatusEvent(jobID string, stage JobStage) QueueEvent {
	return QueueEvent{JobID: jobID, Type: EventStatus, Status: stage}
}

// ChunkEvent builds a text-fragment event.
func ChunkEvent(jobID, content string) QueueEvent {
	return QueueEvent{JobID: jobID, Type: EventChunk, Content: content}
}

// HeartbeatEvent builds a liveness pulse carrying the current stage.
func HeartbeatEvent(jobID string, stage JobStage) QueueEvent {
	return QueueEvent{JobID: jobID, Type: EventHeartbeat, Status: stage}
}

// FailedEvent builds the failed terminal event.
func FailedEvent(jobID, errMsg string) QueueEvent {
	return QueueEvent{JobID: jobID, Type: EventFailed, Status: StageFailed, Error: errMsg}
}
