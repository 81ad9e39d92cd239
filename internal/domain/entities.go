// Package domain holds the core job, status, and event types shared by the
// queue, the worker, and the proxy, plus the ports the adapters implement.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnknownJob is returned when a job's status hash is absent (never
	// enqueued, or its TTL expired).
	ErrUnknownJob = errors.New("unknown job")
	// ErrJobTimeout is returned by the blocking wait when no terminal event
	// arrives in time. The job itself is unaffected.
	ErrJobTimeout = errors.New("job wait timeout")
	// ErrBrokerUnavailable marks transient broker I/O failures. Callers retry
	// at their own layer.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrUpstreamFailure marks a failed bot-service invocation.
	ErrUpstreamFailure = errors.New("upstream failure")
	// ErrAgentNotFound is returned when the requested model does not map to a
	// registered agent.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrConversationNotReady is returned while the backend is still
	// initializing a conversation. Clients should retry shortly.
	ErrConversationNotReady = errors.New("conversation not ready")
	ErrInternal             = errors.New("internal error")
)

// JobStage is the high-level lifecycle state of a job.
type JobStage string

const (
	StageQueued      JobStage = "queued"
	StageRunning     JobStage = "running"
	StageStreaming   JobStage = "streaming"
	StageCompleted   JobStage = "completed"
	StageFailed      JobStage = "failed"
	StageInterrupted JobStage = "interrupted"
)

// Terminal reports whether the stage ends the job's lifecycle. Status writes
// never move a job out of a terminal stage.
func (s JobStage) Terminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageInterrupted:
		return true
	}
	return false
}

// EnqueuePayload is the immutable job request pushed onto the queue list.
type EnqueuePayload struct {
	JobID          string           `json:"job_id"`
	Model          string           `json:"model"`
	ConversationID string           `json:"conversation_id"`
	UserID         string           `json:"user_id"`
	UserRole       string           `json:"user_role,omitempty"`
	Text           string           `json:"text"`
	RawUserText    string           `json:"raw_user_text,omitempty"`
	Attachments    []map[string]any `json:"attachments,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
}

// JobStatus is the mutable per-job record stored in the status hash.
// Timestamps are wall-clock seconds with fractional precision, matching the
// broker's string encoding.
type JobStatus struct {
	Status         JobStage       `json:"status"`
	CreatedAt      float64        `json:"created_at"`
	UpdatedAt      float64        `json:"updated_at"`
	LastHeartbeat  float64        `json:"last_heartbeat,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Model          string         `json:"model,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// BotMessage is the agent_message portion of a bot-service reply.
type BotMessage struct {
	RawText  string         `json:"raw_text"`
	Content  any            `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// BotReply is the bot-service message-create response. Conversation and
// UserMessage pass through opaquely; only AgentMessage is interpreted.
type BotReply struct {
	Conversation map[string]any `json:"conversation,omitempty"`
	UserMessage  map[string]any `json:"user_message,omitempty"`
	AgentMessage BotMessage     `json:"agent_message"`
	Usage        map[string]any `json:"usage,omitempty"`
}

// AgentStatus returns metadata.agent_status, or "active" when absent.
func (r BotReply) AgentStatus() string {
	if v, ok := r.AgentMessage.Metadata["agent_status"].(string); ok && v != "" {
		return v
	}
	return "active"
}

// Interrupted reports whether the agent paused waiting for user input.
func (r BotReply) Interrupted() bool { return r.AgentStatus() == "interrupted" }

// ResponseAttachments collects attachment records from the agent message.
// Metadata attachments win; otherwise segmented content parts of media types
// are promoted.
func (r BotReply) ResponseAttachments() []map[string]any {
	var out []map[string]any
	if metaAtt, ok := r.AgentMessage.Metadata["attachments"].([]any); ok {
		for _, item := range metaAtt {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
	}
	if len(out) > 0 {
		return out
	}

	var parts []any
	switch content := r.AgentMessage.Content.(type) {
	case map[string]any:
		if content["type"] == "segments" {
			parts, _ = content["parts"].([]any)
		}
	case []any:
		parts = content
	}
	for _, piece := range parts {
		m, ok := piece.(map[string]any)
		if !ok {
			continue
		}
		switch m["type"] {
		case "file", "image", "audio", "video", "attachment":
			out = append(out, m)
		}
	}
	return out
}

// Agent describes one entry from the bot-service agent registry.
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// Conversation is the bot-service conversation record, kept to the fields the
// proxy needs.
type Conversation struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

// SendMessageInput carries one user turn to the bot service.
type SendMessageInput struct {
	ConversationID string
	UserID         string
	UserRole       string
	Text           string
	RawUserText    string
	Attachments    []map[string]any
	Metadata       map[string]any
}

// TaskQueue is the port over the broker-backed job queue (ownership of all key
// naming lives behind it).
type TaskQueue interface {
	Enqueue(ctx context.Context, payload EnqueuePayload) error
	PopJob(ctx context.Context, timeout time.Duration) (*EnqueuePayload, error)
	MarkStatus(ctx context.Context, jobID string, stage JobStage, extra map[string]any) error
	StoreResult(ctx context.Context, jobID string, result map[string]any) error
	StoreFailure(ctx context.Context, jobID string, errMsg string) error
	RegisterActiveJob(ctx context.Context, jobID string) error
	ClearActiveJob(ctx context.Context, jobID string) error
	UpdateHeartbeat(ctx context.Context, jobID string, stage JobStage) error
	PublishEvent(ctx context.Context, event QueueEvent) error
	FailStaleJobs(ctx context.Context) ([]string, error)
	FailJobIfActive(ctx context.Context, jobID, reason string) (bool, error)
	GetStatus(ctx context.Context, jobID string) (*JobStatus, error)
	// Events subscribes to the job channel; the returned channel closes after
	// the first terminal event or when ctx is cancelled.
	Events(ctx context.Context, jobID string, includeSnapshot bool) (<-chan QueueEvent, error)
	WaitForCompletion(ctx context.Context, jobID string, timeout time.Duration) (QueueEvent, error)
}

// BotService is the port over the agent-execution backend. The worker only
// needs SendMessage; the proxy uses the registry and conversation calls.
type BotService interface {
	SendMessage(ctx context.Context, in SendMessageInput) (BotReply, error)
	ListAgents(ctx context.Context) ([]Agent, error)
	EnsureAgent(ctx context.Context, agentID string) error
	CreateConversation(ctx context.Context, agentID, userID, userRole string) (Conversation, error)
	GetConversation(ctx context.Context, conversationID, userID string) (Conversation, error)
}
