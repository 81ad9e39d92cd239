package httpserver

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fairyhunter13/agent-relay/internal/domain"
	"github.com/fairyhunter13/agent-relay/pkg/textx"
)

var validate = validator.New()

// ChatMessage is one turn of the OpenAI messages array. Content accepts either
// a plain string or a content-part array; parts are flattened to text and any
// media parts are promoted to attachments during unmarshalling.
type ChatMessage struct {
	Role        string           `json:"role" validate:"required,oneof=system user assistant"`
	Content     string           `json:"content"`
	Attachments []map[string]any `json:"attachments,omitempty"`
}

// UnmarshalJSON normalizes the wire shape: string content passes through,
// array content is split into text parts and attachment records.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role        string           `json:"role"`
		Content     json.RawMessage  `json:"content"`
		Attachments []map[string]any `json:"attachments"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Attachments = raw.Attachments

	if len(raw.Content) == 0 || string(raw.Content) == "null" {
		m.Content = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(raw.Content, &s); err == nil {
		m.Content = s
		return nil
	}
	var parts []any
	if err := json.Unmarshal(raw.Content, &parts); err != nil {
		return fmt.Errorf("message content must be a string or an array of parts")
	}
	text, extracted := flattenContentParts(parts)
	m.Content = text
	if len(extracted) > 0 && len(m.Attachments) == 0 {
		m.Attachments = extracted
	}
	return nil
}

// ChatCompletionRequest is the inbound OpenAI-compatible request body.
type ChatCompletionRequest struct {
	Model          string        `json:"model" validate:"required"`
	Messages       []ChatMessage `json:"messages" validate:"required,min=1,dive"`
	User           string        `json:"user,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Stream         bool          `json:"stream,omitempty"`
}

// Validate applies the struct rules plus the at-least-one-user-message check.
func (r ChatCompletionRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	for _, m := range r.Messages {
		if m.Role == "user" {
			return nil
		}
	}
	return fmt.Errorf("%w: chat request must include at least one user message", domain.ErrInvalidArgument)
}

// buildPrompt flattens the message transcript into a single prompt: system
// text first, then the conversation history, then the verbatim last user turn.
// The raw last user text is returned separately for the backend.
func buildPrompt(messages []ChatMessage) (prompt, rawUserText string, err error) {
	var systemChunks []string
	var conversationChunks []string
	var latestUser string
	seenUser := false

	for _, m := range messages {
		content := textx.SanitizeText(m.Content)
		switch m.Role {
		case "system":
			systemChunks = append(systemChunks, content)
		case "assistant":
			conversationChunks = append(conversationChunks, "Assistant: "+content)
		case "user":
			latestUser = content
			seenUser = true
			conversationChunks = append(conversationChunks, "User: "+content)
		}
	}
	if !seenUser {
		return "", "", fmt.Errorf("%w: chat request must include at least one user message", domain.ErrInvalidArgument)
	}

	var sections []string
	if len(systemChunks) > 0 {
		sections = append(sections, strings.Join(systemChunks, "\n"))
	}
	if len(conversationChunks) > 1 {
		sections = append(sections, "Conversation history:\n"+strings.Join(conversationChunks[:len(conversationChunks)-1], "\n"))
	}
	sections = append(sections, latestUser)

	var nonEmpty []string
	for _, s := range sections {
		if s != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	return strings.TrimSpace(strings.Join(nonEmpty, "\n\n")), latestUser, nil
}

// requestAttachments collects attachments from every user message in
// transcript order.
func requestAttachments(messages []ChatMessage) []map[string]any {
	var out []map[string]any
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		out = append(out, m.Attachments...)
	}
	return out
}

// ChatCompletionMessage is the assistant message of a single-shot response.
type ChatCompletionMessage struct {
	Role     string         `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ChatCompletionChoice wraps the message with OpenAI finish semantics.
type ChatCompletionChoice struct {
	Index        int                   `json:"index"`
	Message      ChatCompletionMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

// ChatCompletionResponse is the blocking-path response body.
type ChatCompletionResponse struct {
	ID             string                 `json:"id"`
	Object         string                 `json:"object"`
	Created        int64                  `json:"created"`
	Model          string                 `json:"model"`
	Choices        []ChatCompletionChoice `json:"choices"`
	Usage          map[string]any         `json:"usage"`
	ConversationID string                 `json:"conversation_id"`
	JobID          string                 `json:"job_id,omitempty"`
	AgentStatus    string                 `json:"agent_status,omitempty"`
}

func newCompletionID() string { return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "") }

func newCompletionResponse(model, conversationID, jobID string) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:             newCompletionID(),
		Object:         "chat.completion",
		Created:        time.Now().Unix(),
		Model:          model,
		Usage:          map[string]any{"prompt_tokens": 0, "completion_tokens": 0, "total_tokens": 0},
		ConversationID: conversationID,
		JobID:          jobID,
	}
}

// ModelCard is one entry of the /v1/models listing.
type ModelCard struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	Created     int64  `json:"created"`
	OwnedBy     string `json:"owned_by"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// ModelList is the /v1/models response body.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelCard `json:"data"`
}
