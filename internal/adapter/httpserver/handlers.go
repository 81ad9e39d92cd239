package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fairyhunter13/agent-relay/internal/config"
	"github.com/fairyhunter13/agent-relay/internal/domain"
)

// maxRequestBody bounds the inbound body; data-URL attachments make chat
// requests large.
const maxRequestBody = 32 << 20

// Server hosts the proxy handlers over the queue and the bot service.
type Server struct {
	cfg       config.Config
	queue     domain.TaskQueue
	bot       domain.BotService
	readiness []func(context.Context) error
}

// NewServer wires the handler set. The readiness checks run on /readyz.
func NewServer(cfg config.Config, queue domain.TaskQueue, bot domain.BotService, readiness ...func(context.Context) error) *Server {
	return &Server{cfg: cfg, queue: queue, bot: bot, readiness: readiness}
}

// ChatCompletionsHandler accepts an OpenAI-compatible chat request, enqueues a
// job, and resolves it over SSE or as a single blocking response.
func (s *Server) ChatCompletionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		lg := LoggerFrom(r)

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		var req ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
			return
		}
		if err := req.Validate(); err != nil {
			writeError(w, r, err)
			return
		}

		if err := s.bot.EnsureAgent(ctx, req.Model); err != nil {
			writeError(w, r, err)
			return
		}

		userID := req.User
		if userID == "" {
			userID = s.cfg.DefaultUserID
		}
		userRole := s.cfg.DefaultUserRole

		conversationID := req.ConversationID
		if conversationID == "" {
			conv, err := s.bot.CreateConversation(ctx, req.Model, userID, userRole)
			if err != nil {
				writeError(w, r, err)
				return
			}
			if conv.Status == "initializing" {
				writeError(w, r, fmt.Errorf("conversation %s: %w", conv.ID, domain.ErrConversationNotReady))
				return
			}
			conversationID = conv.ID
		}

		prompt, rawUserText, err := buildPrompt(req.Messages)
		if err != nil {
			writeError(w, r, err)
			return
		}

		jobID := uuid.NewString()
		payload := domain.EnqueuePayload{
			JobID:          jobID,
			Model:          req.Model,
			ConversationID: conversationID,
			UserID:         userID,
			UserRole:       userRole,
			Text:           prompt,
			RawUserText:    rawUserText,
			Attachments:    requestAttachments(req.Messages),
		}
		if err := s.queue.Enqueue(ctx, payload); err != nil {
			writeError(w, r, err)
			return
		}
		lg.Info("job enqueued",
			slog.String("job_id", jobID),
			slog.String("model", req.Model),
			slog.String("conversation_id", conversationID),
			slog.Bool("stream", req.Stream))

		if req.Stream {
			if err := s.streamJob(ctx, w, jobID, req.Model, conversationID); err != nil {
				// Headers are committed once streaming starts; just log.
				lg.Warn("sse stream ended with error", slog.String("job_id", jobID), slog.Any("error", err))
			}
			return
		}
		s.resolveBlocking(ctx, w, r, jobID, req.Model, conversationID)
	}
}

// resolveBlocking waits for the terminal event and synthesizes the single-shot
// response body.
func (s *Server) resolveBlocking(ctx context.Context, w http.ResponseWriter, r *http.Request, jobID, model, conversationID string) {
	ev, err := s.queue.WaitForCompletion(ctx, jobID, s.cfg.CompletionWaitTimeout)
	if err != nil {
		if errors.Is(err, domain.ErrBrokerUnavailable) {
			err = fmt.Errorf("job %s: %w", jobID, domain.ErrJobTimeout)
		}
		writeError(w, r, err)
		return
	}

	switch ev.Type {
	case domain.EventFailed:
		writeJobFailure(w, jobID, conversationID, ev.Error)

	case domain.EventInterrupt:
		resp := newCompletionResponse(model, conversationID, jobID)
		resp.AgentStatus = "interrupted"
		resp.Choices = []ChatCompletionChoice{{
			Index: 0,
			Message: ChatCompletionMessage{
				Role:     "assistant",
				Content:  ev.Content,
				Metadata: ev.Metadata,
			},
			FinishReason: "stop",
		}}
		writeJSON(w, http.StatusOK, resp)

	default: // completed
		resp := newCompletionResponse(model, conversationID, jobID)
		resp.AgentStatus = "completed"
		if len(ev.Usage) > 0 {
			resp.Usage = ev.Usage
		}
		content := ev.Content
		if content == "" {
			if c, ok := ev.Metadata["content"].(string); ok {
				content = c
			}
		}
		var metadata map[string]any
		if atts, ok := ev.Metadata["attachments"]; ok {
			metadata = map[string]any{"attachments": atts}
		}
		resp.Choices = []ChatCompletionChoice{{
			Index: 0,
			Message: ChatCompletionMessage{
				Role:     "assistant",
				Content:  content,
				Metadata: metadata,
			},
			FinishReason: "stop",
		}}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ModelsHandler serves the backend agent registry in OpenAI model-list shape.
func (s *Server) ModelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agents, err := s.bot.ListAgents(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		list := ModelList{Object: "list", Data: make([]ModelCard, 0, len(agents))}
		for _, a := range agents {
			list.Data = append(list.Data, ModelCard{
				ID:          a.ID,
				Object:      "model",
				OwnedBy:     "bot-service",
				Name:        a.Name,
				Description: a.Description,
			})
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// JobStatusHandler exposes the decoded status hash for one job.
func (s *Server) JobStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "id")
		st, err := s.queue.GetStatus(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if st == nil {
			writeError(w, r, fmt.Errorf("job %s: %w", jobID, domain.ErrUnknownJob))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "status": st})
	}
}

// ReadyzHandler runs the configured readiness checks with a short deadline.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		for _, check := range s.readiness {
			if err := check(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}
