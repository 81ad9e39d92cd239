package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/agent-relay/internal/adapter/observability"
	"github.com/fairyhunter13/agent-relay/internal/domain"
)

// sseChoice is the choices[0] element of a streamed chunk frame.
type sseChoice struct {
	Index        int            `json:"index"`
	Delta        map[string]any `json:"delta"`
	FinishReason *string        `json:"finish_reason"`
}

// sseFrame is one data record of the chat-completion stream.
type sseFrame struct {
	ID              string         `json:"id"`
	Object          string         `json:"object"`
	Created         int64          `json:"created"`
	Model           string         `json:"model"`
	Choices         []sseChoice    `json:"choices"`
	AgentStatus     string         `json:"agent_status,omitempty"`
	Usage           map[string]any `json:"usage,omitempty"`
	ConversationID  string         `json:"conversation_id,omitempty"`
	MessageMetadata map[string]any `json:"message_metadata,omitempty"`
}

var finishStop = "stop"

type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("%w: response writer does not support streaming", domain.ErrInternal)
	}
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, f: f}, nil
}

func (s *sseWriter) data(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", raw); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *sseWriter) done() error {
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// jobStream carries the identifiers every frame of one job's stream repeats.
type jobStream struct {
	id             string
	jobID          string
	model          string
	conversationID string
	created        int64
	sentRole       bool
}

func newJobStream(jobID, model, conversationID string) *jobStream {
	return &jobStream{
		id:             newCompletionID(),
		jobID:          jobID,
		model:          model,
		conversationID: conversationID,
		created:        time.Now().Unix(),
	}
}

func (js *jobStream) frame(delta map[string]any, finish *string) sseFrame {
	return sseFrame{
		ID:      js.id,
		Object:  "chat.completion.chunk",
		Created: js.created,
		Model:   js.model,
		Choices: []sseChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

// writeEvent translates one queue event into its SSE frames. Returns true once
// a terminal event has been written (including the trailing [DONE]).
func (js *jobStream) writeEvent(sw *sseWriter, ev domain.QueueEvent) (bool, error) {
	switch ev.Type {
	case domain.EventStatus:
		fr := js.frame(map[string]any{}, nil)
		fr.AgentStatus = string(ev.Status)
		return false, sw.data(fr)

	case domain.EventHeartbeat:
		return false, sw.comment("heartbeat " + string(ev.Status))

	case domain.EventChunk:
		if !js.sentRole {
			js.sentRole = true
			if err := sw.data(js.frame(map[string]any{"role": "assistant"}, nil)); err != nil {
				return false, err
			}
		}
		return false, sw.data(js.frame(map[string]any{"content": ev.Content}, nil))

	case domain.EventCompleted:
		fr := js.frame(map[string]any{}, &finishStop)
		fr.AgentStatus = "completed"
		fr.Usage = ev.Usage
		fr.ConversationID = js.conversationID
		if atts, ok := ev.Metadata["attachments"]; ok {
			fr.MessageMetadata = map[string]any{"attachments": atts}
		}
		if err := sw.data(fr); err != nil {
			return true, err
		}
		return true, sw.done()

	case domain.EventInterrupt:
		fr := js.frame(map[string]any{"content": ev.Content}, &finishStop)
		fr.AgentStatus = "interrupted"
		fr.ConversationID = js.conversationID
		fr.MessageMetadata = ev.Metadata
		if err := sw.data(fr); err != nil {
			return true, err
		}
		return true, sw.done()

	case domain.EventFailed:
		body := map[string]any{
			"error": apiError{
				Code:    "AGENT_FAILED",
				Message: ev.Error,
				Type:    "bad_gateway",
			},
			"job_id":          js.jobID,
			"conversation_id": js.conversationID,
		}
		if err := sw.data(body); err != nil {
			return true, err
		}
		return true, sw.done()
	}
	return false, nil
}

// streamJob forwards the job's event sequence as SSE until the terminal event.
// A stream that ends without a terminal (transient broker drop) is reopened
// with backoff; the snapshot read on reopen recovers a terminal that landed
// during the gap. Client disconnect cancels only the subscription, never the
// job.
func (s *Server) streamJob(ctx context.Context, w http.ResponseWriter, jobID, model, conversationID string) error {
	sw, err := newSSEWriter(w)
	if err != nil {
		return err
	}
	observability.SSEStreamOpened()
	defer observability.SSEStreamClosed()

	js := newJobStream(jobID, model, conversationID)
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	for {
		events, err := s.queue.Events(ctx, jobID, true)
		if err != nil {
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
				continue
			}
		}
		bo.Reset()

		streamEnded := false
		for !streamEnded {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-events:
				if !ok {
					streamEnded = true
					continue
				}
				terminal, err := js.writeEvent(sw, ev)
				if err != nil {
					return err
				}
				if terminal {
					return nil
				}
			}
		}
		// Reopen after an end-of-stream without a terminal.
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("op=httpserver.streamJob job_id=%s: event stream closed: %w", jobID, domain.ErrBrokerUnavailable)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
