package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/agent-relay/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain sentinels to HTTP codes: a failed job surfaces as
// 502, a not-yet-ready conversation as 503 with Retry-After, and an exhausted
// blocking wait as 503.
func writeError(w http.ResponseWriter, _ *http.Request, err error) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrAgentNotFound):
		code = http.StatusNotFound
		codeStr = "MODEL_NOT_FOUND"
	case errors.Is(err, domain.ErrUnknownJob):
		code = http.StatusNotFound
		codeStr = "JOB_NOT_FOUND"
	case errors.Is(err, domain.ErrConversationNotReady):
		code = http.StatusServiceUnavailable
		codeStr = "CONVERSATION_NOT_READY"
		w.Header().Set("Retry-After", "1")
	case errors.Is(err, domain.ErrJobTimeout):
		code = http.StatusServiceUnavailable
		codeStr = "COMPLETION_TIMEOUT"
	case errors.Is(err, domain.ErrBrokerUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "BROKER_UNAVAILABLE"
	case errors.Is(err, domain.ErrUpstreamFailure):
		code = http.StatusBadGateway
		codeStr = "UPSTREAM_FAILURE"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error()}})
}

// writeJobFailure reports a job that reached the failed terminal state.
func writeJobFailure(w http.ResponseWriter, jobID, conversationID, errMsg string) {
	writeJSON(w, http.StatusBadGateway, map[string]any{
		"error": apiError{
			Code:    "AGENT_FAILED",
			Message: errMsg,
			Type:    "bad_gateway",
		},
		"job_id":          jobID,
		"conversation_id": conversationID,
	})
}
