package httpserver

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-relay/internal/domain"
)

func frames(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") || line == "data: [DONE]" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &m))
		out = append(out, m)
	}
	return out
}

func TestWriteEventStatusAndHeartbeat(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, err := newSSEWriter(rec)
	require.NoError(t, err)
	js := newJobStream("j1", "simple_agent", "c1")

	terminal, err := js.writeEvent(sw, domain.StatusEvent("j1", domain.StageRunning))
	require.NoError(t, err)
	require.False(t, terminal)

	terminal, err = js.writeEvent(sw, domain.HeartbeatEvent("j1", domain.StageRunning))
	require.NoError(t, err)
	require.False(t, terminal)

	body := rec.Body.String()
	require.Contains(t, body, ": heartbeat running\n\n")

	fs := frames(t, body)
	require.Len(t, fs, 1)
	require.Equal(t, "running", fs[0]["agent_status"])
	require.Equal(t, "chat.completion.chunk", fs[0]["object"])
	choice := fs[0]["choices"].([]any)[0].(map[string]any)
	require.Nil(t, choice["finish_reason"])
}

func TestWriteEventChunkEmitsRoleOnce(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, err := newSSEWriter(rec)
	require.NoError(t, err)
	js := newJobStream("j1", "simple_agent", "c1")

	_, err = js.writeEvent(sw, domain.ChunkEvent("j1", "hel"))
	require.NoError(t, err)
	_, err = js.writeEvent(sw, domain.ChunkEvent("j1", "lo"))
	require.NoError(t, err)

	fs := frames(t, rec.Body.String())
	require.Len(t, fs, 3)
	d0 := fs[0]["choices"].([]any)[0].(map[string]any)["delta"].(map[string]any)
	require.Equal(t, "assistant", d0["role"])
	d1 := fs[1]["choices"].([]any)[0].(map[string]any)["delta"].(map[string]any)
	require.Equal(t, "hel", d1["content"])
	d2 := fs[2]["choices"].([]any)[0].(map[string]any)["delta"].(map[string]any)
	require.Equal(t, "lo", d2["content"])
}

func TestWriteEventCompletedCarriesUsageAndAttachments(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, err := newSSEWriter(rec)
	require.NoError(t, err)
	js := newJobStream("j1", "simple_agent", "c1")

	terminal, err := js.writeEvent(sw, domain.QueueEvent{
		JobID:   "j1",
		Type:    domain.EventCompleted,
		Status:  domain.StageCompleted,
		Content: "hi",
		Metadata: map[string]any{
			"content":     "hi",
			"attachments": []any{map[string]any{"filename": "a.png"}},
		},
		Usage: map[string]any{"total_tokens": float64(3)},
	})
	require.NoError(t, err)
	require.True(t, terminal)

	body := rec.Body.String()
	require.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	fs := frames(t, body)
	require.Len(t, fs, 1)
	require.Equal(t, "completed", fs[0]["agent_status"])
	require.Equal(t, "c1", fs[0]["conversation_id"])
	usage := fs[0]["usage"].(map[string]any)
	require.Equal(t, float64(3), usage["total_tokens"])
	meta := fs[0]["message_metadata"].(map[string]any)
	require.NotEmpty(t, meta["attachments"])
	choice := fs[0]["choices"].([]any)[0].(map[string]any)
	require.Equal(t, "stop", choice["finish_reason"])
}

func TestWriteEventInterrupt(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, err := newSSEWriter(rec)
	require.NoError(t, err)
	js := newJobStream("j1", "simple_agent", "c1")

	terminal, err := js.writeEvent(sw, domain.QueueEvent{
		JobID:   "j1",
		Type:    domain.EventInterrupt,
		Status:  domain.StageInterrupted,
		Content: "Which city?",
		Metadata: map[string]any{
			"question":     "Which city?",
			"interrupt_id": "i1",
		},
	})
	require.NoError(t, err)
	require.True(t, terminal)

	fs := frames(t, rec.Body.String())
	require.Len(t, fs, 1)
	require.Equal(t, "interrupted", fs[0]["agent_status"])
	delta := fs[0]["choices"].([]any)[0].(map[string]any)["delta"].(map[string]any)
	require.Equal(t, "Which city?", delta["content"])
	meta := fs[0]["message_metadata"].(map[string]any)
	require.Equal(t, "i1", meta["interrupt_id"])
}

func TestWriteEventFailed(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, err := newSSEWriter(rec)
	require.NoError(t, err)
	js := newJobStream("j1", "simple_agent", "c1")

	terminal, err := js.writeEvent(sw, domain.FailedEvent("j1", "Agent invocation failed: boom"))
	require.NoError(t, err)
	require.True(t, terminal)

	fs := frames(t, rec.Body.String())
	require.Len(t, fs, 1)
	errObj := fs[0]["error"].(map[string]any)
	require.Equal(t, "Agent invocation failed: boom", errObj["message"])
	require.Equal(t, "j1", fs[0]["job_id"])
	require.Equal(t, "c1", fs[0]["conversation_id"])
}
