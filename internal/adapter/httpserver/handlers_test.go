package httpserver_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-relay/internal/adapter/broker"
	"github.com/fairyhunter13/agent-relay/internal/adapter/httpserver"
	"github.com/fairyhunter13/agent-relay/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/agent-relay/internal/config"
	"github.com/fairyhunter13/agent-relay/internal/domain"
)

type fakeBot struct {
	mu       sync.Mutex
	agents   []domain.Agent
	conv     domain.Conversation
	convErr  error
	reply    domain.BotReply
	replyErr error
	delay    time.Duration
	sent     []domain.SendMessageInput
}

func (b *fakeBot) SendMessage(_ context.Context, in domain.SendMessageInput) (domain.BotReply, error) {
	b.mu.Lock()
	b.sent = append(b.sent, in)
	b.mu.Unlock()
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	return b.reply, b.replyErr
}

func (b *fakeBot) ListAgents(context.Context) ([]domain.Agent, error) { return b.agents, nil }

func (b *fakeBot) EnsureAgent(_ context.Context, agentID string) error {
	for _, a := range b.agents {
		if a.ID == agentID {
			return nil
		}
	}
	return domain.ErrAgentNotFound
}

func (b *fakeBot) CreateConversation(context.Context, string, string, string) (domain.Conversation, error) {
	return b.conv, b.convErr
}

func (b *fakeBot) GetConversation(context.Context, string, string) (domain.Conversation, error) {
	return b.conv, nil
}

func (b *fakeBot) lastSent(t *testing.T) domain.SendMessageInput {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.sent)
	return b.sent[len(b.sent)-1]
}

func defaultBot() *fakeBot {
	return &fakeBot{
		agents: []domain.Agent{{ID: "simple_agent", Name: "Simple", Description: "test agent"}},
		conv:   domain.Conversation{ID: "c-new", Status: "active"},
		reply:  domain.BotReply{AgentMessage: domain.BotMessage{RawText: "hello world"}},
	}
}

func newProxy(t *testing.T, bot *fakeBot) (*httptest.Server, *redisq.Queue) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cli := broker.NewRedisFromClient(rdb)

	cfg := config.Config{
		QueueKey:                "agent:jobs",
		StatusPrefix:            "agent:status:",
		ChannelPrefix:           "agent:events:",
		JobTTL:                  time.Hour,
		ChunkCharLimit:          5,
		WorkerHeartbeatInterval: 0,
		HeartbeatStaleAfter:     time.Minute,
		WorkerConcurrency:       1,
		CompletionWaitTimeout:   5 * time.Second,
		DefaultUserID:           "openai-proxy",
		DefaultUserRole:         "default",
	}
	q := redisq.New(cli, cfg)
	worker := redisq.NewWorker(q, bot, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		_ = worker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-workerDone
		_ = cli.Close()
		mr.Close()
	})

	srv := httpserver.NewServer(cfg, q, bot)
	r := chi.NewRouter()
	r.Post("/v1/chat/completions", srv.ChatCompletionsHandler())
	r.Get("/v1/models", srv.ModelsHandler())
	r.Get("/v1/jobs/{id}", srv.JobStatusHandler())
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts, q
}

func postJSON(t *testing.T, url string, body map[string]any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url+"/v1/chat/completions", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func chatRequest(stream bool) map[string]any {
	return map[string]any{
		"model":           "simple_agent",
		"conversation_id": "c1",
		"stream":          stream,
		"messages": []map[string]any{
			{"role": "system", "content": "Be terse."},
			{"role": "user", "content": "hi"},
		},
	}
}

func TestChatCompletionsBlocking(t *testing.T) {
	bot := defaultBot()
	ts, _ := newProxy(t, bot)

	resp := postJSON(t, ts.URL, chatRequest(false))
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		ID             string `json:"id"`
		Object         string `json:"object"`
		ConversationID string `json:"conversation_id"`
		AgentStatus    string `json:"agent_status"`
		Choices        []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.True(t, strings.HasPrefix(body.ID, "chatcmpl-"))
	require.Equal(t, "chat.completion", body.Object)
	require.Equal(t, "c1", body.ConversationID)
	require.Equal(t, "completed", body.AgentStatus)
	require.Len(t, body.Choices, 1)
	require.Equal(t, "assistant", body.Choices[0].Message.Role)
	require.Equal(t, "hello world", body.Choices[0].Message.Content)
	require.Equal(t, "stop", body.Choices[0].FinishReason)

	sent := bot.lastSent(t)
	require.Equal(t, "c1", sent.ConversationID)
	require.Equal(t, "hi", sent.RawUserText)
	require.Contains(t, sent.Text, "Be terse.")
	require.Contains(t, sent.Text, "hi")
}

func TestChatCompletionsBootstrapsConversation(t *testing.T) {
	bot := defaultBot()
	ts, _ := newProxy(t, bot)

	req := chatRequest(false)
	delete(req, "conversation_id")
	resp := postJSON(t, ts.URL, req)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		ConversationID string `json:"conversation_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "c-new", body.ConversationID)
	require.Equal(t, "c-new", bot.lastSent(t).ConversationID)
}

func TestChatCompletionsConversationInitializing(t *testing.T) {
	bot := defaultBot()
	bot.conv = domain.Conversation{ID: "c-new", Status: "initializing"}
	ts, _ := newProxy(t, bot)

	req := chatRequest(false)
	delete(req, "conversation_id")
	resp := postJSON(t, ts.URL, req)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestChatCompletionsUnknownModel(t *testing.T) {
	ts, _ := newProxy(t, defaultBot())
	req := chatRequest(false)
	req["model"] = "nope"
	resp := postJSON(t, ts.URL, req)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatCompletionsRejectsMissingUserMessage(t *testing.T) {
	ts, _ := newProxy(t, defaultBot())
	req := chatRequest(false)
	req["messages"] = []map[string]any{{"role": "system", "content": "only system"}}
	resp := postJSON(t, ts.URL, req)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatCompletionsFailedJob(t *testing.T) {
	bot := defaultBot()
	bot.replyErr = errors.New("boom")
	ts, _ := newProxy(t, bot)

	resp := postJSON(t, ts.URL, chatRequest(false))
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		JobID          string `json:"job_id"`
		ConversationID string `json:"conversation_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "AGENT_FAILED", body.Error.Code)
	require.Equal(t, "Agent invocation failed: boom", body.Error.Message)
	require.Equal(t, "c1", body.ConversationID)
	require.NotEmpty(t, body.JobID)
}

func TestChatCompletionsInterruptBlocking(t *testing.T) {
	bot := defaultBot()
	bot.reply = domain.BotReply{AgentMessage: domain.BotMessage{
		RawText: "Which city?",
		Metadata: map[string]any{
			"agent_status": "interrupted",
			"interrupt_id": "i1",
		},
	}}
	ts, _ := newProxy(t, bot)

	resp := postJSON(t, ts.URL, chatRequest(false))
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		AgentStatus string `json:"agent_status"`
		Choices     []struct {
			Message struct {
				Content  string         `json:"content"`
				Metadata map[string]any `json:"metadata"`
			} `json:"message"`
		} `json:"choices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "interrupted", body.AgentStatus)
	require.Len(t, body.Choices, 1)
	require.Equal(t, "Which city?", body.Choices[0].Message.Content)
	require.Equal(t, "i1", body.Choices[0].Message.Metadata["interrupt_id"])
}

// sseRecord is one parsed data frame of an SSE response.
type sseRecord struct {
	comment bool
	data    string
}

func readSSE(t *testing.T, resp *http.Response) []sseRecord {
	t.Helper()
	var records []sseRecord
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
		case strings.HasPrefix(line, ": "):
			records = append(records, sseRecord{comment: true, data: strings.TrimPrefix(line, ": ")})
		case strings.HasPrefix(line, "data: "):
			records = append(records, sseRecord{data: strings.TrimPrefix(line, "data: ")})
		}
	}
	require.NoError(t, scanner.Err())
	return records
}

func TestChatCompletionsStreaming(t *testing.T) {
	bot := defaultBot()
	// Keep the bot call in flight long enough for the subscription to open
	// before the worker starts publishing post-reply events.
	bot.delay = 100 * time.Millisecond
	ts, _ := newProxy(t, bot)

	resp := postJSON(t, ts.URL, chatRequest(true))
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	records := readSSE(t, resp)
	require.NotEmpty(t, records)
	require.Equal(t, "[DONE]", records[len(records)-1].data)

	var statuses []string
	var contents []string
	sawRole := false
	var finalFrame map[string]any
	for _, rec := range records[:len(records)-1] {
		if rec.comment {
			continue
		}
		var frame map[string]any
		require.NoError(t, json.Unmarshal([]byte(rec.data), &frame))
		choices, _ := frame["choices"].([]any)
		require.NotEmpty(t, choices)
		choice := choices[0].(map[string]any)
		delta, _ := choice["delta"].(map[string]any)
		if role, ok := delta["role"].(string); ok {
			require.Equal(t, "assistant", role)
			sawRole = true
			require.Empty(t, contents, "role delta must precede the first content delta")
		}
		if c, ok := delta["content"].(string); ok {
			contents = append(contents, c)
		}
		if st, ok := frame["agent_status"].(string); ok {
			statuses = append(statuses, st)
		}
		if choice["finish_reason"] == "stop" {
			finalFrame = frame
		}
	}

	require.True(t, sawRole)
	require.Equal(t, "hello world", strings.Join(contents, ""))
	require.Contains(t, statuses, "running")
	require.Contains(t, statuses, "streaming")
	require.NotNil(t, finalFrame)
	require.Equal(t, "completed", finalFrame["agent_status"])
	require.Equal(t, "c1", finalFrame["conversation_id"])
}

func TestChatCompletionsStreamingFailure(t *testing.T) {
	bot := defaultBot()
	bot.replyErr = errors.New("boom")
	ts, _ := newProxy(t, bot)

	resp := postJSON(t, ts.URL, chatRequest(true))
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	records := readSSE(t, resp)
	require.Equal(t, "[DONE]", records[len(records)-1].data)

	var errFrame map[string]any
	for _, rec := range records {
		if rec.comment || rec.data == "[DONE]" {
			continue
		}
		var frame map[string]any
		require.NoError(t, json.Unmarshal([]byte(rec.data), &frame))
		if _, ok := frame["error"]; ok {
			errFrame = frame
		}
	}
	require.NotNil(t, errFrame)
	errObj := errFrame["error"].(map[string]any)
	require.Equal(t, "Agent invocation failed: boom", errObj["message"])
	require.Equal(t, "c1", errFrame["conversation_id"])
}

func TestModelsEndpoint(t *testing.T) {
	ts, _ := newProxy(t, defaultBot())
	resp, err := http.Get(ts.URL + "/v1/models")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Object string `json:"object"`
		Data   []struct {
			ID     string `json:"id"`
			Object string `json:"object"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 1)
	require.Equal(t, "simple_agent", list.Data[0].ID)
	require.Equal(t, "model", list.Data[0].Object)
}

func TestJobStatusEndpoint(t *testing.T) {
	ts, q := newProxy(t, defaultBot())
	require.NoError(t, q.Enqueue(context.Background(), domain.EnqueuePayload{
		JobID: "j-status", Model: "simple_agent", ConversationID: "c1", UserID: "u1", Text: "hi",
	}))

	resp, err := http.Get(ts.URL + "/v1/jobs/j-status")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		JobID  string           `json:"job_id"`
		Status domain.JobStatus `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "j-status", body.JobID)

	missing, err := http.Get(ts.URL + "/v1/jobs/ghost")
	require.NoError(t, err)
	defer func() { _ = missing.Body.Close() }()
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
}
