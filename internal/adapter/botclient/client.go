// Package botclient implements the HTTP client for the agent-execution
// backend: the message-create call the worker makes plus the registry and
// conversation endpoints the proxy uses.
package botclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/agent-relay/internal/config"
	"github.com/fairyhunter13/agent-relay/internal/domain"
)

// Client talks to the bot service over HTTP. It caches the agent registry;
// EnsureAgent refreshes the cache once before reporting a miss.
type Client struct {
	baseURL string
	hc      *http.Client

	mu     sync.RWMutex
	agents map[string]domain.Agent
}

// New constructs a client from configuration. The request timeout bounds the
// whole call including the body read; the connect timeout only the dial.
func New(cfg config.Config) *Client {
	dialer := &net.Dialer{Timeout: cfg.BotConnectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BotServiceBaseURL, "/"),
		hc: &http.Client{
			Timeout:   cfg.BotRequestTimeout,
			Transport: otelhttp.NewTransport(transport, otelhttp.WithSpanOptions(trace.WithSpanKind(trace.SpanKindClient))),
		},
		agents: map[string]domain.Agent{},
	}
}

// NewWithHTTPClient builds a client around a caller-supplied http.Client.
// Tests use it with httptest servers.
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      hc,
		agents:  map[string]domain.Agent{},
	}
}

// readSnippet drains up to n bytes of a response body for error messages.
func readSnippet(r io.Reader, n int64) string {
	b, _ := io.ReadAll(io.LimitReader(r, n))
	return strings.TrimSpace(string(b))
}

func (c *Client) do(ctx context.Context, method, path string, body any, userID, userRole string, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("op=botclient.do path=%s: %w", path, err)
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("op=botclient.do path=%s: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	if userRole != "" {
		req.Header.Set("X-User-Role", userRole)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("op=botclient.do path=%s: %w: %w", path, domain.ErrUpstreamFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := readSnippet(resp.Body, 2048)
		slog.Warn("bot service returned error",
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.String("body", snippet))
		if resp.StatusCode == http.StatusConflict {
			return fmt.Errorf("op=botclient.do path=%s status=%d: %w", path, resp.StatusCode, domain.ErrConversationNotReady)
		}
		return fmt.Errorf("op=botclient.do path=%s status=%d: %w: %s", path, resp.StatusCode, domain.ErrUpstreamFailure, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("op=botclient.do path=%s: decode response: %w: %w", path, domain.ErrUpstreamFailure, err)
	}
	return nil
}

// refreshAgents re-reads the registry and swaps the cache.
func (c *Client) refreshAgents(ctx context.Context) error {
	var list []domain.Agent
	if err := c.do(ctx, http.MethodGet, "/agents/", nil, "", "", &list); err != nil {
		return err
	}
	agents := make(map[string]domain.Agent, len(list))
	for _, a := range list {
		agents[a.ID] = a
	}
	c.mu.Lock()
	c.agents = agents
	c.mu.Unlock()
	slog.Debug("agent registry refreshed", slog.Int("agents", len(agents)))
	return nil
}

// ListAgents returns the cached registry, refreshing it when empty.
func (c *Client) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	c.mu.RLock()
	n := len(c.agents)
	c.mu.RUnlock()
	if n == 0 {
		if err := c.refreshAgents(ctx); err != nil {
			return nil, err
		}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Agent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a)
	}
	return out, nil
}

// EnsureAgent verifies the agent id is registered, refreshing the cache once
// on a miss before giving up.
func (c *Client) EnsureAgent(ctx context.Context, agentID string) error {
	c.mu.RLock()
	_, ok := c.agents[agentID]
	c.mu.RUnlock()
	if ok {
		return nil
	}
	if err := c.refreshAgents(ctx); err != nil {
		return err
	}
	c.mu.RLock()
	_, ok = c.agents[agentID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("op=botclient.EnsureAgent agent_id=%s: %w", agentID, domain.ErrAgentNotFound)
	}
	return nil
}

// CreateConversation opens a new conversation routed to the given agent.
func (c *Client) CreateConversation(ctx context.Context, agentID, userID, userRole string) (domain.Conversation, error) {
	body := map[string]any{"agent_id": agentID}
	if userRole != "" {
		body["user_role"] = userRole
	}
	var conv domain.Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations/", body, userID, userRole, &conv); err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

// GetConversation reads one conversation scoped to the user.
func (c *Client) GetConversation(ctx context.Context, conversationID, userID string) (domain.Conversation, error) {
	var conv domain.Conversation
	path := "/conversations/" + url.PathEscape(conversationID)
	if err := c.do(ctx, http.MethodGet, path, nil, userID, "", &conv); err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

// SendMessage posts one user turn. The verbatim user text rides in the
// payload metadata under raw_user_text; attachments pass through unmodified.
func (c *Client) SendMessage(ctx context.Context, in domain.SendMessageInput) (domain.BotReply, error) {
	metadata := map[string]any{}
	for k, v := range in.Metadata {
		metadata[k] = v
	}
	if in.RawUserText != "" {
		metadata["raw_user_text"] = in.RawUserText
	}
	payload := map[string]any{
		"type":     "text",
		"text":     in.Text,
		"metadata": metadata,
	}
	if len(in.Attachments) > 0 {
		payload["attachments"] = in.Attachments
	}
	body := map[string]any{"payload": payload}

	var reply domain.BotReply
	path := "/conversations/" + url.PathEscape(in.ConversationID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, body, in.UserID, in.UserRole, &reply); err != nil {
		return domain.BotReply{}, err
	}
	return reply, nil
}
