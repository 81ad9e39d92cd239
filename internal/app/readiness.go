package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/agent-relay/internal/adapter/broker"
	"github.com/fairyhunter13/agent-relay/internal/config"
)

// BuildReadinessChecks returns the broker and bot-service checks the proxy
// runs on /readyz.
func BuildReadinessChecks(cfg config.Config, cli broker.Client) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	brokerCheck := func(ctx context.Context) error {
		if cli == nil {
			return fmt.Errorf("broker not configured")
		}
		return cli.Ping(ctx)
	}
	botCheck := func(ctx context.Context) error {
		if cfg.BotServiceBaseURL == "" {
			return fmt.Errorf("bot service url not configured")
		}
		hc := &http.Client{Timeout: 2 * time.Second}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.BotServiceBaseURL+"/agents/", nil)
		if err != nil {
			return err
		}
		resp, err := hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		return fmt.Errorf("bot service status %d", resp.StatusCode)
	}
	return brokerCheck, botCheck
}
