// Command server starts the OpenAI-compatible proxy over the job queue.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/agent-relay/internal/adapter/botclient"
	"github.com/fairyhunter13/agent-relay/internal/adapter/broker"
	httpserver "github.com/fairyhunter13/agent-relay/internal/adapter/httpserver"
	"github.com/fairyhunter13/agent-relay/internal/adapter/observability"
	"github.com/fairyhunter13/agent-relay/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/agent-relay/internal/app"
	"github.com/fairyhunter13/agent-relay/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	cli, err := broker.NewRedis(cfg.RedisURL)
	if err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := cli.Close(); err != nil {
			slog.Error("failed to close broker client", slog.Any("error", err))
		}
	}()

	queue := redisq.New(cli, cfg)
	bot := botclient.New(cfg)

	brokerCheck, botCheck := app.BuildReadinessChecks(cfg, cli)
	srv := httpserver.NewServer(cfg, queue, bot, brokerCheck, botCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
