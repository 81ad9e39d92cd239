// Command worker runs the queue consumer loops and the heartbeat watchdog.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/agent-relay/internal/adapter/botclient"
	"github.com/fairyhunter13/agent-relay/internal/adapter/broker"
	"github.com/fairyhunter13/agent-relay/internal/adapter/observability"
	"github.com/fairyhunter13/agent-relay/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/agent-relay/internal/app"
	"github.com/fairyhunter13/agent-relay/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.MetricsPort), mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

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
	worker := redisq.NewWorker(queue, bot, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The watchdog runs alongside the consumer loops so stale jobs from any
	// crashed worker process get failed.
	watchdog := app.NewWatchdog(queue, cfg.WatchdogInterval)
	go watchdog.Run(ctx)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := worker.Run(ctx); err != nil {
			slog.Error("worker error", slog.Any("error", err))
		}
	}()

	slog.Info("worker started, waiting for shutdown signal")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	cancel()
	// Consumer loops finish their in-flight jobs before exiting.
	<-workerDone
	slog.Info("worker stopped")
}
