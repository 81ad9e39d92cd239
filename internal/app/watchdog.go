package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/agent-relay/internal/domain"
)

// Watchdog periodically fails active jobs whose worker heartbeat went stale,
// so a crashed worker never leaves a job stuck in a non-terminal stage.
type Watchdog struct {
	queue    domain.TaskQueue
	interval time.Duration
}

// NewWatchdog builds a watchdog over the queue. A non-positive interval falls
// back to five seconds.
func NewWatchdog(queue domain.TaskQueue, interval time.Duration) *Watchdog {
	if queue == nil {
		return nil
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watchdog{queue: queue, interval: interval}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (wd *Watchdog) Run(ctx context.Context) {
	if wd == nil || wd.queue == nil {
		return
	}

	ticker := time.NewTicker(wd.interval)
	defer ticker.Stop()

	wd.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("watchdog stopping")
			return
		case <-ticker.C:
			wd.sweepOnce(ctx)
		}
	}
}

func (wd *Watchdog) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("queue.watchdog")
	ctx, span := tracer.Start(ctx, "Watchdog.sweepOnce")
	defer span.End()

	failed, err := wd.queue.FailStaleJobs(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("watchdog sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("jobs.failed", len(failed)))
	if len(failed) > 0 {
		slog.Warn("watchdog failed stale jobs", slog.Any("job_ids", failed))
	}
}
