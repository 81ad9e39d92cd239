package redisq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/agent-relay/internal/adapter/observability"
	"github.com/fairyhunter13/agent-relay/internal/config"
	"github.com/fairyhunter13/agent-relay/internal/domain"
)

const popTimeout = 5 * time.Second

// Worker runs N sibling consumer loops. Each loop blocking-pops one job at a
// time, invokes the bot service, and publishes the job's event sequence while
// keeping its liveness record current.
type Worker struct {
	queue             *Queue
	bot               domain.BotService
	heartbeatInterval time.Duration
	chunkLimit        int
	softTimeout       time.Duration
	concurrency       int
}

// NewWorker wires a worker from configuration.
func NewWorker(q *Queue, bot domain.BotService, cfg config.Config) *Worker {
	return &Worker{
		queue:             q,
		bot:               bot,
		heartbeatInterval: cfg.WorkerHeartbeatInterval,
		chunkLimit:        cfg.ChunkCharLimit,
		softTimeout:       cfg.BotRequestTimeout,
		concurrency:       cfg.WorkerConcurrency,
	}
}

// Run starts the consumer loops and blocks until ctx is cancelled and every
// loop has drained its in-flight job.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker starting",
		slog.Int("concurrency", w.concurrency),
		slog.Duration("heartbeat_interval", w.heartbeatInterval),
		slog.Int("chunk_char_limit", w.chunkLimit))
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(loop int) {
			defer wg.Done()
			w.consumeLoop(ctx, loop)
		}(i)
	}
	wg.Wait()
	slog.Info("worker stopped")
	return nil
}

// consumeLoop polls the queue until shutdown. Broker errors back off
// exponentially instead of spinning; the pop timeout bounds how long shutdown
// waits when the queue is idle.
func (w *Worker) consumeLoop(ctx context.Context, loop int) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry dequeue indefinitely
	for {
		if ctx.Err() != nil {
			return
		}
		payload, err := w.queue.PopJob(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			slog.Error("job pop failed; backing off",
				slog.Int("loop", loop),
				slog.Duration("wait", wait),
				slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		if payload == nil {
			continue
		}
		// In-flight work is never abandoned on shutdown; the job context
		// survives ctx cancellation and the loop exits after finishing.
		w.process(context.WithoutCancel(ctx), *payload)
	}
}

// stageTracker publishes the job's current stage to the heartbeat goroutine.
type stageTracker struct {
	mu    sync.Mutex
	stage domain.JobStage
}

func (t *stageTracker) set(s domain.JobStage) {
	t.mu.Lock()
	t.stage = s
	t.mu.Unlock()
}

func (t *stageTracker) get() domain.JobStage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage
}

// process drives one job through the lifecycle state machine:
//
//	running -> streaming -> completed
//	running -> interrupted
//	running|streaming -> failed
func (w *Worker) process(ctx context.Context, payload domain.EnqueuePayload) {
	tracer := otel.Tracer("queue.worker")
	ctx, span := tracer.Start(ctx, "ProcessJob")
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.model", payload.Model),
	)
	defer span.End()

	jobID := payload.JobID
	lg := slog.With(slog.String("job_id", jobID), slog.String("conversation_id", payload.ConversationID))
	lg.Debug("processing job",
		slog.String("user_id", payload.UserID),
		slog.Int("text_chars", len(payload.Text)),
		slog.Int("attachments", len(payload.Attachments)))
	observability.StartJob()

	stage := &stageTracker{stage: domain.StageRunning}

	w.must(lg, w.queue.MarkStatus(ctx, jobID, domain.StageRunning, nil))
	w.must(lg, w.queue.PublishEvent(ctx, domain.StatusEvent(jobID, domain.StageRunning)))
	w.must(lg, w.queue.RegisterActiveJob(ctx, jobID))
	w.must(lg, w.queue.UpdateHeartbeat(ctx, jobID, stage.get()))

	// Per-job heartbeat ticker; cancelled in finalization on every exit path.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeatLoop(hbCtx, jobID, stage)
	}()

	defer func() {
		stopHeartbeat()
		<-hbDone
		// Terminal writes already clear the active set; this covers any
		// unexpected exit path.
		if err := w.queue.ClearActiveJob(ctx, jobID); err != nil {
			lg.Warn("active-set cleanup failed", slog.Any("error", err))
		}
	}()

	reply, err := w.invokeBot(ctx, payload, lg)
	if err != nil {
		w.failJob(ctx, jobID, stage, err, lg)
		return
	}

	if reply.Interrupted() {
		w.interruptJob(ctx, jobID, stage, reply, lg)
		return
	}

	rawText := reply.AgentMessage.RawText
	if rawText != "" {
		stage.set(domain.StageStreaming)
		w.must(lg, w.queue.MarkStatus(ctx, jobID, domain.StageStreaming, nil))
		w.must(lg, w.queue.PublishEvent(ctx, domain.StatusEvent(jobID, domain.StageStreaming)))
		w.must(lg, w.queue.UpdateHeartbeat(ctx, jobID, stage.get()))
		for _, chunk := range chunkText(rawText, w.chunkLimit) {
			lg.Debug("publishing chunk", slog.Int("size", len(chunk)))
			w.must(lg, w.queue.PublishEvent(ctx, domain.ChunkEvent(jobID, chunk)))
			// Chunk publishes interleave heartbeats so long outputs keep the
			// liveness score fresh.
			w.must(lg, w.queue.UpdateHeartbeat(ctx, jobID, stage.get()))
		}
	} else {
		lg.Debug("no content to stream")
	}

	result := map[string]any{
		"conversation_id": payload.ConversationID,
		"content":         rawText,
		"response":        reply,
	}
	if atts := reply.ResponseAttachments(); len(atts) > 0 {
		result["attachments"] = atts
	}

	if err := w.queue.StoreResult(ctx, jobID, result); err != nil {
		w.failJob(ctx, jobID, stage, err, lg)
		return
	}
	completed := domain.QueueEvent{
		JobID:    jobID,
		Type:     domain.EventCompleted,
		Status:   domain.StageCompleted,
		Content:  rawText,
		Metadata: result,
		Usage:    reply.Usage,
	}
	w.must(lg, w.queue.PublishEvent(ctx, completed))
	stage.set(domain.StageCompleted)
	w.must(lg, w.queue.UpdateHeartbeat(ctx, jobID, stage.get()))
	observability.FinishJob("completed")
	lg.Info("job completed")
}

// invokeBot runs the backend call concurrently and waits for its reply,
// logging once if the advisory soft timeout passes. The call is never
// cancelled from here; the backend enforces its own deadline.
func (w *Worker) invokeBot(ctx context.Context, payload domain.EnqueuePayload, lg *slog.Logger) (domain.BotReply, error) {
	type botResult struct {
		reply domain.BotReply
		err   error
	}
	resCh := make(chan botResult, 1)
	start := time.Now()
	go func() {
		reply, err := w.bot.SendMessage(ctx, domain.SendMessageInput{
			ConversationID: payload.ConversationID,
			UserID:         payload.UserID,
			UserRole:       payload.UserRole,
			Text:           payload.Text,
			RawUserText:    payload.RawUserText,
			Attachments:    payload.Attachments,
			Metadata:       payload.Metadata,
		})
		observability.ObserveBotRequest(time.Since(start), err)
		resCh <- botResult{reply: reply, err: err}
	}()

	var softTimer <-chan time.Time
	if w.softTimeout > 0 {
		t := time.NewTimer(w.softTimeout)
		defer t.Stop()
		softTimer = t.C
	}
	for {
		select {
		case res := <-resCh:
			return res.reply, res.err
		case <-softTimer:
			lg.Warn("bot request exceeded soft timeout; still waiting",
				slog.Duration("soft_timeout", w.softTimeout),
				slog.Duration("elapsed", time.Since(start)))
			softTimer = nil
		}
	}
}

func (w *Worker) interruptJob(ctx context.Context, jobID string, stage *stageTracker, reply domain.BotReply, lg *slog.Logger) {
	metadata := map[string]any{}
	for k, v := range reply.AgentMessage.Metadata {
		metadata[k] = v
	}
	if raw := reply.AgentMessage.RawText; raw != "" {
		if _, ok := metadata["content"]; !ok {
			metadata["content"] = raw
		}
	}
	stage.set(domain.StageInterrupted)
	w.must(lg, w.queue.StoreInterrupt(ctx, jobID, metadata))
	ev := domain.QueueEvent{
		JobID:    jobID,
		Type:     domain.EventInterrupt,
		Status:   domain.StageInterrupted,
		Metadata: metadata,
	}
	// Surface the clarifying question as content so stream consumers can
	// render it without digging through metadata.
	if q, ok := interruptQuestion(metadata); ok {
		ev.Content = q
	}
	w.must(lg, w.queue.PublishEvent(ctx, ev))
	observability.FinishJob("interrupted")
	lg.Info("job interrupted; awaiting user input")
}

func interruptQuestion(metadata map[string]any) (string, bool) {
	if p, ok := metadata["interrupt_payload"].(map[string]any); ok {
		if q, ok := p["question"].(string); ok && q != "" {
			return q, true
		}
	}
	if q, ok := metadata["question"].(string); ok && q != "" {
		return q, true
	}
	if c, ok := metadata["content"].(string); ok && c != "" {
		return c, true
	}
	return "", false
}

func (w *Worker) failJob(ctx context.Context, jobID string, stage *stageTracker, cause error, lg *slog.Logger) {
	stage.set(domain.StageFailed)
	errMsg := fmt.Sprintf("Agent invocation failed: %v", cause)
	lg.Error("job failed", slog.Any("error", cause))
	w.must(lg, w.queue.StoreFailure(ctx, jobID, errMsg))
	w.must(lg, w.queue.PublishEvent(ctx, domain.FailedEvent(jobID, errMsg)))
	w.must(lg, w.queue.UpdateHeartbeat(ctx, jobID, stage.get()))
	observability.FinishJob("failed")
}

// heartbeatLoop publishes liveness pulses at the configured cadence until the
// job finalizes.
func (w *Worker) heartbeatLoop(ctx context.Context, jobID string, stage *stageTracker) {
	if w.heartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := stage.get()
			if err := w.queue.UpdateHeartbeat(ctx, jobID, s); err != nil {
				slog.Warn("heartbeat update failed", slog.String("job_id", jobID), slog.Any("error", err))
				continue
			}
			if err := w.queue.PublishEvent(ctx, domain.HeartbeatEvent(jobID, s)); err != nil {
				slog.Warn("heartbeat publish failed", slog.String("job_id", jobID), slog.Any("error", err))
			}
		}
	}
}

// must logs broker write failures without aborting the job; the terminal
// record on the broker remains the source of truth.
func (w *Worker) must(lg *slog.Logger, err error) {
	if err != nil {
		lg.Warn("queue write failed", slog.Any("error", err))
	}
}

// chunkText splits by rune count so multi-byte text never tears mid-character.
// Order is preserved; the last chunk may be short.
func chunkText(s string, limit int) []string {
	if s == "" || limit < 1 {
		return nil
	}
	runes := []rune(s)
	chunks := make([]string, 0, (len(runes)+limit-1)/limit)
	for i := 0; i < len(runes); i += limit {
		end := i + limit
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}
