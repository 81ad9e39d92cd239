// Package redisq implements the broker-backed task queue: job scheduling,
// status tracking with TTL, liveness bookkeeping, and the per-job event
// channels the proxy subscribes to. It owns all key naming.
package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fairyhunter13/agent-relay/internal/adapter/broker"
	"github.com/fairyhunter13/agent-relay/internal/adapter/observability"
	"github.com/fairyhunter13/agent-relay/internal/config"
	"github.com/fairyhunter13/agent-relay/internal/domain"
)

// Queue provides typed operations on jobs and events over a broker.Client.
type Queue struct {
	broker        broker.Client
	queueKey      string
	statusPrefix  string
	channelPrefix string
	activeKey     string
	jobTTL        time.Duration
	staleAfter    time.Duration

	// now is swappable in tests to simulate stale heartbeats.
	now func() time.Time
}

// New builds a Queue from configuration. The active-jobs sorted set lives
// under the status prefix so all queue state shares one namespace.
func New(cli broker.Client, cfg config.Config) *Queue {
	return &Queue{
		broker:        cli,
		queueKey:      cfg.QueueKey,
		statusPrefix:  cfg.StatusPrefix,
		channelPrefix: cfg.ChannelPrefix,
		activeKey:     cfg.StatusPrefix + "active_jobs",
		jobTTL:        cfg.JobTTL,
		staleAfter:    cfg.HeartbeatStaleAfter,
		now:           time.Now,
	}
}

func (q *Queue) statusKey(jobID string) string { return q.statusPrefix + jobID }
func (q *Queue) channel(jobID string) string   { return q.channelPrefix + jobID }

func (q *Queue) nowTS() float64 { return float64(q.now().UnixNano()) / 1e9 }

func formatTS(ts float64) string { return strconv.FormatFloat(ts, 'f', 6, 64) }

// encodeExtra stringifies caller fields for hash storage: maps and slices are
// JSON-encoded, everything else uses its plain string form.
func encodeExtra(extra map[string]any) map[string]string {
	out := make(map[string]string, len(extra))
	for k, v := range extra {
		switch t := v.(type) {
		case string:
			out[k] = t
		case map[string]any, []any, []map[string]any, []string:
			b, err := json.Marshal(t)
			if err != nil {
				out[k] = fmt.Sprint(t)
				continue
			}
			out[k] = string(b)
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}

// Enqueue writes the queued status hash, appends the payload to the job list,
// and publishes the queued event. The publish happens last so a subscriber
// attaching after Enqueue either sees the snapshot or the queued event.
func (q *Queue) Enqueue(ctx context.Context, payload domain.EnqueuePayload) error {
	if payload.JobID == "" {
		return fmt.Errorf("op=queue.Enqueue: %w: empty job_id", domain.ErrInvalidArgument)
	}
	key := q.statusKey(payload.JobID)
	ts := formatTS(q.nowTS())
	fields := map[string]string{
		"status":          string(domain.StageQueued),
		"created_at":      ts,
		"updated_at":      ts,
		"conversation_id": payload.ConversationID,
		"model":           payload.Model,
		"user_id":         payload.UserID,
	}
	if err := q.broker.HSet(ctx, key, fields); err != nil {
		return fmt.Errorf("op=queue.Enqueue job_id=%s: %w", payload.JobID, err)
	}
	if err := q.broker.Expire(ctx, key, q.jobTTL); err != nil {
		return fmt.Errorf("op=queue.Enqueue job_id=%s: %w", payload.JobID, err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=queue.Enqueue job_id=%s: %w", payload.JobID, err)
	}
	if err := q.broker.RPush(ctx, q.queueKey, body); err != nil {
		return fmt.Errorf("op=queue.Enqueue job_id=%s: %w", payload.JobID, err)
	}
	slog.Debug("enqueued job",
		slog.String("job_id", payload.JobID),
		slog.String("conversation_id", payload.ConversationID),
		slog.String("model", payload.Model))
	observability.EnqueueJob()
	return q.PublishEvent(ctx, domain.StatusEvent(payload.JobID, domain.StageQueued))
}

// PopJob blocks up to timeout for the next job. Returns (nil, nil) when the
// timeout elapses with an empty queue.
func (q *Queue) PopJob(ctx context.Context, timeout time.Duration) (*domain.EnqueuePayload, error) {
	data, err := q.broker.BLPop(ctx, q.queueKey, timeout)
	if err != nil {
		return nil, fmt.Errorf("op=queue.PopJob: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var payload domain.EnqueuePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("op=queue.PopJob: %w: %w", domain.ErrInvalidArgument, err)
	}
	return &payload, nil
}

// MarkStatus writes the stage plus updated_at/last_heartbeat and any caller
// fields, then refreshes the TTL.
func (q *Queue) MarkStatus(ctx context.Context, jobID string, stage domain.JobStage, extra map[string]any) error {
	key := q.statusKey(jobID)
	ts := formatTS(q.nowTS())
	fields := map[string]string{
		"status":         string(stage),
		"updated_at":     ts,
		"last_heartbeat": ts,
	}
	for k, v := range encodeExtra(extra) {
		fields[k] = v
	}
	if err := q.broker.HSet(ctx, key, fields); err != nil {
		return fmt.Errorf("op=queue.MarkStatus job_id=%s: %w", jobID, err)
	}
	if err := q.broker.Expire(ctx, key, q.jobTTL); err != nil {
		return fmt.Errorf("op=queue.MarkStatus job_id=%s: %w", jobID, err)
	}
	return nil
}

// storeTerminal writes a terminal stage unless one is already present; the
// first terminal write wins and later ones no-op. The job always leaves the
// active set.
func (q *Queue) storeTerminal(ctx context.Context, jobID string, stage domain.JobStage, extra map[string]any) error {
	cur, ok, err := q.broker.HGet(ctx, q.statusKey(jobID), "status")
	if err != nil {
		return fmt.Errorf("op=queue.storeTerminal job_id=%s: %w", jobID, err)
	}
	if ok && domain.JobStage(cur).Terminal() {
		slog.Debug("terminal write skipped, job already terminal",
			slog.String("job_id", jobID), slog.String("status", cur))
		return q.ClearActiveJob(ctx, jobID)
	}
	if err := q.MarkStatus(ctx, jobID, stage, extra); err != nil {
		return err
	}
	return q.ClearActiveJob(ctx, jobID)
}

// StoreResult records the completed terminal payload. Callers follow up with
// the completed event publish.
func (q *Queue) StoreResult(ctx context.Context, jobID string, result map[string]any) error {
	return q.storeTerminal(ctx, jobID, domain.StageCompleted, map[string]any{"result": result})
}

// StoreFailure records the failed terminal error string.
func (q *Queue) StoreFailure(ctx context.Context, jobID string, errMsg string) error {
	return q.storeTerminal(ctx, jobID, domain.StageFailed, map[string]any{"error": errMsg})
}

// StoreInterrupt records the interrupted terminal with the interrupt metadata
// as its result payload.
func (q *Queue) StoreInterrupt(ctx context.Context, jobID string, result map[string]any) error {
	return q.storeTerminal(ctx, jobID, domain.StageInterrupted, map[string]any{"result": result})
}

// RegisterActiveJob adds the job to the active sorted set scored by now.
func (q *Queue) RegisterActiveJob(ctx context.Context, jobID string) error {
	ts := q.nowTS()
	key := q.statusKey(jobID)
	if err := q.broker.HSet(ctx, key, map[string]string{"last_heartbeat": formatTS(ts)}); err != nil {
		return fmt.Errorf("op=queue.RegisterActiveJob job_id=%s: %w", jobID, err)
	}
	if err := q.broker.ZAdd(ctx, q.activeKey, ts, jobID); err != nil {
		return fmt.Errorf("op=queue.RegisterActiveJob job_id=%s: %w", jobID, err)
	}
	if err := q.broker.Expire(ctx, key, q.jobTTL); err != nil {
		return fmt.Errorf("op=queue.RegisterActiveJob job_id=%s: %w", jobID, err)
	}
	return nil
}

// ClearActiveJob removes the job from the active set.
func (q *Queue) ClearActiveJob(ctx context.Context, jobID string) error {
	if err := q.broker.ZRem(ctx, q.activeKey, jobID); err != nil {
		return fmt.Errorf("op=queue.ClearActiveJob job_id=%s: %w", jobID, err)
	}
	return nil
}

// UpdateHeartbeat bumps last_heartbeat on the hash and the active-set score,
// refreshing the TTL. The stage, when non-empty, is written alongside.
func (q *Queue) UpdateHeartbeat(ctx context.Context, jobID string, stage domain.JobStage) error {
	ts := q.nowTS()
	key := q.statusKey(jobID)
	fields := map[string]string{
		"last_heartbeat": formatTS(ts),
		"updated_at":     formatTS(ts),
	}
	if stage != "" {
		fields["status"] = string(stage)
	}
	if err := q.broker.HSet(ctx, key, fields); err != nil {
		return fmt.Errorf("op=queue.UpdateHeartbeat job_id=%s: %w", jobID, err)
	}
	if err := q.broker.ZAdd(ctx, q.activeKey, ts, jobID); err != nil {
		return fmt.Errorf("op=queue.UpdateHeartbeat job_id=%s: %w", jobID, err)
	}
	if err := q.broker.Expire(ctx, key, q.jobTTL); err != nil {
		return fmt.Errorf("op=queue.UpdateHeartbeat job_id=%s: %w", jobID, err)
	}
	return nil
}

// FailJobIfActive fails a non-terminal job and publishes the failed event.
// Terminal or unknown jobs only get pruned from the active set. Returns
// whether a terminal write happened.
func (q *Queue) FailJobIfActive(ctx context.Context, jobID, reason string) (bool, error) {
	cur, ok, err := q.broker.HGet(ctx, q.statusKey(jobID), "status")
	if err != nil {
		return false, fmt.Errorf("op=queue.FailJobIfActive job_id=%s: %w", jobID, err)
	}
	if !ok || domain.JobStage(cur).Terminal() {
		if err := q.ClearActiveJob(ctx, jobID); err != nil {
			return false, err
		}
		return false, nil
	}
	if err := q.StoreFailure(ctx, jobID, reason); err != nil {
		return false, err
	}
	if err := q.PublishEvent(ctx, domain.FailedEvent(jobID, reason)); err != nil {
		return false, err
	}
	slog.Warn("job failed", slog.String("job_id", jobID), slog.String("reason", reason))
	return true, nil
}

// staleReason is the terminal error recorded for watchdog-failed jobs.
const staleReason = "worker heartbeat stale"

// FailStaleJobs fails every active job whose heartbeat score fell behind the
// staleness threshold. Idempotent: already-terminal members are only pruned.
func (q *Queue) FailStaleJobs(ctx context.Context) ([]string, error) {
	if q.staleAfter <= 0 {
		return nil, nil
	}
	cutoff := q.nowTS() - q.staleAfter.Seconds()
	staleIDs, err := q.broker.ZRangeByScoreMax(ctx, q.activeKey, cutoff)
	if err != nil {
		return nil, fmt.Errorf("op=queue.FailStaleJobs: %w", err)
	}
	var failed []string
	for _, jobID := range staleIDs {
		didFail, err := q.FailJobIfActive(ctx, jobID, staleReason)
		if err != nil {
			return failed, err
		}
		if didFail {
			observability.StaleJob()
			failed = append(failed, jobID)
		}
	}
	return failed, nil
}

// GetStatus reads and decodes the status hash. Returns (nil, nil) when the
// hash is absent (never enqueued or TTL expired).
func (q *Queue) GetStatus(ctx context.Context, jobID string) (*domain.JobStatus, error) {
	raw, err := q.broker.HGetAll(ctx, q.statusKey(jobID))
	if err != nil {
		return nil, fmt.Errorf("op=queue.GetStatus job_id=%s: %w", jobID, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	st := &domain.JobStatus{
		Status:         domain.JobStage(raw["status"]),
		ConversationID: raw["conversation_id"],
		Model:          raw["model"],
		UserID:         raw["user_id"],
		Error:          raw["error"],
	}
	st.CreatedAt, _ = strconv.ParseFloat(raw["created_at"], 64)
	st.UpdatedAt, _ = strconv.ParseFloat(raw["updated_at"], 64)
	st.LastHeartbeat, _ = strconv.ParseFloat(raw["last_heartbeat"], 64)
	if v := raw["result"]; v != "" {
		if err := json.Unmarshal([]byte(v), &st.Result); err != nil {
			st.Result = map[string]any{"raw": v}
		}
	}
	if v := raw["metadata"]; v != "" {
		if err := json.Unmarshal([]byte(v), &st.Metadata); err != nil {
			st.Metadata = map[string]any{"raw": v}
		}
	}
	return st, nil
}

// PublishEvent serializes and publishes one event on the job's channel.
func (q *Queue) PublishEvent(ctx context.Context, event domain.QueueEvent) error {
	body, err := event.Encode()
	if err != nil {
		return err
	}
	if err := q.broker.Publish(ctx, q.channel(event.JobID), body); err != nil {
		return fmt.Errorf("op=queue.PublishEvent job_id=%s type=%s: %w", event.JobID, event.Type, err)
	}
	observability.PublishEvent(string(event.Type))
	slog.Debug("published event",
		slog.String("job_id", event.JobID),
		slog.String("type", string(event.Type)),
		slog.String("status", string(event.Status)))
	return nil
}
