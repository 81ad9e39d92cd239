package redisq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/agent-relay/internal/domain"
)

// snapshotEvent synthesizes the event a late subscriber should see for the
// persisted status. Terminal stages map to their terminal event kind carrying
// the stored result/error; everything else becomes a plain status event.
func snapshotEvent(jobID string, st *domain.JobStatus) domain.QueueEvent {
	switch st.Status {
	case domain.StageCompleted:
		ev := domain.QueueEvent{
			JobID:    jobID,
			Type:     domain.EventCompleted,
			Status:   domain.StageCompleted,
			Metadata: st.Result,
		}
		if content, ok := st.Result["content"].(string); ok {
			ev.Content = content
		}
		return ev
	case domain.StageFailed:
		return domain.FailedEvent(jobID, st.Error)
	case domain.StageInterrupted:
		ev := domain.QueueEvent{
			JobID:    jobID,
			Type:     domain.EventInterrupt,
			Status:   domain.StageInterrupted,
			Metadata: st.Result,
		}
		if content, ok := st.Result["content"].(string); ok {
			ev.Content = content
		}
		return ev
	}
	stage := st.Status
	if stage == "" {
		stage = domain.StageQueued
	}
	return domain.StatusEvent(jobID, stage)
}

// Events subscribes to the job's channel and streams decoded events until the
// first terminal one, then closes. The subscription opens before the optional
// snapshot read, closing the race with a worker finishing in between: a
// terminal written before the subscribe shows up in the snapshot, one written
// after shows up on the channel. Both may arrive; consumers tolerate the
// duplicate terminal.
//
// A transient broker disconnect surfaces as a closed channel without a
// terminal event; callers decide whether to reopen.
func (q *Queue) Events(ctx context.Context, jobID string, includeSnapshot bool) (<-chan domain.QueueEvent, error) {
	sub, err := q.broker.Subscribe(ctx, q.channel(jobID))
	if err != nil {
		return nil, fmt.Errorf("op=queue.Events job_id=%s: %w", jobID, err)
	}

	out := make(chan domain.QueueEvent, 16)
	go func() {
		defer close(out)
		defer func() {
			if err := sub.Close(); err != nil {
				slog.Debug("event subscription close failed",
					slog.String("job_id", jobID), slog.Any("error", err))
			}
		}()

		emit := func(ev domain.QueueEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if includeSnapshot {
			st, err := q.GetStatus(ctx, jobID)
			if err != nil {
				slog.Warn("status snapshot read failed",
					slog.String("job_id", jobID), slog.Any("error", err))
			} else if st != nil {
				ev := snapshotEvent(jobID, st)
				if !emit(ev) || ev.Terminal() {
					return
				}
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Messages():
				if !ok {
					return
				}
				ev, err := domain.DecodeEvent(msg)
				if err != nil {
					slog.Warn("dropping undecodable event",
						slog.String("job_id", jobID), slog.Any("error", err))
					continue
				}
				if !emit(ev) || ev.Terminal() {
					return
				}
			}
		}
	}()
	return out, nil
}

// WaitForCompletion consumes the event stream until the first terminal event.
// Unknown jobs fail immediately; an exhausted timeout leaves the job state
// untouched and only cancels the subscription.
func (q *Queue) WaitForCompletion(ctx context.Context, jobID string, timeout time.Duration) (domain.QueueEvent, error) {
	st, err := q.GetStatus(ctx, jobID)
	if err != nil {
		return domain.QueueEvent{}, err
	}
	if st == nil {
		return domain.QueueEvent{}, fmt.Errorf("op=queue.WaitForCompletion job_id=%s: %w", jobID, domain.ErrUnknownJob)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	events, err := q.Events(waitCtx, jobID, true)
	if err != nil {
		return domain.QueueEvent{}, err
	}
	for {
		select {
		case <-waitCtx.Done():
			return domain.QueueEvent{}, fmt.Errorf("op=queue.WaitForCompletion job_id=%s: %w", jobID, domain.ErrJobTimeout)
		case ev, ok := <-events:
			if !ok {
				// Stream ended without a terminal (broker hiccup). Treat as a
				// timeout-class failure; the job itself is untouched.
				return domain.QueueEvent{}, fmt.Errorf("op=queue.WaitForCompletion job_id=%s: event stream closed: %w", jobID, domain.ErrBrokerUnavailable)
			}
			if ev.Terminal() {
				return ev, nil
			}
		}
	}
}
