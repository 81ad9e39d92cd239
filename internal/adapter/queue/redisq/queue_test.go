package redisq

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-relay/internal/adapter/broker"
	"github.com/fairyhunter13/agent-relay/internal/config"
	"github.com/fairyhunter13/agent-relay/internal/domain"
)

func testConfig() config.Config {
	return config.Config{
		QueueKey:                "agent:jobs",
		StatusPrefix:            "agent:status:",
		ChannelPrefix:           "agent:events:",
		JobTTL:                  6 * time.Hour,
		ChunkCharLimit:          600,
		WorkerHeartbeatInterval: 10 * time.Millisecond,
		HeartbeatStaleAfter:     60 * time.Second,
		WatchdogInterval:        20 * time.Millisecond,
		WorkerConcurrency:       1,
	}
}

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cli := broker.NewRedisFromClient(rdb)
	t.Cleanup(func() {
		_ = cli.Close()
		mr.Close()
	})
	return New(cli, testConfig()), mr
}

func samplePayload(jobID string) domain.EnqueuePayload {
	return domain.EnqueuePayload{
		JobID:          jobID,
		Model:          "simple_agent",
		ConversationID: "c1",
		UserID:         "u1",
		Text:           "hi",
	}
}

func TestEnqueueWritesStatusListAndEvent(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	events, err := q.Events(ctx, "j1", false)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, samplePayload("j1")))

	st, err := q.GetStatus(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, st)
	require.Equal(t, domain.StageQueued, st.Status)
	require.Equal(t, "c1", st.ConversationID)
	require.Equal(t, "simple_agent", st.Model)
	require.Greater(t, st.CreatedAt, 0.0)
	require.Equal(t, st.CreatedAt, st.UpdatedAt)

	// TTL applied to the status hash
	require.InDelta(t, (6 * time.Hour).Seconds(), mr.TTL("agent:status:j1").Seconds(), 1.0)

	// queued payload is on the list
	popped, err := q.PopJob(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, popped)
	require.Equal(t, samplePayload("j1"), *popped)

	// queued event reached the pre-attached subscriber
	select {
	case ev := <-events:
		require.Equal(t, domain.EventStatus, ev.Type)
		require.Equal(t, domain.StageQueued, ev.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("queued event not published")
	}
}

func TestEnqueueRejectsEmptyJobID(t *testing.T) {
	q, _ := newTestQueue(t)
	err := q.Enqueue(context.Background(), domain.EnqueuePayload{})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestPopJobTimeout(t *testing.T) {
	q, _ := newTestQueue(t)
	payload, err := q.PopJob(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, payload)
}

func TestPopJobSingleConsumerWins(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	const jobs = 5
	for i := 0; i < jobs; i++ {
		require.NoError(t, q.Enqueue(ctx, samplePayload(string(rune('a'+i)))))
	}

	type popped struct{ id string }
	results := make(chan popped, jobs*2)
	for c := 0; c < 3; c++ {
		go func() {
			for {
				p, err := q.PopJob(ctx, 100*time.Millisecond)
				if err != nil || p == nil {
					return
				}
				results <- popped{id: p.JobID}
			}
		}()
	}

	seen := map[string]int{}
	for i := 0; i < jobs; i++ {
		select {
		case r := <-results:
			seen[r.id]++
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d jobs consumed", i)
		}
	}
	for id, n := range seen {
		require.Equalf(t, 1, n, "job %s consumed %d times", id, n)
	}
	require.Len(t, seen, jobs)
}

func TestMarkStatusRefreshesTTLAndHeartbeat(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, samplePayload("j1")))

	mr.FastForward(time.Hour)
	require.NoError(t, q.MarkStatus(ctx, "j1", domain.StageRunning, nil))
	require.InDelta(t, (6 * time.Hour).Seconds(), mr.TTL("agent:status:j1").Seconds(), 1.0)

	st, err := q.GetStatus(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, domain.StageRunning, st.Status)
	require.Greater(t, st.LastHeartbeat, 0.0)
	require.GreaterOrEqual(t, st.UpdatedAt, st.CreatedAt)
}

func TestTerminalWriteFirstWins(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, samplePayload("j1")))
	require.NoError(t, q.MarkStatus(ctx, "j1", domain.StageRunning, nil))

	require.NoError(t, q.StoreResult(ctx, "j1", map[string]any{"content": "done"}))
	// Second terminal write must not revert the status.
	require.NoError(t, q.StoreFailure(ctx, "j1", "too late"))

	st, err := q.GetStatus(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, domain.StageCompleted, st.Status)
	require.Equal(t, "done", st.Result["content"])
	require.Empty(t, st.Error)
}

func TestStoreFailureRecordsError(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, samplePayload("j1")))
	require.NoError(t, q.StoreFailure(ctx, "j1", "Agent invocation failed: boom"))

	st, err := q.GetStatus(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, domain.StageFailed, st.Status)
	require.Equal(t, "Agent invocation failed: boom", st.Error)
}

func TestActiveSetLifecycle(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, samplePayload("j1")))

	require.NoError(t, q.RegisterActiveJob(ctx, "j1"))
	first, err := mr.ZScore("agent:status:active_jobs", "j1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, q.UpdateHeartbeat(ctx, "j1", domain.StageRunning))
	second, err := mr.ZScore("agent:status:active_jobs", "j1")
	require.NoError(t, err)
	require.GreaterOrEqual(t, second, first)

	require.NoError(t, q.ClearActiveJob(ctx, "j1"))
	_, err = mr.ZScore("agent:status:active_jobs", "j1")
	require.Error(t, err)
}

func TestTerminalWriteLeavesActiveSet(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, samplePayload("j1")))
	require.NoError(t, q.RegisterActiveJob(ctx, "j1"))

	require.NoError(t, q.StoreResult(ctx, "j1", map[string]any{"content": "x"}))
	_, err := mr.ZScore("agent:status:active_jobs", "j1")
	require.Error(t, err, "terminal write must remove the job from the active set")
}

func TestFailStaleJobs(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, samplePayload("j1")))
	require.NoError(t, q.MarkStatus(ctx, "j1", domain.StageRunning, nil))
	require.NoError(t, q.RegisterActiveJob(ctx, "j1"))

	events, err := q.Events(ctx, "j1", false)
	require.NoError(t, err)

	// Heartbeat 120s in the past; staleAfter is 60s.
	base := q.now()
	q.now = func() time.Time { return base.Add(120 * time.Second) }

	failed, err := q.FailStaleJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"j1"}, failed)

	st, err := q.GetStatus(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, domain.StageFailed, st.Status)
	require.Equal(t, "worker heartbeat stale", st.Error)

	_, zerr := mr.ZScore("agent:status:active_jobs", "j1")
	require.Error(t, zerr)

	select {
	case ev := <-events:
		require.Equal(t, domain.EventFailed, ev.Type)
		require.Equal(t, "worker heartbeat stale", ev.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("failed event not published")
	}

	// Second sweep is a no-op.
	failed, err = q.FailStaleJobs(ctx)
	require.NoError(t, err)
	require.Empty(t, failed)
}

func TestFailStaleJobsSkipsFreshHeartbeats(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, samplePayload("j1")))
	require.NoError(t, q.MarkStatus(ctx, "j1", domain.StageRunning, nil))
	require.NoError(t, q.RegisterActiveJob(ctx, "j1"))

	failed, err := q.FailStaleJobs(ctx)
	require.NoError(t, err)
	require.Empty(t, failed)

	st, err := q.GetStatus(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, domain.StageRunning, st.Status)
}

func TestFailJobIfActiveIgnoresTerminalAndUnknown(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	// Unknown job: nothing to fail.
	did, err := q.FailJobIfActive(ctx, "ghost", "reason")
	require.NoError(t, err)
	require.False(t, did)

	require.NoError(t, q.Enqueue(ctx, samplePayload("j1")))
	require.NoError(t, q.StoreResult(ctx, "j1", map[string]any{"content": "x"}))
	did, err = q.FailJobIfActive(ctx, "j1", "reason")
	require.NoError(t, err)
	require.False(t, did)

	st, err := q.GetStatus(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, domain.StageCompleted, st.Status)
}

func TestGetStatusUnknownJob(t *testing.T) {
	q, _ := newTestQueue(t)
	st, err := q.GetStatus(context.Background(), "ghost")
	require.NoError(t, err)
	require.Nil(t, st)
}

func TestGetStatusDecodesResultJSON(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, samplePayload("j1")))
	require.NoError(t, q.StoreResult(ctx, "j1", map[string]any{
		"conversation_id": "c1",
		"content":         "hello",
	}))

	st, err := q.GetStatus(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, "hello", st.Result["content"])
	require.Equal(t, "c1", st.Result["conversation_id"])
}
