package redisqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/domain"
)

func newMemoryQueue() *Queue {
	return New(rediskv.NewMemory(), Options{DefaultMaxAttempts: 3})
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := newMemoryQueue()

	id, err := q.Enqueue(ctx, domain.JobSendWebhook, domain.SendWebhookPayload{URL: "http://x"}, domain.EnqueueOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, domain.JobSendWebhook, job.Type)
	assert.Equal(t, domain.JobProcessing, job.State)
	assert.Equal(t, 1, job.Attempts)

	var p domain.SendWebhookPayload
	require.NoError(t, job.DecodePayload(&p))
	assert.Equal(t, "http://x", p.URL)

	// Queue drained.
	next, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestDequeueHonorsPriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	q := newMemoryQueue()

	low1, err := q.Enqueue(ctx, domain.JobSendWebhook, nil, domain.EnqueueOptions{Priority: 1})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	low2, err := q.Enqueue(ctx, domain.JobSendWebhook, nil, domain.EnqueueOptions{Priority: 1})
	require.NoError(t, err)
	high, err := q.Enqueue(ctx, domain.JobCreateInstance, nil, domain.EnqueueOptions{Priority: 10})
	require.NoError(t, err)

	var order []string
	for i := 0; i < 3; i++ {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{high, low1, low2}, order)
}

func TestDelayedJobNotEligibleUntilDue(t *testing.T) {
	ctx := context.Background()
	q := newMemoryQueue()

	_, err := q.Enqueue(ctx, domain.JobMonitorInstance, nil, domain.EnqueueOptions{Delay: time.Hour})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "delayed job must stay invisible")

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestDelayedHighPriorityDoesNotStarveEligibleWork(t *testing.T) {
	ctx := context.Background()
	q := newMemoryQueue()

	_, err := q.Enqueue(ctx, domain.JobCreateInstance, nil, domain.EnqueueOptions{Priority: 10, Delay: time.Hour})
	require.NoError(t, err)
	ready, err := q.Enqueue(ctx, domain.JobSendWebhook, nil, domain.EnqueueOptions{Priority: 1})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, ready, job.ID)
}

func TestCompleteMovesToHistory(t *testing.T) {
	ctx := context.Background()
	q := newMemoryQueue()

	id, err := q.Enqueue(ctx, domain.JobSendWebhook, nil, domain.EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, id))
	stats := q.Stats(ctx)
	assert.Equal(t, int64(0), stats["pending"])
	assert.Equal(t, int64(0), stats["processing"])
	assert.Equal(t, int64(1), stats["completed"])
}

func TestRetryReturnsToPendingWithBackoff(t *testing.T) {
	ctx := context.Background()
	q := newMemoryQueue()

	id, err := q.Enqueue(ctx, domain.JobMonitorInstance, nil, domain.EnqueueOptions{MaxAttempts: 3})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Retry(ctx, id, "provider timeout", time.Hour))

	// Back in pending but not yet eligible.
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestRetryExhaustionFailsJob(t *testing.T) {
	ctx := context.Background()
	q := newMemoryQueue()

	id, err := q.Enqueue(ctx, domain.JobMonitorInstance, nil, domain.EnqueueOptions{MaxAttempts: 2})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.NoError(t, q.Retry(ctx, id, "still failing", 0))
	}

	stats := q.Stats(ctx)
	assert.Equal(t, int64(1), stats["failed"])
	assert.Equal(t, int64(0), stats["pending"])
}

func TestRecoverStuckRequeuesOldClaims(t *testing.T) {
	ctx := context.Background()
	q := newMemoryQueue()

	id, err := q.Enqueue(ctx, domain.JobCreateInstance, nil, domain.EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	// Claimed just now: a zero cutoff treats it as stuck.
	n, err := q.RecoverStuck(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := q.readJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, job.State)
	assert.Equal(t, "crash-recovered", job.LastError)
}

func TestQueueOverRealRedisScript(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := New(rediskv.NewRedisWithClient(client, "orch"), Options{DefaultMaxAttempts: 3})

	id, err := q.Enqueue(ctx, domain.JobSendWebhook, domain.SendWebhookPayload{URL: "http://y"}, domain.EnqueueOptions{Priority: 2})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)

	require.NoError(t, q.Complete(ctx, id))
	stats := q.Stats(ctx)
	assert.Equal(t, int64(1), stats["completed"])
}
