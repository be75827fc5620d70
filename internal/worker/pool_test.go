package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/queue/redisqueue"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/config"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/domain"
)

func TestRetryBackoffLadder(t *testing.T) {
	base := time.Second
	ceiling := 30 * time.Second

	assert.Equal(t, time.Second, retryBackoff(base, ceiling, 0))
	assert.Equal(t, time.Second, retryBackoff(base, ceiling, 1))
	assert.Equal(t, 2*time.Second, retryBackoff(base, ceiling, 2))
	assert.Equal(t, 4*time.Second, retryBackoff(base, ceiling, 3))
	assert.Equal(t, 30*time.Second, retryBackoff(base, ceiling, 10))
}

func TestPermanentClassification(t *testing.T) {
	plain := errors.New("transient")
	assert.False(t, IsPermanent(plain))
	assert.True(t, IsPermanent(Permanent(plain)))
	assert.True(t, IsPermanent(domain.ErrValidation))
	assert.True(t, IsPermanent(domain.ErrNotFound))
	assert.False(t, IsPermanent(domain.ErrProvider))
	assert.NoError(t, Permanent(nil))

	// The mark survives wrapping.
	wrapped := Permanent(domain.ErrProvider)
	assert.True(t, IsPermanent(wrapped))
	assert.ErrorIs(t, wrapped, domain.ErrProvider)
}

func poolConfig() config.Config {
	return config.Config{
		WorkerConcurrency: 2,
		JobRetryBase:      time.Millisecond,
		JobRetryCap:       10 * time.Millisecond,
	}
}

func TestPoolProcessesJobs(t *testing.T) {
	ctx := context.Background()
	q := redisqueue.New(rediskv.NewMemory(), redisqueue.Options{DefaultMaxAttempts: 3})

	done := make(chan string, 1)
	p := NewPool(poolConfig(), q)
	p.Register(domain.JobSendWebhook, func(_ context.Context, job *domain.Job) error {
		done <- job.ID
		return nil
	})

	id, err := q.Enqueue(ctx, domain.JobSendWebhook, domain.SendWebhookPayload{URL: "http://x"}, domain.EnqueueOptions{})
	require.NoError(t, err)

	p.Start(ctx)
	defer p.Shutdown(time.Second)

	select {
	case got := <-done:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	require.Eventually(t, func() bool {
		return q.Stats(ctx)["completed"] == int64(1)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolFailsJobsWithoutHandler(t *testing.T) {
	ctx := context.Background()
	q := redisqueue.New(rediskv.NewMemory(), redisqueue.Options{DefaultMaxAttempts: 3})

	p := NewPool(poolConfig(), q)
	_, err := q.Enqueue(ctx, domain.JobAutoStopCheck, domain.AutoStopCheckPayload{}, domain.EnqueueOptions{})
	require.NoError(t, err)

	p.Start(ctx)
	defer p.Shutdown(time.Second)

	require.Eventually(t, func() bool {
		return q.Stats(ctx)["failed"] == int64(1)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolRetriesThenFailsPermanently(t *testing.T) {
	ctx := context.Background()
	q := redisqueue.New(rediskv.NewMemory(), redisqueue.Options{DefaultMaxAttempts: 2})

	var attempts atomic.Int32
	p := NewPool(poolConfig(), q)
	p.Register(domain.JobSendWebhook, func(context.Context, *domain.Job) error {
		attempts.Add(1)
		return errors.New("still broken")
	})

	_, err := q.Enqueue(ctx, domain.JobSendWebhook, nil, domain.EnqueueOptions{})
	require.NoError(t, err)

	p.Start(ctx)
	defer p.Shutdown(time.Second)

	// Two attempts exhaust MaxAttempts; the job lands in failed history.
	require.Eventually(t, func() bool {
		return q.Stats(ctx)["failed"] == int64(1)
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, attempts.Load(), int32(2))
}
