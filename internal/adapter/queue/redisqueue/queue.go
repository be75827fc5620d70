// Package redisqueue implements the durable job queue over the KV store.
//
// Layout: queue:pending is a sorted set of job IDs whose score encodes
// priority and eligibility; queue:processing tracks claimed jobs by claim
// time; queue:completed and queue:failed keep a bounded history. Each job
// body lives in a job:<id> hash whose next_eligible_at field the pop routine
// reads without deserializing the body.
package redisqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/domain"
)

const (
	keyPending    = "queue:pending"
	keyProcessing = "queue:processing"
	keyCompleted  = "queue:completed"
	keyFailed     = "queue:failed"
	jobKeyPrefix  = "job:"

	// popScanLimit bounds how many head-of-queue members the pop routine
	// inspects for eligibility. Delayed high-priority jobs can only shadow
	// this many eligible lower-priority ones.
	popScanLimit = 16

	// historyRetention bounds the completed/failed sets.
	historyRetention = 1000

	// jobBodyTTL expires finished job hashes.
	jobBodyTTL = 24 * time.Hour
)

// Options tune queue defaults.
type Options struct {
	DefaultMaxAttempts int
}

// Queue is the rediskv-backed implementation of domain.Queue.
type Queue struct {
	store rediskv.Store
	opts  Options
}

// New builds a queue over the store.
func New(store rediskv.Store, opts Options) *Queue {
	if opts.DefaultMaxAttempts < 1 {
		opts.DefaultMaxAttempts = 3
	}
	return &Queue{store: store, opts: opts}
}

// score encodes ordering: higher priority sorts first, FIFO by eligibility
// within a priority band.
func score(priority int, eligibleAt time.Time) float64 {
	return float64(-priority)*1e12 + float64(eligibleAt.UnixMilli())
}

func jobKey(id string) string { return jobKeyPrefix + id }

// Enqueue persists a job and makes it visible at its eligibility time.
func (q *Queue) Enqueue(ctx context.Context, t domain.JobType, payload any, opts domain.EnqueueOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("op=queue.Enqueue type=%s: %w", t, err)
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = q.opts.DefaultMaxAttempts
	}
	now := time.Now()
	job := domain.Job{
		ID:             ulid.Make().String(),
		Type:           t,
		Payload:        raw,
		Priority:       opts.Priority,
		MaxAttempts:    opts.MaxAttempts,
		NextEligibleAt: now.Add(opts.Delay),
		State:          domain.JobPending,
		CreatedAt:      now,
	}
	if err := q.writeJob(ctx, job, 0); err != nil {
		return "", err
	}
	if err := q.store.ZAdd(ctx, keyPending, score(job.Priority, job.NextEligibleAt), job.ID); err != nil {
		return "", fmt.Errorf("op=queue.Enqueue type=%s: %w", t, err)
	}
	observability.EnqueueJob(string(t))
	return job.ID, nil
}

// popRoutine claims the highest-priority eligible job in one atomic step.
// KEYS: pending zset, job key prefix, processing zset. ARGV: now millis,
// scan limit.
var popRoutine = rediskv.Routine{
	Name: "queue_pop",
	Lua: `
local now = tonumber(ARGV[1])
local ids = redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[2]) - 1)
for i = 1, #ids do
  local id = ids[i]
  local jk = KEYS[2] .. id
  local elig = tonumber(redis.call('HGET', jk, 'next_eligible_at') or '0')
  if elig <= now then
    redis.call('ZREM', KEYS[1], id)
    redis.call('ZADD', KEYS[3], now, id)
    return redis.call('HGET', jk, 'data')
  end
end
return false
`,
	Local: func(ctx context.Context, v rediskv.View, keys []string, args []any) (any, error) {
		now, err := argInt64(args[0])
		if err != nil {
			return nil, err
		}
		limit, err := argInt64(args[1])
		if err != nil {
			return nil, err
		}
		members, err := v.ZRangeWithScores(ctx, keys[0], 0, limit-1)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			jk := keys[1] + m.Member
			eligStr, _, err := v.HGet(ctx, jk, "next_eligible_at")
			if err != nil {
				return nil, err
			}
			elig, _ := strconv.ParseInt(eligStr, 10, 64)
			if elig <= now {
				if err := v.ZRem(ctx, keys[0], m.Member); err != nil {
					return nil, err
				}
				if err := v.ZAdd(ctx, keys[2], float64(now), m.Member); err != nil {
					return nil, err
				}
				data, ok, err := v.HGet(ctx, jk, "data")
				if err != nil || !ok {
					return nil, err
				}
				return data, nil
			}
		}
		return nil, nil
	},
}

func argInt64(a any) (int64, error) {
	switch n := a.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("op=queue.argInt64: unsupported arg type %T", a)
	}
}

// Dequeue pops one eligible job and marks it processing. nil means nothing
// is eligible right now.
func (q *Queue) Dequeue(ctx context.Context) (*domain.Job, error) {
	res, err := q.store.Eval(ctx, popRoutine, []string{keyPending, jobKeyPrefix, keyProcessing},
		time.Now().UnixMilli(), popScanLimit)
	if err != nil {
		return nil, fmt.Errorf("op=queue.Dequeue: %w", err)
	}
	if res == nil {
		return nil, nil
	}
	data, ok := res.(string)
	if !ok {
		return nil, nil
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("op=queue.Dequeue: %w", err)
	}
	now := time.Now()
	job.State = domain.JobProcessing
	job.StartedAt = &now
	job.Attempts++
	if err := q.writeJob(ctx, job, 0); err != nil {
		return nil, err
	}
	observability.StartProcessingJob(string(job.Type))
	return &job, nil
}

// Complete moves a claimed job to the bounded completed history.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	job, err := q.readJob(ctx, jobID)
	if err != nil {
		return err
	}
	now := time.Now()
	job.State = domain.JobCompleted
	job.FinishedAt = &now
	if err := q.finish(ctx, job, keyCompleted); err != nil {
		return err
	}
	observability.CompleteJob(string(job.Type))
	return nil
}

// Fail moves a claimed job to the bounded failed history.
func (q *Queue) Fail(ctx context.Context, jobID, errMsg string) error {
	job, err := q.readJob(ctx, jobID)
	if err != nil {
		return err
	}
	return q.fail(ctx, job, errMsg)
}

func (q *Queue) fail(ctx context.Context, job domain.Job, errMsg string) error {
	now := time.Now()
	job.State = domain.JobFailed
	job.FinishedAt = &now
	job.LastError = errMsg
	if err := q.finish(ctx, job, keyFailed); err != nil {
		return err
	}
	observability.FailJob(string(job.Type))
	return nil
}

// Retry returns the job to pending with the given backoff, or fails it
// permanently once attempts are exhausted.
func (q *Queue) Retry(ctx context.Context, jobID, errMsg string, backoff time.Duration) error {
	job, err := q.readJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Attempts >= job.MaxAttempts {
		return q.fail(ctx, job, errMsg)
	}
	job.State = domain.JobPending
	job.LastError = errMsg
	job.StartedAt = nil
	job.NextEligibleAt = time.Now().Add(backoff)
	if err := q.writeJob(ctx, job, 0); err != nil {
		return err
	}
	if err := q.store.ZRem(ctx, keyProcessing, job.ID); err != nil {
		return fmt.Errorf("op=queue.Retry id=%s: %w", job.ID, err)
	}
	if err := q.store.ZAdd(ctx, keyPending, score(job.Priority, job.NextEligibleAt), job.ID); err != nil {
		return fmt.Errorf("op=queue.Retry id=%s: %w", job.ID, err)
	}
	observability.RetryJob(string(job.Type))
	return nil
}

// Depth reports the pending backlog.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.store.ZCard(ctx, keyPending)
	if err != nil {
		return 0, fmt.Errorf("op=queue.Depth: %w", err)
	}
	observability.QueueDepth.Set(float64(n))
	return n, nil
}

// RecoverStuck returns jobs claimed longer than olderThan ago to pending.
// Called once at startup: anything still in processing from a previous run
// belongs to a crashed worker.
func (q *Queue) RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	members, err := q.store.ZRangeWithScores(ctx, keyProcessing, 0, -1)
	if err != nil {
		return 0, fmt.Errorf("op=queue.RecoverStuck: %w", err)
	}
	cutoff := float64(time.Now().Add(-olderThan).UnixMilli())
	recovered := 0
	for _, m := range members {
		if m.Score > cutoff {
			continue
		}
		job, err := q.readJob(ctx, m.Member)
		if err != nil {
			// Body already expired; drop the orphaned claim.
			_ = q.store.ZRem(ctx, keyProcessing, m.Member)
			continue
		}
		job.State = domain.JobPending
		job.StartedAt = nil
		job.LastError = "crash-recovered"
		// Spread recovered work out a little so a restart does not thundering-herd.
		job.NextEligibleAt = time.Now().Add(time.Duration(rand.Intn(5000)) * time.Millisecond)
		if err := q.writeJob(ctx, job, 0); err != nil {
			return recovered, err
		}
		if err := q.store.ZRem(ctx, keyProcessing, job.ID); err != nil {
			return recovered, fmt.Errorf("op=queue.RecoverStuck id=%s: %w", job.ID, err)
		}
		if err := q.store.ZAdd(ctx, keyPending, score(job.Priority, job.NextEligibleAt), job.ID); err != nil {
			return recovered, fmt.Errorf("op=queue.RecoverStuck id=%s: %w", job.ID, err)
		}
		recovered++
	}
	return recovered, nil
}

// Stats reports queue gauges for the admin surface.
func (q *Queue) Stats(ctx context.Context) map[string]interface{} {
	pending, _ := q.store.ZCard(ctx, keyPending)
	processing, _ := q.store.ZCard(ctx, keyProcessing)
	completed, _ := q.store.ZCard(ctx, keyCompleted)
	failed, _ := q.store.ZCard(ctx, keyFailed)
	return map[string]interface{}{
		"pending":    pending,
		"processing": processing,
		"completed":  completed,
		"failed":     failed,
	}
}

func (q *Queue) writeJob(ctx context.Context, job domain.Job, ttl time.Duration) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("op=queue.writeJob id=%s: %w", job.ID, err)
	}
	fields := map[string]string{
		"data":             string(raw),
		"next_eligible_at": strconv.FormatInt(job.NextEligibleAt.UnixMilli(), 10),
		"state":            string(job.State),
	}
	if err := q.store.HSet(ctx, jobKey(job.ID), fields); err != nil {
		return fmt.Errorf("op=queue.writeJob id=%s: %w", job.ID, err)
	}
	if ttl > 0 {
		if err := q.store.Expire(ctx, jobKey(job.ID), ttl); err != nil {
			return fmt.Errorf("op=queue.writeJob id=%s: %w", job.ID, err)
		}
	}
	return nil
}

func (q *Queue) readJob(ctx context.Context, jobID string) (domain.Job, error) {
	data, ok, err := q.store.HGet(ctx, jobKey(jobID), "data")
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=queue.readJob id=%s: %w", jobID, err)
	}
	if !ok {
		return domain.Job{}, fmt.Errorf("op=queue.readJob id=%s: %w", jobID, domain.ErrNotFound)
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return domain.Job{}, fmt.Errorf("op=queue.readJob id=%s: %w", jobID, err)
	}
	return job, nil
}

// finish records terminal state, trims history, and expires the body.
func (q *Queue) finish(ctx context.Context, job domain.Job, historyKey string) error {
	if err := q.writeJob(ctx, job, jobBodyTTL); err != nil {
		return err
	}
	if err := q.store.ZRem(ctx, keyProcessing, job.ID); err != nil {
		return fmt.Errorf("op=queue.finish id=%s: %w", job.ID, err)
	}
	if err := q.store.ZAdd(ctx, historyKey, float64(job.FinishedAt.UnixMilli()), job.ID); err != nil {
		return fmt.Errorf("op=queue.finish id=%s: %w", job.ID, err)
	}
	// Keep only the newest historyRetention entries.
	if err := q.store.ZRemRangeByRank(ctx, historyKey, 0, int64(-historyRetention-1)); err != nil {
		return fmt.Errorf("op=queue.finish id=%s: %w", job.ID, err)
	}
	return nil
}
