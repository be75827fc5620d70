// Package worker runs the durable job queue: a fixed pool of goroutines
// dequeues jobs, dispatches them to registered handlers under per-type
// deadlines, and classifies failures into retry or permanent failure.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/config"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/domain"
	obs "github.com/fairyhunter13/gpu-instance-orchestrator/internal/observability"
)

// HandlerFunc processes one job. Returning a permanentError fails the job
// outright; any other error schedules a retry with backoff.
type HandlerFunc func(ctx context.Context, job *domain.Job) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked non-retryable. Validation and
// not-found sentinels are permanent implicitly; retrying cannot heal them.
func IsPermanent(err error) bool {
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	return errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrNotFound)
}

// emptyPollBase is how long an idle worker sleeps before polling again.
const emptyPollBase = 500 * time.Millisecond

// Pool is the worker pool.
type Pool struct {
	cfg      config.Config
	queue    domain.Queue
	handlers map[domain.JobType]HandlerFunc

	wg   sync.WaitGroup
	stop context.CancelFunc
}

// NewPool builds a pool over the queue. Handlers are registered before Start.
func NewPool(cfg config.Config, queue domain.Queue) *Pool {
	return &Pool{
		cfg:      cfg,
		queue:    queue,
		handlers: make(map[domain.JobType]HandlerFunc),
	}
}

// Register binds a handler to a job type. Not safe after Start.
func (p *Pool) Register(t domain.JobType, h HandlerFunc) {
	p.handlers[t] = h
}

// Start launches the worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.stop = cancel
	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i)
	}
}

// Shutdown stops admitting new jobs and waits for in-flight handlers up to
// the grace period, then abandons them (the queue's stuck-job recovery picks
// them up on the next boot).
func (p *Pool) Shutdown(grace time.Duration) {
	if p.stop != nil {
		p.stop()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		obs.LoggerFromContext(context.Background()).Warn("worker drain grace expired; abandoning in-flight jobs")
	}
}

func (p *Pool) run(ctx context.Context, id int) {
	log := obs.LoggerFromContext(ctx).With("worker", id)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			log.Warn("dequeue failed", "error", err)
			p.idle(ctx)
			continue
		}
		if job == nil {
			p.idle(ctx)
			continue
		}
		p.dispatch(ctx, log, job)
	}
}

// idle sleeps with jitter so workers do not poll in lockstep.
func (p *Pool) idle(ctx context.Context) {
	d := emptyPollBase + time.Duration(rand.Int63n(int64(emptyPollBase)))
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (p *Pool) dispatch(ctx context.Context, log *slog.Logger, job *domain.Job) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		_ = p.queue.Fail(ctx, job.ID, fmt.Sprintf("no handler for type %s", job.Type))
		log.Warn("job with unknown type failed", "job_id", job.ID, "type", job.Type)
		return
	}

	tracer := otel.Tracer("worker")
	jobCtx, span := tracer.Start(ctx, "job."+string(job.Type), trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int("job.attempt", job.Attempts)))
	jobCtx, cancel := context.WithTimeout(jobCtx, p.cfg.JobTimeout(string(job.Type)))
	err := handler(jobCtx, job)
	cancel()
	span.End()

	// Completion bookkeeping runs on the parent context so a handler timeout
	// cannot also break the queue write.
	switch {
	case err == nil:
		if cerr := p.queue.Complete(ctx, job.ID); cerr != nil {
			log.Warn("job complete bookkeeping failed", "job_id", job.ID, "error", cerr)
		}
	case IsPermanent(err):
		log.Warn("job failed permanently", "job_id", job.ID, "type", job.Type, "error", err)
		if ferr := p.queue.Fail(ctx, job.ID, err.Error()); ferr != nil {
			log.Warn("job fail bookkeeping failed", "job_id", job.ID, "error", ferr)
		}
	default:
		backoff := retryBackoff(p.cfg.JobRetryBase, p.cfg.JobRetryCap, job.Attempts)
		log.Info("job scheduled for retry", "job_id", job.ID, "type", job.Type,
			"attempt", job.Attempts, "backoff", backoff, "error", err)
		if rerr := p.queue.Retry(ctx, job.ID, err.Error(), backoff); rerr != nil {
			log.Warn("job retry bookkeeping failed", "job_id", job.ID, "error", rerr)
		}
	}
}

// retryBackoff computes min(base * 2^(attempt-1), ceiling).
func retryBackoff(base, ceiling time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
