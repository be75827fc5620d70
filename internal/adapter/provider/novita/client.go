// Package novita implements the resilient outbound pipeline to the Novita
// GPU cloud API: rate limiter, circuit breaker, retry with exponential
// backoff, and per-request timeouts. Instance management and internal
// operations (migration) use separate endpoint families with independent
// credentials.
package novita

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/config"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/domain"
	obs "github.com/fairyhunter13/gpu-instance-orchestrator/internal/observability"
)

const (
	retryBase = time.Second
	retryCap  = 30 * time.Second
)

// Client talks to the provider API. All outbound calls flow through do(),
// which owns throttling, breaking, retries, and error mapping.
type Client struct {
	httpClient *http.Client

	baseURL     string
	internalURL string
	apiKey      string
	internalKey string

	limiter    *rate.Limiter
	breaker    *obs.CircuitBreaker
	maxRetries int
}

// New builds a client from configuration.
func New(cfg config.Config) *Client {
	perSecond := rate.Limit(float64(cfg.RateLimitRequests) / cfg.RateLimitWindow.Seconds())
	return &Client{
		httpClient:  &http.Client{Timeout: cfg.ProviderTimeout},
		baseURL:     cfg.ProviderBaseURL,
		internalURL: cfg.ProviderInternalURL,
		apiKey:      cfg.ProviderAPIKey,
		internalKey: cfg.ProviderInternalKey,
		limiter:     rate.NewLimiter(perSecond, cfg.RateLimitRequests),
		breaker:     obs.NewCircuitBreaker(cfg.CircuitMaxFailures, cfg.CircuitOpenTimeout, cfg.CircuitSuccessThreshold),
		maxRetries:  cfg.ProviderMaxRetries,
	}
}

// Breaker exposes the circuit breaker for health output and admin reset.
func (c *Client) Breaker() *obs.CircuitBreaker { return c.breaker }

// apiError carries the HTTP status so retry classification can branch on it.
type apiError struct {
	Status int
	Body   string
	Op     string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("provider %s: status=%d body=%s", e.Op, e.Status, e.Body)
}

// Unwrap maps HTTP status classes onto the domain taxonomy so callers can
// errors.Is against sentinels.
func (e *apiError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return domain.ErrUnauthorized
	case e.Status == http.StatusNotFound:
		return domain.ErrNotFound
	case e.Status == http.StatusTooManyRequests:
		return domain.ErrRateLimited
	case e.Status >= 400 && e.Status < 500:
		return domain.ErrValidation
	default:
		return domain.ErrProvider
	}
}

// do issues one logical provider call: waits for a rate token, checks the
// breaker, then retries transient failures with exponential backoff. 4xx
// responses other than 429 are permanent; 429 honors Retry-After.
func (c *Client) do(ctx context.Context, op, method, url, key string, body, out any) error {
	tracer := otel.Tracer("novita")
	ctx, span := tracer.Start(ctx, "provider."+op, trace.WithAttributes(
		attribute.String("provider.operation", op)))
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		observability.ProviderRequestsTotal.WithLabelValues(op, "rate_limited").Inc()
		return fmt.Errorf("op=novita.%s: %w", op, domain.ErrRateLimited)
	}
	if !c.breaker.CanExecute() {
		observability.ProviderRequestsTotal.WithLabelValues(op, "circuit_open").Inc()
		return fmt.Errorf("op=novita.%s: %w", op, domain.ErrCircuitOpen)
	}
	defer c.publishBreakerState()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("op=novita.%s: %w", op, err)
		}
	}

	start := time.Now()
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+key)
		req.Header.Set("Content-Type", "application/json")
		if cid := obs.CorrelationIDFromContext(ctx); cid != "" {
			req.Header.Set("X-Correlation-Id", cid)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.breaker.RecordFailure()
			return err
		}
		defer resp.Body.Close()

		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			c.breaker.RecordSuccess()
			if out != nil && len(raw) > 0 {
				if err := json.Unmarshal(raw, out); err != nil {
					return backoff.Permanent(fmt.Errorf("decode response: %w", err))
				}
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests:
			// Upstream throttle does not count against the breaker.
			waitRetryAfter(ctx, resp.Header.Get("Retry-After"))
			return &apiError{Status: resp.StatusCode, Body: string(raw), Op: op}
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			// Client errors will not heal on retry.
			return backoff.Permanent(&apiError{Status: resp.StatusCode, Body: string(raw), Op: op})
		default:
			c.breaker.RecordFailure()
			return &apiError{Status: resp.StatusCode, Body: string(raw), Op: op}
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBase
	bo.MaxInterval = retryCap
	bo.MaxElapsedTime = 0
	err := backoff.Retry(attempt, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(c.maxRetries)), ctx))

	observability.ProviderRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.ProviderRequestsTotal.WithLabelValues(op, "error").Inc()
		obs.LoggerFromContext(ctx).Warn("provider call failed",
			"operation", op, "error", err)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("op=novita.%s: %w", op, domain.ErrTimeout)
		}
		var ae *apiError
		if errors.As(err, &ae) {
			return fmt.Errorf("op=novita.%s: %w", op, ae)
		}
		return fmt.Errorf("op=novita.%s: %w: %v", op, domain.ErrProvider, err)
	}
	observability.ProviderRequestsTotal.WithLabelValues(op, "success").Inc()
	return nil
}

func (c *Client) publishBreakerState() {
	observability.CircuitState.Set(float64(c.breaker.GetState()))
}

// waitRetryAfter sleeps for the server-requested interval, bounded by the
// retry cap and the context.
func waitRetryAfter(ctx context.Context, header string) {
	if header == "" {
		return
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return
	}
	d := time.Duration(secs) * time.Second
	if d > retryCap {
		d = retryCap
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
