// Package prober runs application-level readiness probes against the HTTP
// surfaces an instance exposes. Endpoints are probed in parallel; each gets
// bounded retries with a jittered delay.
package prober

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/domain"
	obs "github.com/fairyhunter13/gpu-instance-orchestrator/internal/observability"
)

// Prober implements domain.Prober.
type Prober struct {
	httpClient *http.Client
}

// New builds a prober. Instance endpoints commonly run self-signed
// certificates, so verification is disabled for probe traffic only.
func New() *Prober {
	return &Prober{
		httpClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
				MaxIdleConnsPerHost: 4,
			},
		},
	}
}

// Probe checks every endpoint (or only cfg.TargetPort when set) and
// aggregates a verdict. partial means some endpoint answered and the overall
// wait deadline has not yet passed, so the caller should poll again.
func (p *Prober) Probe(ctx context.Context, endpoints []domain.ProbeEndpoint, cfg domain.HealthCheckConfig, elapsed time.Duration) (domain.ProbeReport, error) {
	targets := filterTargets(endpoints, cfg.TargetPort)
	report := domain.ProbeReport{CheckedAt: time.Now()}
	if len(targets) == 0 {
		report.Verdict = verdictFor(0, 0, cfg, elapsed)
		observability.ProbeVerdictsTotal.WithLabelValues(string(report.Verdict)).Inc()
		return report, nil
	}

	results := make([]domain.EndpointResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, ep := range targets {
		g.Go(func() error {
			results[i] = p.probeEndpoint(gctx, ep, cfg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("op=prober.Probe: %w", err)
	}

	healthy := 0
	for _, r := range results {
		if r.Healthy {
			healthy++
		}
	}
	report.Endpoints = results
	report.Verdict = verdictFor(healthy, len(targets), cfg, elapsed)
	observability.ProbeVerdictsTotal.WithLabelValues(string(report.Verdict)).Inc()
	obs.LoggerFromContext(ctx).Debug("probe round finished",
		"verdict", report.Verdict, "healthy", healthy, "total", len(targets))
	return report, nil
}

// verdictFor: all healthy wins; some healthy within the wait budget is
// partial; anything else is unhealthy.
func verdictFor(healthy, total int, cfg domain.HealthCheckConfig, elapsed time.Duration) domain.ProbeVerdict {
	switch {
	case total > 0 && healthy == total:
		return domain.VerdictHealthy
	case healthy > 0 && elapsed < time.Duration(cfg.MaxWaitTimeMs)*time.Millisecond:
		return domain.VerdictPartial
	default:
		return domain.VerdictUnhealthy
	}
}

func filterTargets(endpoints []domain.ProbeEndpoint, targetPort int) []domain.ProbeEndpoint {
	out := make([]domain.ProbeEndpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep.EndpointURL == "" {
			continue
		}
		if targetPort != 0 && ep.Port != targetPort {
			continue
		}
		out = append(out, ep)
	}
	return out
}

// probeEndpoint checks one endpoint with cfg.RetryAttempts extra tries.
func (p *Prober) probeEndpoint(ctx context.Context, ep domain.ProbeEndpoint, cfg domain.HealthCheckConfig) domain.EndpointResult {
	res := domain.EndpointResult{Endpoint: ep}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	for attempt := 0; attempt <= cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(cfg.RetryDelayMs) * time.Millisecond
			delay += time.Duration(rand.Int63n(int64(delay/4) + 1))
			select {
			case <-ctx.Done():
				res.ErrorClass = domain.ProbeErrTimeout
				res.Error = ctx.Err().Error()
				return res
			case <-time.After(delay):
			}
		}
		res.Attempts = attempt + 1

		start := time.Now()
		code, err := p.hit(ctx, ep.EndpointURL, timeout)
		res.ResponseTimeMs = time.Since(start).Milliseconds()
		if err != nil {
			res.ErrorClass = classifyProbeErr(err)
			res.Error = err.Error()
			continue
		}
		res.StatusCode = code
		if code >= 200 && code < 400 {
			res.Healthy = true
			res.ErrorClass = ""
			res.Error = ""
			return res
		}
		switch {
		// 502/503/504 mean a gateway is up but the app behind it is not.
		case code == http.StatusBadGateway || code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout:
			res.ErrorClass = domain.ProbeErrBadGateway
		case code >= 500:
			res.ErrorClass = domain.ProbeErrServerError
		default:
			res.ErrorClass = domain.ProbeErrUnknown
		}
		res.Error = fmt.Sprintf("status %d", code)
	}
	return res
}

func (p *Prober) hit(ctx context.Context, rawURL string, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func classifyProbeErr(err error) domain.ProbeErrorClass {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.ProbeErrTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return domain.ProbeErrTimeout
	case strings.Contains(err.Error(), "connection refused"):
		return domain.ProbeErrConnectionRefused
	default:
		return domain.ProbeErrUnknown
	}
}
