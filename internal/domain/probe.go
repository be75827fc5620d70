package domain

import (
	"context"
	"time"
)

// ProbeEndpoint is one HTTP surface an instance exposes.
type ProbeEndpoint struct {
	Port        int    `json:"port"`
	EndpointURL string `json:"endpoint"`
	Type        string `json:"type,omitempty"`
}

// ProbeErrorClass categorizes a failed endpoint probe.
type ProbeErrorClass string

const (
	ProbeErrTimeout           ProbeErrorClass = "timeout"
	ProbeErrConnectionRefused ProbeErrorClass = "connection_refused"
	ProbeErrBadGateway        ProbeErrorClass = "bad_gateway"
	ProbeErrServerError       ProbeErrorClass = "server_error"
	ProbeErrUnknown           ProbeErrorClass = "unknown"
)

// ProbeVerdict is the aggregate readiness verdict over all endpoints.
type ProbeVerdict string

const (
	VerdictHealthy ProbeVerdict = "healthy"
	// VerdictPartial means at least one endpoint is healthy and the overall
	// deadline has not passed; the caller reschedules.
	VerdictPartial   ProbeVerdict = "partial"
	VerdictUnhealthy ProbeVerdict = "unhealthy"
)

// EndpointResult is the outcome of probing a single endpoint.
type EndpointResult struct {
	Endpoint       ProbeEndpoint   `json:"endpoint"`
	Healthy        bool            `json:"healthy"`
	StatusCode     int             `json:"statusCode,omitempty"`
	ErrorClass     ProbeErrorClass `json:"errorClass,omitempty"`
	Error          string          `json:"error,omitempty"`
	ResponseTimeMs int64           `json:"responseTimeMs"`
	Attempts       int             `json:"attempts"`
}

// ProbeReport aggregates one probe round.
type ProbeReport struct {
	Verdict   ProbeVerdict     `json:"verdict"`
	Endpoints []EndpointResult `json:"endpoints"`
	CheckedAt time.Time        `json:"checkedAt"`
}

// Healthy reports a fully healthy verdict.
func (r ProbeReport) Healthy() bool { return r.Verdict == VerdictHealthy }

// Prober runs application-level readiness probes.
type Prober interface {
	// Probe checks the endpoints per cfg. elapsed is the time already spent
	// waiting on this instance, measured against cfg.MaxWaitTimeMs when
	// deciding partial vs unhealthy.
	Probe(ctx context.Context, endpoints []ProbeEndpoint, cfg HealthCheckConfig, elapsed time.Duration) (ProbeReport, error)
}
