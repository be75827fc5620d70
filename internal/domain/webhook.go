package domain

import (
	"context"
	"time"
)

// Synthetic webhook statuses layered over the instance status values.
const (
	WebhookStartupInitiated = "startup_initiated"
	WebhookStartupCompleted = "startup_completed"
	WebhookStartupFailed    = "startup_failed"
	WebhookDeleted          = "deleted"
	WebhookTimeout          = "timeout"
)

// WebhookEvent is the JSON payload posted to a caller-supplied URL.
// Delivery is at-least-once; receivers dedupe on instanceId+status+timestamp.
type WebhookEvent struct {
	InstanceID       string            `json:"instanceId"`
	Status           string            `json:"status"`
	Timestamp        time.Time         `json:"timestamp"`
	NovitaInstanceID string            `json:"novitaInstanceId,omitempty"`
	ElapsedTimeMs    int64             `json:"elapsedTime,omitempty"`
	Error            string            `json:"error,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	StartupOperation string            `json:"startupOperation,omitempty"`
	HealthCheck      *HealthCheckState `json:"healthCheck,omitempty"`
	Data             map[string]any    `json:"data,omitempty"`
}

// WebhookSender delivers events best-effort: exhausted retries are logged by
// the implementation, never surfaced as job failures.
type WebhookSender interface {
	Send(ctx context.Context, url string, ev WebhookEvent) error
}
