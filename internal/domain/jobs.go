package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// JobType discriminates the payload carried by a queued job.
type JobType string

const (
	JobCreateInstance  JobType = "create_instance"
	JobMonitorInstance JobType = "monitor_instance"
	JobMonitorStartup  JobType = "monitor_startup"
	JobAutoStopCheck   JobType = "auto_stop_check"
	JobMigrateSpot     JobType = "migrate_spot"
	JobSendWebhook     JobType = "send_webhook"
)

// JobState enumerates queue states. Completed and failed are terminal;
// retries return the same record to pending with a later eligibility.
type JobState string

const (
	JobPending    JobState = "pending"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

// Job is one unit of durable work. Payload holds the JSON encoding of the
// type-specific payload struct; handlers decode it by Type.
type Job struct {
	ID             string          `json:"id"`
	Type           JobType         `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"maxAttempts"`
	NextEligibleAt time.Time       `json:"nextEligibleAt"`
	State          JobState        `json:"state"`
	CreatedAt      time.Time       `json:"createdAt"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
}

// DecodePayload unmarshals the job payload into v.
func (j *Job) DecodePayload(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("op=job.DecodePayload type=%s: %w", j.Type, err)
	}
	return nil
}

// CreateInstancePayload drives the create flow end to end.
type CreateInstancePayload struct {
	InstanceID        string             `json:"instanceId"`
	Name              string             `json:"name"`
	ProductName       string             `json:"productName"`
	TemplateID        string             `json:"templateId"`
	GPUCount          int                `json:"gpuCount"`
	RootDiskGB        int                `json:"rootDiskGB"`
	Region            string             `json:"region"`
	WebhookURL        string             `json:"webhookUrl,omitempty"`
	HealthCheckConfig *HealthCheckConfig `json:"healthCheckConfig,omitempty"`
}

// MonitorPayload drives monitor_instance and monitor_startup polling.
type MonitorPayload struct {
	InstanceID        string             `json:"instanceId"`
	ProviderID        string             `json:"providerId"`
	OperationID       string             `json:"operationId,omitempty"`
	StartTime         time.Time          `json:"startTime"`
	MaxWaitTimeMs     int                `json:"maxWaitTimeMs"`
	PollIntervalMs    int                `json:"pollIntervalMs,omitempty"`
	HealthCheckConfig *HealthCheckConfig `json:"healthCheckConfig,omitempty"`
	WebhookURL        string             `json:"webhookUrl,omitempty"`
	// PartialStreak counts consecutive partial probe verdicts; a healthy
	// verdict right after a partial waits one extra confirming cycle.
	PartialStreak int `json:"partialStreak,omitempty"`
	// AmbiguousSeen marks that one ambiguous provider status has already been
	// tolerated; a second one fails the operation.
	AmbiguousSeen bool `json:"ambiguousSeen,omitempty"`
	// InitiatedNotified is set once the startup_initiated webhook fired
	// (monitor_startup only).
	InitiatedNotified bool `json:"initiatedNotified,omitempty"`
}

// AutoStopCheckPayload requests one idle scan.
type AutoStopCheckPayload struct {
	DryRun bool `json:"dryRun"`
}

// MigrateSpotPayload migrates one spot-reclaimed instance.
type MigrateSpotPayload struct {
	InstanceID string `json:"instanceId,omitempty"`
	ProviderID string `json:"providerId"`
	Reason     string `json:"reason,omitempty"`
}

// SendWebhookPayload delivers one event to a caller-supplied URL.
type SendWebhookPayload struct {
	URL   string       `json:"url"`
	Event WebhookEvent `json:"event"`
}

// EnqueueOptions tune a single enqueue. Zero values take queue defaults.
type EnqueueOptions struct {
	Priority    int
	MaxAttempts int
	Delay       time.Duration
}

// Queue is the durable job queue port.
type Queue interface {
	Enqueue(ctx context.Context, t JobType, payload any, opts EnqueueOptions) (string, error)
	// Dequeue atomically pops the highest-priority eligible job and marks it
	// processing. Returns nil when no job is eligible.
	Dequeue(ctx context.Context) (*Job, error)
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID, errMsg string) error
	// Retry returns the job to pending with backoff, or fails it when
	// attempts are exhausted.
	Retry(ctx context.Context, jobID, errMsg string, backoff time.Duration) error
	Depth(ctx context.Context) (int64, error)
}
