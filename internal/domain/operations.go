package domain

import (
	"context"
	"time"
)

// OperationKind enumerates tracked client intents.
type OperationKind string

const (
	OpStart   OperationKind = "start"
	OpStop    OperationKind = "stop"
	OpDelete  OperationKind = "delete"
	OpMigrate OperationKind = "migrate"
)

// OperationState enumerates phases of a tracked operation.
type OperationState string

const (
	OpInitiated      OperationState = "initiated"
	OpMonitoring     OperationState = "monitoring"
	OpHealthChecking OperationState = "health_checking"
	OpCompleted      OperationState = "completed"
	OpFailed         OperationState = "failed"
)

// IsTerminal reports whether the operation has finished.
func (s OperationState) IsTerminal() bool {
	return s == OpCompleted || s == OpFailed
}

// Operation is the ledger record deduplicating client intents.
// Invariant: per instance and kind, at most one non-terminal operation.
type Operation struct {
	ID         string         `json:"operationId"`
	InstanceID string         `json:"instanceId"`
	Kind       OperationKind  `json:"kind"`
	State      OperationState `json:"state"`

	InitiatedAt      time.Time  `json:"initiatedAt"`
	MonitoringAt     *time.Time `json:"monitoringAt,omitempty"`
	HealthCheckingAt *time.Time `json:"healthCheckingAt,omitempty"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`

	Error string `json:"error,omitempty"`
}

// OperationLedger is the per-instance intent dedup port.
type OperationLedger interface {
	// Begin returns the existing non-terminal operation for (instance, kind)
	// when one exists (created=false), else atomically records a fresh one.
	Begin(ctx context.Context, instanceID string, kind OperationKind) (Operation, bool, error)
	Get(ctx context.Context, instanceID string, kind OperationKind) (Operation, error)
	Advance(ctx context.Context, instanceID string, kind OperationKind, state OperationState) error
	Finish(ctx context.Context, instanceID string, kind OperationKind, state OperationState, errMsg string) error
}
