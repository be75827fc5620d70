package domain

import (
	"context"
	"time"
)

// InstanceCache is the typed view over the instances cache. It is the
// authoritative store between reconciliations.
type InstanceCache interface {
	Get(ctx context.Context, id string) (Instance, bool, error)
	// FindByName scans for the non-terminated instance carrying the name.
	FindByName(ctx context.Context, name string) (Instance, bool, error)
	Set(ctx context.Context, inst Instance) error
	// SetWithTTL writes a record that expires on its own (terminated-orphan
	// retention).
	SetWithTTL(ctx context.Context, inst Instance, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Instance, error)
	// BulkSync applies reconciliation output in chunked batches.
	BulkSync(ctx context.Context, upserts []Instance, deletions []string) error
}
