package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/domain"
)

// Instances implements domain.InstanceCache over the generic cache.
type Instances struct {
	cache *Cache[domain.Instance]
}

// NewInstances builds the instances cache.
func NewInstances(store rediskv.Store, opts Options) *Instances {
	return &Instances{cache: New[domain.Instance](store, "instances", opts)}
}

func (s *Instances) Get(ctx context.Context, id string) (domain.Instance, bool, error) {
	return s.cache.Get(ctx, id)
}

// FindByName scans for the non-terminated instance carrying the name. The
// name-uniqueness invariant means at most one record can match.
func (s *Instances) FindByName(ctx context.Context, name string) (domain.Instance, bool, error) {
	all, err := s.cache.All(ctx)
	if err != nil {
		return domain.Instance{}, false, fmt.Errorf("op=instances.FindByName: %w", err)
	}
	for _, inst := range all {
		if inst.Name == name && !inst.Status.IsTerminal() {
			return inst, true, nil
		}
	}
	return domain.Instance{}, false, nil
}

func (s *Instances) Set(ctx context.Context, inst domain.Instance) error {
	return s.cache.Set(ctx, inst.ID, inst, 0)
}

func (s *Instances) SetWithTTL(ctx context.Context, inst domain.Instance, ttl time.Duration) error {
	return s.cache.Set(ctx, inst.ID, inst, ttl)
}

func (s *Instances) Delete(ctx context.Context, id string) error {
	return s.cache.Delete(ctx, id)
}

func (s *Instances) List(ctx context.Context) ([]domain.Instance, error) {
	all, err := s.cache.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=instances.List: %w", err)
	}
	out := make([]domain.Instance, 0, len(all))
	for _, inst := range all {
		out = append(out, inst)
	}
	return out, nil
}

func (s *Instances) BulkSync(ctx context.Context, upserts []domain.Instance, deletions []string) error {
	updates := make(map[string]domain.Instance, len(upserts))
	for _, inst := range upserts {
		updates[inst.ID] = inst
	}
	if err := s.cache.BulkSync(ctx, updates, deletions, 0); err != nil {
		return fmt.Errorf("op=instances.BulkSync: %w", err)
	}
	return nil
}

// Stats exposes the underlying counters for health output.
func (s *Instances) Stats(ctx context.Context) map[string]interface{} {
	return s.cache.Stats(ctx)
}

// Close stops the background maintenance loop.
func (s *Instances) Close() { s.cache.Close() }
