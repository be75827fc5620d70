package cache

import (
	"context"

	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/domain"
)

// Manager owns the named caches of the orchestrator. Product and template
// caches memoize provider catalog lookups; the instances cache is the
// authoritative record set.
type Manager struct {
	store rediskv.Store

	Instances *Instances
	Products  *Cache[domain.Product]
	Templates *Cache[domain.Template]
}

// ManagerOptions size the named caches.
type ManagerOptions struct {
	InstanceOpts Options
	CatalogOpts  Options
}

// NewManager builds all named caches over the store.
func NewManager(store rediskv.Store, opts ManagerOptions) *Manager {
	return &Manager{
		store:     store,
		Instances: NewInstances(store, opts.InstanceOpts),
		Products:  New[domain.Product](store, "products", opts.CatalogOpts),
		Templates: New[domain.Template](store, "templates", opts.CatalogOpts),
	}
}

// Stats aggregates per-cache counters for the admin surface.
func (m *Manager) Stats(ctx context.Context) map[string]interface{} {
	return map[string]interface{}{
		"instances": m.Instances.cache.Stats(ctx),
		"products":  m.Products.Stats(ctx),
		"templates": m.Templates.Stats(ctx),
	}
}

// Clear empties the named cache; name "" clears all of them.
func (m *Manager) Clear(ctx context.Context, name string) error {
	switch name {
	case "instances":
		return m.Instances.cache.Clear(ctx)
	case "products":
		return m.Products.Clear(ctx)
	case "templates":
		return m.Templates.Clear(ctx)
	case "":
		if err := m.Instances.cache.Clear(ctx); err != nil {
			return err
		}
		if err := m.Products.Clear(ctx); err != nil {
			return err
		}
		return m.Templates.Clear(ctx)
	default:
		return domain.ErrNotFound
	}
}

// Close stops background maintenance on every cache.
func (m *Manager) Close() {
	m.Instances.cache.Close()
	m.Products.Close()
	m.Templates.Close()
}
