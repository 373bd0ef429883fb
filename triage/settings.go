package triage

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nutthakorn7/zcrai-sub000/core"
	"github.com/nutthakorn7/zcrai-sub000/metrics"
)

const settingsCacheName = "tenant_settings"

// SettingsStore loads per-tenant autopilot settings
type SettingsStore interface {
	GetTenantSettings(ctx context.Context, tenantID string) (core.TenantSettings, error)
}

// SettingsCache is a read-through, time-bounded cache of tenant settings
type SettingsCache struct {
	store SettingsStore
	cache *expirable.LRU[string, core.TenantSettings]
}

// NewSettingsCache creates a cache holding up to size tenants for ttl
func NewSettingsCache(store SettingsStore, size int, ttl time.Duration) *SettingsCache {
	if size < 1 {
		size = 1000
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &SettingsCache{
		store: store,
		cache: expirable.NewLRU[string, core.TenantSettings](size, nil, ttl),
	}
}

// Get returns the tenant's settings, loading them on a miss
func (c *SettingsCache) Get(ctx context.Context, tenantID string) (core.TenantSettings, error) {
	if s, ok := c.cache.Get(tenantID); ok {
		metrics.CacheHits.WithLabelValues(settingsCacheName).Inc()
		return s, nil
	}
	metrics.CacheMisses.WithLabelValues(settingsCacheName).Inc()

	s, err := c.store.GetTenantSettings(ctx, tenantID)
	if err != nil {
		return core.TenantSettings{}, err
	}
	c.cache.Add(tenantID, s)
	return s, nil
}

// Invalidate drops a tenant so the next Get reloads it
func (c *SettingsCache) Invalidate(tenantID string) {
	c.cache.Remove(tenantID)
}
