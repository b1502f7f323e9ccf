package tenant

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/bookline-ai/voice-bridge/internal/observability"
	"github.com/bookline-ai/voice-bridge/internal/resilience"
)

type cacheEntry struct {
	cfg       ChannelConfig
	expiresAt time.Time
}

// Resolver is a read-through TTL cache in front of the Tenant Configuration
// Store. Concurrent misses for the same tenant coalesce into one outbound
// fetch; a session that supplies no tenant id falls back to the platform
// default tenant.
type Resolver struct {
	store           Store
	ttl             time.Duration
	defaultTenantID string
	retry           *resilience.RetryConfig
	breaker         *resilience.CircuitBreaker
	logger          zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
	sf    singleflight.Group

	now func() time.Time // test hook
}

// NewResolver creates a resolver over the given store. Fetches run behind the
// circuit breaker; a store outage fails fast instead of stalling every
// incoming call on retries.
func NewResolver(store Store, ttl time.Duration, defaultTenantID string, retry *resilience.RetryConfig, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:           store,
		ttl:             ttl,
		defaultTenantID: defaultTenantID,
		retry:           retry,
		breaker:         breaker,
		logger:          logger,
		cache:           make(map[string]cacheEntry),
		now:             time.Now,
	}
}

// Resolve returns the tenant's channel config, from cache when fresh. The
// returned config is the caller's copy. An empty tenantID resolves the
// platform default tenant and logs a degraded-mode warning; whether that
// fallback is the desired production behaviour is an open policy question,
// so the warning makes each occurrence auditable.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (*ChannelConfig, error) {
	if tenantID == "" {
		r.logger.Warn().
			Str("default_tenant_id", r.defaultTenantID).
			Msg("Telephony start event carried no tenant id, resolving default tenant (degraded mode)")
		observability.RecordConfigResolution("default")
		tenantID = r.defaultTenantID
	}

	if cfg, ok := r.lookup(tenantID); ok {
		observability.RecordConfigResolution("cache")
		return cfg, nil
	}

	// singleflight collapses a fetch storm for one tenant into one call
	v, err, _ := r.sf.Do(tenantID, func() (interface{}, error) {
		// Another caller may have populated the cache while we queued.
		if cfg, ok := r.lookup(tenantID); ok {
			return cfg, nil
		}

		var fetched *ChannelConfig
		err := resilience.Retry(ctx, func() error {
			callErr := r.breaker.Call(func() error {
				var ferr error
				fetched, ferr = r.store.FetchChannelConfig(ctx, tenantID)
				return ferr
			})
			observability.UpdateCircuitBreakerState(r.breaker.Name(), int(r.breaker.GetState()))
			if callErr != nil {
				observability.IncrementCircuitBreakerFailures(r.breaker.Name())
			}
			return callErr
		}, r.retry, resilience.IsRetryableNetworkError)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.cache[tenantID] = cacheEntry{cfg: *fetched, expiresAt: r.now().Add(r.ttl)}
		r.mu.Unlock()

		observability.RecordConfigResolution("fetch")
		out := *fetched
		return &out, nil
	})
	if err != nil {
		return nil, err
	}

	cfg := *(v.(*ChannelConfig))
	return &cfg, nil
}

// lookup returns a copy of a fresh cache entry.
func (r *Resolver) lookup(tenantID string) (*ChannelConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.cache[tenantID]
	if !ok || r.now().After(entry.expiresAt) {
		return nil, false
	}
	cfg := entry.cfg
	return &cfg, true
}

// Invalidate drops one tenant from the cache; used by operational tooling.
func (r *Resolver) Invalidate(tenantID string) {
	r.mu.Lock()
	delete(r.cache, tenantID)
	r.mu.Unlock()
}
