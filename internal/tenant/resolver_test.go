package tenant

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bookline-ai/voice-bridge/internal/resilience"
)

type countingStore struct {
	mu      sync.Mutex
	fetches map[string]int
	delay   time.Duration
	err     error
}

func newCountingStore() *countingStore {
	return &countingStore{fetches: make(map[string]int)}
}

func (s *countingStore) FetchChannelConfig(ctx context.Context, tenantID string) (*ChannelConfig, error) {
	s.mu.Lock()
	s.fetches[tenantID]++
	s.mu.Unlock()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, s.err
	}
	return &ChannelConfig{
		TenantID:           tenantID,
		BackendModel:       "model-for-" + tenantID,
		SystemInstructions: "instructions-for-" + tenantID,
	}, nil
}

func (s *countingStore) count(tenantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[tenantID]
}

func newTestResolver(store Store, ttl time.Duration) *Resolver {
	retry := &resilience.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}
	breaker := resilience.NewCircuitBreaker("tenant-store", 5, time.Minute)
	return NewResolver(store, ttl, "platform-default", retry, breaker, zerolog.Nop())
}

func TestResolve_CachesWithinTTL(t *testing.T) {
	store := newCountingStore()
	r := newTestResolver(store, time.Minute)

	for i := 0; i < 3; i++ {
		cfg, err := r.Resolve(context.Background(), "T1")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if cfg.BackendModel != "model-for-T1" {
			t.Errorf("Expected model 'model-for-T1', got '%s'", cfg.BackendModel)
		}
	}

	if got := store.count("T1"); got != 1 {
		t.Errorf("Expected 1 fetch within TTL, got %d", got)
	}
}

func TestResolve_RefetchesAfterTTL(t *testing.T) {
	store := newCountingStore()
	r := newTestResolver(store, time.Minute)

	current := time.Now()
	r.now = func() time.Time { return current }

	if _, err := r.Resolve(context.Background(), "T1"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	current = current.Add(2 * time.Minute)
	if _, err := r.Resolve(context.Background(), "T1"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if got := store.count("T1"); got != 2 {
		t.Errorf("Expected 2 fetches across TTL expiry, got %d", got)
	}
}

func TestResolve_CoalescesConcurrentMisses(t *testing.T) {
	store := newCountingStore()
	store.delay = 50 * time.Millisecond
	r := newTestResolver(store, time.Minute)

	var wg sync.WaitGroup
	var failures int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Resolve(context.Background(), "T1"); err != nil {
				atomic.AddInt32(&failures, 1)
			}
		}()
	}
	wg.Wait()

	if failures != 0 {
		t.Fatalf("Expected no failures, got %d", failures)
	}
	if got := store.count("T1"); got != 1 {
		t.Errorf("Expected concurrent misses to coalesce into 1 fetch, got %d", got)
	}
}

func TestResolve_EmptyTenantFallsBackToDefault(t *testing.T) {
	store := newCountingStore()
	r := newTestResolver(store, time.Minute)

	cfg, err := r.Resolve(context.Background(), "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if cfg.TenantID != "platform-default" {
		t.Errorf("Expected default tenant, got '%s'", cfg.TenantID)
	}
	if got := store.count("platform-default"); got != 1 {
		t.Errorf("Expected default tenant fetch, got %d", got)
	}
}

func TestResolve_FetchErrorPropagates(t *testing.T) {
	store := newCountingStore()
	store.err = errors.New("store down")
	r := newTestResolver(store, time.Minute)

	if _, err := r.Resolve(context.Background(), "T1"); err == nil {
		t.Error("Expected fetch error to propagate")
	}
}

func TestResolve_BreakerOpensOnStoreOutage(t *testing.T) {
	store := newCountingStore()
	store.err = errors.New("store down")
	retry := &resilience.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}
	breaker := resilience.NewCircuitBreaker("tenant-store", 2, time.Minute)
	r := NewResolver(store, time.Minute, "platform-default", retry, breaker, zerolog.Nop())

	r.Resolve(context.Background(), "T1")
	r.Resolve(context.Background(), "T2")

	_, err := r.Resolve(context.Background(), "T3")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("Expected open circuit after repeated store failures, got %v", err)
	}
	if got := store.count("T3"); got != 0 {
		t.Errorf("Open circuit must not reach the store, got %d fetches", got)
	}
}

func TestResolve_ReturnsCopies(t *testing.T) {
	store := newCountingStore()
	r := newTestResolver(store, time.Minute)

	first, err := r.Resolve(context.Background(), "T1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	first.SystemInstructions = "mutated by consumer"

	second, err := r.Resolve(context.Background(), "T1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if second.SystemInstructions != "instructions-for-T1" {
		t.Errorf("Cache was mutated by a consumer: got '%s'", second.SystemInstructions)
	}
}

func TestToolCategoryEnabled(t *testing.T) {
	all := &ChannelConfig{}
	if !all.ToolCategoryEnabled("booking") {
		t.Error("Empty category list should enable everything")
	}

	scoped := &ChannelConfig{EnabledToolCategories: []string{"booking"}}
	if !scoped.ToolCategoryEnabled("booking") {
		t.Error("Expected 'booking' to be enabled")
	}
	if scoped.ToolCategoryEnabled("billing") {
		t.Error("Expected 'billing' to be disabled")
	}
}
