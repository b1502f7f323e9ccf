package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ChannelConfig is a tenant's voice-channel settings, fetched read-only per
// session. Instances handed to sessions are copies; the cache is never
// mutated in place.
type ChannelConfig struct {
	TenantID              string   `json:"tenant_id"`
	BackendModel          string   `json:"backend_model"`
	SystemInstructions    string   `json:"system_instructions"`
	Voice                 string   `json:"voice,omitempty"`
	EnabledToolCategories []string `json:"enabled_tool_categories"`
}

// ToolCategoryEnabled reports whether the tenant enabled a tool category.
// An empty list means everything is enabled.
func (c *ChannelConfig) ToolCategoryEnabled(category string) bool {
	if len(c.EnabledToolCategories) == 0 {
		return true
	}
	for _, e := range c.EnabledToolCategories {
		if e == category {
			return true
		}
	}
	return false
}

// Store fetches tenant channel configuration from the Tenant Configuration
// Store. Implementations must be safe for concurrent use.
type Store interface {
	FetchChannelConfig(ctx context.Context, tenantID string) (*ChannelConfig, error)
}

// HTTPStore talks to the tenant configuration service.
type HTTPStore struct {
	baseURL string
	client  *http.Client
}

// NewHTTPStore creates a store against the given base URL.
func NewHTTPStore(baseURL string) *HTTPStore {
	return &HTTPStore{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchChannelConfig retrieves one tenant's voice-channel configuration.
func (s *HTTPStore) FetchChannelConfig(ctx context.Context, tenantID string) (*ChannelConfig, error) {
	endpoint := fmt.Sprintf("%s/tenants/%s/channel-config", s.baseURL, url.PathEscape(tenantID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build tenant config request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch tenant config for %s: %w", tenantID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("tenant config fetch for %s returned %d: %s", tenantID, resp.StatusCode, body)
	}

	var cfg ChannelConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode tenant config for %s: %w", tenantID, err)
	}
	if cfg.TenantID == "" {
		cfg.TenantID = tenantID
	}

	return &cfg, nil
}

// Ping probes the tenant store for readiness checks.
func (s *HTTPStore) Ping(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return false, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}
