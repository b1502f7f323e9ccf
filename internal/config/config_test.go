package config

import (
	"os"
	"testing"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("UPSTREAM_API_KEY", "test-upstream-key")
	t.Setenv("TENANT_STORE_URL", "http://localhost:9000")
	t.Setenv("TOOL_BACKEND_URL", "http://localhost:9100")
}

func TestLoad(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.UpstreamAPIKey != "test-upstream-key" {
		t.Errorf("Expected UpstreamAPIKey 'test-upstream-key', got '%s'", cfg.UpstreamAPIKey)
	}
	if cfg.TenantStoreURL != "http://localhost:9000" {
		t.Errorf("Expected TenantStoreURL 'http://localhost:9000', got '%s'", cfg.TenantStoreURL)
	}
	if cfg.ToolBackendURL != "http://localhost:9100" {
		t.Errorf("Expected ToolBackendURL 'http://localhost:9100', got '%s'", cfg.ToolBackendURL)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	os.Unsetenv("UPSTREAM_API_KEY")
	os.Unsetenv("TENANT_STORE_URL")
	os.Unsetenv("TOOL_BACKEND_URL")

	_, err := LoadFromEnv()
	if err == nil {
		t.Error("Expected error when required keys are missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}
	if cfg.UpstreamModel != "gpt-4o-realtime-preview" {
		t.Errorf("Expected default UpstreamModel 'gpt-4o-realtime-preview', got '%s'", cfg.UpstreamModel)
	}
	if cfg.DefaultTenantID != "platform-default" {
		t.Errorf("Expected default DefaultTenantID 'platform-default', got '%s'", cfg.DefaultTenantID)
	}
	if cfg.TenantCacheTTL != 60 {
		t.Errorf("Expected default TenantCacheTTL 60, got %d", cfg.TenantCacheTTL)
	}
	if cfg.SupervisionMode != "direct" {
		t.Errorf("Expected default SupervisionMode 'direct', got '%s'", cfg.SupervisionMode)
	}
	if cfg.AudioQueueCapacity != 200 {
		t.Errorf("Expected default AudioQueueCapacity 200, got %d", cfg.AudioQueueCapacity)
	}
	if cfg.KeepAliveInterval != 15 {
		t.Errorf("Expected default KeepAliveInterval 15, got %d", cfg.KeepAliveInterval)
	}
	if cfg.ToolSoftTimeout != 10 {
		t.Errorf("Expected default ToolSoftTimeout 10, got %d", cfg.ToolSoftTimeout)
	}
	if cfg.ToolHardTimeout != 30 {
		t.Errorf("Expected default ToolHardTimeout 30, got %d", cfg.ToolHardTimeout)
	}
	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("Expected default RetryMaxAttempts 3, got %d", cfg.RetryMaxAttempts)
	}
}

func TestLoad_InvalidSupervisionMode(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SUPERVISION_MODE", "hybrid")

	_, err := LoadFromEnv()
	if err == nil {
		t.Error("Expected error for invalid supervision mode")
	}
}

func TestLoad_DelegatedRequiresSupervisorKey(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SUPERVISION_MODE", "delegated")
	t.Setenv("SUPERVISOR_API_KEY", "")

	_, err := LoadFromEnv()
	if err == nil {
		t.Error("Expected error when delegated mode has no supervisor key")
	}

	t.Setenv("SUPERVISOR_API_KEY", "test-supervisor-key")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	if cfg.SupervisionMode != "delegated" {
		t.Errorf("Expected SupervisionMode 'delegated', got '%s'", cfg.SupervisionMode)
	}
}

func TestLoad_TimeoutOrdering(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TOOL_SOFT_TIMEOUT", "30")
	t.Setenv("TOOL_HARD_TIMEOUT", "10")

	_, err := LoadFromEnv()
	if err == nil {
		t.Error("Expected error when soft timeout is not shorter than hard timeout")
	}
}

func TestDurationHelpers(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TENANT_CACHE_TTL", "120")
	t.Setenv("KEEPALIVE_INTERVAL", "5")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if got := cfg.TenantCacheTTLDuration().Seconds(); got != 120 {
		t.Errorf("Expected TTL 120s, got %vs", got)
	}
	if got := cfg.KeepAliveIntervalDuration().Seconds(); got != 5 {
		t.Errorf("Expected keep-alive 5s, got %vs", got)
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_KEY", "test-value")

	value := GetEnv("TEST_KEY", "default")
	if value != "test-value" {
		t.Errorf("Expected 'test-value', got '%s'", value)
	}

	value = GetEnv("NON_EXISTENT_KEY", "default")
	if value != "default" {
		t.Errorf("Expected 'default', got '%s'", value)
	}
}
