package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/bookline-ai/voice-bridge/internal/observability"
	"github.com/bookline-ai/voice-bridge/internal/resilience"
)

// Backend executes a tool against the business backend and returns the raw
// JSON result. Mutability comes from the tool's definition so the transport
// layer never guesses which tools are safe to retry.
type Backend interface {
	Execute(ctx context.Context, tenantID, tool string, arguments json.RawMessage, mutating bool) (json.RawMessage, error)
}

type executeRequest struct {
	TenantID  string          `json:"tenant_id"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

type executeResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *BackendError   `json:"error,omitempty"`
}

// HTTPBackend calls the tool backend over HTTP. Each call goes through a
// circuit breaker; transient network failures on non-mutating tools are
// retried.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryConfig
	logger  zerolog.Logger
}

func NewHTTPBackend(baseURL string, breaker *resilience.CircuitBreaker, retry *resilience.RetryConfig, logger zerolog.Logger) *HTTPBackend {
	return &HTTPBackend{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		breaker: breaker,
		retry:   retry,
		logger:  logger.With().Str("component", "tool_backend").Logger(),
	}
}

func (b *HTTPBackend) Execute(ctx context.Context, tenantID, tool string, arguments json.RawMessage, mutating bool) (json.RawMessage, error) {
	if len(arguments) == 0 {
		arguments = json.RawMessage("{}")
	}
	body, err := json.Marshal(executeRequest{TenantID: tenantID, Tool: tool, Arguments: arguments})
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool request: %w", err)
	}

	var result json.RawMessage
	call := func() error {
		callErr := b.breaker.Call(func() error {
			var reqErr error
			result, reqErr = b.doRequest(ctx, body)
			return reqErr
		})
		observability.UpdateCircuitBreakerState(b.breaker.Name(), int(b.breaker.GetState()))
		if callErr != nil {
			observability.IncrementCircuitBreakerFailures(b.breaker.Name())
		}
		return callErr
	}

	// Mutating tools are never retried at this layer; the executor enforces
	// at-most-once semantics and a retry could double-book.
	if b.retry != nil && !mutating {
		err = resilience.Retry(ctx, call, b.retry, func(e error) bool {
			return resilience.IsRetryableNetworkError(e)
		})
	} else {
		err = call()
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *HTTPBackend) doRequest(ctx context.Context, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/tools/execute", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read tool response: %w", err)
	}

	var parsed executeResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("tool backend returned status %d with unparseable body: %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return nil, parsed.Error
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &BackendError{Code: fmt.Sprintf("http_%d", resp.StatusCode), Message: "tool backend request failed"}
	}
	if len(parsed.Result) == 0 {
		parsed.Result = json.RawMessage("{}")
	}
	return parsed.Result, nil
}
