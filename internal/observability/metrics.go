package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_bridge_active_sessions",
		Help: "Number of active call sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_bridge_sessions_total",
		Help: "Total number of call sessions handled",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_bridge_session_duration_seconds",
		Help:    "Duration of call sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	sessionsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_sessions_failed_total",
		Help: "Sessions that ended in the FAILED state",
	}, []string{"reason"})

	// Upstream leg metrics
	upstreamConnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_upstream_connects_total",
		Help: "Upstream speech-AI connection attempts",
	}, []string{"status"})

	// Tool execution metrics
	toolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_tool_calls_total",
		Help: "Tool calls dispatched to the business tool backend",
	}, []string{"tool", "status"})

	toolLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_bridge_tool_latency_seconds",
		Help:    "Tool execution latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	}, []string{"tool"})

	// Config resolution metrics
	configResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_config_resolutions_total",
		Help: "Tenant configuration resolutions",
	}, []string{"source"}) // source: "cache", "fetch", "default"

	// Persistence metrics
	persistenceWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_persistence_writes_total",
		Help: "Conversation record writes",
	}, []string{"kind", "status"})

	// Audio relay metrics
	audioFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_audio_frames_total",
		Help: "Audio frames relayed per direction",
	}, []string{"direction"}) // direction: "in" or "out"

	audioFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_bridge_audio_frames_dropped_total",
		Help: "Audio frames dropped because the pending queue was full",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_bridge_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// Metrics tracks metrics for a single call session
type Metrics struct {
	callID        string
	startTime     time.Time
	toolStartTime map[string]time.Time
	mu            sync.Mutex
}

// NewCallMetrics creates a new metrics tracker for a call
func NewCallMetrics(callID string) *Metrics {
	return &Metrics{
		callID:        callID,
		startTime:     time.Now(),
		toolStartTime: make(map[string]time.Time),
	}
}

// RecordSessionStart records the start of a call session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a call session
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordSessionFailed records a session reaching the FAILED state
func (m *Metrics) RecordSessionFailed(reason string) {
	sessionsFailed.WithLabelValues(reason).Inc()
}

// RecordUpstreamConnect records an upstream connection attempt
func (m *Metrics) RecordUpstreamConnect(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	upstreamConnects.WithLabelValues(status).Inc()
}

// RecordToolStart records the start of a tool execution, keyed by the
// upstream-assigned invocation id so concurrent calls do not collide.
func (m *Metrics) RecordToolStart(invocationID string) {
	m.mu.Lock()
	m.toolStartTime[invocationID] = time.Now()
	m.mu.Unlock()
}

// RecordToolEnd records the end of a tool execution
func (m *Metrics) RecordToolEnd(invocationID, tool string, success bool) {
	m.mu.Lock()
	if start, ok := m.toolStartTime[invocationID]; ok {
		toolLatency.WithLabelValues(tool).Observe(time.Since(start).Seconds())
		delete(m.toolStartTime, invocationID)
	}
	m.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	toolCalls.WithLabelValues(tool, status).Inc()
}

// RecordAudioFrame records one relayed audio frame
func (m *Metrics) RecordAudioFrame(direction string) {
	audioFrames.WithLabelValues(direction).Inc()
}

// RecordAudioFrameDropped records a frame dropped from the pending queue
func (m *Metrics) RecordAudioFrameDropped() {
	audioFramesDropped.Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordConfigResolution records where a tenant config resolution was served from
func RecordConfigResolution(source string) {
	configResolutions.WithLabelValues(source).Inc()
}

// RecordPersistenceWrite records a conversation record write
func RecordPersistenceWrite(kind string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	persistenceWrites.WithLabelValues(kind, status).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
