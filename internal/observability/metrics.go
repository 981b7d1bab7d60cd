package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Call metrics
	activeCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_bridge_active_calls",
		Help: "Number of active phone calls",
	})

	totalCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_bridge_calls_total",
		Help: "Total number of calls processed",
	})

	callDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_bridge_call_duration_seconds",
		Help:    "Duration of phone calls in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Live AI session metrics
	liveConnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_live_connects_total",
		Help: "Total number of live AI session connect attempts",
	}, []string{"status"})

	liveConnectLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_bridge_live_connect_latency_seconds",
		Help:    "Live AI session connect latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	// Outbound call API metrics
	outboundCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_outbound_calls_total",
		Help: "Total number of outbound call API requests",
	}, []string{"status"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"

	droppedChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_dropped_chunks_total",
		Help: "Total audio chunks dropped",
	}, []string{"reason"}) // reason: "inactive", "invalid", "codec", "backpressure"

	// Token store metrics
	tokenStoreSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_bridge_instruction_tokens",
		Help: "Number of live instruction tokens in the store",
	})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_bridge_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})
)

// Metrics tracks metrics for a single call.
type Metrics struct {
	callID           string
	startTime        time.Time
	liveConnectStart time.Time
	mu               sync.Mutex
}

// NewCallMetrics creates a new metrics tracker for a call.
func NewCallMetrics(callID string) *Metrics {
	return &Metrics{
		callID:    callID,
		startTime: time.Now(),
	}
}

// RecordCallStart records the start of a call.
func (m *Metrics) RecordCallStart() {
	activeCalls.Inc()
	totalCalls.Inc()
}

// RecordCallEnd records the end of a call.
func (m *Metrics) RecordCallEnd() {
	activeCalls.Dec()
	callDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordLiveConnectStart marks the beginning of a live session connect.
func (m *Metrics) RecordLiveConnectStart() {
	m.mu.Lock()
	m.liveConnectStart = time.Now()
	m.mu.Unlock()
}

// RecordLiveConnectEnd records the result of a live session connect.
func (m *Metrics) RecordLiveConnectEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.liveConnectStart.IsZero() {
		liveConnectLatency.Observe(time.Since(m.liveConnectStart).Seconds())
	}

	status := "success"
	if !success {
		status = "error"
	}
	liveConnects.WithLabelValues(status).Inc()
}

// RecordError records an error by type and component.
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed in one direction.
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordDroppedChunk records one dropped audio chunk.
func (m *Metrics) RecordDroppedChunk(reason string) {
	droppedChunks.WithLabelValues(reason).Inc()
}

// RecordOutboundCall records an outbound call API result.
func RecordOutboundCall(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	outboundCalls.WithLabelValues(status).Inc()
}

// SetTokenStoreSize updates the instruction token gauge.
func SetTokenStoreSize(n int) {
	tokenStoreSize.Set(float64(n))
}

// UpdateCircuitBreakerState updates the circuit breaker state metric.
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}
