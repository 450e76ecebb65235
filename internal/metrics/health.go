package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Pinger is a dependency the liveness checker can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StreamStatus reports the market data connection state.
type StreamStatus interface {
	Connections() int64
	LastMessage() time.Time
}

// HealthStatus represents the process health.
type HealthStatus struct {
	mu sync.RWMutex

	StreamConnections int64     `json:"stream_connections"`
	LastMessageTime   time.Time `json:"last_message_time"`
	Instruments       int       `json:"instruments"`
	Interval          string    `json:"interval"`
	SettingsBackend   string    `json:"settings_backend"`
	SettingsOK        bool      `json:"settings_ok"`
	SettingsLatencyMs float64   `json:"settings_latency_ms"`
	LastCheckAt       time.Time `json:"last_check_at"`
	StartedAt         time.Time `json:"started_at"`
}

// NewHealthStatus returns a health status for the named settings backend.
// The memory backend is always healthy.
func NewHealthStatus(backend string) *HealthStatus {
	return &HealthStatus{
		SettingsBackend: backend,
		SettingsOK:      backend == "memory",
		StartedAt:       time.Now(),
	}
}

func (h *HealthStatus) SetUniverse(instruments int, interval string) {
	h.mu.Lock()
	h.Instruments = instruments
	h.Interval = interval
	h.mu.Unlock()
}

// Check probes every dependency once.
func (h *HealthStatus) Check(ctx context.Context, settings Pinger, stream StreamStatus) {
	var (
		ok      = true
		latency time.Duration
	)
	if settings != nil {
		start := time.Now()
		ok = settings.Ping(ctx) == nil
		latency = time.Since(start)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.SettingsOK = ok
	h.SettingsLatencyMs = float64(latency.Microseconds()) / 1000.0
	if stream != nil {
		h.StreamConnections = stream.Connections()
		h.LastMessageTime = stream.LastMessage()
	}
	h.LastCheckAt = time.Now()
}

// StartLivenessChecker runs Check every interval until ctx is done.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, settings Pinger, stream StreamStatus, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				h.Check(probeCtx, settings, stream)
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	streaming := h.StreamConnections > 0
	if !streaming || !h.SettingsOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !streaming && !h.SettingsOK {
		overallStatus = "unhealthy"
	}

	messageAge := ""
	if !h.LastMessageTime.IsZero() {
		messageAge = time.Since(h.LastMessageTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status            string  `json:"status"`
		Uptime            string  `json:"uptime"`
		StreamConnections int64   `json:"stream_connections"`
		LastMessageTime   string  `json:"last_message_time"`
		MessageAge        string  `json:"message_age"`
		Instruments       int     `json:"instruments"`
		Interval          string  `json:"interval"`
		SettingsBackend   string  `json:"settings_backend"`
		SettingsOK        bool    `json:"settings_ok"`
		SettingsLatencyMs float64 `json:"settings_latency_ms"`
		LastCheckAt       string  `json:"last_check_at"`
	}{
		Status:            overallStatus,
		Uptime:            time.Since(h.StartedAt).Round(time.Second).String(),
		StreamConnections: h.StreamConnections,
		LastMessageTime:   h.LastMessageTime.Format(time.RFC3339),
		MessageAge:        messageAge,
		Instruments:       h.Instruments,
		Interval:          h.Interval,
		SettingsBackend:   h.SettingsBackend,
		SettingsOK:        h.SettingsOK,
		SettingsLatencyMs: h.SettingsLatencyMs,
		LastCheckAt:       h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	_ = json.NewEncoder(w).Encode(status)
}
