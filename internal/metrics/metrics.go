package metrics

import (
	"context"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the screener.
type Metrics struct {
	CandlesTotal    *prometheus.CounterVec // labels: result=appended|replaced|stale
	UnknownSymbols  prometheus.Counter
	StaleEvents     prometheus.Counter
	Propagations    *prometheus.CounterVec // labels: mode=immediate|deferred
	AnomaliesTotal  prometheus.Counter
	AlertsTotal     *prometheus.CounterVec // labels: type
	AlertSendErrors prometheus.Counter
	HistoryDur      prometheus.Histogram
	HistoryErrors   prometheus.Counter
	TickerBatches   prometheus.Counter
	TickerBatchSize prometheus.Gauge
	Epoch           prometheus.Gauge
	SubscribedPairs prometheus.Gauge
	WSReconnects    *prometheus.CounterVec // labels: stream
	WSParseErrors   *prometheus.CounterVec // labels: stream
	SettingsWrites  *prometheus.CounterVec // labels: key, status=ok|error

	// Change stream
	FanoutDropsTotal     *prometheus.CounterVec // labels: subscriber
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name

	// Redis settings backend
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
}

// NewMetrics creates every metric and registers it with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CandlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screener_candles_total",
			Help: "Streamed candle updates by merge result",
		}, []string{"result"}),
		UnknownSymbols: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_unknown_symbol_total",
			Help: "Stream updates for symbols outside the loaded universe",
		}),
		StaleEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_stale_events_total",
			Help: "Callbacks dropped because their subscription epoch or throttle generation had ended",
		}),
		Propagations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screener_throttle_propagations_total",
			Help: "Series propagated to the throttled view",
		}, []string{"mode"}),
		AnomaliesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_volume_anomalies_total",
			Help: "Volume anomalies detected",
		}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screener_alerts_total",
			Help: "Alerts recorded by type",
		}, []string{"type"}),
		AlertSendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_alert_send_errors_total",
			Help: "Alert deliveries that failed",
		}),
		HistoryDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "screener_history_fetch_duration_seconds",
			Help:    "Per-symbol history fetch latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		HistoryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_history_fetch_errors_total",
			Help: "Failed per-symbol history fetches",
		}),
		TickerBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_ticker_batches_total",
			Help: "Ticker batches received",
		}),
		TickerBatchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "screener_ticker_batch_size",
			Help: "Entries in the last ticker batch",
		}),
		Epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "screener_subscription_epoch",
			Help: "Current candle subscription epoch",
		}),
		SubscribedPairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "screener_subscribed_pairs",
			Help: "Pairs in the active candle subscription",
		}),
		WSReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screener_ws_reconnects_total",
			Help: "Stream reconnection attempts",
		}, []string{"stream"}),
		WSParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screener_ws_parse_errors_total",
			Help: "Undecodable stream messages",
		}, []string{"stream"}),
		SettingsWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screener_settings_writes_total",
			Help: "Settings writes by key and outcome",
		}, []string{"key", "status"}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screener_fanout_drops_total",
			Help: "Change notifications dropped per stream subscriber",
		}, []string{"subscriber"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "screener_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "screener_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_redis_buffered_writes_total",
			Help: "Settings writes buffered while the Redis circuit was open",
		}),
	}

	reg.MustRegister(
		m.CandlesTotal,
		m.UnknownSymbols,
		m.StaleEvents,
		m.Propagations,
		m.AnomaliesTotal,
		m.AlertsTotal,
		m.AlertSendErrors,
		m.HistoryDur,
		m.HistoryErrors,
		m.TickerBatches,
		m.TickerBatchSize,
		m.Epoch,
		m.SubscribedPairs,
		m.WSReconnects,
		m.WSParseErrors,
		m.SettingsWrites,
		m.FanoutDropsTotal,
		m.ChannelSaturationPct,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
	)

	return m
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server over gatherer.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	_ = s.srv.Shutdown(ctx)
}
