// Package settings persists the user-facing configuration through a
// key/value backend: one namespaced key per field, JSON-encoded values.
//
// There is no schema version. Loading ignores keys it does not know, and any
// field whose key is missing or fails to decode/validate takes its default.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"market-screener/internal/marketdata/anomaly"
	"market-screener/internal/marketdata/ranking"
	"market-screener/internal/model"
)

// Keys, relative to the namespace.
const (
	KeyInterval      = "interval"
	KeyCandleLength  = "candleLength"
	KeyThrottleDelay = "throttleDelayMs"
	KeyGridColumns   = "gridColumns"
	KeyChartType     = "chartType"
	KeyChartHeight   = "chartHeight"
	KeyPriceAlerts   = "priceAlerts"
	KeyAlertLog      = "alertLog"
	KeySortCriterion = "sortCriterion"
	KeySortDirection = "sortDirection"
	KeyLastSeenAlert = "lastSeenAlert"
	KeyAnomalyRatio  = "anomalyRatio"
	KeyAnomalyWindow = "anomalyWindow"
)

// Config is the persisted user configuration. Display fields (grid columns,
// chart type/height) are passed through to consumers untouched.
type Config struct {
	Interval      model.Interval              `json:"interval"`
	CandleLength  int                         `json:"candle_length"`
	ThrottleDelay time.Duration               `json:"throttle_delay"`
	GridColumns   int                         `json:"grid_columns"`
	ChartType     string                      `json:"chart_type"`
	ChartHeight   int                         `json:"chart_height"`
	PriceAlerts   map[string]model.PriceAlert `json:"price_alerts"`
	AlertLog      []model.Alert               `json:"alert_log"`
	SortCriterion ranking.Criterion           `json:"sort_criterion"`
	SortDirection ranking.Direction           `json:"sort_direction"`
	LastSeenAlert time.Time                   `json:"last_seen_alert"`
	AnomalyRatio  float64                     `json:"anomaly_ratio"`
	AnomalyWindow int                         `json:"anomaly_window"`
}

// Defaults returns the configuration used for any missing key.
func Defaults() Config {
	return Config{
		Interval:      model.Interval1m,
		CandleLength:  200,
		ThrottleDelay: time.Second,
		GridColumns:   4,
		ChartType:     "candles",
		ChartHeight:   240,
		PriceAlerts:   map[string]model.PriceAlert{},
		SortCriterion: ranking.Volume,
		SortDirection: ranking.Desc,
		AnomalyRatio:  anomaly.DefaultRatio,
		AnomalyWindow: anomaly.DefaultWindow,
	}
}

// Store reads and writes Config fields through a model.KV.
type Store struct {
	kv        model.KV
	namespace string

	// OnWrite is called after every Save attempt (optional, for metrics).
	OnWrite func(key string, err error)
}

// New wraps kv. Keys are written as "{namespace}:{key}".
func New(kv model.KV, namespace string) *Store {
	if namespace == "" {
		namespace = "screener"
	}
	return &Store{kv: kv, namespace: namespace}
}

func (s *Store) key(k string) string {
	return s.namespace + ":" + k
}

// Save JSON-encodes v under key. Synchronous.
func (s *Store) Save(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err == nil {
		err = s.kv.Set(ctx, s.key(key), data)
	}
	if err != nil {
		err = fmt.Errorf("settings: save %s: %w", key, err)
	}
	if s.OnWrite != nil {
		s.OnWrite(key, err)
	}
	return err
}

// Load reads every known key, default-filling what is missing or invalid.
// It never fails: backend errors are logged and the default is used.
func (s *Store) Load(ctx context.Context) Config {
	cfg := Defaults()

	var interval string
	if s.read(ctx, KeyInterval, &interval) {
		if iv, err := model.ParseInterval(interval); err == nil {
			cfg.Interval = iv
		} else {
			slog.Warn("settings: invalid interval, using default", "value", interval, "default", cfg.Interval)
		}
	}

	var n int
	if s.read(ctx, KeyCandleLength, &n) && n > 0 {
		cfg.CandleLength = n
	}
	var ms int64
	if s.read(ctx, KeyThrottleDelay, &ms) && ms >= 0 {
		cfg.ThrottleDelay = time.Duration(ms) * time.Millisecond
	}
	if s.read(ctx, KeyGridColumns, &n) && n > 0 {
		cfg.GridColumns = n
	}
	var str string
	if s.read(ctx, KeyChartType, &str) && str != "" {
		cfg.ChartType = str
	}
	if s.read(ctx, KeyChartHeight, &n) && n > 0 {
		cfg.ChartHeight = n
	}

	var alerts map[string]model.PriceAlert
	if s.read(ctx, KeyPriceAlerts, &alerts) && alerts != nil {
		cfg.PriceAlerts = alerts
	}
	var entries []model.Alert
	if s.read(ctx, KeyAlertLog, &entries) {
		cfg.AlertLog = entries
	}

	if s.read(ctx, KeySortCriterion, &str) {
		if c, err := ranking.ParseCriterion(str); err == nil {
			cfg.SortCriterion = c
		} else {
			slog.Warn("settings: invalid sort criterion, using default", "value", str)
		}
	}
	if s.read(ctx, KeySortDirection, &str) {
		if d, err := ranking.ParseDirection(str); err == nil {
			cfg.SortDirection = d
		} else {
			slog.Warn("settings: invalid sort direction, using default", "value", str)
		}
	}

	var seen time.Time
	if s.read(ctx, KeyLastSeenAlert, &seen) {
		cfg.LastSeenAlert = seen
	}
	var ratio float64
	if s.read(ctx, KeyAnomalyRatio, &ratio) {
		cfg.AnomalyRatio = ratio
	}
	if s.read(ctx, KeyAnomalyWindow, &n) && n > 0 {
		cfg.AnomalyWindow = n
	}

	return cfg
}

// read decodes key into v. It returns false (leaving v untouched or zeroed)
// when the key is absent, unreadable or undecodable.
func (s *Store) read(ctx context.Context, key string, v any) bool {
	data, err := s.kv.Get(ctx, s.key(key))
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			slog.Warn("settings: read failed, using default", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		slog.Warn("settings: undecodable value, using default", "key", key, "error", err)
		return false
	}
	return true
}
