// Package api exposes the screener's read views and configuration over HTTP,
// plus a WebSocket stream of change notifications.
package api

import (
	"context"
	"time"

	"market-screener/internal/marketdata/agg"
	"market-screener/internal/model"
	"market-screener/internal/settings"
)

// Screener is the subset of the aggregation store the API serves.
type Screener interface {
	Order() []string
	Instruments() []model.Instrument
	Instrument(symbol string) (model.Instrument, bool)
	Live(symbol string) []model.Candle
	Slow(symbol string) []model.Candle
	Volumes() map[string]float64
	Changes() map[string]float64
	Alerts() []model.Alert
	UnseenAlerts() int
	Config() settings.Config

	SetInterval(ctx context.Context, iv model.Interval) error
	SetThrottleDelay(ctx context.Context, d time.Duration) error
	SetSort(ctx context.Context, criterion, direction string) error
	SetCandleLength(ctx context.Context, n int) error
	SetDisplay(ctx context.Context, d agg.Display) error
	SetPriceAlert(ctx context.Context, symbol string, pa model.PriceAlert) error
	SetAnomalyThreshold(ctx context.Context, ratio float64, window int) error
	MarkAlertsSeen(ctx context.Context) error
	Trigger(ctx context.Context, t model.AlertType, symbol string) error
	SelectSymbol(symbol string)
}

// Changes is where WebSocket clients get their notification feed.
type Changes interface {
	Subscribe() (int, <-chan model.Change)
	Unsubscribe(id int)
}

type configDTO struct {
	Interval        model.Interval              `json:"interval"`
	CandleLength    int                         `json:"candle_length"`
	ThrottleDelayMs int64                       `json:"throttle_delay_ms"`
	GridColumns     int                         `json:"grid_columns"`
	ChartType       string                      `json:"chart_type"`
	ChartHeight     int                         `json:"chart_height"`
	SortCriterion   string                      `json:"sort_criterion"`
	SortDirection   string                      `json:"sort_direction"`
	PriceAlerts     map[string]model.PriceAlert `json:"price_alerts"`
	AnomalyRatio    float64                     `json:"anomaly_ratio"`
	AnomalyWindow   int                         `json:"anomaly_window"`
	LastSeenAlert   time.Time                   `json:"last_seen_alert"`
}

func toConfigDTO(c settings.Config) configDTO {
	return configDTO{
		Interval:        c.Interval,
		CandleLength:    c.CandleLength,
		ThrottleDelayMs: c.ThrottleDelay.Milliseconds(),
		GridColumns:     c.GridColumns,
		ChartType:       c.ChartType,
		ChartHeight:     c.ChartHeight,
		SortCriterion:   string(c.SortCriterion),
		SortDirection:   string(c.SortDirection),
		PriceAlerts:     c.PriceAlerts,
		AnomalyRatio:    c.AnomalyRatio,
		AnomalyWindow:   c.AnomalyWindow,
		LastSeenAlert:   c.LastSeenAlert,
	}
}

// rowDTO is one grid cell: metadata, ticker figures and the series.
type rowDTO struct {
	model.Instrument
	QuoteVolume    float64        `json:"quote_volume"`
	PriceChangePct float64        `json:"price_change_pct"`
	Candles        []model.Candle `json:"candles"`
}

// envelope wraps every WebSocket frame.
type envelope struct {
	Type   string           `json:"type"`
	Kind   model.ChangeKind `json:"kind,omitempty"`
	Symbol string           `json:"symbol,omitempty"`
	TS     int64            `json:"ts"`
}
