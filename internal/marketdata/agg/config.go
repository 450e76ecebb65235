package agg

import (
	"context"
	"fmt"
	"math"
	"time"

	"market-screener/internal/marketdata/ranking"
	"market-screener/internal/model"
	"market-screener/internal/settings"
)

// Display groups the presentation settings the store passes through.
type Display struct {
	GridColumns int    `json:"grid_columns"`
	ChartType   string `json:"chart_type"`
	ChartHeight int    `json:"chart_height"`
}

// SetInterval switches every series to iv: the combined subscription is torn
// down, series, anomaly keys and throttle gates are reset, history is
// refetched and the subscription reopened under a new epoch.
func (s *Store) SetInterval(ctx context.Context, iv model.Interval) error {
	if !iv.Valid() {
		return fmt.Errorf("agg: set interval: %w", &ranking.ConfigurationError{Field: "interval", Value: string(iv)})
	}
	return s.call(ctx, func() {
		if iv == s.cfg.Interval && s.epoch > 0 {
			return
		}
		s.mu.Lock()
		s.cfg.Interval = iv
		s.mu.Unlock()
		s.persist(settings.KeyInterval, string(iv))
		s.openInterval()
		s.emit(model.ChangeConfig, "")
	})
}

// SetThrottleDelay rebuilds the throttle layer with d. Pending deferred
// propagations are dropped.
func (s *Store) SetThrottleDelay(ctx context.Context, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("agg: set throttle delay: negative delay %s", d)
	}
	return s.call(ctx, func() {
		s.mu.Lock()
		s.cfg.ThrottleDelay = d
		s.mu.Unlock()
		s.throttle.Rebuild(d)
		s.persist(settings.KeyThrottleDelay, d.Milliseconds())
		s.emit(model.ChangeConfig, "")
	})
}

// SetSort validates and applies a ranking. An unknown criterion or direction
// is returned as *ranking.ConfigurationError and nothing changes.
func (s *Store) SetSort(ctx context.Context, criterion, direction string) error {
	c, err := ranking.ParseCriterion(criterion)
	if err != nil {
		return err
	}
	d, err := ranking.ParseDirection(direction)
	if err != nil {
		return err
	}
	var rankErr error
	callErr := s.call(ctx, func() {
		prevC, prevD := s.cfg.SortCriterion, s.cfg.SortDirection
		s.mu.Lock()
		s.cfg.SortCriterion, s.cfg.SortDirection = c, d
		s.mu.Unlock()
		if rankErr = s.rerank(); rankErr != nil {
			s.mu.Lock()
			s.cfg.SortCriterion, s.cfg.SortDirection = prevC, prevD
			s.mu.Unlock()
			return
		}
		s.persist(settings.KeySortCriterion, string(c))
		s.persist(settings.KeySortDirection, string(d))
		s.emit(model.ChangeConfig, "")
	})
	if callErr != nil {
		return callErr
	}
	return rankErr
}

// SetCandleLength bounds series length and the history limit. A series is
// trimmed on its next live update; the next history fetch uses the new limit.
func (s *Store) SetCandleLength(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("agg: set candle length: %d is not positive", n)
	}
	return s.call(ctx, func() {
		s.mu.Lock()
		s.cfg.CandleLength = n
		s.mu.Unlock()
		s.persist(settings.KeyCandleLength, n)
		s.emit(model.ChangeConfig, "")
	})
}

// SetDisplay stores presentation settings. Zero fields are left unchanged.
func (s *Store) SetDisplay(ctx context.Context, d Display) error {
	if d.GridColumns < 0 || d.ChartHeight < 0 {
		return fmt.Errorf("agg: set display: negative dimension")
	}
	return s.call(ctx, func() {
		s.mu.Lock()
		if d.GridColumns > 0 {
			s.cfg.GridColumns = d.GridColumns
		}
		if d.ChartType != "" {
			s.cfg.ChartType = d.ChartType
		}
		if d.ChartHeight > 0 {
			s.cfg.ChartHeight = d.ChartHeight
		}
		cfg := s.cfg
		s.mu.Unlock()
		s.persist(settings.KeyGridColumns, cfg.GridColumns)
		s.persist(settings.KeyChartType, cfg.ChartType)
		s.persist(settings.KeyChartHeight, cfg.ChartHeight)
		s.emit(model.ChangeConfig, "")
	})
}

// SetPriceAlert sets the one-shot thresholds for symbol. An empty PriceAlert
// clears them.
func (s *Store) SetPriceAlert(ctx context.Context, symbol string, pa model.PriceAlert) error {
	if pa.Above < 0 || pa.Below < 0 || !isFinite(pa.Above) || !isFinite(pa.Below) {
		return fmt.Errorf("agg: set price alert: invalid thresholds for %s", symbol)
	}
	return s.call(ctx, func() {
		s.putPriceAlert(symbol, pa)
	})
}

// SetAnomalyThreshold changes the volume spike ratio and averaging window.
// A non-positive ratio disables detection.
func (s *Store) SetAnomalyThreshold(ctx context.Context, ratio float64, window int) error {
	if !isFinite(ratio) || window <= 0 {
		return fmt.Errorf("agg: set anomaly threshold: ratio=%v window=%d", ratio, window)
	}
	return s.call(ctx, func() {
		s.mu.Lock()
		s.cfg.AnomalyRatio = ratio
		s.cfg.AnomalyWindow = window
		s.mu.Unlock()
		s.persist(settings.KeyAnomalyRatio, ratio)
		s.persist(settings.KeyAnomalyWindow, window)
		s.emit(model.ChangeConfig, "")
	})
}

// MarkAlertsSeen resets the unseen counter.
func (s *Store) MarkAlertsSeen(ctx context.Context) error {
	return s.call(ctx, func() {
		now := s.opts.Now()
		s.mu.Lock()
		s.cfg.LastSeenAlert = now
		s.mu.Unlock()
		s.persist(settings.KeyLastSeenAlert, now)
		s.emit(model.ChangeAlert, "")
	})
}

// Epoch returns the current subscription epoch. Mostly useful in tests.
func (s *Store) Epoch(ctx context.Context) (uint64, error) {
	var e uint64
	err := s.call(ctx, func() { e = s.epoch })
	return e, err
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
