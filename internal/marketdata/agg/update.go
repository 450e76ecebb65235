package agg

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"market-screener/internal/marketdata/ranking"
	"market-screener/internal/marketdata/series"
	"market-screener/internal/model"
	"market-screener/internal/settings"
)

// applyCandle merges one streamed update. Loop only.
func (s *Store) applyCandle(c model.Candle) {
	if _, ok := s.instruments[c.Symbol]; !ok {
		if s.Hooks.OnUnknownSymbol != nil {
			s.Hooks.OnUnknownSymbol(c.Symbol)
		}
		return
	}
	if c.Interval != "" && c.Interval != s.cfg.Interval {
		s.staleEvent()
		return
	}

	next, res := series.Apply(s.live[c.Symbol], c)
	if s.Hooks.OnCandle != nil {
		s.Hooks.OnCandle(res)
	}
	if res == series.Stale {
		slog.Debug("agg: out-of-order candle ignored", "symbol", c.Symbol, "open_time", c.OpenTime)
		return
	}
	next = series.Trim(next, s.cfg.CandleLength)

	s.liveSeen[c.Symbol] = true
	s.mu.Lock()
	s.live[c.Symbol] = next
	s.mu.Unlock()
	s.emit(model.ChangeLive, c.Symbol)

	if seq, now := s.throttle.Register(c.Symbol).Offer(next); now {
		s.setSlow(c.Symbol, next, seq, false)
	}

	recent := series.Volumes(next, s.cfg.AnomalyWindow)
	if s.anomaly.Check(c.Symbol, c, recent, s.cfg.AnomalyRatio, s.cfg.AnomalyWindow) {
		if s.Hooks.OnAnomaly != nil {
			s.Hooks.OnAnomaly(c.Symbol)
		}
		s.trigger(model.AlertVolumeAnomaly, c.Symbol)
	}

	s.checkPriceAlert(c.Symbol, c.Close)
}

// onDeferred runs on a throttle timer goroutine. By the time the value
// reaches the loop, a newer offer may already have gone out immediately.
func (s *Store) onDeferred(symbol string, ser []model.Candle, gen, seq uint64) {
	s.post(nil, func() {
		if gen != s.throttle.Generation() || seq <= s.slowSeq[symbol] {
			s.staleEvent()
			return
		}
		s.setSlow(symbol, ser, seq, true)
	})
}

func (s *Store) setSlow(symbol string, ser []model.Candle, seq uint64, deferred bool) {
	s.slowSeq[symbol] = seq
	s.mu.Lock()
	s.slow[symbol] = ser
	s.mu.Unlock()
	if s.Hooks.OnPropagate != nil {
		s.Hooks.OnPropagate(deferred)
	}
	s.emit(model.ChangeSlow, symbol)
}

// applyTicker folds a batch into fresh volume and change maps. Loop only.
func (s *Store) applyTicker(batch []model.TickerSnapshot) {
	if s.Hooks.OnTickerBatch != nil {
		s.Hooks.OnTickerBatch(len(batch))
	}

	vols := maps.Clone(s.volumes)
	chg := maps.Clone(s.changes)
	n := 0
	for _, t := range batch {
		if _, ok := s.instruments[t.Symbol]; !ok {
			continue
		}
		vols[t.Symbol] = t.QuoteVolume
		chg[t.Symbol] = t.PriceChangePct
		n++
	}
	if n == 0 {
		return
	}

	s.mu.Lock()
	s.volumes = vols
	s.changes = chg
	s.mu.Unlock()
	s.emit(model.ChangeTicker, "")

	if c := s.cfg.SortCriterion; c.DependsOnVolume() || c.DependsOnChange() {
		if err := s.rerank(); err != nil {
			slog.Error("agg: re-rank after ticker failed", "error", err)
		}
	}
}

// rerank recomputes the ordering and publishes it if it changed. Loop only.
func (s *Store) rerank() error {
	order, err := ranking.Rank(ranking.Input{
		Natural:   s.natural,
		Previous:  s.order,
		Criterion: s.cfg.SortCriterion,
		Direction: s.cfg.SortDirection,
		Volumes:   s.volumes,
		Changes:   s.changes,
	})
	if err != nil {
		return err
	}
	if s.order != nil && slices.Equal(order, s.order) {
		return nil
	}
	s.mu.Lock()
	s.order = order
	s.mu.Unlock()
	s.emit(model.ChangeOrder, "")
	return nil
}

// checkPriceAlert fires one-shot threshold alerts on a close crossing.
func (s *Store) checkPriceAlert(symbol string, price float64) {
	pa, ok := s.cfg.PriceAlerts[symbol]
	if !ok || pa.Empty() {
		return
	}

	fired := false
	if pa.Above > 0 && price >= pa.Above {
		s.trigger(model.AlertPriceUp, symbol)
		pa.Above = 0
		fired = true
	}
	if pa.Below > 0 && price <= pa.Below {
		s.trigger(model.AlertPriceDown, symbol)
		pa.Below = 0
		fired = true
	}
	if fired {
		s.putPriceAlert(symbol, pa)
	}
}

// putPriceAlert replaces the threshold map and persists it. Loop only.
func (s *Store) putPriceAlert(symbol string, pa model.PriceAlert) {
	next := maps.Clone(s.cfg.PriceAlerts)
	if next == nil {
		next = map[string]model.PriceAlert{}
	}
	if pa.Empty() {
		delete(next, symbol)
	} else {
		next[symbol] = pa
	}
	s.mu.Lock()
	s.cfg.PriceAlerts = next
	s.mu.Unlock()
	s.persist(settings.KeyPriceAlerts, next)
	s.emit(model.ChangeConfig, symbol)
}

// trigger records an alert and hands it to the sink without blocking the loop.
func (s *Store) trigger(t model.AlertType, symbol string) {
	var price, volume float64
	if last, ok := series.Last(s.live[symbol]); ok {
		price, volume = last.Close, last.Volume
	}
	a := model.Alert{
		Type:      t,
		Symbol:    symbol,
		Price:     price,
		Volume:    volume,
		Timestamp: s.opts.Now(),
	}

	s.mu.Lock()
	s.alerts.Push(a)
	entries := s.alerts.Entries()
	s.cfg.AlertLog = entries
	s.mu.Unlock()

	s.persist(settings.KeyAlertLog, entries)
	if s.Hooks.OnAlert != nil {
		s.Hooks.OnAlert(t)
	}
	slog.Info("agg: alert", "type", t, "symbol", symbol, "price", price, "volume", volume)
	s.emit(model.ChangeAlert, symbol)

	s.sends.Add(1)
	go s.dispatch(a)
}

func (s *Store) dispatch(a model.Alert) {
	defer s.sends.Done()
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.AlertSendTimeout)
	defer cancel()
	if err := s.sink.Send(ctx, a); err != nil {
		slog.Warn("agg: alert delivery failed", "type", a.Type, "symbol", a.Symbol, "error", err)
		if s.Hooks.OnSendError != nil {
			s.Hooks.OnSendError(err)
		}
	}
}

// persist writes one settings key. Failures are logged; the in-memory value
// stays authoritative.
func (s *Store) persist(key string, v any) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.SettingsTimeout)
	defer cancel()
	if err := s.settings.Save(ctx, key, v); err != nil {
		slog.Warn("agg: settings write failed", "key", key, "error", err)
	}
}

// Trigger records and dispatches an alert of type t for symbol.
func (s *Store) Trigger(ctx context.Context, t model.AlertType, symbol string) error {
	if !t.Valid() {
		return fmt.Errorf("agg: trigger: unknown alert type %q", t)
	}
	return s.call(ctx, func() { s.trigger(t, symbol) })
}
