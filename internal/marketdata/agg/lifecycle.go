package agg

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"market-screener/internal/alertlog"
	"market-screener/internal/logger"
	"market-screener/internal/marketdata/series"
	"market-screener/internal/model"
	"market-screener/internal/settings"
)

// Start loads the persisted configuration and instrument metadata, ranks the
// set and opens both subscriptions. Calling it again performs a full reload.
//
// A metadata failure is logged and leaves the store running with an empty
// instrument set; it is returned so the caller can decide whether to retry.
func (s *Store) Start(ctx context.Context) error {
	cfg := s.settings.Load(ctx)

	instruments, fetchErr := s.md.FetchInstruments(ctx)
	if fetchErr != nil {
		slog.Error("agg: instrument metadata unavailable", "error", fetchErr)
		instruments = nil
	}

	err := s.call(ctx, func() {
		s.load(cfg, instruments)
		s.openInterval()
		s.openTicker()
	})
	if err != nil {
		return err
	}
	if fetchErr != nil {
		return fmt.Errorf("agg: start: %w", fetchErr)
	}
	return nil
}

// load replaces configuration and instrument metadata. Loop only.
func (s *Store) load(cfg settings.Config, instruments []model.Instrument) {
	byID := make(map[string]model.Instrument, len(instruments))
	natural := make([]string, 0, len(instruments))
	for _, in := range instruments {
		if _, dup := byID[in.Symbol]; dup {
			continue
		}
		byID[in.Symbol] = in
		natural = append(natural, in.Symbol)
	}

	s.mu.Lock()
	s.cfg = cfg
	s.instruments = byID
	s.natural = natural
	s.order = nil
	s.alerts = alertlog.New(cfg.AlertLog)
	s.mu.Unlock()

	s.throttle.Rebuild(cfg.ThrottleDelay)
	slog.Info("agg: loaded", "instruments", len(natural), "interval", cfg.Interval,
		"sort", cfg.SortCriterion, "direction", cfg.SortDirection)

	s.emit(model.ChangeInstruments, "")
	s.emit(model.ChangeConfig, "")
	if err := s.rerank(); err != nil {
		slog.Error("agg: initial ranking failed", "error", err)
	}
}

// openInterval tears down the current candle subscription and opens a new
// one for the configured interval under a fresh epoch. Loop only.
func (s *Store) openInterval() {
	if s.unsubCandles != nil {
		s.unsubCandles()
		s.unsubCandles = nil
	}
	if s.fetchCancel != nil {
		s.fetchCancel()
		s.fetchCancel = nil
	}

	s.epoch++
	epoch := s.epoch
	s.liveSeen = make(map[string]bool)
	s.anomaly.Reset()
	s.throttle.Rebuild(s.cfg.ThrottleDelay)

	s.mu.Lock()
	s.live = make(map[string][]model.Candle, len(s.natural))
	s.slow = make(map[string][]model.Candle, len(s.natural))
	s.mu.Unlock()
	s.emit(model.ChangeLive, "")
	s.emit(model.ChangeSlow, "")

	iv := s.cfg.Interval
	symbols := s.natural
	if s.Hooks.OnEpoch != nil {
		s.Hooks.OnEpoch(epoch, iv, len(symbols))
	}
	if len(symbols) == 0 {
		return
	}

	pairs := make([]model.StreamPair, len(symbols))
	for i, sym := range symbols {
		pairs[i] = model.StreamPair{Symbol: sym, Interval: iv}
	}

	stop := make(chan struct{})
	unsub, err := s.md.SubscribeCandles(s.ctx, pairs, func(c model.Candle) {
		s.post(stop, func() {
			if epoch != s.epoch {
				s.staleEvent()
				return
			}
			s.applyCandle(c)
		})
	})
	if err != nil {
		close(stop)
		slog.Error("agg: candle subscription failed", "interval", iv, "pairs", len(pairs), "error", err)
	} else {
		s.unsubCandles = func() {
			close(stop)
			unsub()
		}
	}

	fetchCtx, cancel := context.WithCancel(s.ctx)
	s.fetchCancel = cancel
	go s.fetchHistory(fetchCtx, epoch, iv, s.cfg.CandleLength, symbols)
}

// fetchHistory loads history for every symbol with bounded parallelism.
// Each fetch is an independent failure domain.
func (s *Store) fetchHistory(ctx context.Context, epoch uint64, iv model.Interval, limit int, symbols []string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.HistoryConcurrency)

	for _, sym := range symbols {
		g.Go(func() error {
			tctx := logger.WithTrace(gctx, sym, time.Now())
			start := time.Now()
			candles, err := s.md.FetchHistory(tctx, sym, iv, limit)
			took := time.Since(start)
			if err != nil {
				if gctx.Err() == nil {
					slog.Warn("agg: history fetch failed",
						logger.Attrs(tctx, "symbol", sym, "interval", iv, "error", err)...)
				}
				s.post(gctx.Done(), func() { s.historyHook(sym, took, err) })
				return nil
			}
			s.post(gctx.Done(), func() {
				s.historyHook(sym, took, nil)
				s.applyHistory(epoch, sym, candles)
			})
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Store) historyHook(symbol string, took time.Duration, err error) {
	if s.Hooks.OnHistory != nil {
		s.Hooks.OnHistory(symbol, took, err)
	}
}

// applyHistory installs fetched history unless the epoch has moved on or a
// live update for the symbol already landed in this epoch. Loop only.
func (s *Store) applyHistory(epoch uint64, symbol string, candles []model.Candle) {
	if epoch != s.epoch {
		s.staleEvent()
		return
	}
	if _, ok := s.instruments[symbol]; !ok {
		return
	}
	if s.liveSeen[symbol] {
		slog.Debug("agg: history superseded by live data", "symbol", symbol)
		return
	}

	ser := series.Trim(series.FromHistory(candles), s.cfg.CandleLength)
	s.mu.Lock()
	s.live[symbol] = ser
	s.slow[symbol] = ser
	s.mu.Unlock()
	s.emit(model.ChangeLive, symbol)
	s.emit(model.ChangeSlow, symbol)
}

// openTicker opens the all-market ticker stream once. Loop only.
func (s *Store) openTicker() {
	if s.unsubTicker != nil {
		return
	}
	stop := make(chan struct{})
	unsub, err := s.md.SubscribeTicker(s.ctx, func(batch []model.TickerSnapshot) {
		s.post(stop, func() { s.applyTicker(batch) })
	})
	if err != nil {
		close(stop)
		slog.Error("agg: ticker subscription failed", "error", err)
		return
	}
	s.unsubTicker = func() {
		close(stop)
		unsub()
	}
}

func (s *Store) staleEvent() {
	if s.Hooks.OnStaleEvent != nil {
		s.Hooks.OnStaleEvent()
	}
}
