// Package agg is the multi-symbol aggregation store. It owns every
// per-instrument series, the ranking and the alert log, and is the only
// writer of them.
//
// All mutation happens on one goroutine (Run). Network callbacks, history
// results, throttle timers and configuration changes are queued onto it as
// closures. Callbacks are tagged with the subscription epoch they were issued
// under and dropped on arrival when the epoch has moved on, so a torn-down
// subscription or a superseded history fetch can never touch current state.
//
// Readers get copy-on-write snapshots: a series or map returned by a read
// method is never modified afterwards.
package agg

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"market-screener/internal/alertlog"
	"market-screener/internal/marketdata/anomaly"
	"market-screener/internal/marketdata/series"
	"market-screener/internal/marketdata/throttle"
	"market-screener/internal/model"
	"market-screener/internal/notification"
	"market-screener/internal/settings"
)

// ErrClosed is returned when the store's loop is no longer running.
var ErrClosed = errors.New("agg: store closed")

// Options tunes the store. Zero values take defaults.
type Options struct {
	HistoryConcurrency int           // parallel history fetches, default 16
	AlertSendTimeout   time.Duration // per-alert sink deadline, default 10s
	QueueSize          int           // event loop buffer, default 4096
	SettingsTimeout    time.Duration // per-write deadline, default 2s
	Now                func() time.Time
}

func (o *Options) defaults() {
	if o.HistoryConcurrency <= 0 {
		o.HistoryConcurrency = 16
	}
	if o.AlertSendTimeout <= 0 {
		o.AlertSendTimeout = 10 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 4096
	}
	if o.SettingsTimeout <= 0 {
		o.SettingsTimeout = 2 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Hooks are optional metrics callbacks. All but OnSendError run on the loop
// goroutine.
type Hooks struct {
	OnCandle        func(res series.Result)
	OnUnknownSymbol func(symbol string)
	OnStaleEvent    func()
	OnPropagate     func(deferred bool)
	OnAnomaly       func(symbol string)
	OnAlert         func(t model.AlertType)
	OnHistory       func(symbol string, took time.Duration, err error)
	OnTickerBatch   func(size int)
	OnEpoch         func(epoch uint64, iv model.Interval, pairs int)
	OnSendError     func(err error)
}

// Store is the aggregation root. Create with New, drive with Run, then Start.
type Store struct {
	md       model.MarketData
	settings *settings.Store
	sink     notification.Notifier
	opts     Options
	Hooks    Hooks

	events    chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	sends     sync.WaitGroup

	// Loop-owned.
	ctx          context.Context
	epoch        uint64
	liveSeen     map[string]bool
	slowSeq      map[string]uint64 // throttle seq last propagated to slow
	unsubCandles func()
	unsubTicker  func()
	fetchCancel  context.CancelFunc
	throttle     *throttle.Layer
	anomaly      *anomaly.Detector

	// Read-side views. Written only by the loop, under mu.
	mu          sync.RWMutex
	cfg         settings.Config
	instruments map[string]model.Instrument
	natural     []string
	order       []string
	live        map[string][]model.Candle
	slow        map[string][]model.Candle
	volumes     map[string]float64
	changes     map[string]float64
	alerts      *alertlog.Log

	obsMu     sync.RWMutex
	observers []func(model.Change)
	selectors []func(symbol string)
}

// New wires a store. sink may be nil (alerts are then only logged).
func New(md model.MarketData, st *settings.Store, sink notification.Notifier, opts Options) *Store {
	opts.defaults()
	if sink == nil {
		sink = notification.NewLogNotifier()
	}
	s := &Store{
		md:          md,
		settings:    st,
		sink:        sink,
		opts:        opts,
		events:      make(chan func(), opts.QueueSize),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		liveSeen:    make(map[string]bool),
		slowSeq:     make(map[string]uint64),
		anomaly:     anomaly.New(),
		cfg:         settings.Defaults(),
		instruments: make(map[string]model.Instrument),
		live:        make(map[string][]model.Candle),
		slow:        make(map[string][]model.Candle),
		volumes:     map[string]float64{},
		changes:     map[string]float64{},
		alerts:      alertlog.New(nil),
	}
	s.throttle = throttle.New(s.cfg.ThrottleDelay)
	s.throttle.OnDeferred = s.onDeferred
	return s
}

// Run processes events until ctx is cancelled or Close is called, then tears
// down every subscription and waits for in-flight alert deliveries.
func (s *Store) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx
	defer func() {
		s.teardown()
		cancel()
		close(s.done)
		s.sends.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case fn := <-s.events:
			fn()
		}
	}
}

// Close stops the loop and waits for teardown. Run must have been started.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.done
}

// Done is closed once the loop has exited.
func (s *Store) Done() <-chan struct{} {
	return s.done
}

func (s *Store) teardown() {
	if s.unsubCandles != nil {
		s.unsubCandles()
		s.unsubCandles = nil
	}
	if s.unsubTicker != nil {
		s.unsubTicker()
		s.unsubTicker = nil
	}
	if s.fetchCancel != nil {
		s.fetchCancel()
		s.fetchCancel = nil
	}
	s.throttle.Stop()
	slog.Info("agg: store stopped", "epoch", s.epoch)
}

// post queues fn on the loop. It gives up when stop or the store closes.
func (s *Store) post(stop <-chan struct{}, fn func()) bool {
	select {
	case s.events <- fn:
		return true
	case <-stop:
		return false
	case <-s.done:
		return false
	}
}

// call runs fn on the loop and waits for it. Must not be used from the loop
// itself (observers included).
func (s *Store) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	ok := s.post(ctx.Done(), func() {
		defer close(finished)
		fn()
	})
	if !ok {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// ── Observers ──

// OnChange registers an observer. Observers run on the loop goroutine (on the
// caller's goroutine for selection changes): they must return quickly and must
// not call the store's setters synchronously.
func (s *Store) OnChange(fn func(model.Change)) {
	s.obsMu.Lock()
	s.observers = append(s.observers, fn)
	s.obsMu.Unlock()
}

func (s *Store) emit(kind model.ChangeKind, symbol string) {
	c := model.Change{Kind: kind, Symbol: symbol}
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	for _, fn := range s.observers {
		fn(c)
	}
}

// OnSymbolSelected registers a receiver for user symbol selection.
func (s *Store) OnSymbolSelected(fn func(symbol string)) {
	s.obsMu.Lock()
	s.selectors = append(s.selectors, fn)
	s.obsMu.Unlock()
}

// SelectSymbol forwards a selection event from the UI to every receiver.
// The store does not interpret it.
func (s *Store) SelectSymbol(symbol string) {
	s.obsMu.RLock()
	sel := slices.Clone(s.selectors)
	obs := slices.Clone(s.observers)
	s.obsMu.RUnlock()
	for _, fn := range sel {
		fn(symbol)
	}
	for _, fn := range obs {
		fn(model.Change{Kind: model.ChangeSelection, Symbol: symbol})
	}
}

// ── Read API ──

// Order returns the ranked instrument ids.
func (s *Store) Order() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.order
}

// Instruments returns instrument metadata in load order.
func (s *Store) Instruments() []model.Instrument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Instrument, 0, len(s.natural))
	for _, sym := range s.natural {
		out = append(out, s.instruments[sym])
	}
	return out
}

// Instrument returns one instrument's metadata.
func (s *Store) Instrument(symbol string) (model.Instrument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.instruments[symbol]
	return in, ok
}

// Live returns the unthrottled series for symbol.
func (s *Store) Live(symbol string) []model.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live[symbol]
}

// Slow returns the throttled series for symbol.
func (s *Store) Slow(symbol string) []model.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slow[symbol]
}

// LiveAll returns every live series.
func (s *Store) LiveAll() map[string][]model.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.live)
}

// SlowAll returns every throttled series.
func (s *Store) SlowAll() map[string][]model.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.slow)
}

// Volumes returns the latest per-instrument volume snapshot.
func (s *Store) Volumes() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.volumes
}

// Changes returns the latest per-instrument price-change snapshot.
func (s *Store) Changes() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changes
}

// Alerts returns the alert log, newest first.
func (s *Store) Alerts() []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alerts.Entries()
}

// UnseenAlerts counts alerts newer than the last MarkAlertsSeen.
func (s *Store) UnseenAlerts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alerts.UnseenSince(s.cfg.LastSeenAlert)
}

// Config returns the current configuration.
func (s *Store) Config() settings.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}
