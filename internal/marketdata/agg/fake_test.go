package agg

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"market-screener/internal/model"
	"market-screener/internal/settings"
)

// fakeMarket is an in-memory model.MarketData.
type fakeMarket struct {
	mu          sync.Mutex
	instruments []model.Instrument
	instErr     error
	history     map[string][]model.Candle
	historyGate chan struct{}

	onCandle  func(model.Candle)
	onTicker  func([]model.TickerSnapshot)
	pairs     [][]model.StreamPair
	subs      int
	candleOff int
	tickerOff int
}

func newFakeMarket(symbols ...string) *fakeMarket {
	f := &fakeMarket{history: map[string][]model.Candle{}}
	for _, s := range symbols {
		f.instruments = append(f.instruments, model.Instrument{Symbol: s, QuoteAsset: "USDT", Status: "TRADING"})
	}
	return f
}

func (f *fakeMarket) FetchInstruments(context.Context) ([]model.Instrument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.instruments, f.instErr
}

func (f *fakeMarket) FetchHistory(ctx context.Context, symbol string, iv model.Interval, limit int) ([]model.Candle, error) {
	f.mu.Lock()
	gate := f.historyGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Candle
	for _, c := range f.history[symbol] {
		c.Interval = iv
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeMarket) SubscribeCandles(_ context.Context, pairs []model.StreamPair, onCandle func(model.Candle)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandle = onCandle
	f.pairs = append(f.pairs, pairs)
	f.subs++
	return func() {
		f.mu.Lock()
		f.onCandle = nil
		f.candleOff++
		f.mu.Unlock()
	}, nil
}

func (f *fakeMarket) SubscribeTicker(_ context.Context, onBatch func([]model.TickerSnapshot)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTicker = onBatch
	return func() {
		f.mu.Lock()
		f.onTicker = nil
		f.tickerOff++
		f.mu.Unlock()
	}, nil
}

// candleCallback returns the currently subscribed candle callback.
func (f *fakeMarket) candleCallback() func(model.Candle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onCandle
}

func (f *fakeMarket) push(c model.Candle) {
	if cb := f.candleCallback(); cb != nil {
		cb(c)
	}
}

func (f *fakeMarket) tick(batch ...model.TickerSnapshot) {
	f.mu.Lock()
	cb := f.onTicker
	f.mu.Unlock()
	if cb != nil {
		cb(batch)
	}
}

// recordingSink captures dispatched alerts.
type recordingSink struct {
	ch chan model.Alert
}

func (r *recordingSink) Send(_ context.Context, a model.Alert) error {
	r.ch <- a
	return nil
}

// stepClock advances one second per call.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type harness struct {
	store *Store
	md    *fakeMarket
	kv    *settings.MemoryKV
	sink  *recordingSink
	ctx   context.Context
}

// newHarness runs a store over md. seed pre-populates persisted settings.
func newHarness(t *testing.T, md *fakeMarket, seed map[string]string) *harness {
	t.Helper()
	kv := settings.NewMemoryKV()
	for k, v := range seed {
		require.NoError(t, kv.Set(context.Background(), "test:"+k, []byte(v)))
	}
	sink := &recordingSink{ch: make(chan model.Alert, 32)}
	clock := &stepClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := New(md, settings.New(kv, "test"), sink, Options{Now: clock.Now})

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
	return &harness{store: s, md: md, kv: kv, sink: sink, ctx: ctx}
}

// barrier waits until every event queued so far has been processed.
func (h *harness) barrier(t *testing.T) {
	t.Helper()
	_, err := h.store.Epoch(h.ctx)
	require.NoError(t, err)
}

func (h *harness) stored(t *testing.T, key string) string {
	t.Helper()
	v, err := h.kv.Get(context.Background(), "test:"+key)
	require.NoError(t, err)
	return string(v)
}

func candle(sym string, openTime int64, close, volume float64) model.Candle {
	return model.Candle{
		Symbol: sym, Interval: model.Interval1m, OpenTime: openTime,
		Open: close, High: close, Low: close, Close: close, Volume: volume,
	}
}
