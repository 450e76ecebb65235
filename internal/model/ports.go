package model

import (
	"context"
	"errors"
)

// ── Ports ──
// The aggregation core depends on these interfaces only; the Binance client,
// the Redis/SQLite settings backends and the notifiers implement them.

// ErrNotFound is returned by KV.Get when the key is absent.
var ErrNotFound = errors.New("key not found")

// MarketData is the network data provider.
type MarketData interface {
	// FetchInstruments loads the instrument universe with exchange metadata.
	FetchInstruments(ctx context.Context) ([]Instrument, error)

	// FetchHistory loads up to limit candles for one instrument, oldest first.
	// Calls are independent and may complete in any order.
	FetchHistory(ctx context.Context, symbol string, iv Interval, limit int) ([]Candle, error)

	// SubscribeCandles opens one combined subscription over pairs. onCandle is
	// invoked once per update. After unsubscribe returns, onCandle is never
	// invoked again.
	SubscribeCandles(ctx context.Context, pairs []StreamPair, onCandle func(Candle)) (unsubscribe func(), err error)

	// SubscribeTicker opens the universe-wide ticker stream.
	SubscribeTicker(ctx context.Context, onBatch func([]TickerSnapshot)) (unsubscribe func(), err error)
}

// KV is the persisted settings backend: one key per configuration field,
// values are opaque (JSON-encoded by the settings layer).
type KV interface {
	// Get returns ErrNotFound when key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value under key.
	Set(ctx context.Context, key string, value []byte) error
}
