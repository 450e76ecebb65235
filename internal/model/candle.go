package model

import (
	"encoding/json"
	"time"
)

// Candle is one OHLCV bucket of an instrument series.
// OpenTime (Unix milliseconds) is the unique key inside a (symbol, interval) series.
type Candle struct {
	Symbol      string   `json:"symbol"`
	Interval    Interval `json:"interval"`
	OpenTime    int64    `json:"open_time"` // ms, bucket start
	Open        float64  `json:"open"`
	High        float64  `json:"high"`
	Low         float64  `json:"low"`
	Close       float64  `json:"close"`
	Volume      float64  `json:"volume"`       // base asset
	QuoteVolume float64  `json:"quote_volume"` // quote asset
	Trades      int64    `json:"trades"`
	Closed      bool     `json:"closed"` // true once the bucket is final
}

// Key identifies the bucket for anomaly de-duplication.
func (c *Candle) Key() CandleKey {
	return CandleKey{Interval: c.Interval, OpenTime: c.OpenTime}
}

// Time returns OpenTime as a UTC time.Time.
func (c *Candle) Time() time.Time {
	return time.UnixMilli(c.OpenTime).UTC()
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// CandleKey is the (interval, openTime) pair of a candle.
type CandleKey struct {
	Interval Interval
	OpenTime int64
}

// StreamPair is one (symbol, interval) entry of a combined subscription.
type StreamPair struct {
	Symbol   string
	Interval Interval
}
