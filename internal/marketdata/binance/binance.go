// Package binance implements model.MarketData over the Binance spot public
// API: REST for instrument metadata and kline history, combined WebSocket
// streams for live klines and the all-market ticker.
package binance

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

// Config holds endpoints and tuning for the client.
type Config struct {
	// RESTURL is the API root, e.g. "https://api.binance.com".
	RESTURL string

	// WSURL is the stream root, e.g. "wss://stream.binance.com:9443".
	WSURL string

	// QuoteAsset restricts the universe (e.g. "USDT"). Empty keeps all.
	QuoteAsset string

	// SymbolLimit caps the universe size. Zero means no cap.
	SymbolLimit int

	// HTTPTimeout bounds each REST request. Defaults to 10s.
	HTTPTimeout time.Duration

	// MaxStreamsPerConn splits large subscriptions over several connections.
	// Defaults to 200.
	MaxStreamsPerConn int

	// ReconnectDelay is the initial backoff. Defaults to 2s.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration

	// ReadTimeout drops a connection that has been silent this long.
	// Defaults to 5m (the server pings every 3m).
	ReadTimeout time.Duration
}

func (c *Config) defaults() {
	if c.RESTURL == "" {
		c.RESTURL = "https://api.binance.com"
	}
	if c.WSURL == "" {
		c.WSURL = "wss://stream.binance.com:9443"
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxStreamsPerConn <= 0 {
		c.MaxStreamsPerConn = 200
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 5 * time.Minute
	}
}

// Client is safe for concurrent use.
type Client struct {
	cfg  Config
	http *http.Client

	connected atomic.Int64
	lastMsg   atomic.Int64 // unix ms of the last stream message

	// Optional hooks (metrics).
	OnReconnect  func(stream string)
	OnParseError func(stream string)
}

// New validates cfg and creates a client.
func New(cfg Config) (*Client, error) {
	cfg.defaults()
	for _, raw := range []string{cfg.RESTURL, cfg.WSURL} {
		if _, err := url.Parse(raw); err != nil {
			return nil, fmt.Errorf("binance: invalid url %q: %w", raw, err)
		}
	}
	cfg.RESTURL = strings.TrimRight(cfg.RESTURL, "/")
	cfg.WSURL = strings.TrimRight(cfg.WSURL, "/")
	cfg.QuoteAsset = strings.ToUpper(cfg.QuoteAsset)
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.HTTPTimeout},
	}, nil
}

// Connections returns the number of currently open stream connections.
func (c *Client) Connections() int64 {
	return c.connected.Load()
}

// LastMessage returns when the last stream message arrived (zero if never).
func (c *Client) LastMessage() time.Time {
	ms := c.lastMsg.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// APIError is a non-2xx REST response.
type APIError struct {
	Status int
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance: http %d: code=%d msg=%s", e.Status, e.Code, e.Msg)
}
