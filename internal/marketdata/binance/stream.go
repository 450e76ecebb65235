package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"market-screener/internal/model"
)

type klineMsg struct {
	Stream string `json:"stream"`
	Data   struct {
		Kline struct {
			OpenTime    int64           `json:"t"`
			Symbol      string          `json:"s"`
			Interval    string          `json:"i"`
			Open        decimal.Decimal `json:"o"`
			Close       decimal.Decimal `json:"c"`
			High        decimal.Decimal `json:"h"`
			Low         decimal.Decimal `json:"l"`
			Volume      decimal.Decimal `json:"v"`
			Trades      int64           `json:"n"`
			Closed      bool            `json:"x"`
			QuoteVolume decimal.Decimal `json:"q"`
		} `json:"k"`
	} `json:"data"`
}

type tickerMsg struct {
	Symbol         string          `json:"s"`
	LastPrice      decimal.Decimal `json:"c"`
	PriceChangePct decimal.Decimal `json:"P"`
	Volume         decimal.Decimal `json:"v"`
	QuoteVolume    decimal.Decimal `json:"q"`
}

// SubscribeCandles opens one logical subscription over every pair. Pairs are
// sharded over connections of at most MaxStreamsPerConn streams each. onCandle
// is called from the reader goroutines; it is never called again once the
// returned unsubscribe function has returned.
func (c *Client) SubscribeCandles(ctx context.Context, pairs []model.StreamPair, onCandle func(model.Candle)) (func(), error) {
	names := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if !p.Interval.Valid() {
			return nil, fmt.Errorf("binance: subscribe %s: invalid interval %q", p.Symbol, p.Interval)
		}
		names = append(names, strings.ToLower(p.Symbol)+"@kline_"+string(p.Interval))
	}

	handle := func(raw []byte) error {
		var m klineMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		k := m.Data.Kline
		if k.Symbol == "" {
			return errors.New("kline without symbol")
		}
		onCandle(model.Candle{
			Symbol:      k.Symbol,
			Interval:    model.Interval(k.Interval),
			OpenTime:    k.OpenTime,
			Open:        k.Open.InexactFloat64(),
			High:        k.High.InexactFloat64(),
			Low:         k.Low.InexactFloat64(),
			Close:       k.Close.InexactFloat64(),
			Volume:      k.Volume.InexactFloat64(),
			QuoteVolume: k.QuoteVolume.InexactFloat64(),
			Trades:      k.Trades,
			Closed:      k.Closed,
		})
		return nil
	}

	var urls []string
	for start := 0; start < len(names); start += c.cfg.MaxStreamsPerConn {
		end := min(start+c.cfg.MaxStreamsPerConn, len(names))
		urls = append(urls, c.cfg.WSURL+"/stream?streams="+strings.Join(names[start:end], "/"))
	}
	log.Printf("[binance] subscribing %d kline streams over %d connections", len(names), len(urls))
	return c.open(ctx, "kline", urls, handle), nil
}

// SubscribeTicker opens the all-market 24h ticker stream.
func (c *Client) SubscribeTicker(ctx context.Context, onBatch func([]model.TickerSnapshot)) (func(), error) {
	handle := func(raw []byte) error {
		var msgs []tickerMsg
		if err := json.Unmarshal(raw, &msgs); err != nil {
			return err
		}
		batch := make([]model.TickerSnapshot, 0, len(msgs))
		for _, m := range msgs {
			batch = append(batch, model.TickerSnapshot{
				Symbol:         m.Symbol,
				LastPrice:      m.LastPrice.InexactFloat64(),
				PriceChangePct: m.PriceChangePct.InexactFloat64(),
				Volume:         m.Volume.InexactFloat64(),
				QuoteVolume:    m.QuoteVolume.InexactFloat64(),
			})
		}
		onBatch(batch)
		return nil
	}
	return c.open(ctx, "ticker", []string{c.cfg.WSURL + "/ws/!ticker@arr"}, handle), nil
}

// open starts one reconnecting reader per url and returns the function that
// stops them all and waits for them to exit.
func (c *Client) open(ctx context.Context, kind string, urls []string, handle func([]byte) error) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, u := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.run(ctx, kind, u, handle)
		}()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}

// run keeps one stream connected until ctx is cancelled, backing off
// exponentially between attempts.
func (c *Client) run(ctx context.Context, kind, u string, handle func([]byte) error) {
	delay := c.cfg.ReconnectDelay
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		connected, err := c.runOnce(ctx, kind, u, handle)
		if err == nil {
			return
		}
		if connected {
			delay = c.cfg.ReconnectDelay
		}

		log.Printf("[binance] %s stream disconnected (%v), reconnecting in %s...", kind, err, delay)
		if c.OnReconnect != nil {
			c.OnReconnect(kind)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > c.cfg.MaxReconnectDelay {
			delay = c.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes a single connection attempt and reads until disconnect or
// ctx cancel. A nil error means ctx was cancelled.
func (c *Client) runOnce(ctx context.Context, kind, u string, handle func([]byte) error) (connected bool, err error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, err
	}
	defer conn.Close()

	c.connected.Add(1)
	defer c.connected.Add(-1)
	log.Printf("[binance] %s stream connected", kind)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		c.lastMsg.Store(time.Now().UnixMilli())

		if ctx.Err() != nil {
			return true, nil
		}
		if err := handle(raw); err != nil {
			log.Printf("[binance] %s parse error: %v", kind, err)
			if c.OnParseError != nil {
				c.OnParseError(kind)
			}
		}
	}
}
