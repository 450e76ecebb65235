package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"market-screener/internal/model"
)

// maxKlines is the server-side cap on one klines request.
const maxKlines = 1000

type exchangeInfo struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
		Filters    []struct {
			FilterType string `json:"filterType"`
			TickSize   string `json:"tickSize"`
			StepSize   string `json:"stepSize"`
		} `json:"filters"`
	} `json:"symbols"`
}

// FetchInstruments loads the trading universe in exchange order, filtered to
// TRADING symbols of the configured quote asset and capped at SymbolLimit.
func (c *Client) FetchInstruments(ctx context.Context) ([]model.Instrument, error) {
	var info exchangeInfo
	if err := c.get(ctx, "/api/v3/exchangeInfo", nil, &info); err != nil {
		return nil, fmt.Errorf("binance: fetch instruments: %w", err)
	}

	out := make([]model.Instrument, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		if c.cfg.QuoteAsset != "" && s.QuoteAsset != c.cfg.QuoteAsset {
			continue
		}
		in := model.Instrument{
			Symbol:            s.Symbol,
			BaseAsset:         s.BaseAsset,
			QuoteAsset:        s.QuoteAsset,
			Status:            s.Status,
			PricePrecision:    8,
			QuantityPrecision: 8,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				in.TickSize = f.TickSize
				in.PricePrecision = precision(f.TickSize)
			case "LOT_SIZE":
				in.QuantityPrecision = precision(f.StepSize)
			}
		}
		out = append(out, in)
		if c.cfg.SymbolLimit > 0 && len(out) == c.cfg.SymbolLimit {
			break
		}
	}
	return out, nil
}

// precision counts significant decimals of a step such as "0.01000000".
func precision(step string) int {
	d, err := decimal.NewFromString(step)
	if err != nil || !d.IsPositive() {
		return 8
	}
	s := d.String()
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

// FetchHistory loads up to limit klines, oldest first.
func (c *Client) FetchHistory(ctx context.Context, symbol string, iv model.Interval, limit int) ([]model.Candle, error) {
	if !iv.Valid() {
		return nil, fmt.Errorf("binance: fetch history %s: invalid interval %q", symbol, iv)
	}
	if limit <= 0 || limit > maxKlines {
		limit = maxKlines
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", string(iv))
	q.Set("limit", strconv.Itoa(limit))

	var rows [][]json.RawMessage
	if err := c.get(ctx, "/api/v3/klines", q, &rows); err != nil {
		return nil, fmt.Errorf("binance: fetch history %s %s: %w", symbol, iv, err)
	}

	now := time.Now().UnixMilli()
	out := make([]model.Candle, 0, len(rows))
	for i, row := range rows {
		k, err := parseKlineRow(row)
		if err != nil {
			return nil, fmt.Errorf("binance: fetch history %s: row %d: %w", symbol, i, err)
		}
		out = append(out, model.Candle{
			Symbol:      symbol,
			Interval:    iv,
			OpenTime:    k.openTime,
			Open:        k.open.InexactFloat64(),
			High:        k.high.InexactFloat64(),
			Low:         k.low.InexactFloat64(),
			Close:       k.close.InexactFloat64(),
			Volume:      k.volume.InexactFloat64(),
			QuoteVolume: k.quoteVolume.InexactFloat64(),
			Trades:      k.trades,
			Closed:      k.closeTime < now,
		})
	}
	return out, nil
}

type klineRow struct {
	openTime, closeTime    int64
	open, high, low, close decimal.Decimal
	volume, quoteVolume    decimal.Decimal
	trades                 int64
}

// parseKlineRow decodes one positional kline array:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume, trades, ...].
func parseKlineRow(row []json.RawMessage) (klineRow, error) {
	var k klineRow
	if len(row) < 9 {
		return k, fmt.Errorf("short kline row (%d fields)", len(row))
	}
	targets := []any{&k.openTime, &k.open, &k.high, &k.low, &k.close, &k.volume, &k.closeTime, &k.quoteVolume, &k.trades}
	for i, dst := range targets {
		if err := json.Unmarshal(row[i], dst); err != nil {
			return k, fmt.Errorf("field %d: %w", i, err)
		}
	}
	return k, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.cfg.RESTURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(body, apiErr)
		return apiErr
	}
	return json.Unmarshal(body, out)
}
