package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-screener/internal/marketdata/agg"
	"market-screener/internal/marketdata/bus"
	"market-screener/internal/marketdata/ranking"
	"market-screener/internal/model"
	"market-screener/internal/settings"
)

// fakeScreener serves canned views and records setter calls.
type fakeScreener struct {
	mu       sync.Mutex
	cfg      settings.Config
	order    []string
	inst     map[string]model.Instrument
	slow     map[string][]model.Candle
	live     map[string][]model.Candle
	selected []string
	alerts   []model.Alert
}

func newFakeScreener() *fakeScreener {
	return &fakeScreener{
		cfg:   settings.Defaults(),
		order: []string{"ETHUSDT", "BTCUSDT"},
		inst: map[string]model.Instrument{
			"BTCUSDT": {Symbol: "BTCUSDT", QuoteAsset: "USDT"},
			"ETHUSDT": {Symbol: "ETHUSDT", QuoteAsset: "USDT"},
		},
		slow: map[string][]model.Candle{"BTCUSDT": {{Symbol: "BTCUSDT", OpenTime: 60_000, Close: 1}}},
		live: map[string][]model.Candle{"BTCUSDT": {{Symbol: "BTCUSDT", OpenTime: 60_000, Close: 1}, {Symbol: "BTCUSDT", OpenTime: 120_000, Close: 2}}},
	}
}

func (f *fakeScreener) Order() []string { return f.order }
func (f *fakeScreener) Instruments() []model.Instrument {
	return []model.Instrument{f.inst["ETHUSDT"], f.inst["BTCUSDT"]}
}
func (f *fakeScreener) Instrument(s string) (model.Instrument, bool) {
	in, ok := f.inst[s]
	return in, ok
}
func (f *fakeScreener) Live(s string) []model.Candle        { return f.live[s] }
func (f *fakeScreener) Slow(s string) []model.Candle        { return f.slow[s] }
func (f *fakeScreener) Volumes() map[string]float64         { return map[string]float64{"BTCUSDT": 10} }
func (f *fakeScreener) Changes() map[string]float64         { return map[string]float64{"BTCUSDT": -2} }
func (f *fakeScreener) Alerts() []model.Alert               { return f.alerts }
func (f *fakeScreener) UnseenAlerts() int                   { return len(f.alerts) }
func (f *fakeScreener) Config() settings.Config             { f.mu.Lock(); defer f.mu.Unlock(); return f.cfg }
func (f *fakeScreener) MarkAlertsSeen(context.Context) error { return nil }

func (f *fakeScreener) SetInterval(_ context.Context, iv model.Interval) error {
	f.mu.Lock()
	f.cfg.Interval = iv
	f.mu.Unlock()
	return nil
}
func (f *fakeScreener) SetThrottleDelay(context.Context, time.Duration) error { return nil }
func (f *fakeScreener) SetSort(_ context.Context, c, d string) error {
	crit, err := ranking.ParseCriterion(c)
	if err != nil {
		return err
	}
	dir, err := ranking.ParseDirection(d)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.cfg.SortCriterion, f.cfg.SortDirection = crit, dir
	f.mu.Unlock()
	return nil
}
func (f *fakeScreener) SetCandleLength(context.Context, int) error     { return nil }
func (f *fakeScreener) SetDisplay(context.Context, agg.Display) error { return nil }
func (f *fakeScreener) SetPriceAlert(_ context.Context, s string, pa model.PriceAlert) error {
	f.mu.Lock()
	f.cfg.PriceAlerts = map[string]model.PriceAlert{s: pa}
	f.mu.Unlock()
	return nil
}
func (f *fakeScreener) SetAnomalyThreshold(context.Context, float64, int) error { return nil }
func (f *fakeScreener) Trigger(_ context.Context, t model.AlertType, s string) error {
	f.alerts = append(f.alerts, model.Alert{Type: t, Symbol: s})
	return nil
}
func (f *fakeScreener) SelectSymbol(s string) {
	f.mu.Lock()
	f.selected = append(f.selected, s)
	f.mu.Unlock()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_ReadViews(t *testing.T) {
	h := NewRouter(newFakeScreener(), nil)

	rec := do(t, h, http.MethodGet, "/api/order", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["ETHUSDT","BTCUSDT"]`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/candles/btcusdt", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var slow []model.Candle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &slow))
	assert.Len(t, slow, 1)

	rec = do(t, h, http.MethodGet, "/api/candles/BTCUSDT?view=live", "")
	var live []model.Candle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &live))
	assert.Len(t, live, 2)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/candles/DOGEUSDT", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/candles/BTCUSDT?view=fast", "").Code)

	rec = do(t, h, http.MethodGet, "/api/grid", "")
	var rows []rowDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "ETHUSDT", rows[0].Symbol)
	assert.Empty(t, rows[0].Candles)
	assert.Equal(t, 10.0, rows[1].QuoteVolume)
	assert.Equal(t, -2.0, rows[1].PriceChangePct)
}

func TestRouter_ConfigSetters(t *testing.T) {
	fs := newFakeScreener()
	h := NewRouter(fs, nil)

	rec := do(t, h, http.MethodPut, "/api/config/sort", `{"criterion":"alphabetical","direction":"asc"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg configDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, "alphabetical", cfg.SortCriterion)

	rec = do(t, h, http.MethodPut, "/api/config/sort", `{"criterion":"market_cap","direction":"asc"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "market_cap")

	rec = do(t, h, http.MethodPut, "/api/config/interval", `{"interval":"15m"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.Interval15m, fs.Config().Interval)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPut, "/api/config/interval", `{"interval":"7m"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPut, "/api/config/interval", `not json`).Code)

	rec = do(t, h, http.MethodPut, "/api/price-alerts/btcusdt", `{"above":70000}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 70000.0, fs.Config().PriceAlerts["BTCUSDT"].Above)

	rec = do(t, h, http.MethodPost, "/api/alerts", `{"type":"PRICE_UP","symbol":"btcusdt"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/alerts", "")
	assert.Contains(t, rec.Body.String(), `"unseen":1`)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/alerts", `{"type":"NOPE","symbol":"X"}`).Code)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/select/ethusdt", "").Code)
	assert.Equal(t, []string{"ETHUSDT"}, fs.selected)
}

func TestStream_FiltersAndSelects(t *testing.T) {
	fs := newFakeScreener()
	fan := bus.New(16)
	in := make(chan model.Change, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fan.Run(ctx, in)

	srv := httptest.NewServer(NewRouter(fs, fan))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"FILTER","kinds":["order"]}`)))
	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "filter_ack", ack["type"])

	in <- model.Change{Kind: model.ChangeSlow, Symbol: "BTCUSDT"}
	in <- model.Change{Kind: model.ChangeOrder}

	var env envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "change", env.Type)
	assert.Equal(t, model.ChangeOrder, env.Kind)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"SELECT","symbol":"btcusdt"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"ping":42}`)))
	var pong map[string]any
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong["type"])

	fs.mu.Lock()
	assert.Equal(t, []string{"BTCUSDT"}, fs.selected)
	fs.mu.Unlock()
}
