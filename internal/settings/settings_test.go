package settings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-screener/internal/marketdata/ranking"
	"market-screener/internal/model"
)

func TestLoad_EmptyBackendGivesDefaults(t *testing.T) {
	s := New(NewMemoryKV(), "")
	assert.Equal(t, Defaults(), s.Load(context.Background()))
}

func TestSaveThenLoad(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	s := New(kv, "test")

	require.NoError(t, s.Save(ctx, KeyInterval, model.Interval15m))
	require.NoError(t, s.Save(ctx, KeyThrottleDelay, 250))
	require.NoError(t, s.Save(ctx, KeySortCriterion, ranking.Alphabetical))
	require.NoError(t, s.Save(ctx, KeySortDirection, ranking.Asc))
	require.NoError(t, s.Save(ctx, KeyGridColumns, 6))
	require.NoError(t, s.Save(ctx, KeyPriceAlerts, map[string]model.PriceAlert{"BTCUSDT": {Above: 70000}}))
	require.NoError(t, s.Save(ctx, KeyAlertLog, []model.Alert{{Type: model.AlertPriceUp, Symbol: "BTCUSDT"}}))

	cfg := s.Load(ctx)
	assert.Equal(t, model.Interval15m, cfg.Interval)
	assert.Equal(t, 250*time.Millisecond, cfg.ThrottleDelay)
	assert.Equal(t, ranking.Alphabetical, cfg.SortCriterion)
	assert.Equal(t, ranking.Asc, cfg.SortDirection)
	assert.Equal(t, 6, cfg.GridColumns)
	assert.Equal(t, 70000.0, cfg.PriceAlerts["BTCUSDT"].Above)
	require.Len(t, cfg.AlertLog, 1)
	assert.Equal(t, model.AlertPriceUp, cfg.AlertLog[0].Type)

	// Untouched fields keep defaults.
	assert.Equal(t, Defaults().ChartType, cfg.ChartType)

	_, err := kv.Get(ctx, "test:interval")
	assert.NoError(t, err, "keys are namespaced")
}

func TestLoad_InvalidValuesFallBackToDefaults(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	require.NoError(t, kv.Set(ctx, "screener:interval", []byte(`"7m"`)))
	require.NoError(t, kv.Set(ctx, "screener:sortCriterion", []byte(`"market_cap"`)))
	require.NoError(t, kv.Set(ctx, "screener:candleLength", []byte(`{not json`)))
	require.NoError(t, kv.Set(ctx, "screener:someFutureKey", []byte(`1`)))

	cfg := New(kv, "").Load(ctx)
	def := Defaults()
	assert.Equal(t, def.Interval, cfg.Interval)
	assert.Equal(t, def.SortCriterion, cfg.SortCriterion)
	assert.Equal(t, def.CandleLength, cfg.CandleLength)
}

type brokenKV struct{}

func (brokenKV) Get(context.Context, string) ([]byte, error) { return nil, errors.New("backend down") }
func (brokenKV) Set(context.Context, string, []byte) error   { return errors.New("backend down") }

func TestBackendErrors(t *testing.T) {
	s := New(brokenKV{}, "")
	var hookErr error
	s.OnWrite = func(key string, err error) { hookErr = err }

	assert.Equal(t, Defaults(), s.Load(context.Background()))

	err := s.Save(context.Background(), KeyChartType, "line")
	assert.Error(t, err)
	assert.Equal(t, err, hookErr)
}
