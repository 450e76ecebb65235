package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-screener/internal/model"
)

func newTestKV(t *testing.T) (*SettingsKV, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	kv := NewFromClient(client, Config{MaxFailures: 1, ResetTimeout: 20 * time.Millisecond})
	t.Cleanup(func() { _ = kv.Close() })
	return kv, mr
}

func TestSettingsKV_RoundTrip(t *testing.T) {
	kv, mr := newTestKV(t)
	ctx := context.Background()

	_, err := kv.Get(ctx, "screener:interval")
	assert.True(t, errors.Is(err, model.ErrNotFound), "got %v", err)

	require.NoError(t, kv.Set(ctx, "screener:interval", []byte(`"5m"`)))
	got, err := kv.Get(ctx, "screener:interval")
	require.NoError(t, err)
	assert.Equal(t, `"5m"`, string(got))

	stored, err := mr.Get("screener:interval")
	require.NoError(t, err)
	assert.Equal(t, `"5m"`, stored)
	assert.NoError(t, kv.Ping(ctx))
}

func TestSettingsKV_BuffersWhileOpenAndFlushesOnClose(t *testing.T) {
	kv, mr := newTestKV(t)
	ctx := context.Background()
	flushed := make(chan int, 1)
	kv.OnFlush = func(n int) { flushed <- n }

	mr.SetError("LOADING dataset in memory")
	err := kv.Set(ctx, "screener:candleLength", []byte("100"))
	require.Error(t, err, "the failure that trips the breaker is reported")
	assert.Equal(t, StateOpen, kv.Breaker().CurrentState())

	require.NoError(t, kv.Set(ctx, "screener:candleLength", []byte("300")))
	require.NoError(t, kv.Set(ctx, "screener:candleLength", []byte("400")))
	assert.Equal(t, 1, kv.PendingCount(), "latest value per key")

	got, err := kv.Get(ctx, "screener:candleLength")
	require.NoError(t, err)
	assert.Equal(t, "400", string(got), "reads see buffered writes")

	_, err = kv.Get(ctx, "screener:other")
	assert.ErrorIs(t, err, ErrCircuitOpen)

	mr.SetError("")
	time.Sleep(30 * time.Millisecond)
	_, err = kv.Get(ctx, "screener:other") // probe closes the breaker
	assert.ErrorIs(t, err, model.ErrNotFound)

	select {
	case n := <-flushed:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("buffered writes never flushed")
	}
	stored, err := mr.Get("screener:candleLength")
	require.NoError(t, err)
	assert.Equal(t, "400", stored)
	assert.Equal(t, 0, kv.PendingCount())
}

func TestSettingsKV_BufferDropsOldestKey(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	kv := NewFromClient(client, Config{MaxFailures: 1, ResetTimeout: time.Hour, MaxBuffered: 2})
	defer kv.Close()
	ctx := context.Background()

	mr.SetError("ERR down")
	_ = kv.Set(ctx, "a", []byte("1"))
	require.NoError(t, kv.Set(ctx, "b", []byte("2")))
	require.NoError(t, kv.Set(ctx, "c", []byte("3")))
	require.NoError(t, kv.Set(ctx, "d", []byte("4")))

	assert.Equal(t, 2, kv.PendingCount())
	_, err := kv.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrCircuitOpen, "b was evicted from the buffer")
	got, err := kv.Get(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, "4", string(got))
}
