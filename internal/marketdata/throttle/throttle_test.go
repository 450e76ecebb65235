package throttle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-screener/internal/model"
)

type recorder struct {
	mu  sync.Mutex
	got []deferred
}

type deferred struct {
	symbol string
	series []model.Candle
	gen    uint64
	seq    uint64
}

func (r *recorder) hook(symbol string, s []model.Candle, gen, seq uint64) {
	r.mu.Lock()
	r.got = append(r.got, deferred{symbol: symbol, series: s, gen: gen, seq: seq})
	r.mu.Unlock()
}

func (r *recorder) snapshot() []deferred {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]deferred(nil), r.got...)
}

func seriesOf(openTime int64) []model.Candle {
	return []model.Candle{{Symbol: "ETHUSDT", Interval: model.Interval1m, OpenTime: openTime}}
}

func TestGate_FirstNotifyPropagatesImmediately(t *testing.T) {
	l := New(50 * time.Millisecond)
	assert.True(t, l.Notify("ETHUSDT", seriesOf(1)))
}

func TestGate_BurstCoalescesToLastValue(t *testing.T) {
	rec := &recorder{}
	l := New(40 * time.Millisecond)
	l.OnDeferred = rec.hook

	g := l.Register("ETHUSDT")
	require.True(t, g.Notify(seriesOf(0)))

	for i := int64(1); i <= 5; i++ {
		assert.False(t, g.Notify(seriesOf(i)), "notify %d inside the window should be parked", i)
	}

	time.Sleep(120 * time.Millisecond)

	got := rec.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "ETHUSDT", got[0].symbol)
	assert.Equal(t, int64(5), got[0].series[0].OpenTime)
}

func TestGate_NoImmediateWhileTrailingPending(t *testing.T) {
	rec := &recorder{}
	l := New(40 * time.Millisecond)
	l.OnDeferred = rec.hook

	g := l.Register("ETHUSDT")
	require.True(t, g.Notify(seriesOf(0)))
	require.False(t, g.Notify(seriesOf(1)))

	// The window has elapsed only for the timer; a value arriving right after
	// it fired must wait for the next window.
	time.Sleep(60 * time.Millisecond)
	assert.False(t, g.Notify(seriesOf(2)))

	time.Sleep(100 * time.Millisecond)
	got := rec.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].series[0].OpenTime)
	assert.Equal(t, int64(2), got[1].series[0].OpenTime)
}

func TestGate_OfferSequenceOrdersDeferredAgainstImmediate(t *testing.T) {
	rec := &recorder{}
	l := New(20 * time.Millisecond)
	l.OnDeferred = rec.hook

	g := l.Register("ETHUSDT")
	first, now := g.Offer(seriesOf(0))
	require.True(t, now)
	parked, now := g.Offer(seriesOf(1))
	require.False(t, now)
	require.Greater(t, parked, first)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, parked, rec.snapshot()[0].seq)

	// Once the window after the trailing fire has passed, the next offer goes
	// out immediately with a higher sequence than the deferred one.
	time.Sleep(40 * time.Millisecond)
	later, now := g.Offer(seriesOf(2))
	require.True(t, now)
	assert.Greater(t, later, parked)

	// Sequence numbers keep growing across a rebuild.
	l.Rebuild(20 * time.Millisecond)
	fresh, now := l.Register("ETHUSDT").Offer(seriesOf(3))
	require.True(t, now)
	assert.Greater(t, fresh, later)
}

func TestGate_QuietPeriodResetsLeadingEdge(t *testing.T) {
	l := New(20 * time.Millisecond)
	g := l.Register("ETHUSDT")
	require.True(t, g.Notify(seriesOf(0)))
	time.Sleep(40 * time.Millisecond)
	assert.True(t, g.Notify(seriesOf(1)))
}

func TestLayer_GatesAreIndependent(t *testing.T) {
	l := New(time.Second)
	require.True(t, l.Notify("ETHUSDT", seriesOf(0)))
	assert.True(t, l.Notify("BTCUSDT", seriesOf(0)))
	assert.False(t, l.Notify("ETHUSDT", seriesOf(1)))
	assert.Equal(t, 2, l.Len())
}

func TestLayer_RebuildDropsPending(t *testing.T) {
	rec := &recorder{}
	l := New(30 * time.Millisecond)
	l.OnDeferred = rec.hook

	old := l.Register("ETHUSDT")
	require.True(t, old.Notify(seriesOf(0)))
	require.False(t, old.Notify(seriesOf(1)))

	l.Rebuild(10 * time.Millisecond)
	assert.Equal(t, uint64(1), l.Generation())
	assert.Equal(t, 10*time.Millisecond, l.Delay())
	assert.Equal(t, 0, l.Len())

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, rec.snapshot(), "pending value from old generation must be dropped")

	// Old handle is inert; a fresh one starts with a leading edge.
	assert.False(t, old.Notify(seriesOf(2)))
	assert.True(t, l.Notify("ETHUSDT", seriesOf(3)))
}

func TestLayer_ZeroDelayDisablesThrottle(t *testing.T) {
	l := New(0)
	for i := int64(0); i < 3; i++ {
		assert.True(t, l.Notify("ETHUSDT", seriesOf(i)))
	}
}

func TestLayer_StopCancelsTimers(t *testing.T) {
	rec := &recorder{}
	l := New(30 * time.Millisecond)
	l.OnDeferred = rec.hook

	require.True(t, l.Notify("ETHUSDT", seriesOf(0)))
	require.False(t, l.Notify("ETHUSDT", seriesOf(1)))
	l.Stop()

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}
