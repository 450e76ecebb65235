// Package anomaly flags candles whose volume exceeds a multiple of the
// trailing average, at most once per candle.
package anomaly

import (
	"math"
	"sync"

	"market-screener/internal/model"
)

// Default thresholds used when settings carry none.
const (
	DefaultRatio  = 3.0
	DefaultWindow = 20
)

// Detector keeps, per symbol, the key of the last candle it flagged.
type Detector struct {
	mu    sync.Mutex
	fired map[string]model.CandleKey
}

// New creates an empty detector.
func New() *Detector {
	return &Detector{fired: make(map[string]model.CandleKey, 256)}
}

// Check reports whether c is a volume anomaly for symbol.
//
// The baseline is the mean of the last window entries of recent (which must
// not include c). Fewer entries average over what exists; none means no
// baseline and no anomaly. ratio that is not a positive finite number
// disables detection. A hit records c's (interval, openTime) so later updates
// to the same open candle do not fire again.
func (d *Detector) Check(symbol string, c model.Candle, recent []float64, ratio float64, window int) bool {
	if !(ratio > 0) || math.IsInf(ratio, 0) {
		return false
	}
	avg, ok := Mean(recent, window)
	if !ok {
		return false
	}
	if !(avg*ratio < finite(c.Volume)) {
		return false
	}

	key := c.Key()
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, seen := d.fired[symbol]; seen && last == key {
		return false
	}
	d.fired[symbol] = key
	return true
}

// Reset forgets every recorded key.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.fired = make(map[string]model.CandleKey, len(d.fired))
	d.mu.Unlock()
}

// Mean averages the last window values. ok is false when there is nothing
// to average. Non-finite values count as zero.
func Mean(values []float64, window int) (avg float64, ok bool) {
	if window > 0 && len(values) > window {
		values = values[len(values)-window:]
	}
	if len(values) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range values {
		sum += finite(v)
	}
	return sum / float64(len(values)), true
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
