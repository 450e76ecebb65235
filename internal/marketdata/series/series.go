// Package series merges streaming candle updates into per-instrument time
// series. A series is ordered by OpenTime and never mutated once handed out:
// every change produces a new slice header, so a consumer holding an older
// series keeps seeing exactly what it read.
package series

import (
	"math"

	"market-screener/internal/model"
)

// Result classifies what Apply did with an update.
type Result int

const (
	Appended Result = iota // new bucket
	Replaced               // same bucket, last candle overwritten
	Stale                  // older than the last bucket, ignored
)

func (r Result) String() string {
	switch r {
	case Appended:
		return "appended"
	case Replaced:
		return "replaced"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Merge returns existing with update merged in.
//
//   - empty existing → [update]
//   - same OpenTime as the last candle → last candle replaced field-wise
//   - greater OpenTime → update appended
//
// An update older than the last candle is ignored and existing is returned
// unchanged; use Apply to tell that case apart.
func Merge(existing []model.Candle, update model.Candle) []model.Candle {
	out, _ := Apply(existing, update)
	return out
}

// Apply is Merge that also reports which branch was taken.
func Apply(existing []model.Candle, update model.Candle) ([]model.Candle, Result) {
	n := len(existing)
	if n == 0 {
		return []model.Candle{update}, Appended
	}

	last := existing[n-1].OpenTime
	switch {
	case update.OpenTime == last:
		// Copy so a slice held by a consumer never changes under it.
		out := make([]model.Candle, n)
		copy(out, existing)
		out[n-1] = update
		return out, Replaced
	case update.OpenTime > last:
		// Full slice expression: the append always gets its own backing array.
		return append(existing[:n:n], update), Appended
	default:
		return existing, Stale
	}
}

// Trim keeps the newest max candles. The input is returned as-is when it
// already fits; otherwise a fresh slice is allocated.
func Trim(s []model.Candle, max int) []model.Candle {
	if max <= 0 || len(s) <= max {
		return s
	}
	out := make([]model.Candle, max)
	copy(out, s[len(s)-max:])
	return out
}

// Volumes returns the volumes of up to window candles preceding the last
// (open) candle, oldest first. Non-finite volumes read as zero.
func Volumes(s []model.Candle, window int) []float64 {
	if len(s) < 2 || window <= 0 {
		return nil
	}
	prev := s[:len(s)-1]
	if len(prev) > window {
		prev = prev[len(prev)-window:]
	}
	out := make([]float64, len(prev))
	for i, c := range prev {
		out[i] = finite(c.Volume)
	}
	return out
}

// Last returns the newest candle, if any.
func Last(s []model.Candle) (model.Candle, bool) {
	if len(s) == 0 {
		return model.Candle{}, false
	}
	return s[len(s)-1], true
}

// FromHistory normalises a fetched snapshot: it drops out-of-order or
// duplicate buckets by folding every candle through Apply.
func FromHistory(candles []model.Candle) []model.Candle {
	var out []model.Candle
	for _, c := range candles {
		out, _ = Apply(out, c)
	}
	return out
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
