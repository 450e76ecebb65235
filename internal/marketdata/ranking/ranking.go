// Package ranking orders the instrument set by a user-selected criterion.
package ranking

import (
	"cmp"
	"fmt"
	"math"
	"slices"
)

// Criterion selects the comparator.
type Criterion string

const (
	None         Criterion = "none"
	Alphabetical Criterion = "alphabetical"
	Volume       Criterion = "volume"
	VolumeChange Criterion = "volume_change"
)

// Direction flips the comparator.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// ConfigurationError reports an unknown criterion or direction. It is a
// programmer error: callers should surface it, not swallow it.
type ConfigurationError struct {
	Field string
	Value string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("ranking: unknown %s %q", e.Field, e.Value)
}

// ParseCriterion validates s.
func ParseCriterion(s string) (Criterion, error) {
	switch c := Criterion(s); c {
	case None, Alphabetical, Volume, VolumeChange:
		return c, nil
	}
	return "", &ConfigurationError{Field: "criterion", Value: s}
}

// ParseDirection validates s.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case Asc, Desc:
		return d, nil
	}
	return "", &ConfigurationError{Field: "direction", Value: s}
}

// DependsOnVolume reports whether a volume map update must re-rank.
func (c Criterion) DependsOnVolume() bool { return c == Volume }

// DependsOnChange reports whether a price-change map update must re-rank.
func (c Criterion) DependsOnChange() bool { return c == VolumeChange }

// Input is everything Rank needs. Maps are read, never written.
type Input struct {
	Natural   []string // load order from metadata
	Previous  []string // ordering currently exposed; falls back to Natural
	Criterion Criterion
	Direction Direction
	Volumes   map[string]float64
	Changes   map[string]float64
}

// Rank returns a new ordering of the instrument ids.
//
// None keeps load order (Desc reverses it). The other criteria sort a copy of
// the previous ordering; the id is the final tie-break so the result is a
// total order and Desc is exactly the reverse of Asc.
func Rank(in Input) ([]string, error) {
	if _, err := ParseDirection(string(in.Direction)); err != nil {
		return nil, err
	}

	base := in.Previous
	if len(base) == 0 {
		base = in.Natural
	}

	var metric map[string]float64
	switch in.Criterion {
	case None:
		out := slices.Clone(in.Natural)
		if in.Direction == Desc {
			slices.Reverse(out)
		}
		return out, nil
	case Alphabetical:
	case Volume:
		metric = in.Volumes
	case VolumeChange:
		metric = in.Changes
	default:
		return nil, &ConfigurationError{Field: "criterion", Value: string(in.Criterion)}
	}

	out := slices.Clone(base)
	sign := 1
	if in.Direction == Desc {
		sign = -1
	}
	slices.SortStableFunc(out, func(a, b string) int {
		if metric != nil {
			if c := cmp.Compare(value(metric, a), value(metric, b)); c != 0 {
				return sign * c
			}
		}
		return sign * cmp.Compare(a, b)
	})
	return out, nil
}

// value reads a metric, treating missing and non-finite entries as zero.
func value(m map[string]float64, id string) float64 {
	v, ok := m[id]
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
