package alertlog

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-screener/internal/model"
)

func TestPush_NewestFirstAndCapped(t *testing.T) {
	l := New(nil)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < MaxEntries+25; i++ {
		a := model.Alert{Type: model.AlertVolumeAnomaly, Symbol: fmt.Sprintf("S%d", i), Timestamp: base.Add(time.Duration(i) * time.Second)}
		l.Push(a)
		require.LessOrEqual(t, l.Len(), MaxEntries)
		assert.Equal(t, a, l.Entries()[0])
	}

	assert.Equal(t, MaxEntries, l.Len())
	assert.Equal(t, "S124", l.Entries()[0].Symbol)
	assert.Equal(t, "S25", l.Entries()[MaxEntries-1].Symbol)
}

func TestPush_DoesNotMutatePreviousSnapshot(t *testing.T) {
	l := New([]model.Alert{{Symbol: "A"}})
	before := l.Entries()
	l.Push(model.Alert{Symbol: "B"})

	assert.Len(t, before, 1)
	assert.Equal(t, "A", before[0].Symbol)
}

func TestNew_CapsPersistedEntries(t *testing.T) {
	entries := make([]model.Alert, MaxEntries+10)
	assert.Equal(t, MaxEntries, New(entries).Len())
}

func TestUnseenSince(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	l := New(nil)
	for i := 0; i < 5; i++ {
		l.Push(model.Alert{Timestamp: t0.Add(time.Duration(i) * time.Minute)})
	}
	assert.Equal(t, 2, l.UnseenSince(t0.Add(2*time.Minute)))
	assert.Equal(t, 5, l.UnseenSince(time.Time{}))
}
