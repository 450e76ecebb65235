// Package throttle rate-limits how fast per-instrument series updates reach
// expensive consumers. Each instrument has its own gate: the first update
// after a quiet period passes straight through, later updates inside the
// window are coalesced and only the newest one is delivered when the window
// elapses.
package throttle

import (
	"sync"
	"time"

	"market-screener/internal/model"
)

// Layer is an arena of gates keyed by symbol. All gates share one delay.
type Layer struct {
	mu    sync.Mutex
	delay time.Duration
	gen   uint64
	seq   uint64 // offer counter, monotonic across generations
	gates map[string]*Gate

	// OnDeferred receives trailing propagations. It runs on a timer
	// goroutine; gen is the layer generation the value was parked under and
	// seq the number Offer handed out for it. A receiver that has already
	// propagated a higher seq for symbol must drop the value.
	OnDeferred func(symbol string, s []model.Candle, gen, seq uint64)
}

// Gate is the handle for one instrument. A gate from a previous generation
// (before Rebuild) is inert: Notify always returns false and nothing fires.
type Gate struct {
	layer  *Layer
	symbol string
	gen    uint64

	last       time.Time
	pending    []model.Candle
	pendingSeq uint64
	hasPending bool
	timer      *time.Timer
}

// New creates a layer with the given window. delay <= 0 disables throttling.
func New(delay time.Duration) *Layer {
	return &Layer{
		delay: delay,
		gates: make(map[string]*Gate, 256),
	}
}

// Register returns the gate for symbol, creating it on first use.
func (l *Layer) Register(symbol string) *Gate {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.gates[symbol]
	if !ok {
		g = &Gate{layer: l, symbol: symbol, gen: l.gen}
		l.gates[symbol] = g
	}
	return g
}

// Notify is Register(symbol).Notify(s).
func (l *Layer) Notify(symbol string, s []model.Candle) bool {
	return l.Register(symbol).Notify(s)
}

// Notify offers a new series. It returns true when the caller should
// propagate s right now; otherwise s is parked and the newest parked value is
// delivered once through OnDeferred when the window closes.
func (g *Gate) Notify(s []model.Candle) bool {
	_, now := g.Offer(s)
	return now
}

// Offer is Notify that also returns the sequence number assigned to s.
// Sequence numbers grow with every offer on the layer, so a receiver can
// order an immediate propagation against a deferred one still in transit.
func (g *Gate) Offer(s []model.Candle) (seq uint64, now bool) {
	l := g.layer
	l.mu.Lock()
	defer l.mu.Unlock()

	if g.gen != l.gen {
		return 0, false
	}
	l.seq++
	seq = l.seq
	if l.delay <= 0 {
		return seq, true
	}

	t := time.Now()
	// A trailing propagation is scheduled: never let a newer value overtake it.
	if g.timer == nil && (g.last.IsZero() || t.Sub(g.last) >= l.delay) {
		g.last = t
		return seq, true
	}

	g.pending = s
	g.pendingSeq = seq
	g.hasPending = true
	if g.timer == nil {
		wait := l.delay - t.Sub(g.last)
		gen := g.gen
		g.timer = time.AfterFunc(wait, func() { l.fire(g, gen) })
	}
	return seq, false
}

func (l *Layer) fire(g *Gate, gen uint64) {
	l.mu.Lock()
	if gen != l.gen || g.timer == nil {
		l.mu.Unlock()
		return
	}
	s, seq, has := g.pending, g.pendingSeq, g.hasPending
	g.pending = nil
	g.hasPending = false
	g.timer = nil
	g.last = time.Now()
	cb := l.OnDeferred
	l.mu.Unlock()

	if has && cb != nil {
		cb(g.symbol, s, gen, seq)
	}
}

// Rebuild discards every gate and pending propagation (they are dropped, not
// flushed) and starts a new generation with the given delay.
func (l *Layer) Rebuild(delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
	l.delay = delay
	l.gen++
	l.gates = make(map[string]*Gate, len(l.gates))
}

// Stop cancels all pending timers. The layer stays usable.
func (l *Layer) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
}

func (l *Layer) stopLocked() {
	for _, g := range l.gates {
		if g.timer != nil {
			g.timer.Stop()
			g.timer = nil
		}
		g.pending = nil
		g.hasPending = false
	}
}

// Generation returns the current generation counter.
func (l *Layer) Generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen
}

// Delay returns the current window.
func (l *Layer) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delay
}

// Len returns the number of registered gates.
func (l *Layer) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.gates)
}
