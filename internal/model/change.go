package model

// ChangeKind names which read-side view changed.
type ChangeKind string

const (
	ChangeInstruments ChangeKind = "instruments"
	ChangeOrder       ChangeKind = "order"
	ChangeLive        ChangeKind = "live"
	ChangeSlow        ChangeKind = "slow"
	ChangeTicker      ChangeKind = "ticker"
	ChangeAlert       ChangeKind = "alert"
	ChangeConfig      ChangeKind = "config"
	ChangeSelection   ChangeKind = "selection"
)

// Change is an observer notification. It carries no state: consumers re-read
// the view they care about. Symbol is set for per-instrument changes.
type Change struct {
	Kind   ChangeKind `json:"kind"`
	Symbol string     `json:"symbol,omitempty"`
}
