package model

import "time"

// AlertType tags what fired an alert. Sinks map each type to a distinct notification.
type AlertType string

const (
	AlertPriceUp       AlertType = "PRICE_UP"
	AlertPriceDown     AlertType = "PRICE_DOWN"
	AlertVolumeAnomaly AlertType = "VOLUME_ANOMALY"
)

// Valid reports whether t is one of the known alert types.
func (t AlertType) Valid() bool {
	switch t {
	case AlertPriceUp, AlertPriceDown, AlertVolumeAnomaly:
		return true
	}
	return false
}

// Alert is one alert log entry and the payload handed to the sink.
type Alert struct {
	Type      AlertType `json:"type"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// PriceAlert holds one-shot price levels for an instrument. Zero disables a side.
type PriceAlert struct {
	Above float64 `json:"above,omitempty"`
	Below float64 `json:"below,omitempty"`
}

// Empty reports whether no level is armed.
func (p PriceAlert) Empty() bool {
	return p.Above <= 0 && p.Below <= 0
}
