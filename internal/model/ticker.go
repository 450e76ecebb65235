package model

// TickerSnapshot is the latest 24h rolling statistics for one instrument,
// delivered in batches by the ticker stream.
type TickerSnapshot struct {
	Symbol         string  `json:"symbol"`
	LastPrice      float64 `json:"last_price"`
	PriceChangePct float64 `json:"price_change_pct"`
	Volume         float64 `json:"volume"`       // base asset, 24h
	QuoteVolume    float64 `json:"quote_volume"` // quote asset, 24h
}
