package model

// Instrument represents a tradeable symbol and its exchange metadata.
// Immutable once loaded; a metadata refresh replaces the whole set.
type Instrument struct {
	Symbol            string `json:"symbol"`
	BaseAsset         string `json:"base_asset"`
	QuoteAsset        string `json:"quote_asset"`
	Status            string `json:"status"` // TRADING, BREAK, ...
	PricePrecision    int    `json:"price_precision"`
	QuantityPrecision int    `json:"quantity_precision"`
	TickSize          string `json:"tick_size"`
}
