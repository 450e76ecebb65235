// Package notification delivers alerts to external channels (log, webhook,
// Telegram). Every alert type maps to a distinct sound/marker so a listener
// can tell price breakouts from volume anomalies without reading the text.
package notification

import (
	"context"
	"errors"
	"log"

	"market-screener/internal/model"
)

// Notifier is the alert sink interface.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert model.Alert) error
}

// Sound returns the notification sound name for an alert type.
func Sound(t model.AlertType) string {
	switch t {
	case model.AlertPriceUp:
		return "price_up"
	case model.AlertPriceDown:
		return "price_down"
	case model.AlertVolumeAnomaly:
		return "volume_anomaly"
	default:
		return "default"
	}
}

// LogNotifier is a simple notifier that logs alerts (useful for development).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert model.Alert) error {
	log.Printf("[notify] [%s] %s price=%g volume=%g sound=%s",
		alert.Type, alert.Symbol, alert.Price, alert.Volume, Sound(alert.Type))
	return nil
}

// Multi fans an alert out to several notifiers. Every notifier is tried;
// the returned error joins all failures.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert model.Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
