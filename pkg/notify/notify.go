// Package notify delivers change events and operational alerts.
// Delivery is best effort: failures are logged and counted, never returned to the cycle.
package notify

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/nepremicninko/listing-watch/pkg/models"
)

// Notifier receives the aggregated change events of one cycle
type Notifier interface {
	Notify(ctx context.Context, events []models.ChangeEvent)
}

// Alerter reports operational failures (timeouts, exhausted retries)
type Alerter interface {
	Alert(ctx context.Context, title, message string)
}

// Service is both a Notifier and an Alerter
type Service interface {
	Notifier
	Alerter
}

// LogNotifier writes events and alerts to the log. Used when no webhook is configured.
type LogNotifier struct {
	log *logrus.Entry
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(log *logrus.Entry) *LogNotifier {
	return &LogNotifier{log: log}
}

// Notify implements Notifier
func (n *LogNotifier) Notify(_ context.Context, events []models.ChangeEvent) {
	for _, ev := range events {
		n.log.WithFields(logrus.Fields{
			"item_id":  ev.ItemID,
			"kind":     ev.Kind,
			"url":      ev.URL,
			"location": ev.Location,
		}).Info(priceLine(ev, false))
	}
}

// Alert implements Alerter
func (n *LogNotifier) Alert(_ context.Context, title, message string) {
	n.log.WithField("alert", title).Warn(message)
}

// priceLine renders the price of an event, e.g. "€1,250.00/m²" or
// "~~€100,000.00~~ → **€95,000.00**" when markdown is set.
func priceLine(ev models.ChangeEvent, markdown bool) string {
	suffix := ""
	if ev.PricePerSqm {
		suffix = "/m²"
	}
	current := formatEuro(ev.Price) + suffix
	if ev.Kind != models.ChangeKindPriceChanged || ev.OldPrice == nil {
		return current
	}
	old := formatEuro(*ev.OldPrice) + suffix
	if markdown {
		return "~~" + old + "~~ → **" + current + "**"
	}
	return old + " → " + current
}

// formatEuro formats d with two decimals and comma thousand separators
func formatEuro(d decimal.Decimal) string {
	s := d.StringFixed(2)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	intPart, frac, _ := strings.Cut(s, ".")

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return sign + "€" + b.String() + "." + frac
}
