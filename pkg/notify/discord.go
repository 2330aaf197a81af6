package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nepremicninko/listing-watch/pkg/config"
	"github.com/nepremicninko/listing-watch/pkg/metrics"
	"github.com/nepremicninko/listing-watch/pkg/models"
)

// Embed colors
const (
	colorNew         = 5763719  // green
	colorPriceChange = 16776960 // yellow
	colorAlert       = 15548997 // red
)

// maxEmbedsPerMessage is the webhook limit on embeds in one message
const maxEmbedsPerMessage = 10

// maxRateLimitWait caps how long a 429 retry_after is honoured
const maxRateLimitWait = 30 * time.Second

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type embed struct {
	Title       string       `json:"title"`
	URL         string       `json:"url,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type webhookMessage struct {
	Username string  `json:"username,omitempty"`
	Embeds   []embed `json:"embeds"`
}

type rateLimitBody struct {
	RetryAfter float64 `json:"retry_after"` // Seconds
}

// DiscordNotifier posts events as webhook embeds, ChunkSize embeds per message
type DiscordNotifier struct {
	webhookURL string
	username   string
	footer     string
	chunkSize  int
	chunkDelay time.Duration
	client     *http.Client
	metrics    *metrics.Metrics
	log        *logrus.Entry
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewDiscordNotifier creates a notifier for a validated notify config. m may be nil.
func NewDiscordNotifier(cfg config.NotifyConfig, client *http.Client, m *metrics.Metrics, log *logrus.Entry) *DiscordNotifier {
	chunk := cfg.ChunkSize
	if chunk <= 0 || chunk > maxEmbedsPerMessage {
		chunk = maxEmbedsPerMessage
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &DiscordNotifier{
		webhookURL: cfg.DiscordWebhookURL,
		username:   cfg.Username,
		footer:     cfg.Footer,
		chunkSize:  chunk,
		chunkDelay: cfg.ChunkDelay,
		client:     client,
		metrics:    m,
		log:        log,
		sleep:      sleepCtx,
	}
}

// New returns a DiscordNotifier when a webhook is configured, otherwise a LogNotifier
func New(cfg config.NotifyConfig, client *http.Client, m *metrics.Metrics, log *logrus.Entry) Service {
	if cfg.DiscordWebhookURL == "" {
		return NewLogNotifier(log)
	}
	return NewDiscordNotifier(cfg, client, m, log)
}

// Notify implements Notifier. A failed message is logged and the remaining ones are still sent.
func (d *DiscordNotifier) Notify(ctx context.Context, events []models.ChangeEvent) {
	if len(events) == 0 {
		return
	}
	embeds := make([]embed, 0, len(events))
	for _, ev := range events {
		embeds = append(embeds, d.eventEmbed(ev))
	}

	d.log.Infof("Sending %d notifications to Discord", len(events))
	sent := 0
	for start := 0; start < len(embeds); start += d.chunkSize {
		if start > 0 && d.chunkDelay > 0 {
			if err := d.sleep(ctx, d.chunkDelay); err != nil {
				d.log.Warnf("Notification delivery interrupted after %d of %d events: %v", sent, len(events), err)
				return
			}
		}
		end := min(start+d.chunkSize, len(embeds))
		chunk := embeds[start:end]
		if err := d.post(ctx, webhookMessage{Username: d.username, Embeds: chunk}); err != nil {
			d.metrics.Notification("failed")
			d.log.WithField("chunk", start/d.chunkSize+1).Errorf("Failed to send %d embeds to Discord: %v", len(chunk), err)
			continue
		}
		d.metrics.Notification("sent")
		sent += len(chunk)
	}
	d.log.Infof("Delivered %d/%d notifications", sent, len(events))
}

// Alert implements Alerter
func (d *DiscordNotifier) Alert(ctx context.Context, title, message string) {
	msg := webhookMessage{
		Username: d.username,
		Embeds: []embed{{
			Title:       "⚠️ " + title,
			Description: message,
			Color:       colorAlert,
			Footer:      d.footerOrNil(),
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}},
	}
	if err := d.post(ctx, msg); err != nil {
		d.metrics.Notification("failed")
		d.log.Errorf("Failed to send alert '%s': %v", title, err)
		return
	}
	d.metrics.Notification("alert")
}

func (d *DiscordNotifier) eventEmbed(ev models.ChangeEvent) embed {
	e := embed{
		URL:    ev.URL,
		Footer: d.footerOrNil(),
		Fields: []embedField{{Name: "💵 Price", Value: priceLine(ev, true), Inline: true}},
	}
	if ev.Kind == models.ChangeKindPriceChanged {
		e.Title = "💰 Price Change - " + ev.ItemID
		e.Color = colorPriceChange
	} else {
		e.Title = "🏡 New Listing - " + ev.ItemID
		e.Color = colorNew
	}
	if ev.Location != "" {
		e.Fields = append(e.Fields, embedField{Name: "📍 Location", Value: ev.Location, Inline: true})
	}
	if ev.SizeSqm != nil {
		e.Fields = append(e.Fields, embedField{Name: "📐 Size", Value: ev.SizeSqm.String() + " m²", Inline: true})
	}
	return e
}

func (d *DiscordNotifier) footerOrNil() *embedFooter {
	if d.footer == "" {
		return nil
	}
	return &embedFooter{Text: d.footer}
}

// post sends one message, honouring a single 429 retry_after
func (d *DiscordNotifier) post(ctx context.Context, msg webhookMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal webhook message: %w", err)
	}

	for attempt := 0; ; attempt++ {
		wait, err := d.send(ctx, body)
		if err == nil {
			return nil
		}
		if wait <= 0 || attempt > 0 {
			return err
		}
		d.log.Warnf("Discord rate limited, retrying in %v", wait)
		if err := d.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// send performs one POST. A positive duration means the request was rate limited.
func (d *DiscordNotifier) send(ctx context.Context, body []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return 0, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return retryAfter(resp.Header.Get("Retry-After"), respBody), fmt.Errorf("webhook rate limited: status %d", resp.StatusCode)
	default:
		return 0, fmt.Errorf("webhook error: status %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}
}

// retryAfter reads the wait from the JSON body, falling back to the header
func retryAfter(header string, body []byte) time.Duration {
	var wait time.Duration
	var rl rateLimitBody
	if err := json.Unmarshal(body, &rl); err == nil && rl.RetryAfter > 0 {
		wait = time.Duration(rl.RetryAfter * float64(time.Second))
	} else if secs, err := strconv.ParseFloat(header, 64); err == nil && secs > 0 {
		wait = time.Duration(secs * float64(time.Second))
	} else {
		wait = time.Second
	}
	return min(wait, maxRateLimitWait)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
