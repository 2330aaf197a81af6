package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"

	"github.com/nepremicninko/listing-watch/pkg/models"
)

// BrowserFetcher renders pages in headless Chrome for sites that need JavaScript
type BrowserFetcher struct {
	allocCtx     context.Context
	cancelAlloc  context.CancelFunc
	cookieReject string        // Clicked when visible, to dismiss consent dialogs
	settle       time.Duration // Wait after load before reading the DOM
	timeout      time.Duration
	log          *logrus.Entry
}

// BrowserOptions configures NewBrowserFetcher
type BrowserOptions struct {
	ChromePath   string
	UserAgent    string
	CookieReject string
	Settle       time.Duration
	Timeout      time.Duration
}

// NewBrowserFetcher starts an allocator; Close releases it
func NewBrowserFetcher(opts BrowserOptions, log *logrus.Entry) *BrowserFetcher {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(opts.UserAgent),
	)
	if opts.ChromePath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ChromePath))
	}
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)

	settle := opts.Settle
	if settle <= 0 {
		settle = 2 * time.Second
	}
	return &BrowserFetcher{
		allocCtx:     allocCtx,
		cancelAlloc:  cancel,
		cookieReject: opts.CookieReject,
		settle:       settle,
		timeout:      opts.Timeout,
		log:          log,
	}
}

// Fetch implements PageFetcher. Each page gets a fresh tab.
func (b *BrowserFetcher) Fetch(ctx context.Context, pageURL string) (*models.Page, error) {
	tabCtx, cancelTab := chromedp.NewContext(b.allocCtx, chromedp.WithLogf(b.log.Debugf))
	defer cancelTab()

	// Tie the tab to the caller's deadline and cancellation
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	if b.timeout > 0 {
		var cancel context.CancelFunc
		tabCtx, cancel = context.WithTimeout(tabCtx, b.timeout)
		defer cancel()
	}

	var html, location string
	actions := []chromedp.Action{
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if b.cookieReject != "" {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			b.dismissConsent(ctx)
			return nil
		}))
	}
	actions = append(actions,
		chromedp.Sleep(b.settle),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)

	if err := chromedp.Run(tabCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("render '%s': %w", pageURL, err)
	}

	b.log.WithFields(logrus.Fields{"url": pageURL, "bytes": len(html)}).Debug("Rendered page")
	return &models.Page{
		URL:        pageURL,
		FinalURL:   location,
		StatusCode: 200,
		Body:       []byte(html),
		FetchedAt:  time.Now(),
	}, nil
}

// dismissConsent clicks the reject button if it shows up shortly; absence is fine
func (b *BrowserFetcher) dismissConsent(ctx context.Context) {
	clickCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := chromedp.Click(b.cookieReject, chromedp.ByQuery, chromedp.NodeVisible).Do(clickCtx); err != nil {
		b.log.Debugf("Consent dialog not dismissed: %v", err)
	}
}

// Close shuts down the browser
func (b *BrowserFetcher) Close() {
	b.cancelAlloc()
}
