package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nepremicninko/listing-watch/pkg/models"
	"github.com/nepremicninko/listing-watch/pkg/utils"
)

const maxPageBytes = 16 << 20

// PageFetcher returns the content of one results page.
// Retries and timeouts of a single navigation are its own concern.
type PageFetcher interface {
	Fetch(ctx context.Context, pageURL string) (*models.Page, error)
}

// HTTPFetcher fetches pages with plain HTTP requests
type HTTPFetcher struct {
	fetcher   *Fetcher
	robots    *RobotsChecker // nil when robots.txt is not respected
	userAgent string
	timeout   time.Duration // Per page, covering all retries
	log       *logrus.Entry
}

// NewHTTPFetcher creates an HTTPFetcher. robots may be nil.
func NewHTTPFetcher(fetcher *Fetcher, robots *RobotsChecker, userAgent string, timeout time.Duration, log *logrus.Entry) *HTTPFetcher {
	return &HTTPFetcher{
		fetcher:   fetcher,
		robots:    robots,
		userAgent: userAgent,
		timeout:   timeout,
		log:       log,
	}
}

// Fetch implements PageFetcher
func (h *HTTPFetcher) Fetch(ctx context.Context, pageURL string) (*models.Page, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid page URL '%s': %w", utils.ErrParsing, pageURL, err)
	}
	if h.robots != nil && !h.robots.Allowed(ctx, u) {
		return nil, fmt.Errorf("%w: %s", utils.ErrRobotsDisallowed, pageURL)
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request for '%s': %w", pageURL, err)
	}
	req.Header.Set("User-Agent", h.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "sl-SI,sl;q=0.9,en;q=0.8")

	resp, err := h.fetcher.FetchWithRetry(ctx, req)
	if err != nil {
		drain(resp)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("read body of '%s': %w", pageURL, err)
	}

	page := &models.Page{
		URL:        pageURL,
		FinalURL:   resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Body:       body,
		FetchedAt:  time.Now(),
	}
	h.log.WithFields(logrus.Fields{"url": pageURL, "bytes": len(body)}).Debug("Fetched page")
	return page, nil
}
