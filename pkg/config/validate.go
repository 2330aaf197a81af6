package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nepremicninko/listing-watch/pkg/utils"
)

// Defaults target the nepremicnine.net results layout
const (
	defaultUserAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	defaultContainer     = "#vsebina760 div.seznam div.property-box"
	defaultLink          = ".property-details > a"
	defaultTitle         = ".property-details > a > h2"
	defaultPrice         = `.property-details meta[itemprop="price"]`
	defaultPriceAttr     = "content"
	defaultSize          = ".property-details ul li"
	defaultNextPage      = "#pagination ul li.paging_next"
	defaultCookieReject  = "#CybotCookiebotDialogBodyButtonDecline"
	defaultChunkSize     = 10
	defaultNotifyFooter  = "nepremicninko"
	defaultTimezone      = "Europe/Ljubljana"
	defaultStateDir      = "./storage/state"
	defaultBadgerPath    = "./storage/db"
	defaultPerSqmCeiling = 100.0
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	// URLs (required)
	c.URLs = dedupeURLs(c.URLs)
	if len(c.URLs) == 0 {
		return warnings, fmt.Errorf("%w: no urls configured", utils.ErrConfigValidation)
	}
	for _, raw := range c.URLs {
		u, parseErr := url.ParseRequestURI(raw)
		if parseErr != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return warnings, fmt.Errorf("%w: invalid url %q", utils.ErrConfigValidation, raw)
		}
	}

	// StateDir
	if c.StateDir == "" {
		warnings = append(warnings, fmt.Sprintf("state_dir is empty, defaulting to '%s'", defaultStateDir))
		c.StateDir = defaultStateDir
	}

	for _, section := range []func() ([]string, error){c.validateDatabase, c.validateScheduler, c.validateCrawl} {
		sectionWarnings, sectionErr := section()
		warnings = append(warnings, sectionWarnings...)
		if sectionErr != nil {
			return warnings, sectionErr
		}
	}

	warnings = append(warnings, c.validateNotify()...)
	c.validateExtract()

	// MaxRetries
	if c.MaxRetries < 0 {
		warnings = append(warnings, "max_retries cannot be negative, setting to 0")
		c.MaxRetries = 0
	}
	if c.MaxRetries == 0 && c.InitialRetryDelay == 0 {
		c.MaxRetries = 2
	}

	// Retry delays (only if retries enabled)
	if c.MaxRetries > 0 {
		if c.InitialRetryDelay <= 0 {
			c.InitialRetryDelay = 1 * time.Second
		}
		if c.MaxRetryDelay <= 0 {
			c.MaxRetryDelay = 30 * time.Second
		}
	}
	if c.InitialRetryDelay > c.MaxRetryDelay && c.MaxRetryDelay > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"initial_retry_delay (%v) > max_retry_delay (%v), using max_retry_delay for initial",
			c.InitialRetryDelay, c.MaxRetryDelay))
		c.InitialRetryDelay = c.MaxRetryDelay
	}

	c.validateHTTPClientSettings()

	switch strings.ToLower(c.Log.Format) {
	case "", "text":
		c.Log.Format = "text"
	case "json":
		c.Log.Format = "json"
	default:
		warnings = append(warnings, fmt.Sprintf("unknown log.format '%s', using 'text'", c.Log.Format))
		c.Log.Format = "text"
	}

	return warnings, nil
}

func (c *AppConfig) validateDatabase() (warnings []string, err error) {
	d := &c.Database
	switch strings.ToLower(d.Driver) {
	case "", DriverBadger:
		d.Driver = DriverBadger
		if d.Path == "" {
			warnings = append(warnings, fmt.Sprintf("database.path is empty, defaulting to '%s'", defaultBadgerPath))
			d.Path = defaultBadgerPath
		}
	case DriverPostgres:
		d.Driver = DriverPostgres
		if d.DSN == "" {
			return warnings, fmt.Errorf("%w: database.driver is postgres but database.dsn is empty", utils.ErrConfigValidation)
		}
	default:
		return warnings, fmt.Errorf("%w: unknown database.driver '%s'", utils.ErrConfigValidation, d.Driver)
	}
	return warnings, nil
}

func (c *AppConfig) validateScheduler() (warnings []string, err error) {
	s := &c.Scheduler
	if s.IntervalMinutes < MinIntervalMinutes {
		warnings = append(warnings, fmt.Sprintf(
			"scheduler.interval_minutes (%d) is below the minimum, raising to %d",
			s.IntervalMinutes, MinIntervalMinutes))
		s.IntervalMinutes = MinIntervalMinutes
	}
	if s.Timezone == "" {
		s.Timezone = defaultTimezone
	}
	if _, locErr := s.Location(); locErr != nil {
		return warnings, fmt.Errorf("%w: scheduler.timezone: %w", utils.ErrConfigValidation, locErr)
	}
	if s.Cooldown <= 0 {
		s.Cooldown = MinCooldown
	} else if s.Cooldown < MinCooldown {
		warnings = append(warnings, fmt.Sprintf(
			"scheduler.cooldown (%v) is below the minimum, raising to %v", s.Cooldown, MinCooldown))
		s.Cooldown = MinCooldown
	}
	if s.TimeoutBuffer <= 0 {
		s.TimeoutBuffer = 30 * time.Second
	}
	if s.TimeoutBuffer >= s.Interval() {
		warnings = append(warnings, fmt.Sprintf(
			"scheduler.timeout_buffer (%v) is not smaller than the interval (%v), cycle timeout falls back to half the interval",
			s.TimeoutBuffer, s.Interval()))
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = 60 * time.Second
	}
	if s.SlowCycleRatio <= 0 || s.SlowCycleRatio > 1 {
		s.SlowCycleRatio = 0.8
	}
	return warnings, nil
}

func (c *AppConfig) validateCrawl() (warnings []string, err error) {
	cr := &c.Crawl
	if cr.MaxPages <= 0 {
		cr.MaxPages = 5
	}
	if cr.PageDelay < 0 {
		warnings = append(warnings, "crawl.page_delay cannot be negative, setting to 0")
		cr.PageDelay = 0
	} else if cr.PageDelay == 0 {
		cr.PageDelay = 10 * time.Second
	}
	if cr.URLDelay < 0 {
		warnings = append(warnings, "crawl.url_delay cannot be negative, setting to 0")
		cr.URLDelay = 0
	} else if cr.URLDelay == 0 {
		cr.URLDelay = 5 * time.Second
	}
	if cr.FetchTimeout <= 0 {
		cr.FetchTimeout = 30 * time.Second
	}
	if cr.RecordTimeout <= 0 {
		cr.RecordTimeout = 30 * time.Second
	}
	switch strings.ToLower(cr.Fetcher) {
	case "", FetcherHTTP:
		cr.Fetcher = FetcherHTTP
	case FetcherBrowser:
		cr.Fetcher = FetcherBrowser
		if cr.CookieRejectSelector == "" {
			cr.CookieRejectSelector = defaultCookieReject
		}
	default:
		return warnings, fmt.Errorf("%w: unknown crawl.fetcher '%s'", utils.ErrConfigValidation, cr.Fetcher)
	}
	if cr.UserAgent == "" {
		cr.UserAgent = defaultUserAgent
	}
	if len(cr.RentingPatterns) == 0 {
		cr.RentingPatterns = []string{"oddaja", "najem", "rent"}
	}
	if cr.PerSqmThreshold < 0 {
		warnings = append(warnings, "crawl.per_sqm_threshold cannot be negative, disabling per-m² detection")
		cr.PerSqmThreshold = 0
	} else if cr.PerSqmThreshold == 0 {
		cr.PerSqmThreshold = defaultPerSqmCeiling
	}
	return warnings, nil
}

func (c *AppConfig) validateNotify() (warnings []string) {
	n := &c.Notify
	if n.DiscordWebhookURL == "" {
		warnings = append(warnings, "notify.discord_webhook_url is empty, change events will only be logged")
	}
	if n.ChunkSize <= 0 || n.ChunkSize > defaultChunkSize {
		n.ChunkSize = defaultChunkSize
	}
	if n.ChunkDelay <= 0 {
		n.ChunkDelay = 1 * time.Second
	}
	if n.Footer == "" {
		n.Footer = defaultNotifyFooter
	}
	return warnings
}

func (c *AppConfig) validateExtract() {
	e := &c.Extract
	if e.Container == "" {
		e.Container = defaultContainer
	}
	if e.Link == "" {
		e.Link = defaultLink
	}
	if e.Title == "" {
		e.Title = defaultTitle
	}
	if e.Price == "" {
		e.Price = defaultPrice
		if e.PriceAttr == "" {
			e.PriceAttr = defaultPriceAttr
		}
	}
	if e.Size == "" {
		e.Size = defaultSize
	}
	if e.NextPage == "" {
		e.NextPage = defaultNextPage
	}
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 45 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 20
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 2
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}

// dedupeURLs trims entries, drops blanks and duplicates, and keeps first-seen order
func dedupeURLs(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
