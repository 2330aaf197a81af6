package config

import (
	"fmt"
	"time"
)

// Database drivers
const (
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
)

// Page fetchers
const (
	FetcherHTTP    = "http"
	FetcherBrowser = "browser"
)

// MinIntervalMinutes is the floor for the scheduler interval
const MinIntervalMinutes = 3

// MinCooldown is the floor for the idle gap between two cycles
const MinCooldown = 60 * time.Second

// AppConfig holds the global application configuration
type AppConfig struct {
	URLs               []string         `yaml:"urls"`
	URLsFile           string           `yaml:"urls_file,omitempty"` // Optional file with one URL per line, merged after URLs
	StateDir           string           `yaml:"state_dir"`
	MetricsAddr        string           `yaml:"metrics_addr,omitempty"` // Serves /metrics and /debug/pprof when set
	Log                LogConfig        `yaml:"log,omitempty"`
	Database           DatabaseConfig   `yaml:"database"`
	Notify             NotifyConfig     `yaml:"notify"`
	Scheduler          SchedulerConfig  `yaml:"scheduler"`
	Crawl              CrawlConfig      `yaml:"crawl,omitempty"`
	Extract            ExtractConfig    `yaml:"extract,omitempty"`
	MaxRetries         int              `yaml:"max_retries,omitempty"` // Per-request HTTP retries inside the fetcher
	InitialRetryDelay  time.Duration    `yaml:"initial_retry_delay,omitempty"`
	MaxRetryDelay      time.Duration    `yaml:"max_retry_delay,omitempty"`
	HTTPClientSettings HTTPClientConfig `yaml:"http_client_settings,omitempty"`
}

// LogConfig controls the root logger
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"` // "text" or "json"
	File   string `yaml:"file,omitempty"`   // Appended to in addition to stderr
}

// DatabaseConfig selects and configures the listing store
type DatabaseConfig struct {
	Driver    string `yaml:"driver,omitempty"` // "badger" (default) or "postgres"
	Path      string `yaml:"path,omitempty"`   // Badger directory
	DSN       string `yaml:"dsn,omitempty"`    // Postgres connection string
	AutoFlush *bool  `yaml:"auto_flush,omitempty"`
}

// AutoFlushEnabled reports whether URL drift flushes stored listings (default true)
func (d DatabaseConfig) AutoFlushEnabled() bool {
	if d.AutoFlush != nil {
		return *d.AutoFlush
	}
	return true
}

// NotifyConfig configures the Discord webhook notifier
type NotifyConfig struct {
	DiscordWebhookURL string        `yaml:"discord_webhook_url,omitempty"`
	AlertOnError      bool          `yaml:"alert_on_error,omitempty"` // Also post operational failures to the webhook
	ChunkSize         int           `yaml:"chunk_size,omitempty"`
	ChunkDelay        time.Duration `yaml:"chunk_delay,omitempty"`
	Username          string        `yaml:"username,omitempty"`
	Footer            string        `yaml:"footer,omitempty"`
}

// SchedulerConfig holds cadence and resilience settings for periodic cycles
type SchedulerConfig struct {
	Enabled         *bool         `yaml:"enabled,omitempty"`
	IntervalMinutes int           `yaml:"interval_minutes"`
	Timezone        string        `yaml:"timezone,omitempty"`
	Cooldown        time.Duration `yaml:"cooldown,omitempty"`       // Minimum idle gap between cycles
	TimeoutBuffer   time.Duration `yaml:"timeout_buffer,omitempty"` // Cycle deadline = interval - buffer
	MaxAttempts     int           `yaml:"max_attempts,omitempty"`   // Startup run attempts
	RetryDelay      time.Duration `yaml:"retry_delay,omitempty"`
	SlowCycleRatio  float64       `yaml:"slow_cycle_ratio,omitempty"` // Warn when duration exceeds ratio * interval
}

// IsEnabled reports whether the periodic scheduler should run (default true)
func (s SchedulerConfig) IsEnabled() bool {
	if s.Enabled != nil {
		return *s.Enabled
	}
	return true
}

// Interval returns the configured interval as a duration
func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// Location resolves the configured timezone, defaulting to local time
func (s SchedulerConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

// CrawlConfig controls pagination, pacing and page fetching
type CrawlConfig struct {
	MaxPages             int           `yaml:"max_pages,omitempty"`  // Page cap per source URL
	PageDelay            time.Duration `yaml:"page_delay,omitempty"` // Pause between pages of one URL
	URLDelay             time.Duration `yaml:"url_delay,omitempty"`  // Pause between configured URLs
	FetchTimeout         time.Duration `yaml:"fetch_timeout,omitempty"`
	RecordTimeout        time.Duration `yaml:"record_timeout,omitempty"` // Deadline for one record's store transaction
	Fetcher              string        `yaml:"fetcher,omitempty"`        // "http" or "browser"
	UserAgent            string        `yaml:"user_agent,omitempty"`
	RespectRobots        bool          `yaml:"respect_robots,omitempty"`
	PageQueryParam       string        `yaml:"page_query_param,omitempty"` // Paginate via query param instead of path segment
	RentingPatterns      []string      `yaml:"renting_patterns,omitempty"` // Source URL substrings marking rentals
	PerSqmThreshold      float64       `yaml:"per_sqm_threshold,omitempty"`
	CookieRejectSelector string        `yaml:"cookie_reject_selector,omitempty"` // Browser fetcher only
	ChromePath           string        `yaml:"chrome_path,omitempty"`
}

// ExtractConfig holds the CSS selectors used to pull listings out of a results page
type ExtractConfig struct {
	Container string `yaml:"container,omitempty"`  // One match per listing
	Link      string `yaml:"link,omitempty"`       // Relative to container; href gives url and item id
	Title     string `yaml:"title,omitempty"`      // Relative to container; text before first comma is the location
	Price     string `yaml:"price,omitempty"`      // Relative to container
	PriceAttr string `yaml:"price_attr,omitempty"` // Attribute holding the price; element text when empty
	Size      string `yaml:"size,omitempty"`       // Relative to container; first "<n> m2" match
	NextPage  string `yaml:"next_page,omitempty"`  // Document-level; presence means more pages
	BaseURL   string `yaml:"base_url,omitempty"`   // Resolves relative links; page URL when empty
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
}

// CycleTimeout is the deadline for one cycle: interval minus the safety buffer,
// never less than half the interval.
func (c *AppConfig) CycleTimeout() time.Duration {
	interval := c.Scheduler.Interval()
	timeout := interval - c.Scheduler.TimeoutBuffer
	if timeout < interval/2 {
		timeout = interval / 2
	}
	return timeout
}
