package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
)

// RobotsChecker fetches, caches and evaluates robots.txt per host
type RobotsChecker struct {
	fetcher   *Fetcher
	userAgent string
	cache     map[string]*robotstxt.RobotsData // host -> parsed data, nil when unavailable
	cacheMu   sync.Mutex
	log       *logrus.Entry
}

// NewRobotsChecker creates a RobotsChecker
func NewRobotsChecker(fetcher *Fetcher, userAgent string, log *logrus.Entry) *RobotsChecker {
	return &RobotsChecker{
		fetcher:   fetcher,
		userAgent: userAgent,
		cache:     make(map[string]*robotstxt.RobotsData),
		log:       log,
	}
}

// Allowed reports whether the configured user agent may fetch target.
// Hosts whose robots.txt cannot be fetched or parsed are treated as allowing everything.
func (rc *RobotsChecker) Allowed(ctx context.Context, target *url.URL) bool {
	data := rc.robotsData(ctx, target)
	if data == nil {
		return true
	}
	return data.TestAgent(target.RequestURI(), rc.userAgent)
}

func (rc *RobotsChecker) robotsData(ctx context.Context, target *url.URL) *robotstxt.RobotsData {
	host := target.Host
	rc.cacheMu.Lock()
	data, found := rc.cache[host]
	rc.cacheMu.Unlock()
	if found {
		return data
	}

	data = rc.load(ctx, target)
	// A cancelled fetch says nothing about the host, so it is not cached
	if ctx.Err() == nil {
		rc.cacheMu.Lock()
		rc.cache[host] = data
		rc.cacheMu.Unlock()
	}
	return data
}

func (rc *RobotsChecker) load(ctx context.Context, target *url.URL) *robotstxt.RobotsData {
	scheme := target.Scheme
	if scheme != "http" && scheme != "https" {
		scheme = "https"
	}
	robotsURL := (&url.URL{Scheme: scheme, Host: target.Host, Path: "/robots.txt"}).String()
	robotsLog := rc.log.WithField("robots_url", robotsURL)
	robotsLog.Debug("Fetching robots.txt...")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		robotsLog.Errorf("Error creating request: %v", err)
		return nil
	}
	req.Header.Set("User-Agent", rc.userAgent)

	resp, err := rc.fetcher.FetchWithRetry(ctx, req)
	if err != nil {
		drain(resp)
		robotsLog.Warnf("Fetching robots.txt failed, assuming allowed: %v", err)
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		robotsLog.Errorf("Error reading body: %v", err)
		return nil
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		robotsLog.Errorf("Error parsing content: %v", err)
		return nil
	}
	robotsLog.Info("Fetched and parsed robots.txt")
	return data
}
