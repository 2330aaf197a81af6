package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nepremicninko/listing-watch/pkg/config"
	"github.com/nepremicninko/listing-watch/pkg/utils"
)

// RetryPolicy bounds per-request retries inside the fetcher
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// RetryPolicyFromConfig reads the retry settings of cfg
func RetryPolicyFromConfig(cfg *config.AppConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.InitialRetryDelay,
		MaxDelay:     cfg.MaxRetryDelay,
	}
}

// Fetcher makes HTTP requests with retry, using an underlying http.Client
type Fetcher struct {
	client *http.Client
	policy RetryPolicy
	log    *logrus.Entry
}

// NewFetcher creates a new Fetcher instance
func NewFetcher(client *http.Client, policy RetryPolicy, log *logrus.Entry) *Fetcher {
	return &Fetcher{client: client, policy: policy, log: log}
}

// FetchWithRetry performs req under ctx, retrying network errors, 5xx and 429 with
// exponential backoff and jitter. On success the caller must close the body.
// Other 4xx and non-2xx statuses are returned with both the response and an error.
func (f *Fetcher) FetchWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error
	var retryAfter time.Duration
	reqLog := f.log.WithField("url", req.URL.String())

	for attempt := 0; attempt <= f.policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("context cancelled (%v) during retry backoff after error: %w", err, lastErr)
			}
			return nil, fmt.Errorf("context cancelled before first attempt: %w", err)
		}

		if attempt > 0 {
			delay := f.backoff(attempt)
			if retryAfter > delay {
				delay = retryAfter
			}
			reqLog.WithFields(logrus.Fields{"attempt": attempt, "max_retries": f.policy.MaxRetries, "delay": delay}).Warn("Retrying request...")

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				reqLog.Warnf("Context cancelled during retry sleep: %v", ctx.Err())
				return nil, fmt.Errorf("context cancelled (%v) during retry delay after error: %w", ctx.Err(), lastErr)
			}
		}
		retryAfter = 0

		resp, err := f.client.Do(req.WithContext(ctx))
		if err != nil {
			drain(resp)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				reqLog.Warnf("Context cancelled/timed out during HTTP request execution: %v", err)
				return nil, err
			}
			reqLog.WithField("attempt", attempt).Errorf("Network error: %v", err)
			lastErr = err
			continue
		}

		statusCode := resp.StatusCode
		resLog := reqLog.WithFields(logrus.Fields{"status_code": statusCode, "attempt": attempt})

		switch {
		case statusCode >= 200 && statusCode < 300:
			resLog.Debug("Successfully fetched")
			return resp, nil

		case statusCode >= 500:
			resLog.Warn("Server error, retrying...")
			lastErr = fmt.Errorf("%w: status %d %s", utils.ErrServerHTTPError, statusCode, resp.Status)
			drain(resp)

		case statusCode == http.StatusTooManyRequests:
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), f.policy.MaxDelay)
			resLog.WithField("retry_after", retryAfter).Warn("Received 429 Too Many Requests, retrying...")
			lastErr = fmt.Errorf("%w: status %d %s", utils.ErrClientHTTPError, statusCode, resp.Status)
			drain(resp)

		case statusCode >= 400:
			resLog.Warn("Client error (4xx), not retrying")
			return resp, fmt.Errorf("%w: status %d %s", utils.ErrClientHTTPError, statusCode, resp.Status)

		default:
			resLog.Warnf("Non-retryable/unexpected status: %d", statusCode)
			return resp, fmt.Errorf("%w: status %d %s", utils.ErrOtherHTTPError, statusCode, resp.Status)
		}
	}

	reqLog.Errorf("All %d fetch attempts failed. Last error: %v", f.policy.MaxRetries+1, lastErr)
	if lastErr == nil {
		return nil, utils.ErrRetryFailed
	}
	return nil, fmt.Errorf("%w: %w", utils.ErrRetryFailed, lastErr)
}

// backoff is initial * 2^(attempt-1), capped at MaxDelay, with +/-10% jitter
func (f *Fetcher) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(f.policy.InitialDelay) * math.Pow(2, float64(attempt-1)))
	if delay <= 0 || (f.policy.MaxDelay > 0 && delay > f.policy.MaxDelay) {
		delay = f.policy.MaxDelay
	}
	if delay <= 0 {
		return 0
	}
	if spread := int64(delay) / 5; spread > 0 {
		delay += time.Duration(rand.Int63n(spread)) - delay/10
	}
	return max(delay, 0)
}

// parseRetryAfter understands the delay-seconds form only; the result is capped at limit
func parseRetryAfter(v string, limit time.Duration) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
