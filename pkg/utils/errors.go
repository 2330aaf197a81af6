package utils

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrRetryFailed      = errors.New("request failed after all retries") // Wraps the last underlying error
	ErrClientHTTPError  = errors.New("client HTTP error (4xx)")          // Wraps original error/status
	ErrServerHTTPError  = errors.New("server HTTP error (5xx)")          // Wraps original error/status
	ErrOtherHTTPError   = errors.New("other HTTP error (non-2xx)")       // Wraps original error/status
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")
	ErrParsing          = errors.New("parsing error") // Wraps specific parsing error (HTML, URL, JSON, price)
	ErrFilesystem       = errors.New("filesystem error")
	ErrDatabase         = errors.New("database error") // Wraps badger/postgres errors
	ErrConfigValidation = errors.New("configuration validation error")

	ErrFetch            = errors.New("page fetch failed")          // One page could not be fetched; ends that URL's walk
	ErrExtraction       = errors.New("record extraction failed")   // One record (or page) could not be extracted
	ErrPersistence      = errors.New("record persistence failed")  // One record's transaction failed and was rolled back
	ErrDuplicateListing = errors.New("listing url already stored") // url uniqueness violated by another item_id
	ErrCycleTimeout     = errors.New("crawl cycle deadline exceeded")
	ErrCycleFailure     = errors.New("crawl cycle failed")
)

// CategorizeError maps an error to a predefined category string for logging/metrics.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	// Cycle-level sentinels first: they usually wrap a more specific cause
	switch {
	case errors.Is(err, ErrCycleTimeout):
		return "Cycle_Timeout"
	case errors.Is(err, ErrCycleFailure):
		return "Cycle_Failure"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	}

	switch {
	case errors.Is(err, ErrRetryFailed):
		// Built with two %w verbs, so errors.Unwrap yields nil; match on err itself
		if errors.Is(err, ErrServerHTTPError) {
			return "RetryFailed_HTTPServer"
		}
		if errors.Is(err, ErrClientHTTPError) {
			return "RetryFailed_HTTPClient"
		}
		if err.Error() == ErrRetryFailed.Error() {
			return "RetryFailed_Unknown"
		}
		errMsg := err.Error()
		if strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "Timeout") || strings.Contains(errMsg, "deadline exceeded") {
			return "RetryFailed_NetworkTimeout"
		}
		if strings.Contains(errMsg, "connection refused") {
			return "RetryFailed_ConnectionRefused"
		}
		if strings.Contains(errMsg, "no such host") {
			return "RetryFailed_DNSLookup"
		}
		return "RetryFailed_NetworkOther"
	case errors.Is(err, ErrClientHTTPError):
		errMsg := err.Error()
		if strings.Contains(errMsg, " 404 ") {
			return "HTTP_404"
		}
		if strings.Contains(errMsg, " 403 ") {
			return "HTTP_403"
		}
		if strings.Contains(errMsg, " 429 ") {
			return "HTTP_429"
		}
		return "HTTP_4xx"
	case errors.Is(err, ErrServerHTTPError):
		return "HTTP_5xx"
	case errors.Is(err, ErrOtherHTTPError):
		return "HTTP_OtherStatus"
	case errors.Is(err, ErrRobotsDisallowed):
		return "Policy_Robots"
	case errors.Is(err, ErrDuplicateListing):
		return "Persistence_DuplicateURL"
	case errors.Is(err, ErrPersistence):
		return "Persistence_Record"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrExtraction):
		return "Extraction"
	case errors.Is(err, ErrParsing):
		errMsg := err.Error()
		if strings.Contains(errMsg, "URL") {
			return "Content_ParsingURL"
		}
		if strings.Contains(errMsg, "HTML") {
			return "Content_ParsingHTML"
		}
		if strings.Contains(errMsg, "price") {
			return "Content_ParsingPrice"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrFilesystem):
		if errors.Is(err, os.ErrPermission) {
			return "Filesystem_Permission"
		}
		if errors.Is(err, os.ErrNotExist) {
			return "Filesystem_NotExist"
		}
		return "Filesystem_Other"
	case errors.Is(err, ErrFetch):
		return "Fetch_Other"
	}

	// --- Fallback checks for common underlying error types/strings ---
	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "System_ContextDeadlineExceeded"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}
	lowerErrMsg := strings.ToLower(err.Error())
	if strings.Contains(lowerErrMsg, "timeout") {
		return "Network_TimeoutGeneric"
	}
	if strings.Contains(lowerErrMsg, "connection refused") {
		return "Network_ConnectionRefused"
	}
	if strings.Contains(lowerErrMsg, "no such host") {
		return "Network_DNSLookup"
	}
	if strings.Contains(lowerErrMsg, "tls") || strings.Contains(lowerErrMsg, "certificate") {
		return "Network_TLS"
	}

	return "Unknown"
}
