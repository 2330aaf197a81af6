package parse

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/nepremicninko/listing-watch/pkg/utils"
)

// NormalizeListingURL standardizes a listing URL for storage and uniqueness checks.
// It lowercases the scheme and host, drops default ports and the fragment, and keeps
// path and query untouched. Does not modify the input *url.URL.
func NormalizeListingURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	normalized := *u
	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)

	if host, port, err := net.SplitHostPort(normalized.Host); err == nil {
		if (normalized.Scheme == "http" && port == "80") ||
			(normalized.Scheme == "https" && port == "443") {
			normalized.Host = host
		}
	}
	if normalized.Path == "" {
		normalized.Path = "/"
	}
	normalized.Fragment = ""
	normalized.RawFragment = ""
	return normalized.String()
}

// PageURL derives the URL of results page n from the source URL.
// Page 1 is the source URL itself. Later pages append "<n>/" to the path, or set
// queryParam=n when queryParam is not empty. Any existing query string is preserved.
func PageURL(base string, n int, queryParam string) (string, error) {
	if n <= 1 {
		return base, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: invalid source URL '%s': %w", utils.ErrParsing, base, err)
	}
	if queryParam != "" {
		q := u.Query()
		q.Set(queryParam, strconv.Itoa(n))
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.Path += strconv.Itoa(n) + "/"
	if u.RawPath != "" {
		if !strings.HasSuffix(u.RawPath, "/") {
			u.RawPath += "/"
		}
		u.RawPath += strconv.Itoa(n) + "/"
	}
	return u.String(), nil
}

// ItemIDFromURL returns the last non-empty path segment of a listing URL,
// e.g. "stanovanje_6789012" for ".../2-sobno/stanovanje_6789012/".
func ItemIDFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: invalid listing URL '%s': %w", utils.ErrParsing, rawURL, err)
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	id := segments[len(segments)-1]
	if id == "" {
		return "", fmt.Errorf("%w: no item id in listing URL '%s'", utils.ErrParsing, rawURL)
	}
	return id, nil
}
