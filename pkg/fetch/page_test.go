package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nepremicninko/listing-watch/pkg/utils"
)

const testUA = "listing-watch-test/1.0"

func newSiteServer(t *testing.T, robots string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	pageHits := &atomic.Int32{}
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		if robots == "" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(robots))
	})
	mux.HandleFunc("/oglasi-prodaja/", func(w http.ResponseWriter, r *http.Request) {
		pageHits.Add(1)
		if r.Header.Get("User-Agent") != testUA {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`<html><body><div class="property-box">x</div></body></html>`))
	})
	mux.HandleFunc("/old/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/oglasi-prodaja/moved/", http.StatusMovedPermanently)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, pageHits
}

func TestHTTPFetcher_Fetch(t *testing.T) {
	server, hits := newSiteServer(t, "")
	f := NewHTTPFetcher(NewFetcher(testClient(), testPolicy(1), testLogger()), nil, testUA, 5*time.Second, testLogger())

	page, err := f.Fetch(context.Background(), server.URL+"/oglasi-prodaja/ljubljana/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Contains(t, string(page.Body), "property-box")
	assert.Equal(t, page.URL, page.FinalURL)
	assert.False(t, page.FetchedAt.IsZero())
	assert.Equal(t, int32(1), hits.Load())
}

func TestHTTPFetcher_FollowsRedirect(t *testing.T) {
	server, _ := newSiteServer(t, "")
	client := NewClient(testHTTPClientConfig(), testLogger())
	f := NewHTTPFetcher(NewFetcher(client, testPolicy(0), testLogger()), nil, testUA, 5*time.Second, testLogger())

	page, err := f.Fetch(context.Background(), server.URL+"/old/")
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/oglasi-prodaja/moved/", page.FinalURL)
}

func TestHTTPFetcher_NotFound(t *testing.T) {
	server, _ := newSiteServer(t, "")
	f := NewHTTPFetcher(NewFetcher(testClient(), testPolicy(2), testLogger()), nil, testUA, 5*time.Second, testLogger())

	_, err := f.Fetch(context.Background(), server.URL+"/missing/")
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrClientHTTPError))
	assert.Equal(t, "HTTP_404", utils.CategorizeError(err))
}

func TestHTTPFetcher_RobotsDisallowed(t *testing.T) {
	server, hits := newSiteServer(t, "User-agent: *\nDisallow: /oglasi-prodaja/\n")
	base := NewFetcher(testClient(), testPolicy(0), testLogger())
	robots := NewRobotsChecker(base, testUA, testLogger())
	f := NewHTTPFetcher(base, robots, testUA, 5*time.Second, testLogger())

	_, err := f.Fetch(context.Background(), server.URL+"/oglasi-prodaja/ljubljana/")
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrRobotsDisallowed))
	assert.Equal(t, int32(0), hits.Load())
}

func TestRobotsChecker_MissingFileAllowsAndCaches(t *testing.T) {
	robotsHits := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		robotsHits.Add(1)
		http.NotFound(w, r)
	}))
	t.Cleanup(server.Close)

	rc := NewRobotsChecker(NewFetcher(testClient(), testPolicy(0), testLogger()), testUA, testLogger())
	u, _ := url.Parse(server.URL + "/a/")
	assert.True(t, rc.Allowed(context.Background(), u))
	assert.True(t, rc.Allowed(context.Background(), u))
	assert.Equal(t, int32(1), robotsHits.Load(), "robots.txt is fetched once per host")
}

func TestHTTPFetcher_TimeoutCoversSlowPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	t.Cleanup(server.Close)

	f := NewHTTPFetcher(NewFetcher(testClient(), testPolicy(0), testLogger()), nil, testUA, 50*time.Millisecond, testLogger())
	_, err := f.Fetch(context.Background(), server.URL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
