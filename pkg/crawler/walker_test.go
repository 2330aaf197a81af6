package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nepremicninko/listing-watch/pkg/models"
	"github.com/nepremicninko/listing-watch/pkg/parse"
	"github.com/nepremicninko/listing-watch/pkg/storage"
	"github.com/nepremicninko/listing-watch/pkg/utils"
)

const testSource = "https://www.nepremicnine.net/oglasi-prodaja/ljubljana-mesto/stanovanje/"

// fakeSite serves canned pages and extraction results keyed by page URL
type fakeSite struct {
	mu        sync.Mutex
	results   map[string]*parse.Result
	fetchErrs map[string]error
	fetched   []string
	onFetch   func(pageURL string)
}

func newFakeSite() *fakeSite {
	return &fakeSite{results: map[string]*parse.Result{}, fetchErrs: map[string]error{}}
}

func (s *fakeSite) Fetch(ctx context.Context, pageURL string) (*models.Page, error) {
	s.mu.Lock()
	s.fetched = append(s.fetched, pageURL)
	err := s.fetchErrs[pageURL]
	hook := s.onFetch
	s.mu.Unlock()
	if hook != nil {
		hook(pageURL)
	}
	if err != nil {
		return nil, err
	}
	return &models.Page{URL: pageURL, FinalURL: pageURL, StatusCode: 200, FetchedAt: time.Now()}, nil
}

func (s *fakeSite) Extract(page *models.Page) (*parse.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.results[page.URL]; ok {
		return r, nil
	}
	return &parse.Result{}, nil
}

func (s *fakeSite) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fetched)
}

type noPacer struct{ calls int }

func (p *noPacer) ApplyDelay(ctx context.Context, _ string, _ time.Duration) error {
	p.calls++
	return ctx.Err()
}
func (p *noPacer) UpdateLastRequestTime(string) {}

func raw(id string, price string) models.RawRecord {
	return models.RawRecord{
		ItemID:      id,
		URL:         fmt.Sprintf("https://www.nepremicnine.net/oglasi-prodaja/stanovanje_%s/", id),
		Price:       decimal.RequireFromString(price),
		Location:    "Ljubljana",
		ListingType: models.ListingTypeSelling,
	}
}

func pageURL(n int) string {
	u, err := parse.PageURL(testSource, n, "")
	if err != nil {
		panic(err)
	}
	return u
}

func newTestWalker(t *testing.T, site *fakeSite, store storage.ListingStore, maxPages int) *Walker {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	w := NewWalker(site, site, store, &noPacer{}, WalkerOptions{MaxPages: maxPages}, nil, logrus.NewEntry(logger))
	w.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return w
}

func newTestStore(t *testing.T) *storage.BadgerStore {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	store, err := storage.NewBadgerStore(t.TempDir(), logrus.NewEntry(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestWalk_NewThenPriceChangeThenUnchanged(t *testing.T) {
	store := newTestStore(t)
	site := newFakeSite()
	site.results[pageURL(1)] = &parse.Result{Records: []models.RawRecord{raw("1", "100000"), raw("2", "200000")}}
	w := newTestWalker(t, site, store, 5)

	res, err := w.Walk(context.Background(), testSource)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pages)
	assert.Equal(t, 2, res.New)
	require.Len(t, res.Events, 2)
	assert.Equal(t, models.ChangeKindNew, res.Events[0].Kind)
	assert.Equal(t, testSource, res.Events[0].SourceURL)

	site.results[pageURL(1)] = &parse.Result{Records: []models.RawRecord{raw("1", "95000"), raw("2", "200000")}}
	res, err = w.Walk(context.Background(), testSource)
	require.NoError(t, err)
	assert.Equal(t, 0, res.New)
	assert.Equal(t, 1, res.PriceChanged)
	assert.Equal(t, 1, res.Unchanged)
	require.Len(t, res.Events, 1)
	ev := res.Events[0]
	assert.Equal(t, models.ChangeKindPriceChanged, ev.Kind)
	require.NotNil(t, ev.OldPrice)
	assert.True(t, ev.OldPrice.Equal(decimal.RequireFromString("100000")))
	assert.True(t, ev.Price.Equal(decimal.RequireFromString("95000")))

	stored, err := store.GetListing(context.Background(), "1")
	require.NoError(t, err)
	require.NotNil(t, stored.LastPrice)
	assert.True(t, stored.Price.Equal(decimal.RequireFromString("95000")))

	res, err = w.Walk(context.Background(), testSource)
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.Equal(t, 2, res.Unchanged)
}

func TestWalk_StopsAtPageCap(t *testing.T) {
	store := newTestStore(t)
	site := newFakeSite()
	for n := 1; n <= 10; n++ {
		site.results[pageURL(n)] = &parse.Result{
			Records: []models.RawRecord{raw(fmt.Sprintf("p%d", n), "1000")},
			HasMore: true,
		}
	}
	w := newTestWalker(t, site, store, 5)

	res, err := w.Walk(context.Background(), testSource)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Pages)
	assert.Equal(t, 5, site.fetchCount())
	assert.Equal(t, 5, res.New)
}

func TestWalk_StopsOnEmptyPageAndMissingNextMarker(t *testing.T) {
	store := newTestStore(t)
	site := newFakeSite()
	site.results[pageURL(1)] = &parse.Result{Records: []models.RawRecord{raw("1", "1000")}, HasMore: true}
	// Page 2 yields nothing
	w := newTestWalker(t, site, store, 5)

	res, err := w.Walk(context.Background(), testSource)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, 2, site.fetchCount())

	site2 := newFakeSite()
	site2.results[pageURL(1)] = &parse.Result{Records: []models.RawRecord{raw("9", "1000")}, HasMore: false}
	w2 := newTestWalker(t, site2, store, 5)
	res, err = w2.Walk(context.Background(), testSource)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pages)
	assert.Equal(t, 1, site2.fetchCount())
}

func TestWalk_FetchErrorKeepsEarlierPages(t *testing.T) {
	store := newTestStore(t)
	site := newFakeSite()
	site.results[pageURL(1)] = &parse.Result{Records: []models.RawRecord{raw("1", "1000")}, HasMore: true}
	site.fetchErrs[pageURL(2)] = fmt.Errorf("%w: status 503", utils.ErrServerHTTPError)
	w := newTestWalker(t, site, store, 5)

	res, err := w.Walk(context.Background(), testSource)
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrFetch)
	assert.ErrorIs(t, err, utils.ErrServerHTTPError)
	require.NotNil(t, res)
	assert.True(t, res.Failed())
	assert.Equal(t, 1, res.Pages)
	assert.Len(t, res.Events, 1)

	stored, err := store.GetListing(context.Background(), "1")
	require.NoError(t, err)
	assert.NotNil(t, stored, "records of completed pages stay committed")
}

func TestWalk_PersistenceFailureSkipsRecord(t *testing.T) {
	store := newTestStore(t)
	site := newFakeSite()
	// "b" reuses the url of "a": the url uniqueness check rejects it
	dup := raw("b", "2000")
	dup.URL = raw("a", "1000").URL
	site.results[pageURL(1)] = &parse.Result{Records: []models.RawRecord{raw("a", "1000"), dup, raw("c", "3000")}, Skipped: 1}
	w := newTestWalker(t, site, store, 5)

	res, err := w.Walk(context.Background(), testSource)
	require.NoError(t, err)
	assert.Equal(t, 3, res.RecordsSeen)
	assert.Equal(t, 2, res.New)
	assert.Equal(t, 2, res.RecordFailures, "one extraction skip plus one persistence failure")

	missing, err := store.GetListing(context.Background(), "b")
	require.NoError(t, err)
	assert.Nil(t, missing)
	n, err := store.CountListings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// stallingStore hangs its first transaction until the transaction context ends
type stallingStore struct {
	*storage.BadgerStore
	calls       int
	hadDeadline bool
}

func (s *stallingStore) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	s.calls++
	if s.calls == 1 {
		_, s.hadDeadline = ctx.Deadline()
		<-ctx.Done()
		return ctx.Err()
	}
	return s.BadgerStore.WithTx(ctx, fn)
}

func TestWalk_StalledRecordWriteIsBounded(t *testing.T) {
	store := &stallingStore{BadgerStore: newTestStore(t)}
	site := newFakeSite()
	site.results[pageURL(1)] = &parse.Result{Records: []models.RawRecord{raw("a", "1000"), raw("b", "2000")}}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	w := NewWalker(site, site, store, &noPacer{}, WalkerOptions{MaxPages: 1, RecordTimeout: 20 * time.Millisecond}, nil, logrus.NewEntry(logger))

	done := make(chan struct{})
	var res *models.URLResult
	var err error
	go func() {
		defer close(done)
		res, err = w.Walk(context.Background(), testSource)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("walk did not finish while the store was stalled")
	}

	require.NoError(t, err)
	assert.True(t, store.hadDeadline)
	assert.Equal(t, 1, res.New)
	assert.Equal(t, 1, res.RecordFailures)
	stored, err := store.GetListing(context.Background(), "b")
	require.NoError(t, err)
	assert.NotNil(t, stored)
}

func TestWalk_DuplicateAcrossPagesEmitsOneEvent(t *testing.T) {
	store := newTestStore(t)
	site := newFakeSite()
	site.results[pageURL(1)] = &parse.Result{Records: []models.RawRecord{raw("1", "1000")}, HasMore: true}
	site.results[pageURL(2)] = &parse.Result{Records: []models.RawRecord{raw("1", "1000"), raw("2", "500")}}
	w := newTestWalker(t, site, store, 5)

	res, err := w.Walk(context.Background(), testSource)
	require.NoError(t, err)
	assert.Equal(t, 2, res.RecordsSeen)
	assert.Len(t, res.Events, 2)
}

func TestWalk_CancelledContext(t *testing.T) {
	store := newTestStore(t)
	site := newFakeSite()
	ctx, cancel := context.WithCancel(context.Background())
	site.results[pageURL(1)] = &parse.Result{Records: []models.RawRecord{raw("1", "1000")}, HasMore: true}
	site.results[pageURL(2)] = &parse.Result{Records: []models.RawRecord{raw("2", "1000")}, HasMore: true}
	site.onFetch = func(u string) {
		if u == pageURL(1) {
			cancel()
		}
	}
	w := newTestWalker(t, site, store, 5)

	res, err := w.Walk(ctx, testSource)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, site.fetchCount())
	assert.Equal(t, 1, res.Pages)
	assert.Empty(t, res.Events, "records after cancellation are not processed")
}
