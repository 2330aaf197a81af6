package guard

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nepremicninko/listing-watch/pkg/models"
)

type fakeStore struct {
	fp        models.ConfigFingerprint
	listings  int
	deletes   int
	deleteErr error
}

func (f *fakeStore) GetFingerprint(context.Context) (*models.ConfigFingerprint, error) {
	fp := f.fp
	return &fp, nil
}

func (f *fakeStore) SetURLHash(_ context.Context, h string) error {
	f.fp.URLHash = h
	return nil
}

func (f *fakeStore) SetSchemaHash(_ context.Context, h string) error {
	f.fp.SchemaHash = h
	return nil
}

func (f *fakeStore) DeleteAllListings(context.Context) (int, error) {
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	n := f.listings
	f.listings = 0
	f.deletes++
	return n, nil
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestURLSetHash_OrderIndependent(t *testing.T) {
	a := URLSetHash([]string{"https://a.example/", "https://b.example/"})
	b := URLSetHash([]string{"https://b.example/", "https://a.example/"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, URLSetHash([]string{"https://a.example/", "https://c.example/"}))
}

func TestSchemaDescriptor(t *testing.T) {
	type rec struct {
		ID      string  `json:"id"`
		Price   float64 `json:"price,omitempty"`
		Ignored string  `json:"-"`
		Plain   int
		hidden  bool
	}
	d := SchemaDescriptor(rec{})
	assert.Equal(t, "Plain:int,id:string,price:float64", d)
	assert.Equal(t, d, SchemaDescriptor(&rec{}))

	listing := SchemaDescriptor(models.ListingRecord{})
	assert.Contains(t, listing, "item_id:string")
	assert.Contains(t, listing, "price:decimal.Decimal")
	assert.Contains(t, listing, "last_price:*decimal.Decimal")
}

func TestCheckURLDrift_FirstRun(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{listings: 5}
	g := New(store, true, nil, testLogger())

	out, err := g.CheckURLDrift(ctx, []string{"u1", "u2"})
	require.NoError(t, err)
	assert.False(t, out.Drifted)
	assert.True(t, out.FirstRun)
	assert.Equal(t, URLSetHash([]string{"u1", "u2"}), store.fp.URLHash)
	assert.Equal(t, 0, store.deletes)
	assert.Equal(t, 5, store.listings)
}

func TestCheckURLDrift_Match(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{listings: 5}
	store.fp.URLHash = URLSetHash([]string{"u1", "u2"})
	g := New(store, true, nil, testLogger())

	out, err := g.CheckURLDrift(ctx, []string{"u2", "u1"})
	require.NoError(t, err)
	assert.Equal(t, models.DriftOutcome{}, out)
	assert.Equal(t, 0, store.deletes)
}

func TestCheckURLDrift_Mismatch(t *testing.T) {
	tests := []struct {
		name         string
		autoFlush    bool
		wantFlushed  int
		wantListings int
	}{
		{"auto flush on", true, 7, 0},
		{"auto flush off", false, 0, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := &fakeStore{listings: 7}
			store.fp.URLHash = URLSetHash([]string{"u1", "u2"})
			g := New(store, tt.autoFlush, nil, testLogger())

			out, err := g.CheckURLDrift(ctx, []string{"u1", "u3"})
			require.NoError(t, err)
			assert.True(t, out.Drifted)
			assert.Equal(t, tt.wantFlushed, out.Flushed)
			assert.Equal(t, tt.wantListings, store.listings)
			assert.Equal(t, URLSetHash([]string{"u1", "u3"}), store.fp.URLHash, "hash overwritten either way")
		})
	}
}

func TestCheckSchemaDrift_AlwaysFlushes(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{listings: 3}
	store.fp.SchemaHash = SchemaHash("id:string")
	g := New(store, false, nil, testLogger())

	out, err := g.CheckSchemaDrift(ctx, "id:string,price:float64")
	require.NoError(t, err)
	assert.True(t, out.Drifted)
	assert.Equal(t, 3, out.Flushed)
	assert.Equal(t, 1, store.deletes)
	assert.Equal(t, SchemaHash("id:string,price:float64"), store.fp.SchemaHash)

	out, err = g.CheckSchemaDrift(ctx, "id:string,price:float64")
	require.NoError(t, err)
	assert.False(t, out.Drifted)
	assert.Equal(t, 1, store.deletes)
}

func TestCheckSchemaDrift_FlushErrorKeepsOldHash(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{deleteErr: errors.New("disk gone")}
	store.fp.SchemaHash = SchemaHash("old")
	g := New(store, true, nil, testLogger())

	_, err := g.CheckSchemaDrift(ctx, "new")
	require.Error(t, err)
	assert.Equal(t, SchemaHash("old"), store.fp.SchemaHash, "drift is re-detected next cycle")
}
