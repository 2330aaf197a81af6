// Package guard detects drift of the configured URL set and of the stored
// record schema, and flushes stored listings when they can no longer be trusted.
package guard

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/nepremicninko/listing-watch/pkg/metrics"
	"github.com/nepremicninko/listing-watch/pkg/models"
	"github.com/nepremicninko/listing-watch/pkg/storage"
	"github.com/nepremicninko/listing-watch/pkg/utils"
)

// Store is the subset of storage the guard needs
type Store interface {
	storage.FingerprintStore
	DeleteAllListings(ctx context.Context) (int, error)
}

// Guard compares configuration fingerprints with the stored ones
type Guard struct {
	store     Store
	autoFlush bool // Flush listings on URL drift
	metrics   *metrics.Metrics
	log       *logrus.Entry
}

// New creates a Guard. m may be nil.
func New(store Store, autoFlush bool, m *metrics.Metrics, log *logrus.Entry) *Guard {
	return &Guard{store: store, autoFlush: autoFlush, metrics: m, log: log}
}

// CheckSchemaDrift compares the hash of descriptor with the stored schema hash.
// Drift always flushes every stored listing.
func (g *Guard) CheckSchemaDrift(ctx context.Context, descriptor string) (models.DriftOutcome, error) {
	fp, err := g.store.GetFingerprint(ctx)
	if err != nil {
		return models.DriftOutcome{}, err
	}
	return g.check(ctx, "schema", fp.SchemaHash, SchemaHash(descriptor), true, g.store.SetSchemaHash)
}

// CheckURLDrift compares the hash of urls with the stored URL hash.
// Drift flushes stored listings only when auto flush is enabled.
func (g *Guard) CheckURLDrift(ctx context.Context, urls []string) (models.DriftOutcome, error) {
	fp, err := g.store.GetFingerprint(ctx)
	if err != nil {
		return models.DriftOutcome{}, err
	}
	return g.check(ctx, "url", fp.URLHash, URLSetHash(urls), g.autoFlush, g.store.SetURLHash)
}

func (g *Guard) check(ctx context.Context, kind, stored, computed string, flush bool, save func(context.Context, string) error) (models.DriftOutcome, error) {
	var out models.DriftOutcome
	logger := g.log.WithField("fingerprint", kind)

	switch {
	case stored == "":
		out.FirstRun = true
		logger.Infof("No stored %s hash, recording baseline", kind)
	case stored == computed:
		logger.Debugf("%s hash unchanged", kind)
		return out, nil
	default:
		out.Drifted = true
		logger.WithFields(logrus.Fields{"stored": short(stored), "current": short(computed)}).
			Warnf("%s drift detected", kind)
		if flush {
			n, err := g.store.DeleteAllListings(ctx)
			if err != nil {
				return out, fmt.Errorf("flush after %s drift: %w", kind, err)
			}
			out.Flushed = n
			g.metrics.StoreFlushed(kind + "_drift")
			logger.Warnf("Flushed %d stored listings after %s drift", n, kind)
		} else {
			logger.Warn("Auto flush disabled, keeping stored listings")
		}
	}

	if err := save(ctx, computed); err != nil {
		return out, fmt.Errorf("store %s hash: %w", kind, err)
	}
	return out, nil
}

// URLSetHash is independent of order and duplicates
func URLSetHash(urls []string) string {
	return utils.SortedDigest(urls, "\n")
}

// SchemaHash hashes a descriptor as produced by SchemaDescriptor
func SchemaHash(descriptor string) string {
	return utils.CalculateStringSHA256(descriptor)
}

// SchemaDescriptor returns the sorted "name:type" pairs of v's exported struct fields,
// using json tag names where present. v must be a struct or pointer to struct.
func SchemaDescriptor(v any) string {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return t.String()
	}
	pairs := make([]string, 0, t.NumField())
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag := f.Tag.Get("json"); tag != "" {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		pairs = append(pairs, name+":"+f.Type.String())
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
