// Package crawler walks the result pages of one configured source URL and
// persists what it finds, one record per transaction.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nepremicninko/listing-watch/pkg/detect"
	"github.com/nepremicninko/listing-watch/pkg/fetch"
	"github.com/nepremicninko/listing-watch/pkg/metrics"
	"github.com/nepremicninko/listing-watch/pkg/models"
	"github.com/nepremicninko/listing-watch/pkg/parse"
	"github.com/nepremicninko/listing-watch/pkg/storage"
	"github.com/nepremicninko/listing-watch/pkg/utils"
)

// Pacer spaces requests to the same key
type Pacer interface {
	ApplyDelay(ctx context.Context, key string, minDelay time.Duration) error
	UpdateLastRequestTime(key string)
}

// WalkerOptions holds the pagination settings of a Walker
type WalkerOptions struct {
	MaxPages       int           // Absolute cap per source URL
	PageDelay      time.Duration // Minimum gap between page requests of one walk
	PageQueryParam string        // See parse.PageURL
	RecordTimeout  time.Duration // Deadline for one record's transaction
}

// DefaultRecordTimeout bounds a record write when WalkerOptions.RecordTimeout is unset
const DefaultRecordTimeout = 30 * time.Second

// Walker drives pagination for one source URL at a time
type Walker struct {
	fetcher   fetch.PageFetcher
	extractor parse.Extractor
	store     storage.ListingStore
	pacer     Pacer
	opts      WalkerOptions
	metrics   *metrics.Metrics
	now       func() time.Time
	log       *logrus.Entry
}

// NewWalker creates a Walker. m may be nil.
func NewWalker(
	fetcher fetch.PageFetcher,
	extractor parse.Extractor,
	store storage.ListingStore,
	pacer Pacer,
	opts WalkerOptions,
	m *metrics.Metrics,
	log *logrus.Entry,
) *Walker {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 1
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = DefaultRecordTimeout
	}
	return &Walker{
		fetcher:   fetcher,
		extractor: extractor,
		store:     store,
		pacer:     pacer,
		opts:      opts,
		metrics:   m,
		now:       time.Now,
		log:       log,
	}
}

// Walk fetches pages 1..MaxPages of sourceURL until a page is empty or has no
// next-page marker. Records are classified and persisted as they are seen.
//
// The result is always non-nil and holds everything processed so far. A fetch or
// extraction failure ends the walk with ErrFetch or ErrExtraction; a done ctx ends
// it with ctx.Err(). Failures of single records are counted, not returned.
func (w *Walker) Walk(ctx context.Context, sourceURL string) (*models.URLResult, error) {
	res := &models.URLResult{SourceURL: sourceURL}
	walkLog := w.log.WithField("source_url", sourceURL)
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	fail := func(err error) (*models.URLResult, error) {
		res.Err = err
		return res, err
	}

	processed := make(map[string]struct{})
	for n := 1; n <= w.opts.MaxPages; n++ {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if n > 1 {
			if err := w.pacer.ApplyDelay(ctx, sourceURL, w.opts.PageDelay); err != nil {
				return fail(err)
			}
		}

		pageURL, err := parse.PageURL(sourceURL, n, w.opts.PageQueryParam)
		if err != nil {
			return fail(fmt.Errorf("%w: %w", utils.ErrFetch, err))
		}
		pageLog := walkLog.WithFields(logrus.Fields{"page": n, "page_url": pageURL})

		page, err := w.fetcher.Fetch(ctx, pageURL)
		w.pacer.UpdateLastRequestTime(sourceURL)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fail(ctxErr)
			}
			w.metrics.PageFetched(utils.CategorizeError(err))
			pageLog.WithField("category", utils.CategorizeError(err)).Errorf("Page fetch failed: %v", err)
			return fail(fmt.Errorf("%w: page %d of %s: %w", utils.ErrFetch, n, sourceURL, err))
		}
		w.metrics.PageFetched("ok")

		extracted, err := w.extractor.Extract(page)
		if err != nil {
			pageLog.Errorf("Page extraction failed: %v", err)
			if !errors.Is(err, utils.ErrExtraction) {
				err = fmt.Errorf("%w: %w", utils.ErrExtraction, err)
			}
			return fail(fmt.Errorf("page %d of %s: %w", n, sourceURL, err))
		}
		res.Pages++
		res.RecordFailures += extracted.Skipped
		for range extracted.Skipped {
			w.metrics.RecordError("extract")
		}

		if len(extracted.Records) == 0 {
			pageLog.Info("No records on page, end of results")
			break
		}

		for _, raw := range extracted.Records {
			// The cycle deadline does not cut a record write short; it is observed here
			if err := ctx.Err(); err != nil {
				return fail(err)
			}
			if _, dup := processed[raw.ItemID]; dup {
				continue
			}
			processed[raw.ItemID] = struct{}{}
			res.RecordsSeen++

			ev, err := w.processRecord(ctx, sourceURL, raw, pageLog)
			if err != nil {
				res.RecordFailures++
				w.metrics.RecordError("persist")
				pageLog.WithFields(logrus.Fields{
					"item_id":  raw.ItemID,
					"category": utils.CategorizeError(err),
				}).Warnf("Skipping record: %v", err)
				continue
			}
			switch {
			case ev == nil:
				res.Unchanged++
			case ev.Kind == models.ChangeKindNew:
				res.New++
			case ev.Kind == models.ChangeKindPriceChanged:
				res.PriceChanged++
			}
			if ev != nil {
				w.metrics.ChangeEvent(string(ev.Kind))
				res.Events = append(res.Events, *ev)
			}
		}

		if !extracted.HasMore {
			pageLog.Debug("No next page marker, walk complete")
			break
		}
		if n == w.opts.MaxPages {
			pageLog.Infof("Page cap of %d reached", w.opts.MaxPages)
		}
	}

	walkLog.WithFields(logrus.Fields{
		"pages":         res.Pages,
		"records":       res.RecordsSeen,
		"new":           res.New,
		"price_changed": res.PriceChanged,
		"unchanged":     res.Unchanged,
		"failures":      res.RecordFailures,
		"duration":      time.Since(start).String(),
	}).Info("Walk finished")
	return res, nil
}

// processRecord classifies raw against the store and writes the outcome in one
// transaction. The write runs on a context detached from cancellation and bounded
// by RecordTimeout.
func (w *Walker) processRecord(ctx context.Context, sourceURL string, raw models.RawRecord, log *logrus.Entry) (ev *models.ChangeEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{
				"item_id":     raw.ItemID,
				"panic_info":  r,
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC recovered while processing record")
			ev, err = nil, fmt.Errorf("%w: panic: %v", utils.ErrPersistence, r)
		}
	}()

	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.RecordTimeout)
	defer cancel()

	var event *models.ChangeEvent
	txErr := w.store.WithTx(txCtx, func(tx storage.Tx) error {
		event = nil
		existing, err := tx.GetListing(raw.ItemID)
		if err != nil {
			return err
		}
		c := detect.Classify(raw, existing)
		rec, e, err := detect.Apply(c, raw, existing, w.now())
		if err != nil {
			return err
		}
		if existing == nil {
			err = tx.InsertListing(rec)
		} else {
			err = tx.UpdateListing(rec)
		}
		if err != nil {
			return err
		}
		event = e
		return nil
	})
	if txErr != nil {
		return nil, fmt.Errorf("%w: item '%s': %w", utils.ErrPersistence, raw.ItemID, txErr)
	}

	if event != nil {
		event.SourceURL = sourceURL
		fields := logrus.Fields{"item_id": event.ItemID, "price": event.Price.String()}
		if event.OldPrice != nil {
			fields["old_price"] = event.OldPrice.String()
		}
		log.WithFields(fields).Infof("Listing %s", event.Kind)
	}
	return event, nil
}
