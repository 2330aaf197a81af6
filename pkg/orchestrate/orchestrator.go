// Package orchestrate runs one crawl cycle: drift checks, then a sequential
// walk of every configured URL, then a single notification batch.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nepremicninko/listing-watch/pkg/guard"
	"github.com/nepremicninko/listing-watch/pkg/metrics"
	"github.com/nepremicninko/listing-watch/pkg/models"
	"github.com/nepremicninko/listing-watch/pkg/notify"
	"github.com/nepremicninko/listing-watch/pkg/utils"
)

// Walker walks the pages of one source URL
type Walker interface {
	Walk(ctx context.Context, sourceURL string) (*models.URLResult, error)
}

// DriftGuard decides whether stored state is still valid for the current configuration
type DriftGuard interface {
	CheckSchemaDrift(ctx context.Context, descriptor string) (models.DriftOutcome, error)
	CheckURLDrift(ctx context.Context, urls []string) (models.DriftOutcome, error)
}

// ListingCounter reports the number of stored listings
type ListingCounter interface {
	CountListings(ctx context.Context) (int, error)
}

// Orchestrator runs crawl cycles. It holds no per-cycle state and is not safe
// for concurrent RunCycle calls; the scheduler serializes them.
type Orchestrator struct {
	walker   Walker
	guard    DriftGuard
	notifier notify.Notifier
	alerter  notify.Alerter // nil disables failed-URL alerts
	counter  ListingCounter // nil skips the listings gauge
	urlDelay time.Duration
	metrics  *metrics.Metrics
	log      *logrus.Entry

	schemaDescriptor string
	sleep            func(ctx context.Context, d time.Duration) error
}

// Options configures an Orchestrator
type Options struct {
	URLDelay time.Duration  // Pause between consecutive source URLs
	Alerter  notify.Alerter // Receives a summary when some URLs failed
	Counter  ListingCounter
	Metrics  *metrics.Metrics
}

// NewOrchestrator creates an orchestrator over the given components
func NewOrchestrator(walker Walker, g DriftGuard, notifier notify.Notifier, opts Options, log *logrus.Entry) *Orchestrator {
	return &Orchestrator{
		walker:           walker,
		guard:            g,
		notifier:         notifier,
		alerter:          opts.Alerter,
		counter:          opts.Counter,
		urlDelay:         opts.URLDelay,
		metrics:          opts.Metrics,
		log:              log,
		schemaDescriptor: guard.SchemaDescriptor(models.ListingRecord{}),
		sleep:            sleepCtx,
	}
}

// RunCycle performs one full pass over urls.
//
// The result is non-nil whenever the cycle got past its drift checks, even when
// the error is non-nil. Events of every record committed before a deadline are
// still handed to the notifier. Returned errors: ErrConfigValidation for an
// empty URL list, ErrCycleFailure when a drift check fails, ErrCycleTimeout
// (wrapping context.DeadlineExceeded) when ctx expires, or context.Canceled.
func (o *Orchestrator) RunCycle(ctx context.Context, urls []string) (*models.CrawlCycleResult, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: no urls configured", utils.ErrConfigValidation)
	}

	res := &models.CrawlCycleResult{
		CycleID:   uuid.NewString(),
		StartedAt: time.Now(),
	}
	cycleLog := o.log.WithField("cycle_id", res.CycleID)
	cycleLog.Infof("Starting crawl cycle over %d urls", len(urls))

	var err error
	if res.SchemaDrift, err = o.guard.CheckSchemaDrift(ctx, o.schemaDescriptor); err != nil {
		return o.abort(res, cycleLog, "schema", err)
	}
	if res.URLDrift, err = o.guard.CheckURLDrift(ctx, urls); err != nil {
		return o.abort(res, cycleLog, "url", err)
	}

	var cycleErr error
	for i, sourceURL := range urls {
		if i > 0 && o.urlDelay > 0 {
			if err := o.sleep(ctx, o.urlDelay); err != nil {
				cycleErr = err
				break
			}
		}
		if err := ctx.Err(); err != nil {
			cycleErr = err
			break
		}

		walkRes, walkErr := o.walker.Walk(ctx, sourceURL)
		if walkRes == nil {
			walkRes = &models.URLResult{SourceURL: sourceURL, Err: walkErr}
		}
		res.URLs = append(res.URLs, *walkRes)
		res.Events = append(res.Events, walkRes.Events...)

		if walkErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				cycleErr = ctxErr
				break
			}
			cycleLog.WithFields(logrus.Fields{
				"source_url": sourceURL,
				"category":   utils.CategorizeError(walkErr),
			}).Errorf("Walk failed, continuing with next url: %v", walkErr)
		}
	}

	// Delivery runs even after a deadline so committed changes are not lost
	if len(res.Events) > 0 {
		o.notifier.Notify(context.WithoutCancel(ctx), res.Events)
		res.Notified = true
	}

	if failed := res.FailedURLs(); len(failed) > 0 && o.alerter != nil && cycleErr == nil {
		o.alerter.Alert(context.WithoutCancel(ctx), "Crawl cycle had failing urls",
			fmt.Sprintf("cycle %s: %d of %d urls failed:\n%s", res.CycleID, len(failed), len(urls), strings.Join(failed, "\n")))
	}

	o.updateGauge(context.WithoutCancel(ctx), cycleLog)
	res.FinishedAt = time.Now()
	o.logSummary(res, cycleLog)

	if cycleErr != nil {
		if errors.Is(cycleErr, context.DeadlineExceeded) {
			return res, fmt.Errorf("%w: %w", utils.ErrCycleTimeout, cycleErr)
		}
		return res, cycleErr
	}
	return res, nil
}

func (o *Orchestrator) abort(res *models.CrawlCycleResult, log *logrus.Entry, check string, err error) (*models.CrawlCycleResult, error) {
	res.FinishedAt = time.Now()
	if errors.Is(err, context.DeadlineExceeded) {
		return res, fmt.Errorf("%w: %s drift check: %w", utils.ErrCycleTimeout, check, err)
	}
	if errors.Is(err, context.Canceled) {
		return res, err
	}
	log.WithField("category", utils.CategorizeError(err)).Errorf("%s drift check failed: %v", check, err)
	return res, fmt.Errorf("%w: %s drift check: %w", utils.ErrCycleFailure, check, err)
}

func (o *Orchestrator) updateGauge(ctx context.Context, log *logrus.Entry) {
	if o.counter == nil {
		return
	}
	n, err := o.counter.CountListings(ctx)
	if err != nil {
		log.Warnf("Could not count stored listings: %v", err)
		return
	}
	o.metrics.SetListingsStored(n)
}

// logSummary logs a summary of the cycle
func (o *Orchestrator) logSummary(res *models.CrawlCycleResult, log *logrus.Entry) {
	log.Info("============================================")
	log.Infof("Crawl cycle completed in %v", res.Duration().Round(time.Millisecond))
	if res.SchemaDrift.Drifted || res.URLDrift.Drifted {
		log.Infof("Drift: schema=%t url=%t, %d listings flushed",
			res.SchemaDrift.Drifted, res.URLDrift.Drifted, res.SchemaDrift.Flushed+res.URLDrift.Flushed)
	}
	for _, u := range res.URLs {
		status := "SUCCESS"
		if u.Failed() {
			status = "FAILED"
		}
		log.Infof("  %s: %s - %d pages, %d records (%d new, %d changed, %d unchanged, %d failed) in %v",
			u.SourceURL, status, u.Pages, u.RecordsSeen, u.New, u.PriceChanged, u.Unchanged, u.RecordFailures,
			u.Duration.Round(time.Millisecond))
		if u.Err != nil {
			log.Infof("    Error: %v", u.Err)
		}
	}
	counts := res.CountByKind()
	log.Info("--------------------------------------------")
	log.Infof("Total: %d urls (%d failed), %d new, %d price changes, notified=%t",
		len(res.URLs), len(res.FailedURLs()), counts[models.ChangeKindNew], counts[models.ChangeKindPriceChanged], res.Notified)
	log.Info("============================================")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ DriftGuard = (*guard.Guard)(nil)
