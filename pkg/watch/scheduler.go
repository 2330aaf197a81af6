// Package watch runs crawl cycles on a fixed interval with cooldown, timeout,
// overlap prevention and bounded startup retries.
package watch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/nepremicninko/listing-watch/pkg/config"
	applog "github.com/nepremicninko/listing-watch/pkg/log"
	"github.com/nepremicninko/listing-watch/pkg/metrics"
	"github.com/nepremicninko/listing-watch/pkg/models"
	"github.com/nepremicninko/listing-watch/pkg/notify"
	"github.com/nepremicninko/listing-watch/pkg/utils"
)

// ErrCycleSkipped is returned by Trigger when another cycle is still running
var ErrCycleSkipped = errors.New("cycle skipped: another cycle is running")

// CycleFunc runs one crawl cycle and must honour ctx
type CycleFunc func(ctx context.Context) (*models.CrawlCycleResult, error)

// Policy holds the timing rules applied around every cycle
type Policy struct {
	Interval       time.Duration
	Cooldown       time.Duration // Minimum gap between a completion and the next start
	Timeout        time.Duration // Deadline of one cycle attempt
	MaxAttempts    int           // Attempts of RunWithRetry
	RetryDelay     time.Duration
	SlowCycleRatio float64 // Warn when a cycle takes longer than ratio * Interval
	Location       *time.Location
}

// PolicyFromConfig builds a Policy from validated config
func PolicyFromConfig(cfg *config.AppConfig) (Policy, error) {
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return Policy{}, fmt.Errorf("%w: %w", utils.ErrConfigValidation, err)
	}
	return Policy{
		Interval:       cfg.Scheduler.Interval(),
		Cooldown:       cfg.Scheduler.Cooldown,
		Timeout:        cfg.CycleTimeout(),
		MaxAttempts:    cfg.Scheduler.MaxAttempts,
		RetryDelay:     cfg.Scheduler.RetryDelay,
		SlowCycleRatio: cfg.Scheduler.SlowCycleRatio,
		Location:       loc,
	}, nil
}

// Scheduler manages periodic crawl cycles
type Scheduler struct {
	cycle   CycleFunc
	policy  Policy
	state   *StateManager
	alerter notify.Alerter // nil disables alerts
	metrics *metrics.Metrics
	log     *logrus.Entry

	running *semaphore.Weighted
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewScheduler creates a scheduler. alerter and m may be nil.
func NewScheduler(cycle CycleFunc, policy Policy, state *StateManager, alerter notify.Alerter, m *metrics.Metrics, log *logrus.Entry) *Scheduler {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.Location == nil {
		policy.Location = time.Local
	}
	if state == nil {
		state = NewStateManager("")
	}
	return &Scheduler{
		cycle:   cycle,
		policy:  policy,
		state:   state,
		alerter: alerter,
		metrics: m,
		log:     log,
		running: semaphore.NewWeighted(1),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Trigger runs one cycle unless one is already running, in which case it
// returns ErrCycleSkipped without waiting.
func (s *Scheduler) Trigger(ctx context.Context) error {
	if !s.running.TryAcquire(1) {
		s.skip()
		return ErrCycleSkipped
	}
	defer s.running.Release(1)
	return s.attempt(ctx, 1)
}

// RunWithRetry runs a cycle, retrying failures up to MaxAttempts with RetryDelay
// between attempts. Timeouts are not retried. Exhausted retries are logged and
// returned but never fatal.
func (s *Scheduler) RunWithRetry(ctx context.Context) error {
	if !s.running.TryAcquire(1) {
		s.skip()
		return ErrCycleSkipped
	}
	defer s.running.Release(1)

	var lastErr error
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			s.metrics.CycleRetried()
			s.log.WithField("attempt", attempt).Infof("Retrying crawl cycle in %v", s.policy.RetryDelay)
			if err := s.sleep(ctx, s.policy.RetryDelay); err != nil {
				return err
			}
		}

		lastErr = s.attempt(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(lastErr, utils.ErrCycleTimeout) || errors.Is(lastErr, utils.ErrConfigValidation) {
			return lastErr
		}
	}

	msg := fmt.Sprintf("crawl cycle failed after %d attempts: %v", s.policy.MaxAttempts, lastErr)
	s.log.WithField("category", utils.CategorizeError(lastErr)).Error(msg + ", waiting for the next interval")
	s.alert(ctx, "Crawl cycle gave up", msg)
	return fmt.Errorf("%w: gave up after %d attempts: %w", utils.ErrCycleFailure, s.policy.MaxAttempts, lastErr)
}

// Run performs a retried startup cycle, then triggers a cycle every Interval
// until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.state.Load(); err != nil {
		s.log.Warnf("Failed to load watch state: %v (starting fresh)", err)
	}

	cronLog := applog.NewCronLogrusAdapter(s.log.WithField("component", "cron"))
	c := cron.New(
		cron.WithLocation(s.policy.Location),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog)),
	)
	spec := "@every " + s.policy.Interval.String()
	entryID, err := c.AddFunc(spec, func() {
		if err := s.Trigger(ctx); err != nil && !errors.Is(err, ErrCycleSkipped) {
			s.log.WithField("category", utils.CategorizeError(err)).Warnf("Scheduled cycle ended with error: %v", err)
		}
		s.logNextRun(c, 0)
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}

	s.log.Infof("Starting watch mode with interval %s (timeout %v, cooldown %v, timezone %s)",
		FormatInterval(s.policy.Interval), s.policy.Timeout, s.policy.Cooldown, s.policy.Location)
	c.Start()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.RunWithRetry(ctx); err != nil && ctx.Err() == nil {
			s.log.Warnf("Startup cycle did not succeed: %v", err)
		}
		s.logNextRun(c, entryID)
	}()

	<-ctx.Done()
	s.log.Info("Watch scheduler shutting down...")
	<-c.Stop().Done()
	wg.Wait()
	return nil
}

// attempt runs the cycle once: cooldown, then the cycle under its deadline.
// The completion is recorded whatever the outcome.
func (s *Scheduler) attempt(ctx context.Context, attempt int) (err error) {
	attemptLog := s.log.WithField("attempt", attempt)

	if last := s.state.LastCompletion(); !last.IsZero() {
		if wait := s.policy.Cooldown - s.now().Sub(last); wait > 0 {
			attemptLog.Infof("Cooling down for %v before starting the cycle", wait.Round(time.Millisecond))
			if err := s.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}

	start := s.now()
	var res *models.CrawlCycleResult
	defer func() {
		completed := s.now()
		rec := CycleRecord{
			StartedAt:   start,
			CompletedAt: completed,
			Duration:    completed.Sub(start),
			Attempt:     attempt,
			Outcome:     outcomeOf(err),
		}
		if err != nil {
			rec.Error = err.Error()
		}
		if res != nil {
			rec.Events = len(res.Events)
		}
		s.state.RecordCompletion(rec)
		if saveErr := s.state.Save(); saveErr != nil {
			attemptLog.Errorf("Failed to save watch state: %v", saveErr)
		}
		s.metrics.ObserveCycle(rec.Outcome, rec.Duration)
		s.checkDuration(rec.Duration, attemptLog)
	}()

	cycleCtx, cancel := context.WithTimeout(ctx, s.policy.Timeout)
	defer cancel()

	res, err = s.runCycle(cycleCtx, attemptLog)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		// Shutdown, not a timeout of this cycle
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, utils.ErrCycleTimeout):
		if !errors.Is(err, utils.ErrCycleTimeout) {
			err = fmt.Errorf("%w: %w", utils.ErrCycleTimeout, err)
		}
		msg := fmt.Sprintf("cycle aborted after exceeding its %v deadline", s.policy.Timeout)
		attemptLog.WithField("category", utils.CategorizeError(err)).Error(msg)
		s.alert(ctx, "Crawl cycle timed out", msg)
		return err
	default:
		attemptLog.WithField("category", utils.CategorizeError(err)).Errorf("Crawl cycle failed: %v", err)
		if !errors.Is(err, utils.ErrCycleFailure) && !errors.Is(err, utils.ErrConfigValidation) {
			err = fmt.Errorf("%w: %w", utils.ErrCycleFailure, err)
		}
		return err
	}
}

// runCycle calls the cycle function, turning a panic into a cycle failure
func (s *Scheduler) runCycle(ctx context.Context, log *logrus.Entry) (res *models.CrawlCycleResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{
				"panic_info":  r,
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC recovered in crawl cycle")
			res, err = nil, fmt.Errorf("%w: panic: %v", utils.ErrCycleFailure, r)
		}
	}()
	return s.cycle(ctx)
}

func (s *Scheduler) checkDuration(d time.Duration, log *logrus.Entry) {
	if s.policy.SlowCycleRatio <= 0 || s.policy.Interval <= 0 {
		return
	}
	limit := time.Duration(float64(s.policy.Interval) * s.policy.SlowCycleRatio)
	if d > limit {
		log.Warnf("Cycle took %v, more than %.0f%% of the %v interval; later triggers may be skipped",
			d.Round(time.Second), s.policy.SlowCycleRatio*100, s.policy.Interval)
	}
}

func (s *Scheduler) skip() {
	s.state.RecordSkip()
	s.metrics.CycleSkipped()
	s.log.Warn("Previous crawl cycle still running, skipping this trigger")
}

func (s *Scheduler) alert(ctx context.Context, title, msg string) {
	if s.alerter == nil {
		return
	}
	s.alerter.Alert(context.WithoutCancel(ctx), title, msg)
}

// logNextRun logs when the next scheduled cycle will occur
func (s *Scheduler) logNextRun(c *cron.Cron, id cron.EntryID) {
	var next time.Time
	if id != 0 {
		next = c.Entry(id).Next
	} else {
		for _, e := range c.Entries() {
			if next.IsZero() || e.Next.Before(next) {
				next = e.Next
			}
		}
	}
	if next.IsZero() {
		return
	}
	until := max(next.Sub(s.now()), 0)
	s.log.Infof("Next crawl cycle in %v (at %s)", until.Round(time.Second), next.In(s.policy.Location).Format("15:04:05"))
}

// Status returns the persisted scheduler state
func (s *Scheduler) Status() WatchState {
	return s.state.Snapshot()
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, utils.ErrCycleTimeout):
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeFailure
	}
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

// FormatInterval formats a duration for display
func FormatInterval(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		if mins > 0 {
			return fmt.Sprintf("%dh%dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	if hours > 0 {
		return fmt.Sprintf("%dd%dh", days, hours)
	}
	return fmt.Sprintf("%dd", days)
}

// ParseInterval parses an interval such as "15m", "2h" or "1d12h"
func ParseInterval(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err == nil {
		return d, nil
	}

	var days int
	var remaining string
	n, _ := fmt.Sscanf(s, "%dd%s", &days, &remaining)
	if n >= 1 {
		d = time.Duration(days) * 24 * time.Hour
		if remaining != "" {
			extra, err := time.ParseDuration(remaining)
			if err != nil {
				return 0, fmt.Errorf("invalid interval format: %s", s)
			}
			d += extra
		}
		return d, nil
	}

	return 0, fmt.Errorf("invalid interval format: %s (examples: 15m, 1h, 1d)", s)
}
