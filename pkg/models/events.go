package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ChangeKind is the kind of change a ChangeEvent reports
type ChangeKind string

const (
	ChangeKindNew          ChangeKind = "new"
	ChangeKindPriceChanged ChangeKind = "price_changed"
)

// String implements fmt.Stringer for logging
func (k ChangeKind) String() string { return string(k) }

// ChangeEvent is produced for every New or PriceChanged record within one cycle. Never persisted.
type ChangeEvent struct {
	ItemID      string
	URL         string
	SourceURL   string // Configured URL whose walk produced the event
	Kind        ChangeKind
	Price       decimal.Decimal
	OldPrice    *decimal.Decimal // Only set for ChangeKindPriceChanged
	PricePerSqm bool
	Location    string
	SizeSqm     *decimal.Decimal
	ListingType ListingType
}

// URLResult summarises the walk of one configured URL
type URLResult struct {
	SourceURL      string
	Pages          int // Pages fetched and extracted
	RecordsSeen    int
	New            int
	PriceChanged   int
	Unchanged      int
	RecordFailures int // Records skipped because extraction or persistence failed
	Events         []ChangeEvent
	Duration       time.Duration
	Err            error // Set when the walk ended abnormally; counts above stay valid
}

// Failed reports whether the walk ended abnormally
func (r *URLResult) Failed() bool { return r.Err != nil }

// DriftOutcome records what a fingerprint check decided during a cycle
type DriftOutcome struct {
	Drifted  bool
	FirstRun bool // No fingerprint was stored; the computed one became the baseline
	Flushed  int  // Records deleted as a consequence of the drift
}

// CrawlCycleResult aggregates one cycle over all configured URLs
type CrawlCycleResult struct {
	CycleID     string
	StartedAt   time.Time
	FinishedAt  time.Time
	SchemaDrift DriftOutcome
	URLDrift    DriftOutcome
	URLs        []URLResult
	Events      []ChangeEvent // In URL order, then page order
	Notified    bool          // Events were handed to the notifier
}

// Duration returns the wall time of the cycle
func (r *CrawlCycleResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// FailedURLs returns the source URLs whose walk ended with an error
func (r *CrawlCycleResult) FailedURLs() []string {
	var failed []string
	for i := range r.URLs {
		if r.URLs[i].Failed() {
			failed = append(failed, r.URLs[i].SourceURL)
		}
	}
	return failed
}

// CountByKind counts aggregated events by kind
func (r *CrawlCycleResult) CountByKind() map[ChangeKind]int {
	counts := make(map[ChangeKind]int, 2)
	for _, ev := range r.Events {
		counts[ev.Kind]++
	}
	return counts
}
