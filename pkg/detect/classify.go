// Package detect classifies freshly extracted listings against stored state
// and computes the record updates and change events that follow.
package detect

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nepremicninko/listing-watch/pkg/models"
)

// Classification is the outcome of comparing one extracted record with its stored counterpart.
// The set of variants is closed: NewRecord, PriceChanged and Unchanged.
type Classification interface {
	isClassification()
}

// NewRecord means no stored record exists for the identifier
type NewRecord struct {
	Raw models.RawRecord
}

// PriceChanged means the stored price differs from the extracted one
type PriceChanged struct {
	Old decimal.Decimal
	New decimal.Decimal
}

// Unchanged means the stored price equals the extracted one
type Unchanged struct{}

func (NewRecord) isClassification()    {}
func (PriceChanged) isClassification() {}
func (Unchanged) isClassification()    {}

// Classify compares only the price, with exact numeric equality.
// Location and size differences do not produce a change.
func Classify(raw models.RawRecord, existing *models.ListingRecord) Classification {
	if existing == nil {
		return NewRecord{Raw: raw}
	}
	if !existing.Price.Equal(raw.Price) {
		return PriceChanged{Old: existing.Price, New: raw.Price}
	}
	return Unchanged{}
}

// Apply turns a classification into the record to persist and, for New and
// PriceChanged, the event to notify. existing must be nil exactly when c is NewRecord.
// The returned record is a fresh value; existing is never mutated.
func Apply(c Classification, raw models.RawRecord, existing *models.ListingRecord, now time.Time) (*models.ListingRecord, *models.ChangeEvent, error) {
	switch v := c.(type) {
	case NewRecord:
		if existing != nil {
			return nil, nil, fmt.Errorf("new classification for stored item '%s'", raw.ItemID)
		}
		rec := &models.ListingRecord{
			ItemID:       v.Raw.ItemID,
			URL:          v.Raw.URL,
			ListingType:  v.Raw.ListingType,
			Location:     v.Raw.Location,
			Price:        v.Raw.Price,
			PricePerSqm:  v.Raw.PricePerSqm,
			SizeSqm:      v.Raw.SizeSqm,
			FirstSeen:    now,
			LastSeen:     now,
			AccessedTime: now,
		}
		return rec, eventFor(models.ChangeKindNew, rec, nil), nil

	case PriceChanged:
		if existing == nil {
			return nil, nil, fmt.Errorf("price change for unknown item '%s'", raw.ItemID)
		}
		rec := *existing
		old := v.Old
		rec.LastPrice = &old
		rec.Price = v.New
		rec.PricePerSqm = raw.PricePerSqm
		rec.LastSeen = now
		rec.AccessedTime = now
		return &rec, eventFor(models.ChangeKindPriceChanged, &rec, &old), nil

	case Unchanged:
		if existing == nil {
			return nil, nil, fmt.Errorf("unchanged classification for unknown item '%s'", raw.ItemID)
		}
		rec := *existing
		rec.LastSeen = now
		rec.AccessedTime = now
		return &rec, nil, nil

	default:
		return nil, nil, fmt.Errorf("unhandled classification %T", c)
	}
}

func eventFor(kind models.ChangeKind, rec *models.ListingRecord, oldPrice *decimal.Decimal) *models.ChangeEvent {
	return &models.ChangeEvent{
		ItemID:      rec.ItemID,
		URL:         rec.URL,
		Kind:        kind,
		Price:       rec.Price,
		OldPrice:    oldPrice,
		PricePerSqm: rec.PricePerSqm,
		Location:    rec.Location,
		SizeSqm:     rec.SizeSqm,
		ListingType: rec.ListingType,
	}
}
