package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ListingType tells whether a listing is for sale or for rent
type ListingType string

const (
	ListingTypeUnset   ListingType = ""        // Zero value = unknown
	ListingTypeSelling ListingType = "selling" // Property offered for sale
	ListingTypeRenting ListingType = "renting" // Property offered for rent
)

// String implements fmt.Stringer for logging
func (t ListingType) String() string {
	if t == "" {
		return "unset"
	}
	return string(t)
}

// IsValid returns true if the type is one that may be persisted
func (t ListingType) IsValid() bool {
	switch t {
	case ListingTypeSelling, ListingTypeRenting:
		return true
	}
	return false
}

// ListingRecord is the persisted state of one listing, keyed by ItemID.
// ItemID and URL are each unique across all stored records.
type ListingRecord struct {
	ItemID       string           `json:"item_id"`
	URL          string           `json:"url"`
	ListingType  ListingType      `json:"listing_type"`
	Location     string           `json:"location,omitempty"`
	Price        decimal.Decimal  `json:"price"`
	LastPrice    *decimal.Decimal `json:"last_price,omitempty"` // Price before the most recent change
	PricePerSqm  bool             `json:"price_per_sqm"`
	SizeSqm      *decimal.Decimal `json:"size_sqm,omitempty"`
	FirstSeen    time.Time        `json:"first_seen"` // Set once on insert
	LastSeen     time.Time        `json:"last_seen"`
	AccessedTime time.Time        `json:"accessed_time"`
}

// ConfigFingerprint is the singleton holding hashes of the last seen URL set and record schema.
// An empty hash means that fingerprint was never recorded.
type ConfigFingerprint struct {
	URLHash    string    `json:"url_hash,omitempty"`
	SchemaHash string    `json:"schema_hash,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RawRecord is one listing as returned by the extractor, before any diffing
type RawRecord struct {
	ItemID      string
	URL         string
	Title       string
	Price       decimal.Decimal // Zero when the page showed no price
	PricePerSqm bool
	Location    string
	SizeSqm     *decimal.Decimal
	ListingType ListingType // Hint derived from the source URL
}

// Page is fetched page content handed from a fetcher to an extractor
type Page struct {
	URL        string // URL that was requested
	FinalURL   string // URL after redirects (same as URL for browser fetches)
	StatusCode int
	Body       []byte
	FetchedAt  time.Time
}
