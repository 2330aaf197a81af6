package storage

import (
	"context"
	"time"

	"github.com/nepremicninko/listing-watch/pkg/models"
)

// Tx is one record-scoped transaction handed to the WithTx callback.
// It must not be retained after the callback returns.
type Tx interface {
	// GetListing returns the stored record or nil, nil if the item is unknown
	GetListing(itemID string) (*models.ListingRecord, error)

	// InsertListing stores a new record. Fails with utils.ErrDuplicateListing if
	// another item already owns rec.URL.
	InsertListing(rec *models.ListingRecord) error

	// UpdateListing overwrites an existing record
	UpdateListing(rec *models.ListingRecord) error
}

// ListingStore holds listing records keyed by item id
type ListingStore interface {
	// WithTx runs fn in one transaction. A non-nil return from fn rolls back
	// every write made through tx.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// GetListing reads a record outside of any caller transaction
	GetListing(ctx context.Context, itemID string) (*models.ListingRecord, error)

	// CountListings returns the number of stored records
	CountListings(ctx context.Context) (int, error)

	// DeleteAllListings removes every record and returns how many were removed
	DeleteAllListings(ctx context.Context) (int, error)
}

// FingerprintStore holds the singleton config fingerprint
type FingerprintStore interface {
	// GetFingerprint returns the stored fingerprint, or an empty one if none was ever written
	GetFingerprint(ctx context.Context) (*models.ConfigFingerprint, error)
	SetURLHash(ctx context.Context, hash string) error
	SetSchemaHash(ctx context.Context, hash string) error
}

// StoreAdmin handles lifecycle and administrative operations
type StoreAdmin interface {
	// RunGC runs periodic housekeeping until ctx is cancelled. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	// Close cleanly closes the database connection
	Close() error
}

// Store combines all store interfaces for components that need full access
type Store interface {
	ListingStore
	FingerprintStore
	StoreAdmin
}
