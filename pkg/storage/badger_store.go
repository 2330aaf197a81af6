package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/nepremicninko/listing-watch/pkg/log"
	"github.com/nepremicninko/listing-watch/pkg/models"
	"github.com/nepremicninko/listing-watch/pkg/utils"
)

const (
	listingKeyPrefix = "listing:"         // item id -> JSON ListingRecord
	urlKeyPrefix     = "url:"             // listing url -> owning item id
	fingerprintKey   = "meta:fingerprint" // JSON ConfigFingerprint
)

// BadgerStore implements Store using BadgerDB
type BadgerStore struct {
	db       *badger.DB
	log      *logrus.Entry
	keyCount atomic.Int64 // Cached listing count for O(1) CountListings
}

// NewBadgerStore opens (or creates) the database at dbPath
func NewBadgerStore(dbPath string, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{log: logger}

	logger.Infof("Initializing listing database at: %s", dbPath)

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create database directory %s: %w", utils.ErrFilesystem, dbPath, err)
	}

	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))
	opts := badger.DefaultOptions(dbPath).
		WithLogger(badgerLogger).
		WithNumVersionsToKeep(1)

	var err error
	store.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %s: %w", utils.ErrDatabase, dbPath, err)
	}

	count, err := store.countPrefix(listingKeyPrefix)
	if err != nil {
		logger.Warnf("Failed to count existing listings: %v", err)
	} else {
		store.keyCount.Store(int64(count))
		logger.Infof("Listing database ready with %d stored listings", count)
	}

	return store, nil
}

// countPrefix performs a key-only scan over one prefix
func (s *BadgerStore) countPrefix(prefix string) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent MVCC transactions on overlapping keys can return badger.ErrConflict;
// these resolve in microseconds, so a tight retry loop is sufficient.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// WithTx implements ListingStore. fn may run more than once on write conflicts.
func (s *BadgerStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var added int
	var fnErr error
	err := s.dbUpdate(func(txn *badger.Txn) error {
		bt := &badgerTx{txn: txn}
		if fnErr = fn(bt); fnErr != nil {
			return fnErr
		}
		added = bt.added
		return nil
	})
	if err != nil {
		if fnErr != nil {
			return fnErr
		}
		return fmt.Errorf("%w: commit listing transaction: %w", utils.ErrDatabase, err)
	}
	if added > 0 {
		s.keyCount.Add(int64(added))
	}
	return nil
}

// GetListing implements ListingStore
func (s *BadgerStore) GetListing(ctx context.Context, itemID string) (*models.ListingRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *models.ListingRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var errGet error
		rec, errGet = getListing(txn, itemID)
		return errGet
	})
	return rec, err
}

// CountListings implements ListingStore.
// Returns the cached count maintained by atomic increments on inserts.
func (s *BadgerStore) CountListings(_ context.Context) (int, error) {
	return int(s.keyCount.Load()), nil
}

// DeleteAllListings implements ListingStore
func (s *BadgerStore) DeleteAllListings(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	count, err := s.countPrefix(listingKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("%w: counting listings before flush: %w", utils.ErrDatabase, err)
	}
	if err := s.db.DropPrefix([]byte(listingKeyPrefix), []byte(urlKeyPrefix)); err != nil {
		return 0, fmt.Errorf("%w: dropping listings: %w", utils.ErrDatabase, err)
	}
	s.keyCount.Store(0)
	s.log.Warnf("Deleted %d stored listings", count)
	return count, nil
}

// GetFingerprint implements FingerprintStore
func (s *BadgerStore) GetFingerprint(ctx context.Context) (*models.ConfigFingerprint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var fp *models.ConfigFingerprint
	err := s.db.View(func(txn *badger.Txn) error {
		var errGet error
		fp, errGet = getFingerprint(txn)
		return errGet
	})
	return fp, err
}

// SetURLHash implements FingerprintStore
func (s *BadgerStore) SetURLHash(ctx context.Context, hash string) error {
	return s.updateFingerprint(ctx, func(fp *models.ConfigFingerprint) { fp.URLHash = hash })
}

// SetSchemaHash implements FingerprintStore
func (s *BadgerStore) SetSchemaHash(ctx context.Context, hash string) error {
	return s.updateFingerprint(ctx, func(fp *models.ConfigFingerprint) { fp.SchemaHash = hash })
}

func (s *BadgerStore) updateFingerprint(ctx context.Context, mutate func(fp *models.ConfigFingerprint)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.dbUpdate(func(txn *badger.Txn) error {
		fp, err := getFingerprint(txn)
		if err != nil {
			return err
		}
		mutate(fp)
		fp.UpdatedAt = time.Now().UTC()
		val, err := json.Marshal(fp)
		if err != nil {
			return fmt.Errorf("%w: marshal fingerprint: %w", utils.ErrParsing, err)
		}
		return txn.SetEntry(badger.NewEntry([]byte(fingerprintKey), val))
	})
	if err != nil {
		s.log.WithField("key", fingerprintKey).Errorf("DB Update error writing fingerprint: %v", err)
		return fmt.Errorf("%w: writing fingerprint: %w", utils.ErrDatabase, err)
	}
	return nil
}

// RunGC runs BadgerDB's garbage collection periodically
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("BadgerDB GC goroutine started.")

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				s.log.Info("DB GC: Database is nil or closed, skipping GC cycle.")
				continue
			}

			var err error
			// Loop GC until it returns ErrNoRewrite or another error
			for {
				if err = s.db.RunValueLogGC(0.5); err != nil {
					break
				}
				s.log.Debug("BadgerDB GC cycle completed.")
			}

			if errors.Is(err, badger.ErrNoRewrite) {
				s.log.Debug("BadgerDB GC finished (no rewrite needed).")
			} else {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}

		case <-ctx.Done():
			s.log.Infof("Stopping BadgerDB garbage collection goroutine: %v", ctx.Err())
			return
		}
	}
}

// Close implements StoreAdmin
func (s *BadgerStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		s.log.Info("Closing listing DB...")
		if err := s.db.Close(); err != nil {
			s.log.Errorf("Error closing listing DB: %v", err)
			return err
		}
		s.log.Info("Listing DB closed.")
		return nil
	}
	return nil
}

// badgerTx adapts a badger transaction to Tx
type badgerTx struct {
	txn   *badger.Txn
	added int // Inserts made; applied to keyCount after commit
}

func (t *badgerTx) GetListing(itemID string) (*models.ListingRecord, error) {
	return getListing(t.txn, itemID)
}

func (t *badgerTx) InsertListing(rec *models.ListingRecord) error {
	key := []byte(listingKeyPrefix + rec.ItemID)
	if _, err := t.txn.Get(key); err == nil {
		return fmt.Errorf("%w: listing '%s' already stored", utils.ErrDatabase, rec.ItemID)
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: reading key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	if err := t.claimURL(rec.ItemID, rec.URL); err != nil {
		return err
	}
	if err := t.putListing(rec); err != nil {
		return err
	}
	t.added++
	return nil
}

func (t *badgerTx) UpdateListing(rec *models.ListingRecord) error {
	existing, err := getListing(t.txn, rec.ItemID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("%w: listing '%s' not found for update", utils.ErrDatabase, rec.ItemID)
	}
	if existing.URL != rec.URL {
		if err := t.claimURL(rec.ItemID, rec.URL); err != nil {
			return err
		}
		if err := t.txn.Delete([]byte(urlKeyPrefix + existing.URL)); err != nil {
			return fmt.Errorf("%w: releasing url '%s': %w", utils.ErrDatabase, existing.URL, err)
		}
	}
	return t.putListing(rec)
}

// claimURL points the url index at itemID, failing if another item owns it
func (t *badgerTx) claimURL(itemID, url string) error {
	key := []byte(urlKeyPrefix + url)
	item, err := t.txn.Get(key)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return fmt.Errorf("%w: reading key '%s': %w", utils.ErrDatabase, string(key), err)
	default:
		owner, errVal := item.ValueCopy(nil)
		if errVal != nil {
			return fmt.Errorf("%w: reading key '%s': %w", utils.ErrDatabase, string(key), errVal)
		}
		if string(owner) != itemID {
			return fmt.Errorf("%w: %s is owned by item '%s'", utils.ErrDuplicateListing, url, string(owner))
		}
	}
	return t.txn.SetEntry(badger.NewEntry(key, []byte(itemID)))
}

func (t *badgerTx) putListing(rec *models.ListingRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: marshal listing '%s': %w", utils.ErrParsing, rec.ItemID, err)
	}
	if err := t.txn.SetEntry(badger.NewEntry([]byte(listingKeyPrefix+rec.ItemID), val)); err != nil {
		return fmt.Errorf("%w: writing listing '%s': %w", utils.ErrDatabase, rec.ItemID, err)
	}
	return nil
}

func getListing(txn *badger.Txn, itemID string) (*models.ListingRecord, error) {
	key := []byte(listingKeyPrefix + itemID)
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed getting key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	var rec models.ListingRecord
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: decoding listing '%s': %w", utils.ErrParsing, itemID, err)
	}
	return &rec, nil
}

func getFingerprint(txn *badger.Txn) (*models.ConfigFingerprint, error) {
	item, err := txn.Get([]byte(fingerprintKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return &models.ConfigFingerprint{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed getting fingerprint: %w", utils.ErrDatabase, err)
	}
	var fp models.ConfigFingerprint
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &fp) }); err != nil {
		return nil, fmt.Errorf("%w: decoding fingerprint: %w", utils.ErrParsing, err)
	}
	return &fp, nil
}
