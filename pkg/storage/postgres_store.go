package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/nepremicninko/listing-watch/pkg/models"
	"github.com/nepremicninko/listing-watch/pkg/utils"
)

const (
	pgUniqueViolation     = "23505"
	listingsURLConstraint = "listings_url_key"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS listings (
	item_id       TEXT PRIMARY KEY,
	url           TEXT NOT NULL UNIQUE,
	listing_type  TEXT NOT NULL,
	location      TEXT,
	price         NUMERIC NOT NULL,
	last_price    NUMERIC,
	price_per_sqm BOOLEAN NOT NULL DEFAULT FALSE,
	size_sqm      NUMERIC,
	first_seen    TIMESTAMPTZ NOT NULL,
	last_seen     TIMESTAMPTZ NOT NULL,
	accessed_time TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS config_fingerprint (
	id          SMALLINT PRIMARY KEY CHECK (id = 1),
	url_hash    TEXT,
	schema_hash TEXT,
	updated_at  TIMESTAMPTZ NOT NULL
);`

const listingColumns = `item_id, url, listing_type, location, price::text, last_price::text,
	price_per_sqm, size_sqm::text, first_seen, last_seen, accessed_time`

// PostgresStore implements Store on a pgx connection pool
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *logrus.Entry
}

// NewPostgresStore connects to dsn and creates the tables if missing
func NewPostgresStore(ctx context.Context, dsn string, logger *logrus.Entry) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to connect to database: %w", utils.ErrDatabase, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping database: %w", utils.ErrDatabase, err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: create schema: %w", utils.ErrDatabase, err)
	}
	logger.Info("Postgres listing store ready")
	return &PostgresStore{pool: pool, log: logger}, nil
}

// WithTx implements ListingStore
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", utils.ErrDatabase, err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit listing transaction: %w", utils.ErrDatabase, err)
	}
	return nil
}

// GetListing implements ListingStore
func (s *PostgresStore) GetListing(ctx context.Context, itemID string) (*models.ListingRecord, error) {
	return selectListing(ctx, s.pool, itemID)
}

// CountListings implements ListingStore
func (s *PostgresStore) CountListings(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM listings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count listings: %w", utils.ErrDatabase, err)
	}
	return n, nil
}

// DeleteAllListings implements ListingStore
func (s *PostgresStore) DeleteAllListings(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM listings`)
	if err != nil {
		return 0, fmt.Errorf("%w: delete listings: %w", utils.ErrDatabase, err)
	}
	n := int(tag.RowsAffected())
	s.log.Warnf("Deleted %d stored listings", n)
	return n, nil
}

// GetFingerprint implements FingerprintStore
func (s *PostgresStore) GetFingerprint(ctx context.Context) (*models.ConfigFingerprint, error) {
	var urlHash, schemaHash *string
	var fp models.ConfigFingerprint
	err := s.pool.QueryRow(ctx,
		`SELECT url_hash, schema_hash, updated_at FROM config_fingerprint WHERE id = 1`,
	).Scan(&urlHash, &schemaHash, &fp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.ConfigFingerprint{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read fingerprint: %w", utils.ErrDatabase, err)
	}
	if urlHash != nil {
		fp.URLHash = *urlHash
	}
	if schemaHash != nil {
		fp.SchemaHash = *schemaHash
	}
	return &fp, nil
}

// SetURLHash implements FingerprintStore
func (s *PostgresStore) SetURLHash(ctx context.Context, hash string) error {
	return s.upsertFingerprint(ctx, "url_hash", hash)
}

// SetSchemaHash implements FingerprintStore
func (s *PostgresStore) SetSchemaHash(ctx context.Context, hash string) error {
	return s.upsertFingerprint(ctx, "schema_hash", hash)
}

// column is one of two fixed names, never user input
func (s *PostgresStore) upsertFingerprint(ctx context.Context, column, hash string) error {
	query := fmt.Sprintf(
		`INSERT INTO config_fingerprint (id, %[1]s, updated_at) VALUES (1, $1, $2)
		 ON CONFLICT (id) DO UPDATE SET %[1]s = EXCLUDED.%[1]s, updated_at = EXCLUDED.updated_at`, column)
	if _, err := s.pool.Exec(ctx, query, hash, time.Now().UTC()); err != nil {
		return fmt.Errorf("%w: write %s: %w", utils.ErrDatabase, column, err)
	}
	return nil
}

// RunGC is a no-op beyond waiting for ctx; Postgres autovacuum covers housekeeping
func (s *PostgresStore) RunGC(ctx context.Context, _ time.Duration) {
	<-ctx.Done()
}

// Close implements StoreAdmin
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type pgTx struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *pgTx) GetListing(itemID string) (*models.ListingRecord, error) {
	return selectListing(t.ctx, t.tx, itemID)
}

func (t *pgTx) InsertListing(rec *models.ListingRecord) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO listings (item_id, url, listing_type, location, price, last_price,
			price_per_sqm, size_sqm, first_seen, last_seen, accessed_time)
		 VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8::numeric, $9, $10, $11)`,
		rec.ItemID, rec.URL, string(rec.ListingType), nullableString(rec.Location),
		rec.Price.String(), decimalText(rec.LastPrice), rec.PricePerSqm, decimalText(rec.SizeSqm),
		rec.FirstSeen, rec.LastSeen, rec.AccessedTime)
	return listingWriteError(err, rec)
}

func (t *pgTx) UpdateListing(rec *models.ListingRecord) error {
	tag, err := t.tx.Exec(t.ctx,
		`UPDATE listings SET url = $2, listing_type = $3, location = $4, price = $5::numeric,
			last_price = $6::numeric, price_per_sqm = $7, size_sqm = $8::numeric,
			last_seen = $9, accessed_time = $10
		 WHERE item_id = $1`,
		rec.ItemID, rec.URL, string(rec.ListingType), nullableString(rec.Location),
		rec.Price.String(), decimalText(rec.LastPrice), rec.PricePerSqm, decimalText(rec.SizeSqm),
		rec.LastSeen, rec.AccessedTime)
	if err != nil {
		return listingWriteError(err, rec)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: listing '%s' not found for update", utils.ErrDatabase, rec.ItemID)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func selectListing(ctx context.Context, q querier, itemID string) (*models.ListingRecord, error) {
	var (
		rec             models.ListingRecord
		listingType     string
		location        *string
		price           string
		lastPrice, size *string
	)
	err := q.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE item_id = $1`, itemID).Scan(
		&rec.ItemID, &rec.URL, &listingType, &location, &price, &lastPrice,
		&rec.PricePerSqm, &size, &rec.FirstSeen, &rec.LastSeen, &rec.AccessedTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read listing '%s': %w", utils.ErrDatabase, itemID, err)
	}

	rec.ListingType = models.ListingType(listingType)
	if location != nil {
		rec.Location = *location
	}
	if rec.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("%w: price of listing '%s': %w", utils.ErrParsing, itemID, err)
	}
	if rec.LastPrice, err = parseDecimalPtr(lastPrice); err != nil {
		return nil, fmt.Errorf("%w: last_price of listing '%s': %w", utils.ErrParsing, itemID, err)
	}
	if rec.SizeSqm, err = parseDecimalPtr(size); err != nil {
		return nil, fmt.Errorf("%w: size of listing '%s': %w", utils.ErrParsing, itemID, err)
	}
	return &rec, nil
}

func listingWriteError(err error, rec *models.ListingRecord) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == listingsURLConstraint {
		return fmt.Errorf("%w: %s (item '%s')", utils.ErrDuplicateListing, rec.URL, rec.ItemID)
	}
	return fmt.Errorf("%w: writing listing '%s': %w", utils.ErrDatabase, rec.ItemID, err)
}

func decimalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimalPtr(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
