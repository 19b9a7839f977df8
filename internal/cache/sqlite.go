package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mipyme/offline/internal/db"
	apperrors "github.com/mipyme/offline/internal/errors"
	"github.com/mipyme/offline/internal/logging"
	"github.com/mipyme/offline/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteFile is the database file name used inside the namespace directory.
const SQLiteFile = "cache.db"

// SQLiteStore is a Store backed by an embedded SQLite database.
type SQLiteStore struct {
	db   *db.DB
	opts options
	log  *logging.Logger
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the cache database in dataDir and applies
// pending schema migrations.
func OpenSQLite(ctx context.Context, dataDir string, opts ...Option) (*SQLiteStore, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	conn, err := db.Open(ctx, dataDir, SQLiteFile)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "open cache database", err)
	}
	if err := db.Migrate(ctx, conn.DB, migrations, "migrations"); err != nil {
		conn.Close()
		return nil, apperrors.Wrap(apperrors.ErrMigration, "migrate cache database", err)
	}

	return &SQLiteStore{db: conn, opts: o, log: logging.Named("cache")}, nil
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return apperrors.New(apperrors.ErrInvalid, "cache key must not be empty")
	}
	if value == nil {
		value = []byte{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCacheWrite, "begin cache write", err)
	}
	defer tx.Rollback()

	if s.opts.maxBytes > 0 {
		var others int64
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(length(value)), 0) FROM cache_entries WHERE key != ?`, key).Scan(&others)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrCacheWrite, "measure cache size", err)
		}
		if others+int64(len(value)) > s.opts.maxBytes {
			return apperrors.Wrap(apperrors.ErrCacheQuotaExceeded,
				fmt.Sprintf("storing %d bytes under %q exceeds the %d byte budget", len(value), key, s.opts.maxBytes), nil)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, stored_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, stored_at = excluded.stored_at`,
		key, value, s.opts.now().UnixMilli())
	if err != nil {
		return s.writeError(key, err)
	}

	if err := tx.Commit(); err != nil {
		return s.writeError(key, err)
	}
	return nil
}

// writeError maps SQLITE_FULL to the quota error so callers can tell a full
// disk from other write failures.
func (s *SQLiteStore) writeError(key string, err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code()&0xff == sqlite3.SQLITE_FULL {
		return apperrors.Wrap(apperrors.ErrCacheQuotaExceeded, fmt.Sprintf("store %q", key), err)
	}
	return apperrors.Wrap(apperrors.ErrCacheWrite, fmt.Sprintf("store %q", key), err)
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*models.CacheEntry, error) {
	entry := &models.CacheEntry{Key: key}
	err := s.db.QueryRowContext(ctx,
		`SELECT value, stored_at FROM cache_entries WHERE key = ?`, key).Scan(&entry.Value, &entry.StoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("read %q", key), err)
	}
	return entry, nil
}

// DeleteByKeyPrefix implements Store. Matching uses substr rather than LIKE so
// that '%' and '_' in keys are taken literally.
func (s *SQLiteStore) DeleteByKeyPrefix(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return 0, apperrors.New(apperrors.ErrInvalid, "invalidation prefix must not be empty")
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE substr(key, 1, length(?)) = ?`, prefix, prefix)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrCacheWrite, fmt.Sprintf("invalidate %q", prefix), err)
	}
	return affected(res), nil
}

// SweepOlderThan implements Store.
func (s *SQLiteStore) SweepOlderThan(ctx context.Context, maxAge time.Duration, exempt ...string) (int, error) {
	cutoff := s.opts.now().Add(-maxAge).UnixMilli()

	var b strings.Builder
	b.WriteString(`DELETE FROM cache_entries WHERE stored_at < ?`)
	args := []any{cutoff}
	for _, p := range exempt {
		if p == "" {
			continue
		}
		b.WriteString(` AND substr(key, 1, length(?)) != ?`)
		args = append(args, p, p)
	}

	res, err := s.db.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrCacheWrite, "sweep cache", err)
	}
	n := affected(res)
	if n > 0 {
		s.log.Debug("Swept stale cache entries", map[string]interface{}{
			"removed": n,
			"max_age": maxAge.String(),
		})
	}
	return n, nil
}

// Keys implements Store.
func (s *SQLiteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM cache_entries ORDER BY key`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list cache keys", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan cache key", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Clear implements Store.
func (s *SQLiteStore) Clear(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrCacheWrite, "clear cache", err)
	}
	return affected(res), nil
}

// Size implements Store.
func (s *SQLiteStore) Size(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(length(value)), 0) FROM cache_entries`).Scan(&n)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "measure cache size", err)
	}
	return n, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func affected(res sql.Result) int {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(n)
}
