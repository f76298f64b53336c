// Package cache is the key-value store plugins reach through the engine's
// host functions. It is a single-host SQLite file with per-entry TTLs; an
// advisory lock file keeps two daemons off the same database.
package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrLockTimeout means another process held the cache lock for the whole
// configured wait.
var ErrLockTimeout = errors.New("cache: lock acquisition timed out")

// Options configures Open.
type Options struct {
	Path          string
	DefaultTTL    time.Duration
	MaxTTL        time.Duration
	LockTimeout   time.Duration
	RetryInterval time.Duration
}

// Cache is a process-wide handle; safe for concurrent use.
type Cache struct {
	db         *sql.DB
	lockPath   string
	defaultTTL time.Duration
	maxTTL     time.Duration
}

// Open creates or opens the cache database, applying the schema and
// journaling pragmas.
func Open(opts Options) (*Cache, error) {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}
	if dir := filepath.Dir(opts.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache dir: %w", err)
		}
	}

	lockPath := opts.Path + ".lock"
	if err := acquireLock(lockPath, opts.LockTimeout, opts.RetryInterval); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		_ = os.Remove(lockPath)
		return nil, fmt.Errorf("opening cache db at %s: %w", opts.Path, err)
	}
	// The advisory lock already serializes access across processes; a single
	// connection serializes it within this one.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA wal_autocheckpoint=1000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			_ = os.Remove(lockPath)
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	const schema = `
CREATE TABLE IF NOT EXISTS cache(
    key        TEXT PRIMARY KEY,
    value      BLOB NOT NULL,
    expires_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS cache_expires_idx ON cache(expires_at);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		_ = os.Remove(lockPath)
		return nil, fmt.Errorf("creating cache schema: %w", err)
	}

	return &Cache{
		db:         db,
		lockPath:   lockPath,
		defaultTTL: opts.DefaultTTL,
		maxTTL:     opts.MaxTTL,
	}, nil
}

// acquireLock takes the advisory lock file, retrying until timeout. The file
// holds the owner pid for diagnosis.
func acquireLock(path string, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			return f.Close()
		}
		if !os.IsExist(err) {
			return fmt.Errorf("creating lock file %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w (%s held elsewhere)", ErrLockTimeout, path)
		}
		time.Sleep(interval)
	}
}

// Get returns the value for key, or found=false when absent or expired.
// Expired rows are deleted lazily here.
func (c *Cache) Get(key string) (value []byte, found bool, err error) {
	now := time.Now().UnixMilli()

	var expiresAt int64
	row := c.db.QueryRow("SELECT value, expires_at FROM cache WHERE key = ?", key)
	if err := row.Scan(&value, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if expiresAt <= now {
		_, _ = c.db.Exec("DELETE FROM cache WHERE key = ?", key)
		return nil, false, nil
	}
	return value, true, nil
}

// Set stores value under key. ttlMS nil means the default TTL; any TTL is
// clamped to the configured maximum.
func (c *Cache) Set(key string, value []byte, ttlMS *int64) error {
	ttl := c.defaultTTL
	if ttlMS != nil {
		ttl = time.Duration(*ttlMS) * time.Millisecond
	}
	if ttl > c.maxTTL {
		ttl = c.maxTTL
	}

	now := time.Now().UnixMilli()
	_, err := c.db.Exec(`
INSERT INTO cache(key, value, expires_at, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
    value = excluded.value,
    expires_at = excluded.expires_at,
    updated_at = excluded.updated_at`,
		key, value, now+ttl.Milliseconds(), now)
	return err
}

// Delete removes key if present.
func (c *Cache) Delete(key string) error {
	_, err := c.db.Exec("DELETE FROM cache WHERE key = ?", key)
	return err
}

// Sweep deletes every expired row. Called opportunistically by pollers.
func (c *Cache) Sweep() (int64, error) {
	res, err := c.db.Exec("DELETE FROM cache WHERE expires_at <= ?", time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close releases the database and the advisory lock.
func (c *Cache) Close() error {
	err := c.db.Close()
	if rmErr := os.Remove(c.lockPath); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}
