package blobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ninjalabs/gatekeeper/internal/metrics"
)

// SQLiteStore persists documents in a single SQLite database with a
// version column backing the optimistic updates.
type SQLiteStore struct {
	db        *sql.DB
	opTimeout time.Duration
}

// NewSQLiteStore opens (or creates) the blob database in dir.
func NewSQLiteStore(dir string, opTimeout time.Duration) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}

	dbPath := filepath.Join(dir, "blobs.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open blob db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, opTimeout: opTimeout}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS blobs (
		path    TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		data    BLOB NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init blob schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Read returns the current document, or found=false when absent.
func (s *SQLiteStore) Read(ctx context.Context, path string) (json.RawMessage, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE path = ?`, path).Scan(&data)
	if err == sql.ErrNoRows {
		metrics.BlobOpsTotal.WithLabelValues("read", "miss").Inc()
		return nil, false, nil
	}
	if err != nil {
		metrics.BlobOpsTotal.WithLabelValues("read", "error").Inc()
		return nil, false, fmt.Errorf("%w: read %q: %v", ErrUnavailable, path, err)
	}
	metrics.BlobOpsTotal.WithLabelValues("read", "ok").Inc()
	return json.RawMessage(data), true, nil
}

// OptimisticUpdate applies transform under a version check, retrying from
// scratch on conflict.
func (s *SQLiteStore) OptimisticUpdate(ctx context.Context, path string, transform Transform) (json.RawMessage, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		if attempt > 0 {
			metrics.BlobRetriesTotal.Inc()
		}

		current, version, found, err := s.readVersioned(ctx, path)
		if err != nil {
			return nil, err
		}

		next, err := transform(current)
		if err != nil {
			return nil, fmt.Errorf("transform %q: %w", path, err)
		}

		ok, err := s.writeConditional(ctx, path, next, version, found)
		if err != nil {
			return nil, err
		}
		if ok {
			metrics.BlobOpsTotal.WithLabelValues("update", "ok").Inc()
			return next, nil
		}
		// Lost the version race; re-read and try again.
	}

	metrics.BlobOpsTotal.WithLabelValues("update", "contention").Inc()
	return nil, fmt.Errorf("%w: update %q", ErrContention, path)
}

func (s *SQLiteStore) readVersioned(ctx context.Context, path string) (json.RawMessage, int64, bool, error) {
	var data []byte
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT data, version FROM blobs WHERE path = ?`, path).Scan(&data, &version)
	if err == sql.ErrNoRows {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("%w: read %q: %v", ErrUnavailable, path, err)
	}
	return json.RawMessage(data), version, true, nil
}

func (s *SQLiteStore) writeConditional(ctx context.Context, path string, data json.RawMessage, version int64, exists bool) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if exists {
		res, err = s.db.ExecContext(ctx,
			`UPDATE blobs SET data = ?, version = version + 1 WHERE path = ? AND version = ?`,
			[]byte(data), path, version)
	} else {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO blobs (path, version, data) VALUES (?, 1, ?) ON CONFLICT(path) DO NOTHING`,
			path, []byte(data))
	}
	if err != nil {
		return false, fmt.Errorf("%w: write %q: %v", ErrUnavailable, path, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: write %q: %v", ErrUnavailable, path, err)
	}
	return affected == 1, nil
}

func (s *SQLiteStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}
