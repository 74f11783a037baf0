package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const changeBatch = 500

// SQLite provides SQLite-backed durable state
type SQLite struct {
	db           *sql.DB
	pollInterval time.Duration

	mu      sync.Mutex
	changed chan struct{}
}

// New creates a new SQLite store with the given database path
func New(dbPath string) (*SQLite, error) {
	dsn := dbPath
	if dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:") {
		dsn = "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite has a single writer; one connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLite{
		db:           db,
		pollInterval: time.Second,
		changed:      make(chan struct{}),
	}, nil
}

// SetPollInterval sets how often watchers look for changes committed by other processes
func (s *SQLite) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.pollInterval = d
	}
}

// Close closes the database connection
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Get retrieves a record by key
func (s *SQLite) Get(ctx context.Context, key string) (Record, error) {
	rec := Record{Key: key}
	err := s.db.QueryRowContext(ctx, `SELECT value, version FROM kv WHERE key = ?`, key).Scan(&rec.Value, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, s.wrap(ctx, err)
	}
	return rec, nil
}

// CompareAndSet writes value if the stored version equals expected
func (s *SQLite) CompareAndSet(ctx context.Context, key string, expected int64, value []byte) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.wrap(ctx, err)
	}
	defer tx.Rollback()

	current, err := currentVersion(ctx, tx, key)
	if err != nil {
		return 0, s.wrap(ctx, err)
	}
	if current != expected {
		return 0, ErrConflict
	}

	now := time.Now().UnixNano()
	next := current + 1
	if current == 0 {
		_, err = tx.ExecContext(ctx, `INSERT INTO kv (key, value, version, updated_at) VALUES (?, ?, ?, ?)`,
			key, value, next, now)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE kv SET value = ?, version = ?, updated_at = ? WHERE key = ? AND version = ?`,
			value, next, now, key, current)
	}
	if err != nil {
		return 0, s.wrap(ctx, err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO changes (key, value, version, deleted, committed_at) VALUES (?, ?, ?, FALSE, ?)`,
		key, value, next, now); err != nil {
		return 0, s.wrap(ctx, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, s.wrap(ctx, err)
	}
	s.broadcast()
	return next, nil
}

// Delete removes key if the stored version equals expected
func (s *SQLite) Delete(ctx context.Context, key string, expected int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(ctx, err)
	}
	defer tx.Rollback()

	current, err := currentVersion(ctx, tx, key)
	if err != nil {
		return s.wrap(ctx, err)
	}
	if current == 0 {
		return ErrNotFound
	}
	if current != expected {
		return ErrConflict
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return s.wrap(ctx, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO changes (key, version, deleted, committed_at) VALUES (?, ?, TRUE, ?)`,
		key, current, time.Now().UnixNano()); err != nil {
		return s.wrap(ctx, err)
	}

	if err := tx.Commit(); err != nil {
		return s.wrap(ctx, err)
	}
	s.broadcast()
	return nil
}

// List returns records whose key starts with prefix
func (s *SQLite) List(ctx context.Context, prefix string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, version FROM kv WHERE substr(key, 1, length(?)) = ? ORDER BY key`, prefix, prefix)
	if err != nil {
		return nil, s.wrap(ctx, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Key, &rec.Value, &rec.Version); err != nil {
			return nil, s.wrap(ctx, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(ctx, err)
	}
	return out, nil
}

// Watch streams changes under prefix. Commits from this process wake watchers
// immediately; commits from other processes are picked up on the poll interval.
func (s *SQLite) Watch(ctx context.Context, prefix string) (<-chan Change, error) {
	var last int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM changes`).Scan(&last); err != nil {
		return nil, s.wrap(ctx, err)
	}

	out := make(chan Change)
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			wake := s.waitChan()
			changes, err := s.changesSince(ctx, prefix, last)
			if err == nil {
				for _, c := range changes {
					select {
					case out <- c:
						last = c.Seq
					case <-ctx.Done():
						return
					}
				}
				if len(changes) == changeBatch {
					continue
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

// PruneChanges deletes change log entries committed before cutoff
func (s *SQLite) PruneChanges(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM changes WHERE committed_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, s.wrap(ctx, err)
	}
	return res.RowsAffected()
}

func (s *SQLite) changesSince(ctx context.Context, prefix string, after int64) ([]Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, key, value, version, deleted FROM changes
		WHERE seq > ? AND substr(key, 1, length(?)) = ?
		ORDER BY seq LIMIT ?
	`, after, prefix, prefix, changeBatch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var c Change
		if err := rows.Scan(&c.Seq, &c.Key, &c.Value, &c.Version, &c.Deleted); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) waitChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

func (s *SQLite) broadcast() {
	s.mu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

func (s *SQLite) wrap(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return unavailable(err)
}

func currentVersion(ctx context.Context, tx *sql.Tx, key string) (int64, error) {
	var v int64
	err := tx.QueryRowContext(ctx, `SELECT version FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}
