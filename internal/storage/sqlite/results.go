// Package sqlite keeps sorting results in a local SQLite file for lines
// that run without Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/AaronLay10/SorterEngine/internal/path"
)

// ResultStore persists sorting results.
type ResultStore struct {
	db *sql.DB
}

// Open opens or creates the database at file. ":memory:" gives a private
// in-memory database.
func Open(file string) (*ResultStore, error) {
	if file != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, fmt.Errorf("open sqlite %q: %w", file, err)
		}
	}
	db, err := sql.Open("sqlite", file)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", file, err)
	}
	// One connection: writes serialize anyway and :memory: is per connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("verify sqlite %q: %w", file, err)
	}
	s, err := NewResultStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewResultStore wraps an open database and migrates it.
func NewResultStore(db *sql.DB) (*ResultStore, error) {
	s := &ResultStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *ResultStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS sorting_results (
		result_id        INTEGER PRIMARY KEY AUTOINCREMENT,
		parcel_id        TEXT NOT NULL,
		sensor_id        TEXT NOT NULL DEFAULT '',
		target_chute_id  INTEGER NOT NULL,
		actual_chute_id  INTEGER NOT NULL,
		success          INTEGER NOT NULL,
		failure_reason   TEXT NOT NULL DEFAULT '',
		exception        INTEGER NOT NULL DEFAULT 0,
		exception_reason TEXT NOT NULL DEFAULT '',
		mode             TEXT NOT NULL,
		duration_ns      INTEGER NOT NULL,
		completed_at_ns  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_results_completed ON sorting_results(completed_at_ns DESC);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// SaveResult stores one finished parcel.
func (s *ResultStore) SaveResult(ctx context.Context, r path.SortingResult) error {
	query := `
	INSERT INTO sorting_results (parcel_id, sensor_id, target_chute_id, actual_chute_id, success,
		failure_reason, exception, exception_reason, mode, duration_ns, completed_at_ns)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		r.ParcelID, r.SensorID, r.TargetChuteID, r.ActualChuteID, r.Success,
		r.FailureReason, r.Exception, r.ExceptionReason, r.Mode,
		int64(r.Duration), r.CompletedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save result %s: %w", r.ParcelID, err)
	}
	return nil
}

// RecentResults returns up to limit results, newest first.
func (s *ResultStore) RecentResults(ctx context.Context, limit int) ([]path.SortingResult, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `
	SELECT parcel_id, sensor_id, target_chute_id, actual_chute_id, success,
		failure_reason, exception, exception_reason, mode, duration_ns, completed_at_ns
	FROM sorting_results
	ORDER BY completed_at_ns DESC, result_id DESC
	LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []path.SortingResult
	for rows.Next() {
		var (
			r           path.SortingResult
			durationNs  int64
			completedNs int64
		)
		if err := rows.Scan(&r.ParcelID, &r.SensorID, &r.TargetChuteID, &r.ActualChuteID, &r.Success,
			&r.FailureReason, &r.Exception, &r.ExceptionReason, &r.Mode, &durationNs, &completedNs); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(durationNs)
		r.CompletedAt = time.Unix(0, completedNs)
		results = append(results, r)
	}
	return results, rows.Err()
}

// Close closes the database.
func (s *ResultStore) Close() error {
	return s.db.Close()
}
