// Package postgres persists events and sorting results.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"time"

	_ "github.com/lib/pq"

	"github.com/AaronLay10/SorterEngine/internal/config"
	"github.com/AaronLay10/SorterEngine/internal/path"
)

// EventRow represents an event stored in Postgres.
type EventRow struct {
	EventID   int64                  `json:"event_id"`
	Timestamp time.Time              `json:"ts"`
	Level     string                 `json:"level"`
	Event     string                 `json:"event"`
	Message   *string                `json:"msg,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	LineID    string                 `json:"line_id"`
	SessionID *string                `json:"session_id,omitempty"`
}

// Client manages the Postgres connection for event and result storage.
type Client struct {
	db     *sql.DB
	lineID string
}

// DSN builds a connection URL from the libpq environment: PGHOST, PGPORT,
// PGUSER, PGDATABASE, PGSSLMODE and PGPASSWORD (or PGPASSWORD_FILE).
func DSN() (string, error) {
	password, err := config.ResolveSecret("PGPASSWORD")
	if err != nil {
		return "", err
	}
	u := &url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(config.EnvString("PGHOST", "127.0.0.1"), config.EnvString("PGPORT", "5432")),
		Path:   "/" + config.EnvString("PGDATABASE", "sorter"),
	}
	user := config.EnvString("PGUSER", "sorter")
	if password != "" {
		u.User = url.UserPassword(user, password)
	} else {
		u.User = url.User(user)
	}
	u.RawQuery = url.Values{"sslmode": {config.EnvString("PGSSLMODE", "disable")}}.Encode()
	return u.String(), nil
}

// New connects using DSN and prepares the schema for lineID.
func New(lineID string) (*Client, error) {
	dsn, err := DSN()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	client, err := NewWithDB(db, lineID)
	if err != nil {
		db.Close()
		return nil, err
	}
	return client, nil
}

// NewWithDB wraps an open database and creates the tables if needed.
func NewWithDB(db *sql.DB, lineID string) (*Client, error) {
	client := &Client{
		db:     db,
		lineID: lineID,
	}
	if err := client.createTables(); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return client, nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS events (
		event_id   BIGSERIAL PRIMARY KEY,
		ts         TIMESTAMPTZ NOT NULL,
		level      TEXT NOT NULL,
		event      TEXT NOT NULL,
		msg        TEXT,
		fields     JSONB,
		line_id    TEXT NOT NULL,
		session_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts DESC);
	CREATE INDEX IF NOT EXISTS idx_events_line_id ON events(line_id);

	CREATE TABLE IF NOT EXISTS sorting_results (
		result_id        BIGSERIAL PRIMARY KEY,
		line_id          TEXT NOT NULL,
		parcel_id        TEXT NOT NULL,
		sensor_id        TEXT,
		target_chute_id  BIGINT NOT NULL,
		actual_chute_id  BIGINT NOT NULL,
		success          BOOLEAN NOT NULL,
		failure_reason   TEXT,
		exception        BOOLEAN NOT NULL DEFAULT FALSE,
		exception_reason TEXT,
		mode             TEXT NOT NULL,
		duration_ms      DOUBLE PRECISION NOT NULL,
		completed_at     TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_results_completed ON sorting_results(completed_at DESC);
	CREATE INDEX IF NOT EXISTS idx_results_parcel ON sorting_results(parcel_id);
`

func (c *Client) createTables() error {
	_, err := c.db.Exec(schema)
	return err
}

// Append inserts an event into the database.
// Returns error if insert fails.
func (c *Client) Append(ts time.Time, level, event, msg string, fields map[string]interface{}, sessionID string) error {
	var fieldsJSON []byte
	var err error
	if fields != nil {
		fieldsJSON, err = json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("failed to marshal fields: %w", err)
		}
	}

	query := `
		INSERT INTO events (ts, level, event, msg, fields, line_id, session_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = c.db.Exec(query, ts, level, event, nullString(msg), fieldsJSON, c.lineID, nullString(sessionID))
	return err
}

// Query returns the last N events from the database in descending order by timestamp.
func (c *Client) Query(limit int) ([]EventRow, error) {
	limit = clampLimit(limit)

	query := `
		SELECT event_id, ts, level, event, msg, fields, line_id, session_id
		FROM events
		WHERE line_id = $1
		ORDER BY ts DESC
		LIMIT $2
	`
	rows, err := c.db.Query(query, c.lineID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		var fieldsJSON []byte
		var msg, sessionID sql.NullString

		if err := rows.Scan(&e.EventID, &e.Timestamp, &e.Level, &e.Event, &msg, &fieldsJSON, &e.LineID, &sessionID); err != nil {
			return nil, err
		}

		if msg.Valid {
			e.Message = &msg.String
		}
		if sessionID.Valid {
			e.SessionID = &sessionID.String
		}
		if len(fieldsJSON) > 0 {
			if err := json.Unmarshal(fieldsJSON, &e.Fields); err != nil {
				return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
			}
		}

		events = append(events, e)
	}

	return events, rows.Err()
}

// SaveResult stores one finished parcel.
func (c *Client) SaveResult(ctx context.Context, r path.SortingResult) error {
	query := `
		INSERT INTO sorting_results (line_id, parcel_id, sensor_id, target_chute_id, actual_chute_id,
			success, failure_reason, exception, exception_reason, mode, duration_ms, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := c.db.ExecContext(ctx, query,
		c.lineID, r.ParcelID, nullString(r.SensorID), r.TargetChuteID, r.ActualChuteID,
		r.Success, nullString(r.FailureReason), r.Exception, nullString(r.ExceptionReason),
		r.Mode, float64(r.Duration)/float64(time.Millisecond), r.CompletedAt)
	if err != nil {
		return fmt.Errorf("save result %s: %w", r.ParcelID, err)
	}
	return nil
}

// RecentResults returns the newest stored results for this line.
func (c *Client) RecentResults(ctx context.Context, limit int) ([]path.SortingResult, error) {
	limit = clampLimit(limit)

	query := `
		SELECT parcel_id, sensor_id, target_chute_id, actual_chute_id, success,
			failure_reason, exception, exception_reason, mode, duration_ms, completed_at
		FROM sorting_results
		WHERE line_id = $1
		ORDER BY completed_at DESC
		LIMIT $2
	`
	rows, err := c.db.QueryContext(ctx, query, c.lineID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []path.SortingResult
	for rows.Next() {
		var (
			r                                path.SortingResult
			sensor, failure, exceptionReason sql.NullString
			durationMs                       float64
		)
		if err := rows.Scan(&r.ParcelID, &sensor, &r.TargetChuteID, &r.ActualChuteID, &r.Success,
			&failure, &r.Exception, &exceptionReason, &r.Mode, &durationMs, &r.CompletedAt); err != nil {
			return nil, err
		}
		r.SensorID = sensor.String
		r.FailureReason = failure.String
		r.ExceptionReason = exceptionReason.String
		r.Duration = time.Duration(durationMs * float64(time.Millisecond))
		results = append(results, r)
	}
	return results, rows.Err()
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 200
	}
	if limit > 10000 {
		return 10000
	}
	return limit
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
