package report

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Journal persists save events until they are submitted, so transient
// sink failures survive process restarts.
type Journal struct {
	db     *sql.DB
	dbPath string
}

// NewJournal opens (or creates) the journal database.
func NewJournal(dbPath string) (*Journal, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	// SQLite doesn't support concurrent writes well
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	journal := &Journal{db: db, dbPath: dbPath}
	if err := journal.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return journal, nil
}

func (j *Journal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		tracked_object_id TEXT NOT NULL,
		class_label TEXT NOT NULL,
		confidence REAL NOT NULL,
		snapshot BLOB,
		lat REAL DEFAULT 0,
		lng REAL DEFAULT 0,
		geo_source TEXT DEFAULT '',
		timestamp TIMESTAMP NOT NULL,
		submitted BOOLEAN DEFAULT 0,
		retry_count INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_reports_pending ON reports(submitted, created_at);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Append stores a new pending report.
func (j *Journal) Append(ctx context.Context, event *SaveEvent) error {
	if event == nil {
		return fmt.Errorf("event is nil")
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO reports (id, tracked_object_id, class_label, confidence, snapshot, lat, lng, geo_source, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.TrackedObjectID, event.ClassLabel, event.Confidence,
		event.Snapshot, event.Lat, event.Lng, event.GeoSource, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append report: %w", err)
	}
	return nil
}

// Pending returns the oldest unsubmitted reports, up to limit.
func (j *Journal) Pending(ctx context.Context, limit int) ([]*SaveEvent, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, tracked_object_id, class_label, confidence, snapshot, lat, lng, geo_source, timestamp
		FROM reports WHERE submitted = 0
		ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending reports: %w", err)
	}
	defer rows.Close()

	var events []*SaveEvent
	for rows.Next() {
		var event SaveEvent
		if err := rows.Scan(
			&event.ID, &event.TrackedObjectID, &event.ClassLabel, &event.Confidence,
			&event.Snapshot, &event.Lat, &event.Lng, &event.GeoSource, &event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}

// PendingCount returns the number of unsubmitted reports.
func (j *Journal) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports WHERE submitted = 0`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending reports: %w", err)
	}
	return count, nil
}

// MarkSubmitted flags a report as delivered.
func (j *Journal) MarkSubmitted(ctx context.Context, id string) error {
	_, err := j.db.ExecContext(ctx, `UPDATE reports SET submitted = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark report submitted: %w", err)
	}
	return nil
}

// IncrementRetry bumps a report's retry count and returns the new
// value.
func (j *Journal) IncrementRetry(ctx context.Context, id string) (int, error) {
	_, err := j.db.ExecContext(ctx, `UPDATE reports SET retry_count = retry_count + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry count: %w", err)
	}

	var count int
	if err := j.db.QueryRowContext(ctx, `SELECT retry_count FROM reports WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to read retry count: %w", err)
	}
	return count, nil
}

// Discard removes a report that exhausted its retries.
func (j *Journal) Discard(ctx context.Context, id string) error {
	_, err := j.db.ExecContext(ctx, `DELETE FROM reports WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to discard report: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}
