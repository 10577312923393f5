// Package dlq implements the SQLite-backed dead-letter queue: items the
// pipeline could not process are compressed and persisted here, keyed by
// failure category, and can be replayed once the underlying cause is fixed.
package dlq

import (
	"bytes"
	"compress/zlib"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vitalsink/ingestd/internal/config"
	"github.com/vitalsink/ingestd/internal/domain"
)

// ReplayFunc re-submits a dead-lettered payload to the pipeline. An error
// leaves the entry in place with its retry count incremented.
type ReplayFunc func(topic string, payload []byte) error

// Queue is a durable, replayable holding area for items the pipeline
// could not process.
type Queue struct {
	db            *sql.DB
	maxEntries    int
	retentionDays int
	maxRetries    int

	totalEnqueued     atomic.Int64
	totalReplayed     atomic.Int64
	totalFailedReplay atomic.Int64
}

func Open(cfg config.DLQConfig) (*Queue, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("dlq: open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("dlq: set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		return nil, fmt.Errorf("dlq: set busy timeout: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS dlq_entries (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		topic TEXT NOT NULL,
		payload BLOB NOT NULL,
		error_message TEXT,
		error_traceback TEXT,
		archive_id TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		last_retry_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_dlq_category ON dlq_entries(category);
	CREATE INDEX IF NOT EXISTS idx_dlq_created_at ON dlq_entries(created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("dlq: create schema: %w", err)
	}

	q := &Queue{db: db, maxEntries: cfg.MaxEntries, retentionDays: cfg.RetentionDays, maxRetries: cfg.MaxRetries}
	return q, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

func compressPayload(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompressPayload falls back to the raw bytes if they are not a valid
// zlib stream, so entries written before compression was added still read.
func decompressPayload(stored []byte) []byte {
	r, err := zlib.NewReader(bytes.NewReader(stored))
	if err != nil {
		return stored
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return stored
	}
	return out
}

// Enqueue persists a dead-lettered item and returns its generated id.
func (q *Queue) Enqueue(category domain.DLQCategory, topic string, payload []byte, errMsg, traceback, archiveID string) (string, error) {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
	compressed, err := compressPayload(payload)
	if err != nil {
		return "", fmt.Errorf("dlq: compress payload: %w", err)
	}

	_, err = q.db.Exec(
		`INSERT INTO dlq_entries (id, category, topic, payload, error_message, error_traceback, archive_id, retry_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		id, string(category), topic, compressed, errMsg, traceback, archiveID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("dlq: insert entry: %w", err)
	}
	q.totalEnqueued.Add(1)

	if err := q.cleanupIfNeeded(); err != nil {
		return id, err
	}
	return id, nil
}

func (q *Queue) scanEntry(rows *sql.Rows) (domain.DLQEntry, error) {
	var e domain.DLQEntry
	var category, createdAt string
	var lastRetryAt sql.NullString
	var payload []byte
	if err := rows.Scan(&e.ID, &category, &e.Topic, &payload, &e.ErrorMessage, &e.ErrorTraceback, &e.ArchiveID, &e.RetryCount, &createdAt, &lastRetryAt); err != nil {
		return e, err
	}
	e.Category = domain.DLQCategory(category)
	e.Payload = decompressPayload(payload)
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if lastRetryAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastRetryAt.String)
		if err == nil {
			e.LastRetryAt = &t
		}
	}
	return e, nil
}

// GetEntry loads a single entry by id.
func (q *Queue) GetEntry(id string) (domain.DLQEntry, error) {
	rows, err := q.db.Query(
		`SELECT id, category, topic, payload, error_message, error_traceback, archive_id, retry_count, created_at, last_retry_at
		 FROM dlq_entries WHERE id = ?`, id)
	if err != nil {
		return domain.DLQEntry{}, fmt.Errorf("dlq: query entry: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return domain.DLQEntry{}, domain.ErrEntryNotFound
	}
	return q.scanEntry(rows)
}

// GetEntries pages entries newest-first, optionally filtered by category.
func (q *Queue) GetEntries(category domain.DLQCategory, limit, offset int) ([]domain.DLQEntry, error) {
	var rows *sql.Rows
	var err error
	if category != "" {
		rows, err = q.db.Query(
			`SELECT id, category, topic, payload, error_message, error_traceback, archive_id, retry_count, created_at, last_retry_at
			 FROM dlq_entries WHERE category = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
			string(category), limit, offset)
	} else {
		rows, err = q.db.Query(
			`SELECT id, category, topic, payload, error_message, error_traceback, archive_id, retry_count, created_at, last_retry_at
			 FROM dlq_entries ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("dlq: query entries: %w", err)
	}
	defer rows.Close()

	var out []domain.DLQEntry
	for rows.Next() {
		e, err := q.scanEntry(rows)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReplayEntry re-submits the entry's payload via fn. On success the entry
// is deleted; on failure its retry count is bumped. Entries already at
// maxRetries are refused without calling fn.
func (q *Queue) ReplayEntry(id string, fn ReplayFunc) error {
	e, err := q.GetEntry(id)
	if err != nil {
		return err
	}
	if e.RetryCount >= q.maxRetries {
		return domain.ErrRetryExhausted
	}

	if err := fn(e.Topic, e.Payload); err != nil {
		q.totalFailedReplay.Add(1)
		if incErr := q.incrementRetry(id); incErr != nil {
			return incErr
		}
		return err
	}
	q.totalReplayed.Add(1)
	return q.DeleteEntry(id)
}

// ReplayCategory replays every entry in a category, newest-first, up to
// limit entries, and reports how many succeeded versus failed.
func (q *Queue) ReplayCategory(category domain.DLQCategory, limit int, fn ReplayFunc) (success, failure int, err error) {
	entries, err := q.GetEntries(category, limit, 0)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		if replayErr := q.ReplayEntry(e.ID, fn); replayErr != nil {
			failure++
		} else {
			success++
		}
	}
	return success, failure, nil
}

func (q *Queue) incrementRetry(id string) error {
	_, err := q.db.Exec(
		`UPDATE dlq_entries SET retry_count = retry_count + 1, last_retry_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("dlq: increment retry: %w", err)
	}
	return nil
}

// DeleteEntry removes a single entry.
func (q *Queue) DeleteEntry(id string) error {
	_, err := q.db.Exec(`DELETE FROM dlq_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("dlq: delete entry: %w", err)
	}
	return nil
}

func (q *Queue) cleanupIfNeeded() error {
	cutoff := time.Now().UTC().AddDate(0, 0, -q.retentionDays).Format(time.RFC3339Nano)
	if _, err := q.db.Exec(`DELETE FROM dlq_entries WHERE created_at < ?`, cutoff); err != nil {
		return fmt.Errorf("dlq: retention sweep: %w", err)
	}

	_, err := q.db.Exec(`
		DELETE FROM dlq_entries WHERE id IN (
			SELECT id FROM dlq_entries ORDER BY created_at ASC
			LIMIT MAX(0, (SELECT COUNT(*) FROM dlq_entries) - ?)
		)`, q.maxEntries)
	if err != nil {
		return fmt.Errorf("dlq: size sweep: %w", err)
	}
	return nil
}

// Stats summarizes the queue's current contents.
type Stats struct {
	TotalEntries      int
	MaxEntries        int
	ByCategory        map[string]int
	AvgRetryCount     float64
	TotalEnqueued     int64
	TotalReplayed     int64
	TotalFailedReplay int64
	RetentionDays     int
}

func (q *Queue) Stats() (Stats, error) {
	st := Stats{MaxEntries: q.maxEntries, ByCategory: make(map[string]int), RetentionDays: q.retentionDays,
		TotalEnqueued: q.totalEnqueued.Load(), TotalReplayed: q.totalReplayed.Load(), TotalFailedReplay: q.totalFailedReplay.Load()}

	if err := q.db.QueryRow(`SELECT COUNT(*) FROM dlq_entries`).Scan(&st.TotalEntries); err != nil {
		return st, fmt.Errorf("dlq: count entries: %w", err)
	}
	if st.TotalEntries > 0 {
		if err := q.db.QueryRow(`SELECT AVG(retry_count) FROM dlq_entries`).Scan(&st.AvgRetryCount); err != nil {
			return st, fmt.Errorf("dlq: avg retry count: %w", err)
		}
	}

	rows, err := q.db.Query(`SELECT category, COUNT(*) FROM dlq_entries GROUP BY category`)
	if err != nil {
		return st, fmt.Errorf("dlq: group by category: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cat string
		var count int
		if err := rows.Scan(&cat, &count); err != nil {
			continue
		}
		st.ByCategory[cat] = count
	}
	return st, rows.Err()
}

// Clear removes every entry and returns how many were deleted.
func (q *Queue) Clear() (int, error) {
	var count int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM dlq_entries`).Scan(&count); err != nil {
		return 0, fmt.Errorf("dlq: count before clear: %w", err)
	}
	if _, err := q.db.Exec(`DELETE FROM dlq_entries`); err != nil {
		return 0, fmt.Errorf("dlq: clear: %w", err)
	}
	return count, nil
}
