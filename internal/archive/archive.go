// Package archive implements the append-only JSONL archive store: every
// inbound payload is durably recorded before it enters the rest of the
// pipeline, so a crash or a downstream bug never loses raw data.
package archive

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vitalsink/ingestd/internal/config"
)

// Store is a rotating, append-only JSONL writer with a background sweep
// that compresses and eventually deletes aged files.
type Store struct {
	dir               string
	rotation          string
	maxAgeDays        int
	compressAfterDays int
	fsync             bool

	mu         sync.Mutex
	writeCount atomic.Int64
}

type line struct {
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	Ts      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// New validates cfg and ensures the archive directory exists.
func New(cfg config.ArchiveConfig) (*Store, error) {
	if cfg.Rotation != "daily" && cfg.Rotation != "hourly" {
		return nil, fmt.Errorf("archive: invalid rotation %q", cfg.Rotation)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create dir: %w", err)
	}
	return &Store{
		dir:               cfg.Dir,
		rotation:          cfg.Rotation,
		maxAgeDays:        cfg.MaxAgeDays,
		compressAfterDays: cfg.CompressAfterDays,
		fsync:             cfg.Fsync,
	}, nil
}

func (s *Store) pathFor(ts time.Time) string {
	ts = ts.UTC()
	if s.rotation == "hourly" {
		return filepath.Join(s.dir, ts.Format("2006-01-02_15")+".jsonl")
	}
	return filepath.Join(s.dir, ts.Format("2006-01-02")+".jsonl")
}

func generateID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}

// decodePayload returns payload as a JSON value if it parses, else wraps it
// as base64 so genuinely non-JSON bodies still round-trip through the file.
func decodePayload(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	wrapped, _ := json.Marshal(map[string]string{"_binary": base64.StdEncoding.EncodeToString(payload)})
	return json.RawMessage(wrapped)
}

// StorePayload appends one entry to the file for receivedAt's rotation bucket and
// returns its archive id. Write failures are returned to the caller but
// never block ingestion: callers that cannot archive should log and
// continue, since the archive is a durability aid, not the primary path.
func (s *Store) StorePayload(topic string, payload []byte, receivedAt time.Time) (string, error) {
	id := generateID()
	rec := line{ID: id, Topic: topic, Ts: receivedAt.UTC(), Payload: decodePayload(payload)}
	data, err := json.Marshal(rec)
	if err != nil {
		return id, fmt.Errorf("archive: marshal entry: %w", err)
	}
	data = append(data, '\n')

	path := s.pathFor(receivedAt)
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return id, fmt.Errorf("archive: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return id, fmt.Errorf("archive: write %s: %w", path, err)
	}
	if s.fsync {
		if err := f.Sync(); err != nil {
			return id, fmt.Errorf("archive: fsync %s: %w", path, err)
		}
	}
	s.writeCount.Add(1)
	return id, nil
}

// EntryCallback is invoked once per replayed line. Returning an error
// skips that entry (it is not counted in Replay's total) and replay
// continues with the next line; the error itself is neither logged nor
// returned.
type EntryCallback func(topic string, payload []byte, id string) error

// Replay walks every rotation file whose date falls in [start,end]
// (inclusive, by UTC calendar day) and invokes cb for every entry found,
// transparently reading both plain and gzip-compressed files.
func (s *Store) Replay(ctx context.Context, start, end time.Time, cb EntryCallback) (int, error) {
	total := 0
	for d := start.UTC().Truncate(24 * time.Hour); !d.After(end); d = d.Add(24 * time.Hour) {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := s.replayDay(ctx, d, cb)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Store) replayDay(ctx context.Context, day time.Time, cb EntryCallback) (int, error) {
	var paths []string
	if s.rotation == "hourly" {
		for h := 0; h < 24; h++ {
			ts := day.Add(time.Duration(h) * time.Hour)
			paths = append(paths, s.pathFor(ts))
		}
	} else {
		paths = append(paths, s.pathFor(day))
	}

	total := 0
	for _, p := range paths {
		n, err := s.replayFile(ctx, p, cb)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Store) replayFile(ctx context.Context, path string, cb EntryCallback) (int, error) {
	var r *bufio.Scanner
	if f, err := os.Open(path); err == nil {
		defer f.Close()
		r = bufio.NewScanner(f)
	} else if gf, err := os.Open(path + ".gz"); err == nil {
		defer gf.Close()
		gz, err := gzip.NewReader(gf)
		if err != nil {
			return 0, fmt.Errorf("archive: open gzip %s: %w", path, err)
		}
		defer gz.Close()
		r = bufio.NewScanner(gz)
	} else {
		return 0, nil // neither form exists for this bucket
	}
	r.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	count := 0
	for r.Scan() {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		raw := strings.TrimSpace(r.Text())
		if raw == "" {
			continue
		}
		var rec line
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue // malformed line, skip and keep reading
		}
		if err := cb(rec.Topic, []byte(rec.Payload), rec.ID); err != nil {
			continue
		}
		count++
	}
	return count, r.Err()
}

// fileDate extracts the calendar date a rotation file belongs to from its
// base filename, stripping both the hourly suffix and any .gz extension.
func fileDate(base string) (time.Time, error) {
	name := strings.TrimSuffix(base, ".gz")
	name = strings.TrimSuffix(name, ".jsonl")
	if idx := strings.IndexByte(name, '_'); idx > 0 {
		name = name[:idx]
	}
	return time.Parse("2006-01-02", name)
}

// CompressOldFiles gzips and removes any uncompressed .jsonl file older
// than compressAfterDays. Each file is handled in isolation: one bad file
// does not stop the sweep.
func (s *Store) CompressOldFiles() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("archive: list dir: %w", err)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.compressAfterDays)

	compressed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		date, err := fileDate(e.Name())
		if err != nil || !date.Before(cutoff) {
			continue
		}
		if err := s.compressFile(filepath.Join(s.dir, e.Name())); err != nil {
			continue
		}
		compressed++
	}
	return compressed, nil
}

func (s *Store) compressFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(out)
	if _, err := gz.ReadFrom(in); err != nil {
		gz.Close()
		out.Close()
		os.Remove(path + ".gz")
		return err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// CleanupOldFiles deletes both plain and compressed rotation files older
// than maxAgeDays.
func (s *Store) CleanupOldFiles() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("archive: list dir: %w", err)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.maxAgeDays)

	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !strings.HasSuffix(e.Name(), ".jsonl") && !strings.HasSuffix(e.Name(), ".jsonl.gz") {
			continue
		}
		date, err := fileDate(e.Name())
		if err != nil || !date.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// Stats summarizes the current on-disk state of the archive.
type Stats struct {
	JSONLFiles      int
	CompressedFiles int
	TotalSizeBytes  int64
	WriteCount      int64
	ArchiveDir      string
}

func (s *Store) Stats() (Stats, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return Stats{}, fmt.Errorf("archive: list dir: %w", err)
	}
	st := Stats{ArchiveDir: s.dir, WriteCount: s.writeCount.Load()}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		st.TotalSizeBytes += info.Size()
		switch {
		case strings.HasSuffix(e.Name(), ".jsonl.gz"):
			st.CompressedFiles++
		case strings.HasSuffix(e.Name(), ".jsonl"):
			st.JSONLFiles++
		}
	}
	return st, nil
}

// RunSweeps runs CompressOldFiles and CleanupOldFiles once. Callers
// typically drive this from a ticker.
func (s *Store) RunSweeps() (compressed, removed int, err error) {
	compressed, err = s.CompressOldFiles()
	if err != nil {
		return compressed, 0, err
	}
	removed, err = s.CleanupOldFiles()
	return compressed, removed, err
}
