package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vitalsink/ingestd/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.ArchiveConfig{
		Enabled:           true,
		Dir:               dir,
		Rotation:          "daily",
		MaxAgeDays:        30,
		CompressAfterDays: 7,
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestStorePayloadThenReplayRoundTrips(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	id, err := s.StorePayload("http/ingest", []byte(`{"a":1}`), now)
	if err != nil {
		t.Fatalf("store payload: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty archive id")
	}

	var got []byte
	var gotTopic, gotID string
	n, err := s.Replay(context.Background(), now, now, func(topic string, payload []byte, entryID string) error {
		got = payload
		gotTopic = topic
		gotID = entryID
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 replayed entry, got %d", n)
	}
	if string(got) != `{"a":1}` {
		t.Fatalf("unexpected payload: %s", got)
	}
	if gotTopic != "http/ingest" || gotID != id {
		t.Fatalf("unexpected topic/id: %s %s", gotTopic, gotID)
	}
}

func TestStorePayloadWrapsNonJSON(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	if _, err := s.StorePayload("http/ingest", []byte{0xff, 0x00, 0xfe}, now); err != nil {
		t.Fatalf("store payload: %v", err)
	}

	count := 0
	_, err := s.Replay(context.Background(), now, now, func(topic string, payload []byte, id string) error {
		count++
		if len(payload) == 0 {
			t.Fatal("expected wrapped payload to be non-empty json")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 entry, got %d", count)
	}
}

func TestCompressOldFilesThenReplayStillWorks(t *testing.T) {
	s := newTestStore(t)
	old := time.Now().UTC().AddDate(0, 0, -10)

	if _, err := s.StorePayload("http/ingest", []byte(`{"a":1}`), old); err != nil {
		t.Fatalf("store payload: %v", err)
	}

	compressed, err := s.CompressOldFiles()
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if compressed != 1 {
		t.Fatalf("expected 1 file compressed, got %d", compressed)
	}

	path := s.pathFor(old)
	if _, err := os.Stat(path); err == nil {
		t.Fatal("expected plain jsonl file to be removed after compression")
	}
	if _, err := os.Stat(path + ".gz"); err != nil {
		t.Fatal("expected gzip file to exist after compression")
	}

	n, err := s.Replay(context.Background(), old, old, func(topic string, payload []byte, id string) error {
		return nil
	})
	if err != nil {
		t.Fatalf("replay after compression: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected replay to transparently read gzip file, got %d entries", n)
	}
}

func TestCleanupOldFilesRemovesExpired(t *testing.T) {
	s := newTestStore(t)
	s.maxAgeDays = 1
	ancient := time.Now().UTC().AddDate(0, 0, -10)

	if _, err := s.StorePayload("http/ingest", []byte(`{"a":1}`), ancient); err != nil {
		t.Fatalf("store payload: %v", err)
	}

	removed, err := s.CleanupOldFiles()
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 file removed, got %d", removed)
	}
}

func TestStatsCountsFiles(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	if _, err := s.StorePayload("http/ingest", []byte(`{"a":1}`), now); err != nil {
		t.Fatalf("store payload: %v", err)
	}

	st, err := s.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.JSONLFiles != 1 {
		t.Fatalf("expected 1 jsonl file, got %d", st.JSONLFiles)
	}
	if st.WriteCount != 1 {
		t.Fatalf("expected write count 1, got %d", st.WriteCount)
	}
}

func TestNewRejectsInvalidRotation(t *testing.T) {
	dir := t.TempDir()
	if _, err := New(config.ArchiveConfig{Dir: dir, Rotation: "weekly"}); err == nil {
		t.Fatal("expected error for invalid rotation")
	}
}

func TestFileDateStripsHourlyAndGzSuffixes(t *testing.T) {
	d, err := fileDate("2024-01-15_09.jsonl.gz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Format("2006-01-02") != "2024-01-15" {
		t.Fatalf("unexpected date: %v", d)
	}
}

func TestHourlyRotationPathFor(t *testing.T) {
	dir := t.TempDir()
	s, err := New(config.ArchiveConfig{Dir: dir, Rotation: "hourly", MaxAgeDays: 30, CompressAfterDays: 7})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ts := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)
	got := s.pathFor(ts)
	want := filepath.Join(dir, "2024-03-04_15.jsonl")
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
