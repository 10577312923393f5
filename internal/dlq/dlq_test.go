package dlq

import (
	"errors"
	"testing"

	"github.com/vitalsink/ingestd/internal/config"
	"github.com/vitalsink/ingestd/internal/domain"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	dir := t.TempDir()
	q, err := Open(config.DLQConfig{
		DBPath:        dir + "/dlq.db",
		MaxEntries:    100,
		RetentionDays: 30,
		MaxRetries:    3,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueThenGetEntryRoundTrips(t *testing.T) {
	q := newTestQueue(t)

	id, err := q.Enqueue(domain.CategoryTransformError, "http/ingest", []byte(`{"bad":true}`), "no transformer claimed metric", "tb", "arch-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	e, err := q.GetEntry(id)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if e.Category != domain.CategoryTransformError {
		t.Fatalf("unexpected category: %v", e.Category)
	}
	if string(e.Payload) != `{"bad":true}` {
		t.Fatalf("unexpected payload: %s", e.Payload)
	}
	if e.RetryCount != 0 {
		t.Fatalf("expected fresh entry to have 0 retries, got %d", e.RetryCount)
	}
}

func TestGetEntryMissingReturnsNotFound(t *testing.T) {
	q := newTestQueue(t)
	if _, err := q.GetEntry("does-not-exist"); !errors.Is(err, domain.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestReplayEntrySuccessDeletesIt(t *testing.T) {
	q := newTestQueue(t)
	id, _ := q.Enqueue(domain.CategoryTransformError, "http/ingest", []byte(`{}`), "err", "tb", "")

	if err := q.ReplayEntry(id, func(topic string, payload []byte) error { return nil }); err != nil {
		t.Fatalf("replay entry: %v", err)
	}
	if _, err := q.GetEntry(id); !errors.Is(err, domain.ErrEntryNotFound) {
		t.Fatal("expected entry to be deleted after successful replay")
	}
}

func TestReplayEntryFailureIncrementsRetry(t *testing.T) {
	q := newTestQueue(t)
	id, _ := q.Enqueue(domain.CategoryWriteError, "http/ingest", []byte(`{}`), "err", "tb", "")

	failing := errors.New("still down")
	if err := q.ReplayEntry(id, func(topic string, payload []byte) error { return failing }); err == nil {
		t.Fatal("expected replay error to propagate")
	}

	e, err := q.GetEntry(id)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if e.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", e.RetryCount)
	}
}

func TestReplayEntryRefusesAfterMaxRetries(t *testing.T) {
	q := newTestQueue(t)
	q.maxRetries = 1
	id, _ := q.Enqueue(domain.CategoryWriteError, "http/ingest", []byte(`{}`), "err", "tb", "")

	failing := errors.New("still down")
	_ = q.ReplayEntry(id, func(topic string, payload []byte) error { return failing })

	if err := q.ReplayEntry(id, func(topic string, payload []byte) error { return nil }); !errors.Is(err, domain.ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}
}

func TestReplayCategoryReportsCounts(t *testing.T) {
	q := newTestQueue(t)
	q.Enqueue(domain.CategoryTransformError, "a", []byte(`{}`), "e1", "tb", "")
	q.Enqueue(domain.CategoryTransformError, "b", []byte(`{}`), "e2", "tb", "")
	q.Enqueue(domain.CategoryWriteError, "c", []byte(`{}`), "e3", "tb", "")

	success, failure, err := q.ReplayCategory(domain.CategoryTransformError, 10, func(topic string, payload []byte) error { return nil })
	if err != nil {
		t.Fatalf("replay category: %v", err)
	}
	if success != 2 || failure != 0 {
		t.Fatalf("expected 2 successes 0 failures, got %d/%d", success, failure)
	}
}

func TestGetEntriesFiltersByCategory(t *testing.T) {
	q := newTestQueue(t)
	q.Enqueue(domain.CategoryTransformError, "a", []byte(`{}`), "e1", "tb", "")
	q.Enqueue(domain.CategoryWriteError, "b", []byte(`{}`), "e2", "tb", "")

	entries, err := q.GetEntries(domain.CategoryWriteError, 10, 0)
	if err != nil {
		t.Fatalf("get entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Category != domain.CategoryWriteError {
		t.Fatalf("expected 1 write_error entry, got %+v", entries)
	}
}

func TestClearDeletesEverything(t *testing.T) {
	q := newTestQueue(t)
	q.Enqueue(domain.CategoryTransformError, "a", []byte(`{}`), "e1", "tb", "")
	q.Enqueue(domain.CategoryWriteError, "b", []byte(`{}`), "e2", "tb", "")

	n, err := q.Clear()
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deleted, got %d", n)
	}
	st, err := q.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalEntries != 0 {
		t.Fatalf("expected 0 entries after clear, got %d", st.TotalEntries)
	}
}

func TestStatsGroupsByCategory(t *testing.T) {
	q := newTestQueue(t)
	q.Enqueue(domain.CategoryTransformError, "a", []byte(`{}`), "e1", "tb", "")
	q.Enqueue(domain.CategoryTransformError, "b", []byte(`{}`), "e2", "tb", "")
	q.Enqueue(domain.CategoryWriteError, "c", []byte(`{}`), "e3", "tb", "")

	st, err := q.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.ByCategory[string(domain.CategoryTransformError)] != 2 {
		t.Fatalf("expected 2 transform_error entries, got %d", st.ByCategory[string(domain.CategoryTransformError)])
	}
	if st.TotalEntries != 3 {
		t.Fatalf("expected 3 total entries, got %d", st.TotalEntries)
	}
}
