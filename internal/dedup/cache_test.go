package dedup

import (
	"testing"
	"time"

	"github.com/vitalsink/ingestd/internal/domain"
)

func newTestCache() *Cache {
	return New(Opts{MaxSize: 1000, TTL: time.Hour, ReservationTTL: time.Minute})
}

func TestReserveBatchCollapsesInBatchDuplicates(t *testing.T) {
	c := newTestCache()
	p := samplePoint()

	selected, keys := c.ReserveBatch([]domain.Point{p, p, p})
	if len(selected) != 1 || len(keys) != 1 {
		t.Fatalf("expected one survivor from three identical points, got %d", len(selected))
	}
}

func TestReserveBatchBlocksAlreadyCommitted(t *testing.T) {
	c := newTestCache()
	p := samplePoint()

	selected, keys := c.ReserveBatch([]domain.Point{p})
	c.CommitBatch(keys)

	selected2, _ := c.ReserveBatch([]domain.Point{p})
	if len(selected) != 1 {
		t.Fatalf("expected first reservation to succeed")
	}
	if len(selected2) != 0 {
		t.Fatalf("expected second reservation of a committed point to be rejected, got %d", len(selected2))
	}
}

func TestReserveBatchBlocksInFlightReservation(t *testing.T) {
	c := newTestCache()
	p := samplePoint()

	selected1, _ := c.ReserveBatch([]domain.Point{p})
	selected2, _ := c.ReserveBatch([]domain.Point{p})

	if len(selected1) != 1 {
		t.Fatal("expected first reservation to win")
	}
	if len(selected2) != 0 {
		t.Fatal("expected concurrent reservation of the same point to lose")
	}
}

func TestReleaseBatchFreesKeyForReprocessing(t *testing.T) {
	c := newTestCache()
	p := samplePoint()

	_, keys := c.ReserveBatch([]domain.Point{p})
	c.ReleaseBatch(keys)

	selected, _ := c.ReserveBatch([]domain.Point{p})
	if len(selected) != 1 {
		t.Fatal("expected released reservation to allow reprocessing")
	}
}

func TestFilterDuplicatesAgainstCommittedOnly(t *testing.T) {
	c := newTestCache()
	p1 := samplePoint()
	p2 := samplePoint()
	p2.Fields["bpm"] = 80

	c.MarkProcessed(p1)

	out := c.FilterDuplicates([]domain.Point{p1, p2, p2})
	if len(out) != 1 {
		t.Fatalf("expected p1 filtered and p2 deduped within batch, got %d survivors", len(out))
	}
}

func TestCheckpointRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/dedup.db"

	c1 := New(Opts{MaxSize: 1000, TTL: time.Hour, ReservationTTL: time.Minute, PersistPath: path})
	c1.MarkProcessed(samplePoint())
	if err := c1.Checkpoint(); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}

	c2 := New(Opts{MaxSize: 1000, TTL: time.Hour, ReservationTTL: time.Minute, PersistPath: path})
	if err := c2.Restore(); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	selected, _ := c2.ReserveBatch([]domain.Point{samplePoint()})
	if len(selected) != 0 {
		t.Fatal("expected restored cache to recognize the checkpointed point as already committed")
	}
}

func TestStatsReportsHitRate(t *testing.T) {
	c := newTestCache()
	p := samplePoint()
	c.ReserveBatch([]domain.Point{p})
	c.ReserveBatch([]domain.Point{p})

	st := c.Stats()
	if st.Hits == 0 {
		t.Fatal("expected at least one recorded hit")
	}
}
