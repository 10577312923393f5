package ingest

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/vitalsink/ingestd/internal/config"
	"github.com/vitalsink/ingestd/internal/dedup"
	"github.com/vitalsink/ingestd/internal/dlq"
	"github.com/vitalsink/ingestd/internal/domain"
	"github.com/vitalsink/ingestd/internal/transform"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestDLQ(t *testing.T) *dlq.Queue {
	t.Helper()
	q, err := dlq.Open(config.DLQConfig{DBPath: t.TempDir() + "/dlq.db", MaxEntries: 100, RetentionDays: 30, MaxRetries: 3})
	if err != nil {
		t.Fatalf("open dlq: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	return NewPipeline(Deps{
		QueueSize: 10,
		Workers:   1,
		Registry:  transform.NewRegistry("watch"),
		Dedup:     dedup.New(dedup.Opts{MaxSize: 1000, TTL: time.Hour, ReservationTTL: time.Minute}),
		DLQ:       newTestDLQ(t),
		Log:       testLogger(),
	})
}

func TestParseStageDeadLettersInvalidJSON(t *testing.T) {
	p := newTestPipeline(t)
	ev := domain.IngestionEvent{Topic: "http/ingest", Payload: []byte("not json")}

	res := p.parseStage(context.Background(), ingestState{ev: ev})
	if res.IsOk() {
		t.Fatal("expected parse error")
	}

	st, err := p.dlq.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.ByCategory[string(domain.CategoryJSONParseError)] != 1 {
		t.Fatalf("expected 1 json_parse_error dlq entry, got %+v", st.ByCategory)
	}
}

func TestParseStageSucceedsOnValidJSON(t *testing.T) {
	p := newTestPipeline(t)
	ev := domain.IngestionEvent{Topic: "http/ingest", Payload: []byte(`{"name":"heart_rate"}`)}

	res := p.parseStage(context.Background(), ingestState{ev: ev})
	val, err := res.Unwrap()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val.raw["name"] != "heart_rate" {
		t.Fatalf("unexpected decoded payload: %+v", val.raw)
	}
}

func TestTransformStageDeadLettersFailuresAndShortCircuitsOnEmpty(t *testing.T) {
	p := newTestPipeline(t)
	s := ingestState{
		ev:  domain.IngestionEvent{Topic: "http/ingest", Payload: []byte(`{}`)},
		raw: map[string]any{},
	}

	res := p.transformStage(context.Background(), s)
	if res.IsOk() {
		t.Fatal("expected transform stage to short-circuit on zero points")
	}

	st, err := p.dlq.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.ByCategory[string(domain.CategoryTransformError)] != 1 {
		t.Fatalf("expected 1 transform_error dlq entry, got %+v", st.ByCategory)
	}
}

func TestTransformStageProducesPoints(t *testing.T) {
	p := newTestPipeline(t)
	s := ingestState{
		ev:  domain.IngestionEvent{Topic: "http/ingest"},
		raw: map[string]any{"name": "heart_rate", "qty": 72.0, "date": "2024-03-04T10:00:00Z"},
	}

	res := p.transformStage(context.Background(), s)
	val, err := res.Unwrap()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(val.points) != 1 {
		t.Fatalf("expected 1 point, got %d", len(val.points))
	}
}

func TestDedupStageRejectsBatchOfAllDuplicates(t *testing.T) {
	p := newTestPipeline(t)
	point := domain.Point{
		Measurement: "heart",
		Tags:        map[string]string{"source": "watch"},
		Fields:      map[string]float64{"bpm": 72},
		Time:        time.Unix(1700000000, 0).UTC(),
	}
	p.dedup.MarkProcessed(point)

	res := p.dedupStage(context.Background(), ingestState{points: []domain.Point{point}})
	if res.IsOk() {
		t.Fatal("expected dedup stage to short-circuit when every point is a duplicate")
	}
}

func TestDedupStageSkippedWhenDisabled(t *testing.T) {
	p := newTestPipeline(t)
	p.dedup = nil
	points := []domain.Point{{Measurement: "heart"}}

	res := p.dedupStage(context.Background(), ingestState{points: points})
	val, err := res.Unwrap()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(val.points) != 1 {
		t.Fatal("expected points to pass through untouched when dedup is disabled")
	}
}

type fakePublisher struct {
	published []domain.Point
}

func (f *fakePublisher) Publish(_ context.Context, points []domain.Point) error {
	f.published = append(f.published, points...)
	return nil
}

func TestWriteStagePublishesAndCommits(t *testing.T) {
	p := newTestPipeline(t)
	pub := &fakePublisher{}
	p.bus = pub

	point := domain.Point{Measurement: "heart", Fields: map[string]float64{"bpm": 72}, Time: time.Now()}
	_, keys := p.dedup.ReserveBatch([]domain.Point{point})

	res := p.writeStage(context.Background(), ingestState{points: []domain.Point{point}, keys: keys})
	if res.IsErr() {
		_, err := res.Unwrap()
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected 1 published point, got %d", len(pub.published))
	}
}

func TestEnqueueReturnsNotReadyBeforeStart(t *testing.T) {
	p := newTestPipeline(t)
	if err := p.Enqueue(domain.IngestionEvent{}); err != domain.ErrNotReady {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestEnqueueReturnsQueueFullWhenSaturated(t *testing.T) {
	p := NewPipeline(Deps{QueueSize: 1, Workers: 0, Log: testLogger()})
	p.ready.Store(true)

	if err := p.Enqueue(domain.IngestionEvent{}); err != nil {
		t.Fatalf("unexpected error on first enqueue: %v", err)
	}
	if err := p.Enqueue(domain.IngestionEvent{}); err != domain.ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}
