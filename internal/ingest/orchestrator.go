package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/vitalsink/ingestd/internal/dedup"
	"github.com/vitalsink/ingestd/internal/dlq"
	"github.com/vitalsink/ingestd/internal/domain"
	"github.com/vitalsink/ingestd/internal/transform"
	"github.com/vitalsink/ingestd/internal/tswriter"
	"github.com/vitalsink/ingestd/pkg/fn"
	"github.com/vitalsink/ingestd/pkg/metrics"
)

// Publisher forwards committed points to an optional downstream bus. The
// orchestrator itself stays bus-agnostic so this can be nil.
type Publisher interface {
	Publish(ctx context.Context, points []domain.Point) error
}

// Pipeline owns the bounded work queue between the HTTP layer and the
// transform/dedup/write stages, and the worker pool that drains it.
type Pipeline struct {
	queue    chan domain.IngestionEvent
	workers  int
	registry *transform.Registry
	dedup    *dedup.Cache
	dlq      *dlq.Queue
	writer   *tswriter.Writer
	bus      Publisher
	log      *slog.Logger
	met      *metrics.Registry

	ready atomic.Bool
	wg    sync.WaitGroup
}

type Deps struct {
	QueueSize int
	Workers   int
	Registry  *transform.Registry
	Dedup     *dedup.Cache
	DLQ       *dlq.Queue
	Writer    *tswriter.Writer
	Bus       Publisher
	Log       *slog.Logger
	Metrics   *metrics.Registry
}

func NewPipeline(d Deps) *Pipeline {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		queue:    make(chan domain.IngestionEvent, d.QueueSize),
		workers:  d.Workers,
		registry: d.Registry,
		dedup:    d.Dedup,
		dlq:      d.DLQ,
		writer:   d.Writer,
		bus:      d.Bus,
		log:      log,
		met:      d.Metrics,
	}
}

// Start launches the worker pool. Enqueue returns ErrNotReady until Start
// has run.
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.ready.Store(true)
}

// Stop waits for the worker goroutines to exit. Workers return once the
// context passed to Start is cancelled; the queue is never closed, so
// events still queued at that point are not processed.
func (p *Pipeline) Stop() {
	p.wg.Wait()
}

// Enqueue submits an event for processing without blocking. Returns
// ErrQueueFull if the bounded channel has no capacity, ErrNotReady if
// Start has not been called yet.
func (p *Pipeline) Enqueue(ev domain.IngestionEvent) error {
	if !p.ready.Load() {
		return domain.ErrNotReady
	}
	select {
	case p.queue <- ev:
		if p.met != nil {
			p.met.Gauge("ingestd_queue_depth", "Events waiting in the ingest queue").Set(int64(len(p.queue)))
		}
		return nil
	default:
		return domain.ErrQueueFull
	}
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	stage := p.buildStage()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.queue:
			if !ok {
				return
			}
			stage(ctx, ingestState{ev: ev})
		}
	}
}

// ingestState threads one event through the parse/transform/dedup/write
// stages (the write stage also publishes); each stage reads and returns the same type so they
// compose with fn.Pipeline the way the teacher's NATS consumer composed
// its own parse/validate/persist stages with fn.Then.
type ingestState struct {
	ev     domain.IngestionEvent
	raw    map[string]any
	points []domain.Point
	keys   []string
}

func (p *Pipeline) buildStage() fn.Stage[ingestState, ingestState] {
	return fn.Pipeline(
		fn.TracedStage("ingest.parse", p.parseStage),
		fn.TracedStage("ingest.transform", p.transformStage),
		fn.TracedStage("ingest.dedup", p.dedupStage),
		fn.TracedStage("ingest.write", p.writeStage),
	)
}

func (p *Pipeline) parseStage(_ context.Context, s ingestState) fn.Result[ingestState] {
	var raw map[string]any
	if err := json.Unmarshal(s.ev.Payload, &raw); err != nil {
		p.deadLetter(domain.CategoryJSONParseError, s.ev.Topic, s.ev.Payload, err.Error(), string(debug.Stack()), s.ev.ArchiveID)
		return fn.Err[ingestState](err)
	}
	s.raw = raw
	return fn.Ok(s)
}

func (p *Pipeline) transformStage(_ context.Context, s ingestState) fn.Result[ingestState] {
	points, failures := p.registry.Process(s.raw)
	for _, f := range failures {
		p.deadLetter(domain.CategoryTransformError, s.ev.Topic, s.ev.Payload, f.Err.Error(), string(debug.Stack()), s.ev.ArchiveID)
	}
	s.points = points
	if len(points) == 0 {
		return fn.Err[ingestState](domain.ErrUnknownMetric)
	}
	return fn.Ok(s)
}

func (p *Pipeline) dedupStage(_ context.Context, s ingestState) fn.Result[ingestState] {
	if p.dedup == nil {
		return fn.Ok(s)
	}
	selected, keys := p.dedup.ReserveBatch(s.points)
	s.points, s.keys = selected, keys
	if len(selected) == 0 {
		return fn.Err[ingestState](domain.ErrDuplicatePoint)
	}
	return fn.Ok(s)
}

func (p *Pipeline) writeStage(ctx context.Context, s ingestState) fn.Result[ingestState] {
	if p.writer != nil {
		p.writer.Write(ctx, s.points)
	}
	if p.dedup != nil {
		p.dedup.CommitBatch(s.keys)
	}
	if p.bus != nil {
		if err := p.bus.Publish(ctx, s.points); err != nil {
			p.log.Warn("bus publish failed", "err", err)
		}
	}
	if p.met != nil {
		p.met.Counter("ingestd_points_processed_total", "Points produced by the transform stage").Add(int64(len(s.points)))
	}
	return fn.Ok(s)
}

func (p *Pipeline) deadLetter(category domain.DLQCategory, topic string, payload []byte, errMsg, traceback, archiveID string) {
	if p.dlq == nil {
		p.log.Error("dead letter dropped, dlq disabled", "category", category, "err", errMsg)
		return
	}
	if _, err := p.dlq.Enqueue(category, topic, payload, errMsg, traceback, archiveID); err != nil {
		p.log.Error("dlq enqueue failed", "err", err)
	}
	if p.met != nil {
		p.met.Counter("ingestd_dlq_entries_total", "Items routed to the dead-letter queue").Add(1)
	}
}
