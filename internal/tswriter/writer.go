// Package tswriter buffers normalized points and flushes them to a
// line-protocol HTTP time series backend, retrying failed batches with
// linear backoff behind a circuit breaker, and protecting memory with a
// bounded overflow buffer when the backend is down for an extended period.
package tswriter

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vitalsink/ingestd/internal/config"
	"github.com/vitalsink/ingestd/internal/domain"
	"github.com/vitalsink/ingestd/pkg/metrics"
	"github.com/vitalsink/ingestd/pkg/resilience"
)

const maxBufferSize = 10000

var nonRetryableStatus = map[int]bool{
	http.StatusUnauthorized: true,
	http.StatusForbidden:    true,
}

// Writer batches points and writes them to a time series backend over
// HTTP line protocol.
type Writer struct {
	cfg     config.TSDBConfig
	client  *http.Client
	breaker *resilience.Breaker
	limiter *resilience.Limiter
	log     *slog.Logger
	met     *metrics.Registry

	maxRetries  int
	retryDelay  time.Duration

	mu            sync.Mutex
	buffer        []domain.Point
	droppedPoints atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg config.TSDBConfig, breakerCfg config.BreakerConfig, limiterCfg config.LimiterConfig, log *slog.Logger, met *metrics.Registry) *Writer {
	var limiter *resilience.Limiter
	if limiterCfg.Enabled {
		limiter = resilience.NewLimiter(resilience.LimiterOpts{Rate: limiterCfg.RatePerSec, Burst: limiterCfg.Burst})
	}
	return &Writer{
		cfg: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		breaker: resilience.NewBreaker(resilience.BreakerOpts{
			FailThreshold: breakerCfg.FailureThreshold,
			Timeout:       time.Duration(breakerCfg.RecoveryTimeoutSec) * time.Second,
			HalfOpenMax:   breakerCfg.HalfOpenMax,
		}),
		limiter:    limiter,
		log:        log,
		met:        met,
		maxRetries: 3,
		retryDelay: time.Second,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the periodic flush loop. Callers must call Stop to drain
// the final buffer contents.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.periodicFlush(ctx)
}

// Stop halts the periodic flush loop and performs one final flush.
func (w *Writer) Stop(ctx context.Context) error {
	close(w.stopCh)
	w.wg.Wait()
	return w.Flush(ctx)
}

func (w *Writer) periodicFlush(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Flush(ctx); err != nil {
				w.log.Error("periodic flush failed", "err", err)
			}
		}
	}
}

// Write appends points to the buffer, flushing immediately if the batch
// threshold is reached.
func (w *Writer) Write(ctx context.Context, points []domain.Point) {
	w.mu.Lock()
	w.buffer = append(w.buffer, points...)
	shouldFlush := len(w.buffer) >= w.cfg.BatchSize
	w.mu.Unlock()

	if shouldFlush {
		if err := w.Flush(ctx); err != nil {
			w.log.Error("threshold flush failed", "err", err)
		}
	}
}

// Flush swaps out the current buffer and attempts to write it, retrying
// with linear backoff. Non-retryable failures drop the batch; retryable
// failures that exhaust all attempts are re-added to the buffer, dropping
// the oldest points if that would exceed maxBufferSize.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	toWrite := w.buffer
	w.buffer = nil
	w.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < w.maxRetries; attempt++ {
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				w.requeue(toWrite)
				return err
			}
		}
		err := w.breaker.Call(ctx, func(ctx context.Context) error {
			return w.writeBatch(ctx, toWrite)
		})
		if err == nil {
			if w.met != nil {
				w.met.Counter("ingestd_writer_points_written_total", "Points written to the time series backend").Add(int64(len(toWrite)))
			}
			return nil
		}
		lastErr = err

		if werr, ok := err.(*domain.WriteError); ok && !werr.Retryable {
			w.dropBatch(toWrite, err)
			return nil
		}
		if err == resilience.ErrCircuitOpen {
			break
		}
		if attempt < w.maxRetries-1 {
			select {
			case <-time.After(w.retryDelay * time.Duration(attempt+1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	w.requeue(toWrite)
	return fmt.Errorf("tswriter: flush exhausted retries: %w", lastErr)
}

func (w *Writer) dropBatch(points []domain.Point, err error) {
	w.droppedPoints.Add(int64(len(points)))
	if w.met != nil {
		w.met.Counter("ingestd_writer_dropped_points_total", "Points dropped by the time series writer").Add(int64(len(points)))
	}
	w.log.Error("dropping batch, non-retryable write error", "count", len(points), "err", err)
}

// requeue re-adds a failed batch to the front of the buffer, dropping the
// oldest buffered points if that would exceed maxBufferSize.
func (w *Writer) requeue(points []domain.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()

	combined := append(points, w.buffer...)
	if len(combined) <= maxBufferSize {
		w.buffer = combined
		return
	}
	overflow := len(combined) - maxBufferSize
	w.droppedPoints.Add(int64(overflow))
	if w.met != nil {
		w.met.Counter("ingestd_writer_dropped_points_total", "Points dropped by the time series writer").Add(int64(overflow))
	}
	w.buffer = combined[overflow:]
}

func (w *Writer) writeBatch(ctx context.Context, points []domain.Point) error {
	body := EncodeLineProtocol(points)
	url := fmt.Sprintf("%s/api/v2/write?org=%s&bucket=%s&precision=ns", w.cfg.URL, w.cfg.Org, w.cfg.Bucket)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.NewWriteError(false, err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if w.cfg.Token != "" {
		req.Header.Set("Authorization", "Token "+w.cfg.Token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return domain.NewWriteError(true, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if nonRetryableStatus[resp.StatusCode] {
		return domain.NewWriteError(false, fmt.Errorf("tswriter: auth rejected, status %d", resp.StatusCode))
	}
	return domain.NewWriteError(true, fmt.Errorf("tswriter: backend status %d", resp.StatusCode))
}

// EncodeLineProtocol renders points as InfluxDB line protocol.
func EncodeLineProtocol(points []domain.Point) []byte {
	var b strings.Builder
	for _, p := range points {
		writeLine(&b, p)
	}
	return []byte(b.String())
}

func writeLine(b *strings.Builder, p domain.Point) {
	b.WriteString(escapeLPMeasurement(p.Measurement))
	for _, k := range sortedKeys(p.Tags) {
		b.WriteByte(',')
		b.WriteString(escapeLPKey(k))
		b.WriteByte('=')
		b.WriteString(escapeLPKey(p.Tags[k]))
	}
	b.WriteByte(' ')
	first := true
	for _, k := range sortedFieldKeys(p.Fields) {
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(escapeLPKey(k))
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(p.Fields[k], 'f', -1, 64))
	}
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(p.Time.UTC().UnixNano(), 10))
	b.WriteByte('\n')
}

func escapeLPMeasurement(s string) string {
	r := strings.NewReplacer(",", "\\,", " ", "\\ ")
	return r.Replace(s)
}

func escapeLPKey(s string) string {
	r := strings.NewReplacer(",", "\\,", " ", "\\ ", "=", "\\=")
	return r.Replace(s)
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedFieldKeys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// HealthCheck reports the writer's buffer occupancy and backend status.
type HealthStatus struct {
	Healthy       bool
	BufferSize    int
	MaxBufferSize int
	DroppedPoints int64
	BreakerState  string
}

func (w *Writer) HealthCheck() HealthStatus {
	w.mu.Lock()
	bufSize := len(w.buffer)
	w.mu.Unlock()

	return HealthStatus{
		Healthy:       w.breaker.State() != resilience.StateOpen,
		BufferSize:    bufSize,
		MaxBufferSize: maxBufferSize,
		DroppedPoints: w.droppedPoints.Load(),
		BreakerState:  w.breaker.State().String(),
	}
}
