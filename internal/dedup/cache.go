// Package dedup implements the fingerprint cache that gives the pipeline
// at-most-once delivery: a committed cache of recently-written points plus
// a separate reservation table that holds a key only while a batch is
// in flight, so two workers racing on the same point never both win.
package dedup

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vitalsink/ingestd/internal/domain"
)

// Cache holds the committed set and the in-flight reservation table.
type Cache struct {
	maxSize        int
	reservationTTL time.Duration

	mu       sync.Mutex
	pending  map[string]time.Time
	committed *lru.LRU[string, struct{}]

	hits      int64
	misses    int64
	evictions int64

	persistPath string
}

// Opts configures a new Cache.
type Opts struct {
	MaxSize        int
	TTL            time.Duration
	ReservationTTL time.Duration
	PersistPath    string
}

func New(opts Opts) *Cache {
	c := &Cache{
		maxSize:        opts.MaxSize,
		reservationTTL: opts.ReservationTTL,
		pending:        make(map[string]time.Time),
		persistPath:    opts.PersistPath,
	}
	c.committed = lru.NewLRU[string, struct{}](opts.MaxSize, func(string, struct{}) {
		c.evictions++
	}, opts.TTL)
	return c
}

func (c *Cache) cleanupPendingLocked(now time.Time) {
	for k, reservedAt := range c.pending {
		if now.Sub(reservedAt) > c.reservationTTL {
			delete(c.pending, k)
		}
	}
}

// ReserveBatch filters points whose fingerprint is already committed or
// reserved, reserves the rest, and returns the survivors alongside their
// reservation keys for a later CommitBatch or ReleaseBatch call. Duplicates
// within the same batch are also collapsed.
func (c *Cache) ReserveBatch(points []domain.Point) ([]domain.Point, []string) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanupPendingLocked(now)

	seenBatch := make(map[string]struct{}, len(points))
	selected := make([]domain.Point, 0, len(points))
	keys := make([]string, 0, len(points))

	for _, p := range points {
		key := Fingerprint(p)
		if _, ok := seenBatch[key]; ok {
			continue
		}
		if _, ok := c.committed.Get(key); ok {
			c.hits++
			continue
		}
		if _, ok := c.pending[key]; ok {
			c.hits++
			continue
		}
		seenBatch[key] = struct{}{}
		c.pending[key] = now
		c.misses++
		selected = append(selected, p)
		keys = append(keys, key)
	}
	return selected, keys
}

// CommitBatch moves reserved keys into the committed cache.
func (c *Cache) CommitBatch(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.pending, k)
		c.committed.Add(k, struct{}{})
	}
}

// ReleaseBatch drops reservations without committing them, freeing the
// keys for reprocessing.
func (c *Cache) ReleaseBatch(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.pending, k)
	}
}

// MarkProcessed commits a point directly without a prior reservation, for
// paths (such as replay) that do not need the two-phase protocol.
func (c *Cache) MarkProcessed(p domain.Point) {
	key := Fingerprint(p)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, key)
	c.committed.Add(key, struct{}{})
}

// FilterDuplicates removes points already seen either earlier in this call
// or already committed, without reserving anything. Used by replay paths
// that want dedup without holding a reservation open.
func (c *Cache) FilterDuplicates(points []domain.Point) []domain.Point {
	seen := make(map[string]struct{}, len(points))
	out := make([]domain.Point, 0, len(points))

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range points {
		key := Fingerprint(p)
		if _, ok := seen[key]; ok {
			continue
		}
		if _, ok := c.committed.Get(key); ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

// CleanupExpired prunes stale reservations. The committed cache expires
// its own entries lazily via the expirable LRU's TTL.
func (c *Cache) CleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupPendingLocked(time.Now())
}

// Stats reports cache occupancy and hit-rate counters.
type Stats struct {
	Size          int
	MaxSize       int
	PendingSize   int
	Hits          int64
	Misses        int64
	HitRatePct    float64
	Evictions     int64
	PersistEnabled bool
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total) * 100
	}
	return Stats{
		Size:           c.committed.Len(),
		MaxSize:        c.maxSize,
		PendingSize:    len(c.pending),
		Hits:           c.hits,
		Misses:         c.misses,
		HitRatePct:     rate,
		Evictions:      c.evictions,
		PersistEnabled: c.persistPath != "",
	}
}

// Checkpoint persists the committed cache to SQLite, replacing any prior
// checkpoint in a single transaction.
func (c *Cache) Checkpoint() error {
	if c.persistPath == "" {
		return nil
	}
	db, err := sql.Open("sqlite3", c.persistPath)
	if err != nil {
		return fmt.Errorf("dedup: open checkpoint db: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS dedup_cache (key TEXT PRIMARY KEY, ts REAL)`); err != nil {
		return fmt.Errorf("dedup: create table: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("dedup: begin tx: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM dedup_cache`); err != nil {
		tx.Rollback()
		return fmt.Errorf("dedup: clear table: %w", err)
	}

	c.mu.Lock()
	keys := c.committed.Keys()
	c.mu.Unlock()

	stmt, err := tx.Prepare(`INSERT INTO dedup_cache (key, ts) VALUES (?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("dedup: prepare insert: %w", err)
	}
	now := float64(time.Now().Unix())
	for _, k := range keys {
		if _, err := stmt.Exec(k, now); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("dedup: insert key: %w", err)
		}
	}
	stmt.Close()
	return tx.Commit()
}

// Restore loads up to maxSize keys back from a prior checkpoint. Missing
// files are treated as an empty checkpoint, not an error.
func (c *Cache) Restore() error {
	if c.persistPath == "" {
		return nil
	}
	db, err := sql.Open("sqlite3", c.persistPath)
	if err != nil {
		return fmt.Errorf("dedup: open checkpoint db: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS dedup_cache (key TEXT PRIMARY KEY, ts REAL)`); err != nil {
		return fmt.Errorf("dedup: create table: %w", err)
	}

	rows, err := db.Query(`SELECT key FROM dedup_cache ORDER BY ts DESC LIMIT ?`, c.maxSize)
	if err != nil {
		return fmt.Errorf("dedup: query checkpoint: %w", err)
	}
	defer rows.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			continue
		}
		c.committed.Add(key, struct{}{})
	}
	return rows.Err()
}
