// Package cache implements the semantic result cache: prior step outputs
// keyed by embedding similarity rather than exact match, so near-duplicate
// prompts reuse results instead of repeating expensive gateway calls.
package cache

import (
	"container/list"
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaypoint/draftpipe/internal/gateway"
)

// DefaultSimilarityThreshold is the minimum cosine similarity for a hit.
const DefaultSimilarityThreshold = 0.92

// DefaultTTL is the entry lifetime when a step does not declare one.
const DefaultTTL = time.Hour

// DefaultCapacity bounds the total number of entries across all steps.
const DefaultCapacity = 1024

// Config holds cache tuning parameters. Zero values take the defaults.
type Config struct {
	SimilarityThreshold float64
	Capacity            int
	DefaultTTL          time.Duration
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
	Entries   int   `json:"entries"`
}

// entry is one cached (fingerprint -> output) pair. The fingerprint is the
// embedding vector plus the raw text it was computed from.
type entry struct {
	stepID    string
	text      string
	embedding []float64
	norm      float64
	output    string
	createdAt time.Time
	expiresAt time.Time
	hitCount  int64
	elem      *list.Element
}

// SemanticCache is a bounded, TTL-aware, strictly-LRU cache shared by all
// in-flight step executions. All read-then-write sequences are internally
// synchronized; embedding calls happen outside the lock.
type SemanticCache struct {
	cfg      Config
	embedder gateway.Embedder
	logger   *slog.Logger

	mu     sync.Mutex
	lru    *list.List // front = most recently used; values are *entry
	byStep map[string]map[*entry]struct{}

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	expired   atomic.Int64
}

// New creates a SemanticCache backed by the given embedder.
func New(embedder gateway.Embedder, cfg Config, logger *slog.Logger) *SemanticCache {
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SemanticCache{
		cfg:      cfg,
		embedder: embedder,
		logger:   logger,
		lru:      list.New(),
		byStep:   make(map[string]map[*entry]struct{}),
	}
}

// Get looks up the nearest still-valid entry for stepID whose similarity to
// queryText meets the threshold. A returned error means the cache is
// unavailable (embedder failure); callers treat that as a forced miss and
// proceed without caching.
func (c *SemanticCache) Get(ctx context.Context, stepID, queryText string) (string, bool, error) {
	return c.GetWithThreshold(ctx, stepID, queryText, c.cfg.SimilarityThreshold)
}

// GetWithThreshold is Get with a per-call similarity threshold, used by
// workflows that override the engine default.
func (c *SemanticCache) GetWithThreshold(ctx context.Context, stepID, queryText string, threshold float64) (string, bool, error) {
	if threshold <= 0 {
		threshold = c.cfg.SimilarityThreshold
	}

	vec, err := c.embedder.Embed(ctx, queryText)
	if err != nil {
		c.misses.Add(1)
		return "", false, err
	}
	qnorm := vectorNorm(vec)
	if qnorm == 0 {
		c.misses.Add(1)
		return "", false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	var best *entry
	bestSim := threshold

	for e := range c.byStep[stepID] {
		if !now.Before(e.expiresAt) {
			c.removeLocked(e)
			c.expired.Add(1)
			continue
		}
		sim := cosine(vec, qnorm, e.embedding, e.norm)
		if sim >= bestSim {
			best = e
			bestSim = sim
		}
	}

	if best == nil {
		c.misses.Add(1)
		return "", false, nil
	}

	best.hitCount++
	c.lru.MoveToFront(best.elem)
	c.hits.Add(1)
	return best.output, true, nil
}

// Put stores a step result with the given TTL (zero means the default).
// At capacity, the least-recently-used entry is evicted first. Concurrent
// puts for the same near-duplicate query are last-writer-wins.
func (c *SemanticCache) Put(ctx context.Context, stepID, queryText, output string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	vec, err := c.embedder.Embed(ctx, queryText)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	e := &entry{
		stepID:    stepID,
		text:      queryText,
		embedding: vec,
		norm:      vectorNorm(vec),
		output:    output,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for c.lru.Len() >= c.cfg.Capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*entry))
		c.evictions.Add(1)
	}

	e.elem = c.lru.PushFront(e)
	bucket, ok := c.byStep[stepID]
	if !ok {
		bucket = make(map[*entry]struct{})
		c.byStep[stepID] = bucket
	}
	bucket[e] = struct{}{}
	return nil
}

// Sweep purges all expired entries and returns how many were removed.
// Wired to the maintenance scheduler; expiry is also enforced lazily on Get.
func (c *SemanticCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	removed := 0
	for el := c.lru.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if !now.Before(e.expiresAt) {
			c.removeLocked(e)
			c.expired.Add(1)
			removed++
		}
		el = next
	}
	if removed > 0 {
		c.logger.Debug("cache sweep", slog.Int("removed", removed), slog.Int("remaining", c.lru.Len()))
	}
	return removed
}

// Stats returns a snapshot of the cache counters.
func (c *SemanticCache) Stats() Stats {
	c.mu.Lock()
	entries := c.lru.Len()
	c.mu.Unlock()
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Expired:   c.expired.Load(),
		Entries:   entries,
	}
}

// Len returns the current entry count.
func (c *SemanticCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *SemanticCache) removeLocked(e *entry) {
	c.lru.Remove(e.elem)
	if bucket, ok := c.byStep[e.stepID]; ok {
		delete(bucket, e)
		if len(bucket) == 0 {
			delete(c.byStep, e.stepID)
		}
	}
}

// cosine computes the cosine similarity of two vectors given their norms.
// Mismatched dimensions or zero norms score 0.
func cosine(a []float64, anorm float64, b []float64, bnorm float64) float64 {
	if len(a) != len(b) || anorm == 0 || bnorm == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot / (anorm * bnorm)
}

func vectorNorm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}
