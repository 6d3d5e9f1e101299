// Package cache remembers gateway decisions keyed by a fingerprint of the
// exact input text.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/l0p7/promptguard/internal/decision"
	"github.com/l0p7/promptguard/internal/metrics"
)

// Entry is a stored decision plus its creation time.
type Entry struct {
	Decision  decision.Decision `json:"decision"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Backend stores entries. Implementations bound their size: when full, Store
// of a new key first evicts the entry with the oldest CreatedAt.
type Backend interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) error
	Purge(ctx context.Context) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

// Observer receives cache activity. metrics.Collector implements it.
type Observer interface {
	RecordCacheHit()
	ObserveCacheLookup(result metrics.CacheLookupOutcome, duration time.Duration)
	ObserveCacheStore(result metrics.CacheStoreOutcome, duration time.Duration)
}

// Options tune a DecisionCache.
type Options struct {
	Enabled bool
	TTL     time.Duration
	// MaxSize of zero retains nothing. The backend enforces the bound.
	MaxSize  int
	Observer Observer
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// DecisionCache fronts a Backend with fingerprinting, TTL checks and the
// enable switch. Backend failures are logged and degrade to a miss or a
// skipped store.
type DecisionCache struct {
	logger   *slog.Logger
	backend  Backend
	enabled  bool
	ttl      time.Duration
	maxSize  int
	observer Observer
	now      func() time.Time
}

// New wraps backend. A nil backend behaves like a disabled cache.
func New(logger *slog.Logger, backend Backend, opts Options) *DecisionCache {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &DecisionCache{
		logger:   logger.With(slog.String("agent", "decision_cache")),
		backend:  backend,
		enabled:  opts.Enabled && backend != nil,
		ttl:      opts.TTL,
		maxSize:  opts.MaxSize,
		observer: opts.Observer,
		now:      now,
	}
}

// Fingerprint is the SHA-256 hex digest of text. No normalization is applied.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Enabled reports whether lookups can hit.
func (c *DecisionCache) Enabled() bool { return c != nil && c.enabled }

// Get returns a copy of the cached decision for text with FromCache set.
// Absent and expired entries are misses; only hits reach the observer's hit
// counter.
func (c *DecisionCache) Get(ctx context.Context, text string) (decision.Decision, bool) {
	if !c.Enabled() {
		return decision.Decision{}, false
	}
	key := Fingerprint(text)
	begin := time.Now()
	entry, ok, err := c.backend.Lookup(ctx, key)
	elapsed := time.Since(begin)
	if err != nil {
		c.logger.Warn("decision cache lookup failed", slog.Any("error", err))
		c.observeLookup(metrics.CacheLookupError, elapsed)
		return decision.Decision{}, false
	}
	if !ok {
		c.observeLookup(metrics.CacheLookupMiss, elapsed)
		return decision.Decision{}, false
	}
	if c.now().Sub(entry.CreatedAt) >= c.ttl {
		if err := c.backend.Delete(ctx, key); err != nil {
			c.logger.Debug("expired cache entry delete failed", slog.Any("error", err))
		}
		c.observeLookup(metrics.CacheLookupMiss, elapsed)
		return decision.Decision{}, false
	}
	c.observeLookup(metrics.CacheLookupHit, elapsed)
	if c.observer != nil {
		c.observer.RecordCacheHit()
	}
	out := entry.Decision.Clone()
	out.FromCache = true
	return out, true
}

// Put records d for text with a fresh creation time. It is a no-op when the
// cache is disabled, retains nothing, or entries would expire immediately.
func (c *DecisionCache) Put(ctx context.Context, text string, d decision.Decision) {
	if !c.Enabled() || c.maxSize <= 0 || c.ttl <= 0 {
		return
	}
	entry := Entry{Decision: d.Clone(), CreatedAt: c.now()}
	entry.Decision.FromCache = false
	begin := time.Now()
	if err := c.backend.Store(ctx, Fingerprint(text), entry); err != nil {
		c.logger.Warn("decision cache store failed", slog.Any("error", err))
		c.observeStore(metrics.CacheStoreError, time.Since(begin))
		return
	}
	c.observeStore(metrics.CacheStoreStored, time.Since(begin))
}

// Purge drops every entry, used after the rule set changes.
func (c *DecisionCache) Purge(ctx context.Context) error {
	if c == nil || c.backend == nil {
		return nil
	}
	return c.backend.Purge(ctx)
}

// Size reports the number of stored entries, or 0 when unknown.
func (c *DecisionCache) Size(ctx context.Context) int64 {
	if c == nil || c.backend == nil {
		return 0
	}
	n, err := c.backend.Size(ctx)
	if err != nil {
		c.logger.Debug("decision cache size failed", slog.Any("error", err))
		return 0
	}
	return n
}

// Close releases the backend.
func (c *DecisionCache) Close(ctx context.Context) error {
	if c == nil || c.backend == nil {
		return nil
	}
	return c.backend.Close(ctx)
}

func (c *DecisionCache) observeLookup(result metrics.CacheLookupOutcome, d time.Duration) {
	if c.observer != nil {
		c.observer.ObserveCacheLookup(result, d)
	}
}

func (c *DecisionCache) observeStore(result metrics.CacheStoreOutcome, d time.Duration) {
	if c.observer != nil {
		c.observer.ObserveCacheStore(result, d)
	}
}
