package memory

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
)

// maxQueryKeyLen bounds normalized query text used as a cache key.
const maxQueryKeyLen = 200

type cacheEntry[V any] struct {
	value      V
	insertedAt time.Time
	expiresAt  time.Time
}

// TTLCache is a fixed-capacity LRU cache with per-entry TTL. A lookup never
// returns an entry past its TTL; capacity eviction happens on insert.
// Mutating operations are serialized against reads with a single lock per
// cache. Concurrent misses for the same key may each recompute; callers
// treat every cached value as recomputable, so no in-flight dedupe exists.
type TTLCache[K comparable, V any] struct {
	mu    sync.Mutex
	inner *lru.Cache[K, cacheEntry[V]]
	now   func() time.Time
}

func NewTTLCache[K comparable, V any](capacity int) *TTLCache[K, V] {
	if capacity <= 0 {
		capacity = 128
	}
	inner, err := lru.New[K, cacheEntry[V]](capacity)
	if err != nil {
		// lru.New only fails on non-positive size, which is guarded above.
		panic(err)
	}
	return &TTLCache[K, V]{inner: inner, now: time.Now}
}

// Get returns the live value for key, or ok=false on miss or expiry.
// Expired entries are removed on access.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	entry, ok := c.inner.Get(key)
	if !ok {
		return zero, false
	}
	if c.now().After(entry.expiresAt) {
		c.inner.Remove(key)
		return zero, false
	}
	return entry.value, true
}

// Set stores value under key for ttl. A non-positive ttl falls back to one
// minute rather than storing an immediately-dead entry.
func (c *TTLCache[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.inner.Add(key, cacheEntry[V]{
		value:      value,
		insertedAt: now,
		expiresAt:  now.Add(ttl),
	})
}

func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Remove(key)
}

func (c *TTLCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Purge()
}

func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Len()
}

// CacheSet holds the three process-wide cache tiers. Constructed once at
// startup and passed by handle; never a package global.
type CacheSet struct {
	// Embeddings maps normalized query text to its vector, so repeated and
	// common queries skip the embedding API.
	Embeddings *TTLCache[string, []float32]
	// Results maps (owner, scope, normalized query) to serialized ranked
	// results. Short TTL: the underlying data changes as messages land.
	Results *TTLCache[string, string]
	// Profiles maps userID to formatted profile text. Long TTL, invalidated
	// explicitly when profile-affecting data changes.
	Profiles *TTLCache[string, string]

	embeddingTTL time.Duration
	resultTTL    time.Duration
	profileTTL   time.Duration
}

// CacheConfig bounds and TTLs for the three tiers.
type CacheConfig struct {
	EmbeddingCapacity int
	ResultCapacity    int
	ProfileCapacity   int
	EmbeddingTTL      time.Duration
	ResultTTL         time.Duration
	ProfileTTL        time.Duration
}

func NewCacheSet(cfg CacheConfig) *CacheSet {
	if cfg.EmbeddingTTL <= 0 {
		cfg.EmbeddingTTL = 10 * time.Minute
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 30 * time.Second
	}
	if cfg.ProfileTTL <= 0 {
		cfg.ProfileTTL = 15 * time.Minute
	}
	return &CacheSet{
		Embeddings:   NewTTLCache[string, []float32](cfg.EmbeddingCapacity),
		Results:      NewTTLCache[string, string](cfg.ResultCapacity),
		Profiles:     NewTTLCache[string, string](cfg.ProfileCapacity),
		embeddingTTL: cfg.EmbeddingTTL,
		resultTTL:    cfg.ResultTTL,
		profileTTL:   cfg.ProfileTTL,
	}
}

// Clear empties all three tiers.
func (cs *CacheSet) Clear() {
	cs.Embeddings.Clear()
	cs.Results.Clear()
	cs.Profiles.Clear()
}

// EmbeddingTTL, ResultTTL and ProfileTTL expose the configured lifetimes so
// writers outside this package use consistent values.
func (cs *CacheSet) EmbeddingTTL() time.Duration { return cs.embeddingTTL }
func (cs *CacheSet) ResultTTL() time.Duration    { return cs.resultTTL }
func (cs *CacheSet) ProfileTTL() time.Duration   { return cs.profileTTL }

// NormalizeQueryKey lowercases, collapses whitespace and truncates query
// text into a stable cache key.
func NormalizeQueryKey(query string) string {
	key := strings.ToLower(strings.Join(strings.Fields(query), " "))
	return truncateBytes(key, maxQueryKeyLen)
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// ResultCacheKey builds the search-result cache key for one owner, scope
// and query. The chat and conversation IDs qualify the key so hits cached
// for one conversation never answer another's query; pass them empty for
// scopes they do not narrow.
func ResultCacheKey(ownerID string, scope SearchScope, chatID, conversationID, query string) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", ownerID, scope, chatID, conversationID, NormalizeQueryKey(query))
}
