// Package cache implements the fingerprint-keyed search result cache
// (C12) over Redis — the same go-redis client the task queue (C9) uses,
// under the "search:" key namespace. Every operation swallows and logs
// its own errors: a cache failure must never fail the retrieval request
// it is backing (§7).
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kbcore/kbcore/logging"
)

// Result is one cached search hit — a structural copy of retrieval's
// SearchResult so this package has no dependency on it.
type Result struct {
	ChunkID    string            `json:"chunk_id"`
	DocumentID string            `json:"document_id"`
	Score      float64           `json:"score"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Highlights []string          `json:"highlights,omitempty"`
}

// Options controls fingerprinting and storage limits.
type Options struct {
	Prefix      string        // default "search"
	TTL         time.Duration // default 1 hour
	MaxResults  int           // default 100, truncates before storing
	CacheEmpty  bool          // whether a zero-result search is cached
}

// Stats summarizes cache activity since the process started.
type Stats struct {
	Hits   int64
	Misses int64
	Sets   int64
	Errors int64
}

// Cache is the Redis-backed search result cache.
type Cache struct {
	rdb    *redis.Client
	opts   Options
	log    *logging.Logger
	stats  Stats
}

// New wraps an existing Redis client with the §4.12 defaults applied.
func New(rdb *redis.Client, opts Options, log *logging.Logger) *Cache {
	if opts.Prefix == "" {
		opts.Prefix = "search"
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 100
	}
	return &Cache{rdb: rdb, opts: opts, log: log}
}

// Fingerprint builds the §4.12 cache key: {prefix}:{kb_id}:{md5 of a
// canonicalized JSON object with sorted keys over the normalized query,
// config, and filters}.
func (c *Cache) Fingerprint(kbID, query string, config, filters map[string]any) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	canon := canonicalJSON(map[string]any{
		"kb_id":   kbID,
		"query":   normalized,
		"config":  config,
		"filters": filters,
	})
	sum := md5.Sum([]byte(canon))
	return c.opts.Prefix + ":" + kbID + ":" + hex.EncodeToString(sum[:])
}

// Get looks up key with a short, fire-and-forget timeout: on any error
// (including a timeout) it is treated as a miss and logged, never
// propagated.
func (c *Cache) Get(ctx context.Context, key string) ([]Result, bool) {
	cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	data, err := c.rdb.Get(cctx, key).Bytes()
	if err == redis.Nil {
		c.stats.Misses++
		return nil, false
	}
	if err != nil {
		c.stats.Errors++
		if c.log != nil {
			c.log.Warnw("cache get failed, treating as miss", "key", key, "error", err)
		}
		return nil, false
	}

	var results []Result
	if err := json.Unmarshal(data, &results); err != nil {
		c.stats.Errors++
		if c.log != nil {
			c.log.Warnw("cache entry corrupt, treating as miss", "key", key, "error", err)
		}
		return nil, false
	}
	c.stats.Hits++
	return results, true
}

// Set stores results under key with the configured TTL, truncating to
// MaxResults and skipping the write entirely for empty results unless
// CacheEmpty is set.
func (c *Cache) Set(ctx context.Context, key string, results []Result) {
	if len(results) == 0 && !c.opts.CacheEmpty {
		return
	}
	if len(results) > c.opts.MaxResults {
		results = results[:c.opts.MaxResults]
	}

	data, err := json.Marshal(results)
	if err != nil {
		c.stats.Errors++
		if c.log != nil {
			c.log.Warnw("cache marshal failed", "key", key, "error", err)
		}
		return
	}

	cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if err := c.rdb.Set(cctx, key, data, c.opts.TTL).Err(); err != nil {
		c.stats.Errors++
		if c.log != nil {
			c.log.Warnw("cache set failed", "key", key, "error", err)
		}
		return
	}
	c.stats.Sets++
}

// Delete removes a single key, swallowing any error.
func (c *Cache) Delete(ctx context.Context, key string) {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		c.stats.Errors++
		if c.log != nil {
			c.log.Warnw("cache delete failed", "key", key, "error", err)
		}
	}
}

// InvalidateKB scan-and-deletes every cached entry for kbID
// ({prefix}:{kb}:*) — called synchronously after document_completed,
// document_failed, or a document delete so the next search for that KB
// never observes stale results (§8 invariant 6).
func (c *Cache) InvalidateKB(ctx context.Context, kbID string) int {
	pattern := c.opts.Prefix + ":" + kbID + ":*"
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			c.stats.Errors++
			if c.log != nil {
				c.log.Warnw("cache invalidate scan failed", "kb_id", kbID, "error", err)
			}
			return deleted
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				c.stats.Errors++
				if c.log != nil {
					c.log.Warnw("cache invalidate delete failed", "kb_id", kbID, "error", err)
				}
			} else {
				deleted += len(keys)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return deleted
}

// ClearAll scan-and-deletes every key this cache owns.
func (c *Cache) ClearAll(ctx context.Context) int {
	pattern := c.opts.Prefix + ":*"
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			c.stats.Errors++
			return deleted
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err == nil {
				deleted += len(keys)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return deleted
}

// Stats returns a snapshot of cache activity counters.
func (c *Cache) Stats() Stats { return c.stats }

// canonicalJSON marshals v with map keys sorted, giving a stable string
// for fingerprinting regardless of Go's randomized map iteration order.
func canonicalJSON(v any) string {
	return string(canonicalize(v))
}

func canonicalize(v any) []byte {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			b.Write(canonicalize(t[k]))
		}
		b.WriteByte('}')
		return []byte(b.String())
	default:
		b, _ := json.Marshal(t)
		return b
	}
}
