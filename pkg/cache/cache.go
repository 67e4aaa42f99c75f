// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache provides the two-tier cache fronting memory operations.
//
// Tier one is a bounded in-process LRU that keeps embeddings out of the
// shared cache in the inner loop. Tier two is a shared Redis instance.
// When Redis is unavailable every shared-tier operation degrades to a
// no-op miss; callers always tolerate a miss.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kadirpekel/gathering/pkg/config"
	"github.com/kadirpekel/gathering/pkg/models"
)

const (
	embeddingPrefix = "gathering:embed:"
	recallPrefix    = "gathering:recall:"
	circlePrefix    = "gathering:circle:"
)

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Sets          int64 `json:"sets"`
	Invalidations int64 `json:"invalidations"`
	LocalEntries  int   `json:"local_entries"`
	SharedUp      bool  `json:"shared_up"`
}

// Cache is the two-tier cache.
type Cache struct {
	cfg    config.CacheConfig
	local  *lru.Cache[string, []float32]
	shared *redis.Client

	hits          atomic.Int64
	misses        atomic.Int64
	sets          atomic.Int64
	invalidations atomic.Int64
}

// New creates a cache. A Redis connection failure is logged and tolerated;
// the shared tier stays disabled.
func New(cfg config.CacheConfig) (*Cache, error) {
	local, err := lru.New[string, []float32](cfg.LRUSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create local cache: %w", err)
	}

	c := &Cache{cfg: cfg, local: local}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			slog.Warn("Shared cache unavailable, degrading to local tier",
				"addr", cfg.RedisAddr,
				"error", err)
			_ = client.Close()
		} else {
			c.shared = client
		}
	}

	return c, nil
}

// Close releases the shared tier connection.
func (c *Cache) Close() error {
	if c.shared != nil {
		return c.shared.Close()
	}
	return nil
}

// hashKey derives a stable cache key component from its parts.
func hashKey(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(h[:16])
}

// ----------------------------------------------------------------------------
// Embeddings
// ----------------------------------------------------------------------------

// GetEmbedding returns a cached embedding for the text, or nil on miss.
func (c *Cache) GetEmbedding(ctx context.Context, text string) []float32 {
	key := hashKey(text)
	if vec, ok := c.local.Get(key); ok {
		c.hits.Add(1)
		return vec
	}

	if c.shared != nil {
		data, err := c.shared.Get(ctx, embeddingPrefix+key).Bytes()
		if err == nil {
			var vec []float32
			if json.Unmarshal(data, &vec) == nil {
				c.local.Add(key, vec)
				c.hits.Add(1)
				return vec
			}
		}
	}

	c.misses.Add(1)
	return nil
}

// SetEmbedding caches an embedding in both tiers.
func (c *Cache) SetEmbedding(ctx context.Context, text string, vec []float32) {
	key := hashKey(text)
	c.local.Add(key, vec)
	c.sets.Add(1)

	if c.shared != nil {
		if data, err := json.Marshal(vec); err == nil {
			c.shared.Set(ctx, embeddingPrefix+key, data, c.cfg.EmbeddingTTL)
		}
	}
}

// ----------------------------------------------------------------------------
// Recall results
// ----------------------------------------------------------------------------

// RecallKey builds the cache key for a recall query.
func RecallKey(agentID, query string, limit int, threshold float64) string {
	return fmt.Sprintf("%s:%s", agentID, hashKey(agentID, query, fmt.Sprint(limit), fmt.Sprint(threshold)))
}

// GetRecall returns cached recall results, or nil on miss.
func (c *Cache) GetRecall(ctx context.Context, key string) []models.Memory {
	if c.shared == nil {
		c.misses.Add(1)
		return nil
	}

	data, err := c.shared.Get(ctx, recallPrefix+key).Bytes()
	if err != nil {
		c.misses.Add(1)
		return nil
	}

	var results []models.Memory
	if err := json.Unmarshal(data, &results); err != nil {
		c.misses.Add(1)
		return nil
	}
	c.hits.Add(1)
	return results
}

// SetRecall caches recall results with the recall TTL.
func (c *Cache) SetRecall(ctx context.Context, key string, results []models.Memory) {
	if c.shared == nil {
		return
	}
	data, err := json.Marshal(results)
	if err != nil {
		return
	}
	c.sets.Add(1)
	c.shared.Set(ctx, recallPrefix+key, data, c.cfg.RecallTTL)
}

// InvalidateAgent drops every cached recall result for an agent.
func (c *Cache) InvalidateAgent(ctx context.Context, agentID string) {
	c.invalidations.Add(1)
	c.DeletePattern(ctx, recallPrefix+agentID+":*")
}

// ----------------------------------------------------------------------------
// Circle context
// ----------------------------------------------------------------------------

// GetCircleContext returns a cached circle context, or "" on miss.
func (c *Cache) GetCircleContext(ctx context.Context, circleID string) string {
	if c.shared == nil {
		c.misses.Add(1)
		return ""
	}
	val, err := c.shared.Get(ctx, circlePrefix+circleID).Result()
	if err != nil {
		c.misses.Add(1)
		return ""
	}
	c.hits.Add(1)
	return val
}

// SetCircleContext caches a composed circle context.
func (c *Cache) SetCircleContext(ctx context.Context, circleID, composed string) {
	if c.shared == nil {
		return
	}
	c.sets.Add(1)
	c.shared.Set(ctx, circlePrefix+circleID, composed, c.cfg.CircleContextTTL)
}

// InvalidateCircleContext drops a cached circle context.
func (c *Cache) InvalidateCircleContext(ctx context.Context, circleID string) {
	c.invalidations.Add(1)
	c.Delete(ctx, circlePrefix+circleID)
}

// ----------------------------------------------------------------------------
// Generic operations
// ----------------------------------------------------------------------------

// Get reads a raw value from the shared tier.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c.shared == nil {
		c.misses.Add(1)
		return nil, false
	}
	data, err := c.shared.Get(ctx, key).Bytes()
	if err != nil {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return data, true
}

// Set writes a raw value to the shared tier.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if c.shared == nil {
		return
	}
	c.sets.Add(1)
	c.shared.Set(ctx, key, value, ttl)
}

// Delete removes a key from the shared tier.
func (c *Cache) Delete(ctx context.Context, key string) {
	if c.shared == nil {
		return
	}
	c.shared.Del(ctx, key)
}

// DeletePattern removes every key matching a glob pattern.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) {
	if c.shared == nil {
		return
	}

	iter := c.shared.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		c.shared.Del(ctx, iter.Val())
	}
	if err := iter.Err(); err != nil {
		slog.Warn("Cache pattern delete failed", "pattern", pattern, "error", err)
	}
}

// ClearAll purges both tiers of gathering-owned keys.
func (c *Cache) ClearAll(ctx context.Context) {
	c.local.Purge()
	c.DeletePattern(ctx, "gathering:*")
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Sets:          c.sets.Load(),
		Invalidations: c.invalidations.Load(),
		LocalEntries:  c.local.Len(),
		SharedUp:      c.shared != nil,
	}
}
