// Package cache provides caching for pseudobulk aggregates and result
// query pages.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	AggregateCacheSizeMB int
	AggregateTTL         time.Duration
	ResultCacheSize      int
}

// Manager manages the aggregate and result caches. Aggregates are large
// serialized matrices and live in bigcache; result pages are small JSON
// payloads kept in an LRU.
type Manager struct {
	aggCache    *bigcache.BigCache
	resultCache *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	aggConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.AggregateTTL,
		CleanWindow:        cfg.AggregateTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       16 * 1024 * 1024, // one cluster matrix
		HardMaxCacheSize:   cfg.AggregateCacheSizeMB,
		Verbose:            false,
	}

	aggCache, err := bigcache.New(context.Background(), aggConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregate cache: %w", err)
	}

	resultCache, err := lru.New[string, []byte](cfg.ResultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	return &Manager{
		aggCache:    aggCache,
		resultCache: resultCache,
	}, nil
}

// GetAggregate retrieves a serialized pseudobulk aggregate from cache.
func (m *Manager) GetAggregate(key string) ([]byte, bool) {
	data, err := m.aggCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetAggregate stores a serialized pseudobulk aggregate in cache.
func (m *Manager) SetAggregate(key string, data []byte) error {
	return m.aggCache.Set(key, data)
}

// GetResult retrieves a result page from cache.
func (m *Manager) GetResult(key string) ([]byte, bool) {
	return m.resultCache.Get(key)
}

// SetResult stores a result page in cache.
func (m *Manager) SetResult(key string, data []byte) {
	m.resultCache.Add(key, data)
}

// AggregateKey generates a cache key for a pseudobulk aggregate.
func AggregateKey(datasetID, layer, reducer string) string {
	return fmt.Sprintf("agg:%s:%s:%s", datasetID, layer, reducer)
}

// ResultKey generates a cache key for a result query page. Extra options
// are sorted so equivalent queries share a key.
func ResultKey(jobID, cluster, orderBy string, offset, limit int, extras []string) string {
	base := fmt.Sprintf("res:%s:%s:%s:%d:%d", jobID, cluster, orderBy, offset, limit)
	if len(extras) == 0 {
		return base
	}
	sorted := append([]string(nil), extras...)
	sort.Strings(sorted)
	h := sha256.Sum256([]byte(base + ":" + strings.Join(sorted, ",")))
	return base + ":" + hex.EncodeToString(h[:])[:16]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"aggregate_cache_len": m.aggCache.Len(),
		"aggregate_cache_cap": m.aggCache.Capacity(),
		"result_cache_len":    m.resultCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.aggCache.Close()
}
