// Package cacheresult implements the fingerprint-keyed result cache
// sitting in front of the translation pipeline.
package cacheresult

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Onegaishimas/bin2nlp/internal/kvstore"
	"go.uber.org/zap"
)

// schemaVersion is bumped whenever Envelope's shape changes incompatibly.
// A stored envelope whose version doesn't match is treated as a miss.
const schemaVersion = 1

const statsKey = "cache:stats"

// Envelope is the durable wrapper persisted at a result cache_key.
type Envelope struct {
	SchemaVersion int             `json:"schema_version"`
	FileHash      string          `json:"file_hash"`
	Config        Config          `json:"config"`
	Data          json.RawMessage `json:"data"`
	CreatedAt     time.Time       `json:"created_at"`
	AccessCount   int64           `json:"access_count"`
}

// Recorder is the subset of internal/metrics.Collector the cache reports
// into. Accepting an interface keeps this package independent of the
// metrics package's import graph.
type Recorder interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

// Cache stores translation results keyed by fingerprint.
type Cache struct {
	store    kvstore.Store
	baseTTL  time.Duration
	logger   *zap.Logger
	recorder Recorder
}

// New builds a Cache. baseTTL is the un-scaled TTL before the per-depth
// multiplier is applied.
func New(store kvstore.Store, baseTTL time.Duration, recorder Recorder, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseTTL <= 0 {
		baseTTL = time.Hour
	}
	return &Cache{
		store:    store,
		baseTTL:  baseTTL,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "cacheresult")),
	}
}

func fileSetKey(fileHash string) string { return "file:results:" + fileHash }
func tagSetKey(tag string) string       { return "tag:results:" + tag }

// Get returns the cached payload for (fileHash, cfg), or ok=false on a miss
// (including a schema-version mismatch, which is treated as a miss rather
// than an error).
func (c *Cache) Get(ctx context.Context, fileHash string, cfg Config) (json.RawMessage, bool, error) {
	key := CacheKey(cfg)
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.bump(ctx, "errors")
		return nil, false, fmt.Errorf("cacheresult: get: %w", err)
	}
	if !ok {
		c.recordMiss()
		c.bump(ctx, "misses")
		return nil, false, nil
	}

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env.SchemaVersion != schemaVersion {
		c.recordMiss()
		c.bump(ctx, "misses")
		return nil, false, nil
	}

	c.recordHit()
	c.bump(ctx, "hits")
	go c.bumpAccessCount(key)
	return env.Data, true, nil
}

func (c *Cache) recordHit() {
	if c.recorder != nil {
		c.recorder.RecordCacheHit("result")
	}
}

func (c *Cache) recordMiss() {
	if c.recorder != nil {
		c.recorder.RecordCacheMiss("result")
	}
}

// bumpAccessCount is fire-and-forget: access counting is best-effort and
// must never slow down or fail a read.
func (c *Cache) bumpAccessCount(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return
	}
	env.AccessCount++
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	ttl, err := c.store.TTL(ctx, key)
	if err != nil || ttl <= 0 {
		ttl = c.baseTTL
	}
	_ = c.store.Set(ctx, key, string(data), ttl)
}

// Set stores data for (fileHash, cfg). ttlOverride, if non-zero, replaces
// the depth-scaled base TTL.
func (c *Cache) Set(ctx context.Context, fileHash string, cfg Config, data json.RawMessage, fileTypeTag string, ttlOverride time.Duration) error {
	ttl := ttlOverride
	if ttl <= 0 {
		ttl = time.Duration(float64(c.baseTTL) * TTLMultiplier(cfg.Depth))
	}

	env := Envelope{
		SchemaVersion: schemaVersion,
		FileHash:      fileHash,
		Config:        cfg,
		Data:          data,
		CreatedAt:     time.Now(),
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		c.bump(ctx, "errors")
		return fmt.Errorf("cacheresult: marshal envelope: %w", err)
	}

	key := CacheKey(cfg)
	ops := []kvstore.Op{
		{Kind: kvstore.OpSet, Key: key, Value: string(encoded), TTL: ttl},
		{Kind: kvstore.OpSAdd, Key: fileSetKey(fileHash), Value: key},
	}
	for _, tag := range Tags(cfg, fileTypeTag) {
		ops = append(ops, kvstore.Op{Kind: kvstore.OpSAdd, Key: tagSetKey(tag), Value: key})
	}
	if _, err := c.store.Pipeline(ctx, ops); err != nil {
		c.bump(ctx, "errors")
		return fmt.Errorf("cacheresult: set: %w", err)
	}
	_ = c.store.Expire(ctx, fileSetKey(fileHash), ttl)
	for _, tag := range Tags(cfg, fileTypeTag) {
		_ = c.store.Expire(ctx, tagSetKey(tag), ttl)
	}

	c.bump(ctx, "sets")
	c.bump(ctx, "cached_depth_"+string(cfg.Depth))
	return nil
}

// Delete removes the cache entry for (fileHash, cfg) and its membership in
// the file and tag sets it would have been added to.
func (c *Cache) Delete(ctx context.Context, fileHash string, cfg Config, fileTypeTag string) error {
	key := CacheKey(cfg)
	if err := c.store.Delete(ctx, key); err != nil {
		c.bump(ctx, "errors")
		return fmt.Errorf("cacheresult: delete: %w", err)
	}
	_ = c.store.SRem(ctx, fileSetKey(fileHash), key)
	for _, tag := range Tags(cfg, fileTypeTag) {
		_ = c.store.SRem(ctx, tagSetKey(tag), key)
	}
	c.bump(ctx, "deletes")
	return nil
}

// InvalidateByFile deletes every cache key recorded for fileHash, then the
// file-scoped set itself.
func (c *Cache) InvalidateByFile(ctx context.Context, fileHash string) (int, error) {
	return c.invalidateSet(ctx, fileSetKey(fileHash))
}

// InvalidateByTag deletes every cache key recorded under tag, then the
// tag-scoped set itself.
func (c *Cache) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	return c.invalidateSet(ctx, tagSetKey(tag))
}

func (c *Cache) invalidateSet(ctx context.Context, setKey string) (int, error) {
	members, err := c.store.SMembers(ctx, setKey)
	if err != nil {
		c.bump(ctx, "errors")
		return 0, fmt.Errorf("cacheresult: invalidate: %w", err)
	}
	for _, key := range members {
		_ = c.store.Delete(ctx, key)
	}
	_ = c.store.Delete(ctx, setKey)
	c.bump(ctx, "invalidations")
	return len(members), nil
}

func (c *Cache) bump(ctx context.Context, field string) {
	if _, err := c.store.HashIncr(ctx, statsKey, field, 1); err != nil {
		c.logger.Debug("failed to update cache stats counter", zap.String("field", field), zap.Error(err))
	}
}

// Stats returns the raw cache:stats counters for the metrics/admin surface.
func (c *Cache) Stats(ctx context.Context) (map[string]string, error) {
	return c.store.HashGetAll(ctx, statsKey)
}
