package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/simplelru"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/heikotroetsch/simedge/internal/engine"
	simerrors "github.com/heikotroetsch/simedge/internal/errors"
	"github.com/heikotroetsch/simedge/internal/metrics"
	"github.com/heikotroetsch/simedge/internal/model"
	"github.com/heikotroetsch/simedge/internal/util/workerpool"
)

// ModelCacheService keeps model artifacts in a byte-budgeted LRU over an
// unbounded on-disk tier. Evicted entries are spilled to disk and reported
// to the broker as expired.
type ModelCacheService struct {
	config     *CacheConfig
	store      ModelStore
	downloader Downloader
	broker     Broker
	tasks      TaskSubmitter
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu          sync.Mutex
	lru         *simplelru.LRU
	used        int64
	maxMemory   int64
	downloading map[model.ModelHash]int
	spilling    map[model.ModelHash]*cacheEntry // evicted, disk write in progress

	fetches singleflight.Group
}

// CacheConfig holds model cache configuration
type CacheConfig struct {
	MaxMemory    int64
	FetchTimeout time.Duration
}

type cacheEntry struct {
	data    []byte
	session engine.Session
}

type evictedEntry struct {
	hash  model.ModelHash
	entry *cacheEntry
}

// NewModelCacheService creates a new model cache
func NewModelCacheService(
	cfg *CacheConfig,
	store ModelStore,
	downloader Downloader,
	broker Broker,
	tasks TaskSubmitter,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*ModelCacheService, error) {
	if cfg.MaxMemory <= 0 {
		return nil, fmt.Errorf("cache max memory must be positive")
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 2 * time.Minute
	}

	// entries are bounded by bytes, not count
	lru, err := simplelru.NewLRU(math.MaxInt32, nil)
	if err != nil {
		return nil, err
	}

	return &ModelCacheService{
		config:      cfg,
		store:       store,
		downloader:  downloader,
		broker:      broker,
		tasks:       tasks,
		metrics:     m,
		logger:      logger,
		lru:         lru,
		maxMemory:   cfg.MaxMemory,
		downloading: make(map[model.ModelHash]int),
		spilling:    make(map[model.ModelHash]*cacheEntry),
	}, nil
}

// Put admits data under hash and returns the hashes evicted to make room.
// An artifact larger than the whole budget raises the budget to its size.
func (c *ModelCacheService) Put(hash model.ModelHash, data []byte) []model.ModelHash {
	size := int64(len(data))

	c.mu.Lock()
	if size > c.maxMemory {
		c.logger.Warn("Raising cache budget to admit oversized model",
			zap.String("model", hash.String()),
			zap.Int64("size", size),
			zap.Int64("previous_max", c.maxMemory))
		c.maxMemory = size
	}

	if _, ok := c.lru.Get(hash); ok {
		c.mu.Unlock()
		return nil
	}

	var victims []evictedEntry
	for c.used+size > c.maxMemory {
		key, value, ok := c.lru.RemoveOldest()
		if !ok {
			break
		}
		victim := evictedEntry{hash: key.(model.ModelHash), entry: value.(*cacheEntry)}
		c.used -= int64(len(victim.entry.data))
		c.spilling[victim.hash] = victim.entry
		victims = append(victims, victim)
	}

	c.lru.Add(hash, &cacheEntry{data: data})
	c.used += size
	c.updateSizeLocked()
	c.mu.Unlock()

	evicted := make([]model.ModelHash, 0, len(victims))
	for _, v := range victims {
		c.spill(v)
		if v.entry.session != nil {
			if err := v.entry.session.Close(); err != nil {
				c.logger.Warn("Failed to close evicted runtime",
					zap.String("model", v.hash.String()), zap.Error(err))
			}
		}
		c.broker.ModelExpired(v.hash)
		c.metrics.RecordCacheEviction()
		evicted = append(evicted, v.hash)
	}

	if len(evicted) > 0 {
		c.logger.Info("Evicted models from memory",
			zap.String("admitted", hash.String()),
			zap.Int("evicted", len(evicted)))
	}
	return evicted
}

// spill writes an evicted entry to disk without holding the lock. Until the
// write finishes the entry stays in the spilling map, so a concurrent Get
// never sees it missing from both tiers. A failed write is logged; the model
// can still be fetched from the repository.
func (c *ModelCacheService) spill(v evictedEntry) {
	if !c.store.Exists(v.hash) {
		if err := c.store.Write(v.hash, v.entry.data); err != nil {
			c.logger.Error("Failed to spill evicted model",
				zap.String("model", v.hash.String()),
				zap.Int("bytes", len(v.entry.data)),
				zap.Error(err))
		}
	}

	c.mu.Lock()
	// a later eviction of the same hash owns the slot now
	if c.spilling[v.hash] == v.entry {
		delete(c.spilling, v.hash)
	}
	c.mu.Unlock()
}

// Get returns the artifact bytes, reloading from disk when needed. On a
// full miss it starts one background fetch and returns nil.
func (c *ModelCacheService) Get(hash model.ModelHash) []byte {
	c.mu.Lock()
	if value, ok := c.lru.Get(hash); ok {
		c.mu.Unlock()
		c.metrics.RecordCacheHit("memory")
		return value.(*cacheEntry).data
	}
	if entry, ok := c.spilling[hash]; ok {
		c.mu.Unlock()
		c.metrics.RecordCacheHit("memory")
		return entry.data
	}
	c.mu.Unlock()

	if c.store.Exists(hash) {
		data, err := c.store.Read(hash)
		if err == nil {
			c.metrics.RecordCacheHit("disk")
			c.Put(hash, data)
			return data
		}
		c.logger.Warn("Failed to read spilled model", zap.String("model", hash.String()), zap.Error(err))
	}

	c.metrics.RecordCacheMiss()

	c.mu.Lock()
	if c.downloading[hash] > 0 {
		c.mu.Unlock()
		return nil
	}
	c.downloading[hash]++
	c.mu.Unlock()

	task := workerpool.Task{
		ID:   uuid.NewString(),
		Name: "fetch",
		Fn: func(ctx context.Context) error {
			defer c.endDownload(hash)
			return c.fetch(ctx, hash)
		},
	}
	if !c.tasks.TrySubmit(task) {
		c.endDownload(hash)
		c.logger.Warn("Fetch rejected by worker pool", zap.String("model", hash.String()))
	}
	return nil
}

// Download fetches hash from the repository and admits it. Concurrent
// callers for the same hash share one transfer.
func (c *ModelCacheService) Download(ctx context.Context, hash model.ModelHash) error {
	c.mu.Lock()
	c.downloading[hash]++
	c.mu.Unlock()
	defer c.endDownload(hash)

	return c.fetch(ctx, hash)
}

func (c *ModelCacheService) endDownload(hash model.ModelHash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.downloading[hash] <= 1 {
		delete(c.downloading, hash)
		return
	}
	c.downloading[hash]--
}

func (c *ModelCacheService) fetch(ctx context.Context, hash model.ModelHash) error {
	_, err, shared := c.fetches.Do(hash.String(), func() (interface{}, error) {
		if c.HasModel(hash) {
			return nil, nil
		}

		fetchCtx, cancel := context.WithTimeout(ctx, c.config.FetchTimeout)
		defer cancel()

		start := time.Now()
		data, err := c.downloader.Download(fetchCtx, hash)
		duration := time.Since(start).Seconds()
		if err != nil {
			c.metrics.RecordDownload("failed", duration)
			return nil, fmt.Errorf("failed to download model %s: %w", hash, err)
		}

		if !hash.Matches(data) {
			c.metrics.RecordDownload("corrupt", duration)
			return nil, simerrors.IntegrityFailed(hash.String(), model.ComputeHash(data).String())
		}

		c.metrics.RecordDownload("ok", duration)
		c.Put(hash, data)
		c.logger.Info("Downloaded model",
			zap.String("model", hash.String()),
			zap.Int("bytes", len(data)),
			zap.Float64("duration_seconds", duration))
		return nil, nil
	})

	if err != nil && !shared {
		c.logger.Warn("Model fetch failed", zap.String("model", hash.String()), zap.Error(err))
	}
	return err
}

// HasModel reports whether hash is resident in memory or on disk
func (c *ModelCacheService) HasModel(hash model.ModelHash) bool {
	c.mu.Lock()
	_, spilling := c.spilling[hash]
	resident := spilling || c.lru.Contains(hash)
	c.mu.Unlock()

	return resident || c.store.Exists(hash)
}

// DownloadingModel reports whether a fetch for hash is in progress
func (c *ModelCacheService) DownloadingModel(hash model.ModelHash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downloading[hash] > 0
}

// GetRuntime returns the loaded session for a resident model, if any
func (c *ModelCacheService) GetRuntime(hash model.ModelHash) engine.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if value, ok := c.lru.Peek(hash); ok {
		return value.(*cacheEntry).session
	}
	return nil
}

// PutRuntime attaches a session to a resident model and returns the session
// callers should use. If another session was stored first, that one is
// returned and the caller owns s. cached is false when the model is no
// longer resident, in which case the caller owns the returned session too.
func (c *ModelCacheService) PutRuntime(hash model.ModelHash, s engine.Session) (active engine.Session, cached bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value, ok := c.lru.Peek(hash)
	if !ok {
		return s, false
	}
	entry := value.(*cacheEntry)
	if entry.session == nil {
		entry.session = s
	}
	return entry.session, true
}

// SaveToDisk writes every resident model to the store and records them,
// oldest first, in the manifest.
func (c *ModelCacheService) SaveToDisk() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.lru.Keys()
	hashes := make([]model.ModelHash, 0, len(keys))
	var firstErr error
	for _, key := range keys {
		hash := key.(model.ModelHash)
		value, _ := c.lru.Peek(hash)
		if c.store.Exists(hash) {
			hashes = append(hashes, hash)
			continue
		}
		if err := c.store.Write(hash, value.(*cacheEntry).data); err != nil {
			c.logger.Error("Failed to save model", zap.String("model", hash.String()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		hashes = append(hashes, hash)
	}

	if err := c.store.WriteManifest(hashes); err != nil {
		return err
	}

	c.logger.Info("Saved model cache", zap.Int("models", len(hashes)))
	return firstErr
}

// LoadFromDisk replays the manifest written by SaveToDisk and removes it.
// A missing manifest means there is nothing to restore.
func (c *ModelCacheService) LoadFromDisk() error {
	hashes, err := c.store.ReadManifest()
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	loaded := 0
	for _, hash := range hashes {
		data, err := c.store.Read(hash)
		if err != nil {
			c.logger.Warn("Skipping manifest entry", zap.String("model", hash.String()), zap.Error(err))
			continue
		}
		if !hash.Matches(data) {
			c.logger.Warn("Skipping corrupt model file", zap.String("model", hash.String()))
			continue
		}
		c.Put(hash, data)
		loaded++
	}

	c.logger.Info("Restored model cache", zap.Int("models", loaded), zap.Int("listed", len(hashes)))
	return c.store.RemoveManifest()
}

// Resident lists the in-memory models from least to most recently used
func (c *ModelCacheService) Resident() []model.ModelHash {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.lru.Keys()
	out := make([]model.ModelHash, 0, len(keys))
	for _, key := range keys {
		out = append(out, key.(model.ModelHash))
	}
	return out
}

// Stats returns current cache occupancy
func (c *ModelCacheService) Stats() model.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return model.CacheStats{
		Entries:     c.lru.Len(),
		UsedBytes:   c.used,
		MaxBytes:    c.maxMemory,
		Downloading: len(c.downloading),
	}
}

func (c *ModelCacheService) updateSizeLocked() {
	c.metrics.UpdateCacheSize(c.used, c.maxMemory, c.lru.Len())
}
