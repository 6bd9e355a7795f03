// Package modelcache keeps decoded model artifacts in memory for a bounded time.
package modelcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/psantana5/ml-orchestrator/pkg/logging"
	"github.com/psantana5/ml-orchestrator/pkg/metrics"
	"github.com/psantana5/ml-orchestrator/pkg/mlops"
	"github.com/psantana5/ml-orchestrator/pkg/models"
	"github.com/psantana5/ml-orchestrator/pkg/tracing"
)

// DefaultTTL is how long a loaded model is served before it is reloaded
const DefaultTTL = time.Hour

// Source resolves model metadata and artifact bytes. mlops.ModelRegistry satisfies it.
type Source interface {
	GetMetadata(ctx context.Context, name, version string) (models.ModelMetadata, error)
	LoadBytes(ctx context.Context, path string) ([]byte, error)
}

// Entry is a cached, ready-to-use model
type Entry struct {
	Predictor mlops.Predictor
	Metadata  models.ModelMetadata
	LoadedAt  time.Time
}

// Options configures a Cache. Zero values select defaults.
type Options struct {
	TTL     time.Duration
	// Now stamps LoadedAt and decides expiry. Load latency is measured on the wall clock.
	Now     func() time.Time
	Logger  *logging.Logger
	Metrics *metrics.Collector
}

// Cache maps "name:version" to loaded models.
// The mutex guards the map only; loading happens outside it, and concurrent
// misses on the same key share one load.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry

	source  Source
	decoder mlops.Decoder
	group   singleflight.Group

	ttl     time.Duration
	now     func() time.Time
	logger  *logging.Logger
	metrics *metrics.Collector
}

// New creates a cache over source, decoding artifacts with decoder
func New(source Source, decoder mlops.Decoder, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Cache{
		entries: make(map[string]*Entry),
		source:  source,
		decoder: decoder,
		ttl:     opts.TTL,
		now:     opts.Now,
		logger:  opts.Logger.WithField("component", "model_cache"),
		metrics: opts.Metrics,
	}
}

// Key builds the cache key for a model name and optional version
func Key(name, version string) string {
	if version == "" {
		version = "latest"
	}
	return name + ":" + version
}

// Get returns the predictor and metadata for a model, loading it on a miss
func (c *Cache) Get(ctx context.Context, name, version string) (mlops.Predictor, models.ModelMetadata, error) {
	e, err := c.GetEntry(ctx, name, version)
	if err != nil {
		return nil, models.ModelMetadata{}, err
	}
	return e.Predictor, e.Metadata, nil
}

// GetEntry is Get with the load timestamp
func (c *Cache) GetEntry(ctx context.Context, name, version string) (Entry, error) {
	if name == "" {
		return Entry{}, fmt.Errorf("%w: model name is required", models.ErrInvalidArgument)
	}
	key := Key(name, version)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if c.now().Sub(e.LoadedAt) < c.ttl {
			c.mu.Unlock()
			c.metrics.CacheLookup("hit")
			return *e, nil
		}
		delete(c.entries, key)
		c.mu.Unlock()
		c.metrics.CacheLookup("expired")
		c.logger.Debug("Cached model expired", map[string]interface{}{"key": key})
	} else {
		c.mu.Unlock()
		c.metrics.CacheLookup("miss")
	}

	// the shared load outlives any single caller; each caller only stops
	// waiting when its own context ends
	flight := c.group.DoChan(key, func() (interface{}, error) {
		return c.load(context.WithoutCancel(ctx), key, name, version)
	})
	select {
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case res := <-flight:
		if res.Err != nil {
			return Entry{}, res.Err
		}
		return *res.Val.(*Entry), nil
	}
}

func (c *Cache) load(ctx context.Context, key, name, version string) (*Entry, error) {
	// a flight that finished just before this one started may already have filled the slot
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Sub(e.LoadedAt) < c.ttl {
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	ctx, span := tracing.Tracer("modelcache").Start(ctx, "modelcache.load")
	defer span.End()
	start := time.Now()

	meta, err := c.source.GetMetadata(ctx, name, version)
	if err != nil {
		tracing.SetError(ctx, err)
		return nil, fmt.Errorf("failed to resolve model %s: %w", key, err)
	}

	data, err := c.source.LoadBytes(ctx, meta.Path)
	if err != nil {
		tracing.SetError(ctx, err)
		return nil, fmt.Errorf("failed to load artifact for %s: %w", key, err)
	}

	predictor, err := c.decoder.Decode(meta, data)
	if err != nil {
		tracing.SetError(ctx, err)
		return nil, fmt.Errorf("failed to decode artifact for %s: %w", key, err)
	}

	entry := &Entry{Predictor: predictor, Metadata: meta, LoadedAt: c.now()}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()

	c.metrics.CacheLoad(time.Since(start))
	c.logger.Info("Model loaded", map[string]interface{}{
		"key":      key,
		"version":  meta.Version,
		"duration": time.Since(start).String(),
	})
	return entry, nil
}

// Invalidate drops the entry for name/version so the next Get reloads it
func (c *Cache) Invalidate(name, version string) {
	c.mu.Lock()
	delete(c.entries, Key(name, version))
	c.mu.Unlock()
}

// Len returns the number of cached entries, expired ones included
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
