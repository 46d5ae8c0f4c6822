// Package api is the cache-augmented client for the parking backend. Reads
// go through a short-lived in-memory cache mirrored to persistent storage;
// writes fall back to the offline queue when the client is offline.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"

	"github.com/TheMichaelB/parksync/internal/config"
	"github.com/TheMichaelB/parksync/internal/events"
	"github.com/TheMichaelB/parksync/internal/metrics"
	"github.com/TheMichaelB/parksync/internal/models"
	"github.com/TheMichaelB/parksync/internal/state"
	"github.com/TheMichaelB/parksync/internal/store"
	"github.com/TheMichaelB/parksync/internal/transport"
)

// Backend roots.
const (
	ParkingRoot = "/api/parking"
	AIRoot      = "/api/ai"
)

// Config tunes the read cache.
type Config struct {
	Cache config.CacheConfig

	// Now is the clock used for cache expiry.
	Now func() time.Time
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// DefaultConfig returns the standard cache settings.
func DefaultConfig() *Config {
	return &Config{
		Cache: config.DefaultConfig().Cache,
		Now:   time.Now,
	}
}

// Result carries data together with where it came from. AsOf is when the
// payload was fetched from the backend.
type Result[T any] struct {
	Data            T
	ServedFromCache bool
	AsOf            time.Time
}

type cacheEntry struct {
	payload   json.RawMessage
	fetchedAt time.Time
	expiresAt time.Time
}

// mirrorRecord is the persisted form of a cached payload.
type mirrorRecord struct {
	Payload   json.RawMessage `json:"payload"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// Client performs backend calls on behalf of the client store.
type Client struct {
	transport transport.Transport
	store     *store.Store
	kv        state.Store
	cfg       config.CacheConfig
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    *events.Logger

	cache *lru.Cache[string, cacheEntry]
	group singleflight.Group
}

// New creates a client. Connectivity observed by t is mirrored into st.
func New(t transport.Transport, st *store.Store, kv state.Store, cfg *Config, logger *events.Logger) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	size := cfg.Cache.MaxEntries
	if size <= 0 {
		size = config.DefaultConfig().Cache.MaxEntries
	}
	cache, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("create read cache: %w", err)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	c := &Client{
		transport: t,
		store:     st,
		kv:        kv,
		cfg:       cfg.Cache,
		now:       now,
		metrics:   cfg.Metrics,
		logger:    logger.WithField("component", "api_client"),
		cache:     cache,
	}

	t.OnConnectivity(st.SetConnectionStatus)

	return c, nil
}

// Request performs an uncached call.
func (c *Client) Request(ctx context.Context, path string, opts transport.RequestOptions) (json.RawMessage, error) {
	return c.transport.Request(ctx, path, opts)
}

// CachedFetch returns the payload for key if it has not expired, otherwise
// performs the request, caches the result for ttl and mirrors it under the
// dataset key for key. Concurrent misses for one key share a single call.
func (c *Client) CachedFetch(ctx context.Context, path string, opts transport.RequestOptions, key string, ttl time.Duration) (Result[json.RawMessage], error) {
	key = norm.NFC.String(key)
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	if entry, ok := c.cache.Get(key); ok && c.now().Before(entry.expiresAt) {
		c.metrics.CacheLookup(true)
		return Result[json.RawMessage]{Data: entry.payload, AsOf: entry.fetchedAt}, nil
	}
	c.metrics.CacheLookup(false)

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		payload, err := c.transport.Request(ctx, path, opts)
		if err != nil {
			return nil, err
		}
		now := c.now()
		entry := cacheEntry{payload: payload, fetchedAt: now, expiresAt: now.Add(ttl)}
		c.cache.Add(key, entry)
		c.mirror(key, payload, now)
		return entry, nil
	})
	if err != nil {
		return Result[json.RawMessage]{}, err
	}

	if shared {
		c.logger.WithField("key", key).Debug("Collapsed concurrent fetch")
	}

	entry := v.(cacheEntry)
	return Result[json.RawMessage]{Data: entry.payload, AsOf: entry.fetchedAt}, nil
}

// Stale returns the last payload stored for key, expired or not. The
// in-memory entry wins over the persisted mirror.
func (c *Client) Stale(key string) (Result[json.RawMessage], error) {
	key = norm.NFC.String(key)
	if entry, ok := c.cache.Peek(key); ok {
		return Result[json.RawMessage]{Data: entry.payload, ServedFromCache: true, AsOf: entry.fetchedAt}, nil
	}
	return c.readDataset(key)
}

// Purge drops the in-memory cache. Persisted mirrors are kept.
func (c *Client) Purge() {
	c.cache.Purge()
}

// mirror writes payload to the dataset cache; failures are logged only.
func (c *Client) mirror(name string, payload json.RawMessage, fetchedAt time.Time) {
	if c.kv == nil {
		return
	}
	data, err := json.Marshal(mirrorRecord{Payload: payload, FetchedAt: fetchedAt})
	if err == nil {
		err = c.kv.Set(state.CacheKey(name), data)
	}
	if err != nil {
		c.logger.WithError(err).WithField("dataset", name).Warn("Failed to mirror dataset")
	}
}

// readDataset loads a mirrored payload.
func (c *Client) readDataset(name string) (Result[json.RawMessage], error) {
	if c.kv == nil {
		return Result[json.RawMessage]{}, models.ErrCacheMiss
	}
	data, err := c.kv.Get(state.CacheKey(name))
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return Result[json.RawMessage]{}, models.ErrCacheMiss
		}
		return Result[json.RawMessage]{}, fmt.Errorf("read dataset %s: %w", name, err)
	}

	var rec mirrorRecord
	if err := json.Unmarshal(data, &rec); err != nil || len(rec.Payload) == 0 {
		return Result[json.RawMessage]{}, models.ErrCacheMiss
	}
	return Result[json.RawMessage]{Data: rec.Payload, ServedFromCache: true, AsOf: rec.FetchedAt}, nil
}

// fallback returns the first cached payload found under keys.
func (c *Client) fallback(keys ...string) (Result[json.RawMessage], bool) {
	for _, key := range keys {
		res, err := c.Stale(key)
		if err == nil {
			return res, true
		}
	}
	return Result[json.RawMessage]{}, false
}

// CacheKey builds a normalized cache key from a prefix and query params.
// Params are sorted and empty values dropped, so equal queries share a key
// regardless of map order.
func CacheKey(prefix string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte(':')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return norm.NFC.String(b.String())
}

// decodeList accepts a bare JSON array or a paginated envelope.
func decodeList[T any](raw json.RawMessage) ([]T, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var items []T
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		return items, nil
	}

	var envelope struct {
		Results []T `json:"results"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, err
	}
	if envelope.Results == nil {
		return []T{}, nil
	}
	return envelope.Results, nil
}
