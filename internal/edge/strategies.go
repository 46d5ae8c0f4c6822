package edge

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/TheMichaelB/parksync/internal/events"
	"github.com/TheMichaelB/parksync/internal/metrics"
	"github.com/TheMichaelB/parksync/internal/models"
)

// Source tells where a response came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceOffline Source = "offline"
)

// Strategy answers a classified GET request.
type Strategy interface {
	Handle(ctx context.Context, env *Env, req *http.Request) (*Response, Source, error)
}

// Env is what strategies share with the manager.
type Env struct {
	Storage CacheStorage
	Names   Names
	Fetcher Fetcher
	Now     func() time.Time
	Logger  *events.Logger
	Metrics *metrics.Metrics

	// Go runs background work such as revalidation.
	Go func(func())
}

func (e *Env) open(ctx context.Context, b Bucket) (Cache, error) {
	return e.Storage.Open(ctx, e.Names.For(b))
}

// store caches resp under key. Failures are logged; a response that was
// fetched is still served.
func (e *Env) store(ctx context.Context, cache Cache, key string, resp *Response) bool {
	if err := cache.Put(ctx, key, resp.cacheable()); err != nil {
		e.Logger.WithError(err).WithField("key", key).Warn("Failed to cache response")
		return false
	}
	return true
}

func (e *Env) offlinePage(ctx context.Context, url string) (*Response, error) {
	if url == "" {
		return nil, models.ErrNoOfflinePage
	}
	resp, err := MatchAny(ctx, e.Storage, url)
	if errors.Is(err, models.ErrCacheMiss) {
		return nil, models.ErrNoOfflinePage
	}
	return resp, err
}

// NetworkFirst tries the network and caches a 200; on failure it serves the
// cached copy, then the fallback page.
type NetworkFirst struct {
	Bucket   Bucket
	Fallback string
}

func (s *NetworkFirst) Handle(ctx context.Context, env *Env, req *http.Request) (*Response, Source, error) {
	cache, err := env.open(ctx, s.Bucket)
	if err != nil {
		return nil, "", err
	}
	key := RequestKey(req)

	resp, fetchErr := env.Fetcher.Fetch(ctx, req)
	if fetchErr == nil {
		if resp.OK() {
			env.store(ctx, cache, key, resp)
		}
		return resp, SourceNetwork, nil
	}

	if cached, err := cache.Match(ctx, key); err == nil {
		return cached, SourceCache, nil
	}
	if s.Fallback != "" {
		if page, err := env.offlinePage(ctx, s.Fallback); err == nil {
			return page, SourceOffline, nil
		}
	}
	return nil, "", fetchErr
}

// StaleWhileRevalidate serves the cached copy at once and refreshes it in
// the background; without a cached copy it waits for the network.
type StaleWhileRevalidate struct {
	Bucket Bucket
}

func (s *StaleWhileRevalidate) Handle(ctx context.Context, env *Env, req *http.Request) (*Response, Source, error) {
	cache, err := env.open(ctx, s.Bucket)
	if err != nil {
		return nil, "", err
	}
	key := RequestKey(req)

	if cached, err := cache.Match(ctx, key); err == nil {
		bg := context.WithoutCancel(ctx)
		detached := req.Clone(bg)
		env.Go(func() {
			resp, err := env.Fetcher.Fetch(bg, detached)
			if err != nil {
				env.Logger.WithError(err).WithField("key", key).Debug("Revalidation failed, keeping cached copy")
				return
			}
			if resp.OK() {
				env.store(bg, cache, key, resp)
			}
		})
		return cached, SourceCache, nil
	}

	resp, err := env.Fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, "", err
	}
	if resp.OK() {
		env.store(ctx, cache, key, resp)
	}
	return resp, SourceNetwork, nil
}

// PrivateNetworkFirst is network-first for session-scoped data. Cached
// copies are stamped with CachedAtHeader and served only within TTL; keys
// are partitioned by a hash of the session cookie so one session never
// reads another's data.
type PrivateNetworkFirst struct {
	Bucket        Bucket
	TTL           time.Duration
	MaxEntries    int
	SessionCookie string
}

func (s *PrivateNetworkFirst) Handle(ctx context.Context, env *Env, req *http.Request) (*Response, Source, error) {
	cache, err := env.open(ctx, s.Bucket)
	if err != nil {
		return nil, "", err
	}
	key := s.Key(req)

	resp, fetchErr := env.Fetcher.Fetch(ctx, req)
	if fetchErr == nil {
		if resp.OK() {
			stamped := resp.Clone()
			stamped.Header.Set(CachedAtHeader, strconv.FormatInt(env.Now().UnixMilli(), 10))
			if env.store(ctx, cache, key, stamped) {
				removed, err := Trim(ctx, cache, s.MaxEntries)
				if err != nil {
					env.Logger.WithError(err).Warn("Failed to trim private cache")
				}
				env.Metrics.EdgeEvicted(string(s.Bucket), removed)
			}
		}
		return resp, SourceNetwork, nil
	}

	cached, err := cache.Match(ctx, key)
	if err != nil {
		return nil, "", fetchErr
	}
	if !s.Fresh(cached, env.Now()) {
		env.Logger.WithField("key", key).Debug("Private cache entry expired")
		return nil, "", fetchErr
	}
	return cached, SourceCache, nil
}

// Fresh reports whether a stamped response is younger than the TTL.
func (s *PrivateNetworkFirst) Fresh(resp *Response, now time.Time) bool {
	ms, err := strconv.ParseInt(resp.Header.Get(CachedAtHeader), 10, 64)
	if err != nil {
		return false
	}
	return now.Sub(time.UnixMilli(ms)) < s.TTL
}

// Key returns the session-partitioned cache key of req.
func (s *PrivateNetworkFirst) Key(req *http.Request) string {
	return Partition(req, s.SessionCookie) + " " + RequestKey(req)
}

// Partition hashes the session cookie of req. Requests without one share
// the "anon" partition.
func Partition(req *http.Request, cookieName string) string {
	cookie, err := req.Cookie(cookieName)
	if err != nil || cookie.Value == "" {
		return "anon"
	}
	sum := blake2b.Sum256([]byte(cookie.Value))
	return hex.EncodeToString(sum[:8])
}

// CacheFirst serves the cached copy when present, else fetches and caches.
// With MaxEntries set the oldest entries are evicted past the cap.
type CacheFirst struct {
	Bucket     Bucket
	MaxEntries int
	Fallback   string
}

func (s *CacheFirst) Handle(ctx context.Context, env *Env, req *http.Request) (*Response, Source, error) {
	cache, err := env.open(ctx, s.Bucket)
	if err != nil {
		return nil, "", err
	}
	key := RequestKey(req)

	if cached, err := cache.Match(ctx, key); err == nil {
		return cached, SourceCache, nil
	}

	resp, fetchErr := env.Fetcher.Fetch(ctx, req)
	if fetchErr != nil {
		if s.Fallback != "" && acceptsHTML(req) {
			if page, err := env.offlinePage(ctx, s.Fallback); err == nil {
				return page, SourceOffline, nil
			}
		}
		return nil, "", fetchErr
	}

	if resp.OK() && env.store(ctx, cache, key, resp) && s.MaxEntries > 0 {
		removed, err := Trim(ctx, cache, s.MaxEntries)
		if err != nil {
			env.Logger.WithError(err).Warn("Failed to trim cache")
		}
		env.Metrics.EdgeEvicted(string(s.Bucket), removed)
	}
	return resp, SourceNetwork, nil
}
