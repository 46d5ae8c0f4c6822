// Package edge is the network-edge cache manager. It classifies every
// request through an ordered routing table, answers it with a per-route
// caching strategy over versioned named caches, keeps a retry queue for
// mutations that never reached the backend, and relays push notifications
// to connected pages.
package edge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/TheMichaelB/parksync/internal/models"
)

// CachedAtHeader carries the unix-millisecond time a private response was
// stored.
const CachedAtHeader = "X-PS-Cached-At"

// Response is a stored HTTP response.
type Response struct {
	URL    string      `json:"url"`
	Status int         `json:"status"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"body"`
}

// OK reports whether the response may be cached.
func (r *Response) OK() bool {
	return r != nil && r.Status == http.StatusOK
}

// Clone returns a deep copy.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = http.Header{}
	}
	c.Body = append([]byte(nil), r.Body...)
	return &c
}

// cacheable strips headers that must never be replayed from a cache.
func (r *Response) cacheable() *Response {
	c := r.Clone()
	c.Header.Del("Set-Cookie")
	return c
}

// Cache is one named bucket. Keys enumerate in insertion order; putting an
// existing key moves it to the end.
type Cache interface {
	Match(ctx context.Context, key string) (*Response, error)
	Put(ctx context.Context, key string, resp *Response) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// CacheStorage holds the named buckets. Open creates a bucket on first use.
type CacheStorage interface {
	Open(ctx context.Context, name string) (Cache, error)
	Keys(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) (bool, error)
	Close() error
}

// MatchAny looks key up in every bucket, oldest bucket first.
func MatchAny(ctx context.Context, storage CacheStorage, key string) (*Response, error) {
	names, err := storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		cache, err := storage.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		resp, err := cache.Match(ctx, key)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, models.ErrCacheMiss) {
			return nil, err
		}
	}
	return nil, models.ErrCacheMiss
}

// Trim deletes the oldest keys until at most limit remain and returns how
// many were removed.
func Trim(ctx context.Context, cache Cache, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	keys, err := cache.Keys(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for len(keys)-removed > limit {
		if _, err := cache.Delete(ctx, keys[removed]); err != nil {
			return removed, fmt.Errorf("trim %s: %w", keys[removed], err)
		}
		removed++
	}
	return removed, nil
}

// Bucket identifies one of the fixed cache categories.
type Bucket string

const (
	BucketStatic     Bucket = "static"
	BucketShell      Bucket = "shell"
	BucketPublicAPI  Bucket = "api-public"
	BucketPrivateAPI Bucket = "api-private"
	BucketTiles      Bucket = "tiles"
	BucketRuntime    Bucket = "runtime"
)

// Buckets lists every category.
var Buckets = []Bucket{
	BucketStatic,
	BucketShell,
	BucketPublicAPI,
	BucketPrivateAPI,
	BucketTiles,
	BucketRuntime,
}

// Names maps buckets to cache names tagged with an application version,
// e.g. "ps-tiles-2024.09.0".
type Names struct {
	Prefix  string
	Version string
}

// For returns the versioned name of b.
func (n Names) For(b Bucket) string {
	return n.Prefix + string(b) + "-" + n.Version
}

// Current returns the names of every bucket of this version.
func (n Names) Current() []string {
	names := make([]string, 0, len(Buckets))
	for _, b := range Buckets {
		names = append(names, n.For(b))
	}
	return names
}

// Stale reports whether name is one of ours but not of this version.
func (n Names) Stale(name string) bool {
	if !strings.HasPrefix(name, n.Prefix) {
		return false
	}
	for _, current := range n.Current() {
		if name == current {
			return false
		}
	}
	return true
}
