package edge

import (
	"context"
	"sync"

	"github.com/TheMichaelB/parksync/internal/models"
)

// MemoryStorage keeps every bucket in process memory.
type MemoryStorage struct {
	mu      sync.Mutex
	buckets map[string]*memoryCache
	order   []string
}

// NewMemoryStorage creates an empty storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{buckets: make(map[string]*memoryCache)}
}

// Open returns the named bucket, creating it if needed.
func (s *MemoryStorage) Open(_ context.Context, name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.buckets[name]; ok {
		return c, nil
	}
	c := &memoryCache{entries: make(map[string]*Response)}
	s.buckets[name] = c
	s.order = append(s.order, name)
	return c, nil
}

// Keys lists bucket names in creation order.
func (s *MemoryStorage) Keys(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...), nil
}

// Delete removes a bucket and its entries.
func (s *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[name]; !ok {
		return false, nil
	}
	delete(s.buckets, name)
	s.order = remove(s.order, name)
	return true, nil
}

// Close is a no-op.
func (s *MemoryStorage) Close() error {
	return nil
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]*Response
	keys    []string
}

func (c *memoryCache) Match(_ context.Context, key string) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, ok := c.entries[key]
	if !ok {
		return nil, models.ErrCacheMiss
	}
	return resp.Clone(), nil
}

func (c *memoryCache) Put(_ context.Context, key string, resp *Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.keys = remove(c.keys, key)
	}
	c.entries[key] = resp.Clone()
	c.keys = append(c.keys, key)
	return nil
}

func (c *memoryCache) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return false, nil
	}
	delete(c.entries, key)
	c.keys = remove(c.keys, key)
	return true, nil
}

func (c *memoryCache) Keys(context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.keys...), nil
}

func remove(list []string, item string) []string {
	out := list[:0]
	for _, v := range list {
		if v != item {
			out = append(out, v)
		}
	}
	return out
}
