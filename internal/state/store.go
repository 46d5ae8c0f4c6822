package state

import (
	"errors"
	"fmt"
	"strings"
)

// Store is a string-keyed persistent storage backend. It plays the role of
// browser local storage: values are JSON documents and keys are namespaced
// by the caller.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(key string, value []byte) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(key string) error

	// Keys lists stored keys with the given prefix, sorted.
	Keys(prefix string) ([]string, error)

	// Close releases resources.
	Close() error
}

// Errors
var (
	ErrNotFound      = errors.New("key not found")
	ErrStateCorrupt  = errors.New("stored value is corrupt")
	ErrInvalidValue  = errors.New("value is not valid JSON")
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// Well-known keys.
const (
	StateKey    = "ps.pwa.state.v2"
	CachePrefix = "ps.pwa.cache."
)

// CacheKey returns the namespaced key for a dataset mirror.
func CacheKey(name string) string {
	return CachePrefix + name
}

// CurrentSchemaVersion for migrations.
const CurrentSchemaVersion = 1

// Migrate copies every key with prefix from src to dst.
func Migrate(src, dst Store, prefix string) (int, error) {
	keys, err := src.Keys(prefix)
	if err != nil {
		return 0, fmt.Errorf("list keys: %w", err)
	}

	copied := 0
	for _, key := range keys {
		value, err := src.Get(key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return copied, fmt.Errorf("load %s: %w", key, err)
		}
		if err := dst.Set(key, value); err != nil {
			return copied, fmt.Errorf("save %s: %w", key, err)
		}
		copied++
	}

	return copied, nil
}

func hasPrefix(key, prefix string) bool {
	return prefix == "" || strings.HasPrefix(key, prefix)
}
