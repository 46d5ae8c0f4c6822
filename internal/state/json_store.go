package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/parksync/internal/events"
)

// JSONStore implements file-based storage, one file per key.
type JSONStore struct {
	baseDir string
	logger  *events.Logger

	mu sync.RWMutex
}

// record wraps a stored value with store metadata.
type record struct {
	Key           string          `json:"key"`
	Value         json.RawMessage `json:"value"`
	SchemaVersion int             `json:"schema_version"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Checksum      string          `json:"checksum,omitempty"`
}

func (r record) checksum() (string, error) {
	r.Checksum = ""
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// NewJSONStore creates a JSON file store rooted at baseDir.
func NewJSONStore(baseDir string, logger *events.Logger) (*JSONStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	return &JSONStore{
		baseDir: baseDir,
		logger:  logger.WithField("component", "json_state_store"),
	}, nil
}

// Get reads the value for key, falling back to the backup on corruption.
func (s *JSONStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := s.keyPath(key)

	s.logger.WithFields(map[string]interface{}{
		"key":  key,
		"path": path,
	}).Debug("Loading value")

	rec, err := s.readRecord(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("Stored value unreadable, trying backup")
		backup, berr := s.readRecord(path + ".backup")
		if berr != nil {
			return nil, ErrStateCorrupt
		}
		s.logger.WithField("key", key).Warn("Loaded value from backup due to corruption")
		return backup.Value, nil
	}

	if rec.SchemaVersion != CurrentSchemaVersion {
		s.logger.WithField("version", rec.SchemaVersion).Warn("Stored schema version mismatch")
	}

	return rec.Value, nil
}

// Set writes value for key atomically, keeping the previous file as backup.
func (s *JSONStore) Set(key string, value []byte) error {
	if !json.Valid(value) {
		return ErrInvalidValue
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.keyPath(key)

	rec := record{
		Key:           key,
		Value:         json.RawMessage(value),
		SchemaVersion: CurrentSchemaVersion,
		UpdatedAt:     time.Now().UTC(),
	}
	sum, err := rec.checksum()
	if err != nil {
		return fmt.Errorf("checksum %s: %w", key, err)
	}
	rec.Checksum = sum

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".backup"); err != nil {
			s.logger.WithError(err).Warn("Failed to create backup")
		}
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if file, err := os.Open(tmpPath); err == nil {
		_ = file.Sync()
		file.Close()
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename state file: %w", err)
	}

	return nil
}

// Remove deletes key and its backup.
func (s *JSONStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.WithField("key", key).Debug("Removing value")

	path := s.keyPath(key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	_ = os.Remove(path + ".backup")

	return nil
}

// Keys lists stored keys with prefix.
func (s *JSONStore) Keys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read state directory: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		if hasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	return keys, nil
}

// Close releases resources.
func (s *JSONStore) Close() error {
	return nil
}

func (s *JSONStore) keyPath(key string) string {
	return filepath.Join(s.baseDir, url.PathEscape(key)+".json")
}

func (s *JSONStore) readRecord(path string) (*record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}

	if rec.Checksum != "" {
		sum, err := rec.checksum()
		if err != nil {
			return nil, err
		}
		if sum != rec.Checksum {
			s.logger.WithFields(map[string]interface{}{
				"expected": rec.Checksum,
				"actual":   sum,
			}).Error("State checksum mismatch")
			return nil, ErrStateCorrupt
		}
	}

	return &rec, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
