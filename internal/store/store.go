// Package store holds the client state tree, its persistence and the
// offline action queue.
package store

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/TheMichaelB/parksync/internal/events"
	"github.com/TheMichaelB/parksync/internal/metrics"
	"github.com/TheMichaelB/parksync/internal/models"
	"github.com/TheMichaelB/parksync/internal/state"
)

// Config bounds the offline queue and injects collaborators.
type Config struct {
	MaxQueueItems int
	QueueTTL      time.Duration

	// Now is the clock used for queue timestamps and TTL checks.
	Now func() time.Time
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// DefaultConfig returns the standard queue bounds.
func DefaultConfig() *Config {
	return &Config{
		MaxQueueItems: 50,
		QueueTTL:      24 * time.Hour,
		Now:           time.Now,
	}
}

// Listener receives a state snapshot.
type Listener func(models.ClientState)

type subscriber struct {
	id uint64
	fn Listener
}

// Store is the single mutable client state tree. All writes go through
// update, which persists the tree and then notifies subscribers in
// subscription order. Listeners must not mutate the store synchronously.
type Store struct {
	kv      state.Store
	logger  *events.Logger
	metrics *metrics.Metrics

	maxQueue int
	queueTTL time.Duration
	now      func() time.Time

	mu     sync.Mutex
	state  models.ClientState
	nextID uint64
	subs   []subscriber

	// notifyMu is taken before mu is released so notifications are
	// delivered in mutation order.
	notifyMu sync.Mutex
}

// New creates a store hydrated from kv.
func New(kv state.Store, cfg *Config, logger *events.Logger) *Store {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{
		kv:       kv,
		logger:   logger.WithField("component", "client_store"),
		metrics:  cfg.Metrics,
		maxQueue: cfg.MaxQueueItems,
		queueTTL: cfg.QueueTTL,
		now:      now,
	}
	s.state = s.load()
	s.metrics.SetQueueLength(len(s.state.OfflineQueue))

	return s
}

// persistedState shadows the queue so items can be decoded one by one.
type persistedState struct {
	models.ClientState
	OfflineQueue []json.RawMessage `json:"offlineQueue"`
}

// load merges the persisted tree over the defaults. Nested objects merge
// key by key since decoding only touches fields present in the blob.
func (s *Store) load() models.ClientState {
	defaults := models.DefaultClientState()

	raw, err := s.kv.Get(state.StateKey)
	if errors.Is(err, state.ErrNotFound) {
		return defaults
	}
	if err != nil {
		s.logger.WithError(err).Warn("Failed to load state")
		return defaults
	}

	persisted := persistedState{ClientState: defaults}
	if err := json.Unmarshal(raw, &persisted); err != nil {
		s.logger.WithError(err).Warn("Failed to decode state, using defaults")
		return models.DefaultClientState()
	}

	loaded := persisted.ClientState
	loaded.OfflineQueue = make([]models.QueueItem, 0, len(persisted.OfflineQueue))
	for _, rawItem := range persisted.OfflineQueue {
		var item models.QueueItem
		if err := json.Unmarshal(rawItem, &item); err != nil {
			s.logger.WithError(err).Warn("Dropping unreadable queue item")
			continue
		}
		loaded.OfflineQueue = append(loaded.OfflineQueue, item)
	}
	loaded.OfflineQueue = models.PruneExpired(loaded.OfflineQueue, s.now(), s.queueTTL)

	normalize(&loaded)
	return loaded
}

// normalize replaces null collections so the tree always encodes as arrays.
func normalize(st *models.ClientState) {
	if st.MapView.Features == nil {
		st.MapView.Features = []models.Feature{}
	}
	if st.Spots == nil {
		st.Spots = []models.Spot{}
	}
	if st.Favorites == nil {
		st.Favorites = []models.ID{}
	}
	if st.SavedPlaces == nil {
		st.SavedPlaces = []models.Place{}
	}
	if st.OfflineQueue == nil {
		st.OfflineQueue = []models.QueueItem{}
	}
}

// State returns a snapshot of the current tree.
func (s *Store) State() models.ClientState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Subscribe registers fn and calls it once with the current state. The
// returned function removes the subscription.
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	snapshot := s.state.Clone()
	s.notifyMu.Lock()
	s.mu.Unlock()

	fn(snapshot)
	s.notifyMu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// update is the single mutation path.
func (s *Store) update(mutate func(*models.ClientState)) {
	s.mu.Lock()
	mutate(&s.state)
	normalize(&s.state)
	s.persist()

	snapshot := s.state.Clone()
	subs := make([]subscriber, len(s.subs))
	copy(subs, s.subs)

	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	s.metrics.SetQueueLength(len(snapshot.OfflineQueue))

	for _, sub := range subs {
		sub.fn(snapshot.Clone())
	}
}

// persist writes the tree. Failures are logged and never block a mutation.
func (s *Store) persist() {
	data, err := json.Marshal(s.state)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to encode state")
		return
	}
	if err := s.kv.Set(state.StateKey, data); err != nil {
		s.logger.WithError(err).Warn("Failed to persist state")
	}
}

// Reset restores the defaults and persists them.
func (s *Store) Reset() {
	s.update(func(st *models.ClientState) {
		*st = models.DefaultClientState()
	})
}
