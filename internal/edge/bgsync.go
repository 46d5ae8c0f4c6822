package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/TheMichaelB/parksync/internal/events"
	"github.com/TheMichaelB/parksync/internal/models"
)

// SyncTag names the background sync that replays the retry queue.
const SyncTag = "ps-sync-queue"

// syncQueueKey is where the queue lives inside the runtime bucket. Request
// keys always start with "/", so no route can read or overwrite it.
const syncQueueKey = "ps:sync-queue"

// QueuedRequest is a mutation that failed to reach the backend.
type QueuedRequest struct {
	ID        string      `json:"id"`
	Method    string      `json:"method"`
	URL       string      `json:"url"`
	Header    http.Header `json:"headers,omitempty"`
	Body      []byte      `json:"body,omitempty"`
	Attempts  int         `json:"attempts"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Request rebuilds the HTTP request.
func (q QueuedRequest) Request(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, q.Method, q.URL, bytes.NewReader(q.Body))
	if err != nil {
		return nil, err
	}
	req.Header = q.Header.Clone()
	if req.Header == nil {
		req.Header = http.Header{}
	}
	return req, nil
}

// SyncResult summarizes one replay of the retry queue.
type SyncResult struct {
	Replayed int
	Retained int
	Dropped  int
}

// SyncQueue is the edge retry queue. It is kept as one JSON document in the
// runtime bucket so it survives restarts with the rest of the cache.
type SyncQueue struct {
	storage     CacheStorage
	bucket      string
	now         func() time.Time
	maxItems    int
	ttl         time.Duration
	maxAttempts int
	logger      *events.Logger

	mu        sync.Mutex
	replaying bool
}

func newSyncQueue(env *Env, cfg *Config) *SyncQueue {
	return &SyncQueue{
		storage:     env.Storage,
		bucket:      env.Names.For(BucketRuntime),
		now:         env.Now,
		maxItems:    cfg.SyncQueueMax,
		ttl:         cfg.SyncQueueTTL,
		maxAttempts: cfg.SyncMaxAttempts,
		logger:      env.Logger.WithField("component", "edge_sync_queue"),
	}
}

// load reads the queue and prunes entries older than the TTL.
func (q *SyncQueue) load(ctx context.Context) ([]QueuedRequest, error) {
	cache, err := q.storage.Open(ctx, q.bucket)
	if err != nil {
		return nil, err
	}
	resp, err := cache.Match(ctx, syncQueueKey)
	if errors.Is(err, models.ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var items []QueuedRequest
	if err := json.Unmarshal(resp.Body, &items); err != nil {
		q.logger.WithError(err).Warn("Discarding unreadable sync queue")
		return nil, nil
	}

	now := q.now()
	kept := items[:0]
	for _, item := range items {
		if now.Sub(item.CreatedAt) <= q.ttl {
			kept = append(kept, item)
		}
	}
	return kept, nil
}

func (q *SyncQueue) save(ctx context.Context, items []QueuedRequest) error {
	if len(items) > q.maxItems {
		items = items[len(items)-q.maxItems:]
	}
	if items == nil {
		items = []QueuedRequest{}
	}
	body, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode sync queue: %w", err)
	}
	cache, err := q.storage.Open(ctx, q.bucket)
	if err != nil {
		return err
	}
	return cache.Put(ctx, syncQueueKey, &Response{
		URL:    syncQueueKey,
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   body,
	})
}

// Enqueue appends item, evicting the oldest entries past the cap.
func (q *SyncQueue) Enqueue(ctx context.Context, item QueuedRequest) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item.CreatedAt.IsZero() {
		item.CreatedAt = q.now()
	}
	if item.ID == "" {
		item.ID = models.NewQueueID(item.CreatedAt)
	}

	items, err := q.load(ctx)
	if err != nil {
		return "", err
	}
	items = append(items, item)
	if err := q.save(ctx, items); err != nil {
		return "", err
	}

	q.logger.WithFields(map[string]interface{}{
		"id":     item.ID,
		"method": item.Method,
		"url":    item.URL,
	}).Info("Queued request for background sync")
	return item.ID, nil
}

// Items returns the current queue.
func (q *SyncQueue) Items(ctx context.Context) ([]QueuedRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Replay sends every queued request. Successes are dropped; failures are
// retained with one more attempt while under the attempt cap, otherwise
// dropped. Requests queued during the replay are kept.
func (q *SyncQueue) Replay(ctx context.Context, send func(context.Context, QueuedRequest) error) (SyncResult, error) {
	q.mu.Lock()
	if q.replaying {
		q.mu.Unlock()
		return SyncResult{}, models.ErrSyncInProgress
	}
	q.replaying = true
	items, err := q.load(ctx)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.replaying = false
		q.mu.Unlock()
	}()

	if err != nil {
		return SyncResult{}, err
	}

	var result SyncResult
	outcome := make(map[string]*QueuedRequest, len(items))
	for i := range items {
		item := items[i]
		if err := ctx.Err(); err != nil {
			break
		}

		logger := q.logger.WithFields(map[string]interface{}{"id": item.ID, "url": item.URL})
		if err := send(ctx, item); err != nil {
			item.Attempts++
			if item.Attempts < q.maxAttempts {
				result.Retained++
				outcome[item.ID] = &item
				logger.WithError(err).WithField("attempts", item.Attempts).Warn("Background sync replay failed")
			} else {
				result.Dropped++
				outcome[item.ID] = nil
				logger.WithError(err).Error("Background sync replay gave up")
			}
			continue
		}
		result.Replayed++
		outcome[item.ID] = nil
		logger.Debug("Background sync replayed request")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	current, err := q.load(ctx)
	if err != nil {
		return result, err
	}
	merged := make([]QueuedRequest, 0, len(current))
	for _, item := range current {
		updated, seen := outcome[item.ID]
		switch {
		case !seen:
			merged = append(merged, item)
		case updated != nil:
			merged = append(merged, *updated)
		}
	}
	if err := q.save(ctx, merged); err != nil {
		return result, err
	}
	return result, nil
}
