package store

import (
	"github.com/TheMichaelB/parksync/internal/models"
)

// QueueAction appends item to the offline queue and returns its id. ID,
// CreatedAt and Status are filled in when empty. Expired items are pruned
// and the oldest are evicted once the queue is over capacity.
func (s *Store) QueueAction(item models.QueueItem) string {
	now := s.now()
	if item.ID == "" {
		item.ID = models.NewQueueID(now)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.Status == "" {
		item.Status = models.QueuePending
	}

	s.update(func(st *models.ClientState) {
		queue := models.PruneExpired(st.OfflineQueue, now, s.queueTTL)
		queue = append(queue, item)
		st.OfflineQueue = models.EvictOverCap(queue, s.maxQueue)
	})

	s.logger.WithFields(map[string]interface{}{
		"queue_item": item.ID,
		"type":       string(item.Type()),
	}).Debug("Queued offline action")

	return item.ID
}

// Enqueue queues action with generated metadata.
func (s *Store) Enqueue(action models.Action) string {
	return s.QueueAction(models.QueueItem{Action: action})
}

// MarkQueueItem merges patch into the item with id. Unknown ids are ignored.
func (s *Store) MarkQueueItem(id string, patch models.QueuePatch) {
	s.mu.Lock()
	found := false
	for _, item := range s.state.OfflineQueue {
		if item.ID == id {
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return
	}

	s.update(func(st *models.ClientState) {
		for i := range st.OfflineQueue {
			if st.OfflineQueue[i].ID == id {
				patch.Apply(&st.OfflineQueue[i])
				return
			}
		}
	})
}

// FlushQueue drops expired items, then removes every item matching
// predicate. It returns how many items were removed by the predicate.
func (s *Store) FlushQueue(predicate func(models.QueueItem) bool) int {
	removed := 0
	now := s.now()
	s.update(func(st *models.ClientState) {
		queue := models.PruneExpired(st.OfflineQueue, now, s.queueTTL)
		kept := make([]models.QueueItem, 0, len(queue))
		for _, item := range queue {
			if predicate != nil && predicate(item) {
				removed++
				continue
			}
			kept = append(kept, item)
		}
		st.OfflineQueue = kept
	})
	return removed
}

// PendingItems returns the pending items, oldest first.
func (s *Store) PendingItems() []models.QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []models.QueueItem
	for _, item := range s.state.OfflineQueue {
		if item.Status == models.QueuePending {
			pending = append(pending, item)
		}
	}
	return pending
}

// QueueItem returns the item with id.
func (s *Store) QueueItem(id string) (models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range s.state.OfflineQueue {
		if item.ID == id {
			return item, nil
		}
	}
	return models.QueueItem{}, models.ErrQueueItemNotFound
}

// StatusIn returns a flush predicate matching any of statuses.
func StatusIn(statuses ...models.QueueStatus) func(models.QueueItem) bool {
	return func(item models.QueueItem) bool {
		for _, st := range statuses {
			if item.Status == st {
				return true
			}
		}
		return false
	}
}
