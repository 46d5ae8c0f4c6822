// Package sync drains the offline action queue against the backend.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TheMichaelB/parksync/internal/events"
	"github.com/TheMichaelB/parksync/internal/metrics"
	"github.com/TheMichaelB/parksync/internal/models"
	"github.com/TheMichaelB/parksync/internal/store"
)

// Replayer performs queued actions against the backend without queueing
// them again.
type Replayer interface {
	ApplyFavorite(ctx context.Context, action models.FavoriteToggle) error
	ReplaySavedPlace(ctx context.Context, action models.SavedPlaceCreate) error
}

// Config contains coordinator configuration.
type Config struct {
	// MaxAttempts is the replay count after which an item is failed.
	MaxAttempts int
	// Interval drives the periodic pass in Run; zero disables it.
	Interval time.Duration
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// DefaultConfig returns the standard retry cap and interval.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		Interval:    time.Minute,
	}
}

// ItemResult is the outcome of replaying one queue item.
type ItemResult struct {
	ID       string
	Type     models.ActionType
	Status   models.QueueStatus
	Attempts int
	Err      error
}

// Report summarizes one pass.
type Report struct {
	StartTime time.Time
	Duration  time.Duration
	Items     []ItemResult
	Synced    int
	Retrying  int
	Failed    int
	Flushed   int
}

// Errors returns the replay errors of the pass.
func (r Report) Errors() []error {
	var errs []error
	for _, item := range r.Items {
		if item.Err != nil {
			errs = append(errs, item.Err)
		}
	}
	return errs
}

// Event represents a sync event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Item      *ItemResult
	Report    *Report
	Error     error
}

// EventType defines sync event types.
type EventType string

const (
	EventStarted    EventType = "started"
	EventItemSynced EventType = "item_synced"
	EventItemRetry  EventType = "item_retry"
	EventItemFailed EventType = "item_failed"
	EventCompleted  EventType = "completed"
	EventAborted    EventType = "aborted"
)

// Coordinator replays pending queue items oldest first. Passes never
// overlap; a pass started while another runs returns ErrSyncInProgress.
type Coordinator struct {
	store    *store.Store
	replayer Replayer
	logger   *events.Logger
	metrics  *metrics.Metrics

	maxAttempts int
	interval    time.Duration

	events chan Event

	mu       sync.Mutex
	syncing  bool
	cancelFn context.CancelFunc
	last     *Report
}

// NewCoordinator creates a coordinator.
func NewCoordinator(st *store.Store, replayer Replayer, config *Config, logger *events.Logger) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	maxAttempts := config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	return &Coordinator{
		store:       st,
		replayer:    replayer,
		logger:      logger.WithField("component", "sync_coordinator"),
		metrics:     config.Metrics,
		maxAttempts: maxAttempts,
		interval:    config.Interval,
		events:      make(chan Event, 100),
	}
}

// Events returns the event channel. Events are dropped when it is full.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// LastReport returns the report of the last finished pass.
func (c *Coordinator) LastReport() *Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// SyncOfflineQueue runs one pass. It is a no-op when the queue is empty or
// the client is offline. Each pending item is replayed once: success marks
// it synced, failure counts an attempt and fails it at the retry cap.
// Synced and failed items are flushed at the end of the pass.
func (c *Coordinator) SyncOfflineQueue(ctx context.Context) (Report, error) {
	c.mu.Lock()
	if c.syncing {
		c.mu.Unlock()
		return Report{}, models.ErrSyncInProgress
	}
	c.syncing = true
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFn = cancel
	c.mu.Unlock()

	report := Report{StartTime: time.Now()}

	defer func() {
		cancel()
		report.Duration = time.Since(report.StartTime)
		c.mu.Lock()
		c.syncing = false
		c.cancelFn = nil
		c.last = &report
		c.mu.Unlock()
	}()

	current := c.store.State()
	if len(current.OfflineQueue) == 0 || !current.IsOnline {
		return report, nil
	}

	pending := c.store.PendingItems()

	c.logger.WithFields(map[string]interface{}{
		"queued":  len(current.OfflineQueue),
		"pending": len(pending),
	}).Info("Starting offline queue sync")

	c.emitEvent(Event{Type: EventStarted, Timestamp: time.Now()})

	for _, item := range pending {
		if err := ctx.Err(); err != nil {
			c.emitEvent(Event{Type: EventAborted, Timestamp: time.Now(), Error: err, Report: &report})
			return report, err
		}

		result, err := c.replayItem(ctx, item)
		if err != nil {
			c.logger.WithField("queue_item", item.ID).Info("Sync pass cancelled, item left untouched")
			c.emitEvent(Event{Type: EventAborted, Timestamp: time.Now(), Error: err, Report: &report})
			return report, err
		}
		report.Items = append(report.Items, result)

		switch result.Status {
		case models.QueueSynced:
			report.Synced++
		case models.QueueFailed:
			report.Failed++
		default:
			report.Retrying++
		}
	}

	report.Flushed = c.store.FlushQueue(store.StatusIn(models.QueueSynced, models.QueueFailed))

	c.emitEvent(Event{Type: EventCompleted, Timestamp: time.Now(), Report: &report})

	c.logger.WithFields(map[string]interface{}{
		"synced":   report.Synced,
		"retrying": report.Retrying,
		"failed":   report.Failed,
		"flushed":  report.Flushed,
	}).Info("Offline queue sync completed")

	return report, nil
}

// replayItem replays item and records the outcome on the queue. When the
// pass is cancelled mid-call the item is not touched and ctx's error is
// returned.
func (c *Coordinator) replayItem(ctx context.Context, item models.QueueItem) (ItemResult, error) {
	logger := c.logger.WithFields(map[string]interface{}{
		"queue_item": item.ID,
		"type":       string(item.Type()),
	})
	ctx = events.WithQueueItemID(events.WithLogger(ctx, logger), item.ID)

	result := ItemResult{ID: item.ID, Type: item.Type(), Attempts: item.Attempts}

	err := c.replay(ctx, item)
	if err == nil {
		status := models.QueueSynced
		c.store.MarkQueueItem(item.ID, models.QueuePatch{Status: &status})
		c.metrics.Replay(string(item.Type()), string(status))

		result.Status = status
		logger.Debug("Replayed queued action")
		c.emitEvent(Event{Type: EventItemSynced, Timestamp: time.Now(), Item: &result})
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}

	attempts := item.Attempts + 1
	patch := models.QueuePatch{Attempts: &attempts}
	status := models.QueuePending
	if attempts >= c.maxAttempts {
		status = models.QueueFailed
		patch.Status = &status
	}
	c.store.MarkQueueItem(item.ID, patch)
	c.metrics.Replay(string(item.Type()), string(status))

	result.Status = status
	result.Attempts = attempts
	result.Err = &models.ReplayError{ItemID: item.ID, Type: item.Type(), Attempts: attempts, Err: err}

	eventType := EventItemRetry
	if status == models.QueueFailed {
		eventType = EventItemFailed
		logger.WithError(err).WithField("attempts", attempts).Error("Queued action failed permanently")
	} else {
		logger.WithError(err).WithField("attempts", attempts).Warn("Queued action replay failed")
	}
	c.emitEvent(Event{Type: eventType, Timestamp: time.Now(), Item: &result, Error: result.Err})

	return result, nil
}

// replay dispatches on the action type.
func (c *Coordinator) replay(ctx context.Context, item models.QueueItem) error {
	switch action := item.Action.(type) {
	case models.FavoriteToggle:
		return c.replayer.ApplyFavorite(ctx, action)
	case models.SavedPlaceCreate:
		return c.replayer.ReplaySavedPlace(ctx, action)
	case nil:
		return errors.New("queue item has no action")
	default:
		return fmt.Errorf("%w: %s", models.ErrUnknownAction, item.Type())
	}
}

// Cancel stops an ongoing pass. Items replayed so far keep their status.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancelFn != nil {
		c.logger.Info("Cancelling sync")
		c.cancelFn()
	}
}

func (c *Coordinator) emitEvent(event Event) {
	select {
	case c.events <- event:
	default:
		// Channel full, drop event
		c.logger.Debug("Event channel full, dropping event")
	}
}
