package sync

import (
	"context"
	"errors"
	"time"

	"github.com/TheMichaelB/parksync/internal/models"
)

// OnOnline records regained connectivity and runs a pass.
func (c *Coordinator) OnOnline(ctx context.Context) (Report, error) {
	c.store.SetConnectionStatus(true)
	return c.SyncOfflineQueue(ctx)
}

// Run drains the queue once, then triggers a pass whenever the store goes
// from offline to online and, when an interval is configured, periodically.
// It blocks until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	trigger := make(chan struct{}, 1)

	wasOnline := c.store.State().IsOnline
	unsubscribe := c.store.Subscribe(func(st models.ClientState) {
		online := st.IsOnline
		cameOnline := online && !wasOnline
		wasOnline = online
		if !cameOnline {
			return
		}
		// Listeners may not mutate the store, so the pass runs in the loop.
		select {
		case trigger <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	var tick <-chan time.Time
	if c.interval > 0 {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	c.logger.WithField("interval", c.interval.String()).Info("Sync coordinator running")
	c.runPass(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Sync coordinator stopped")
			return ctx.Err()
		case <-trigger:
			c.runPass(ctx, "online")
		case <-tick:
			c.runPass(ctx, "interval")
		}
	}
}

func (c *Coordinator) runPass(ctx context.Context, reason string) {
	_, err := c.SyncOfflineQueue(ctx)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrSyncInProgress):
		c.logger.WithField("trigger", reason).Debug("Sync already running, skipping")
	case errors.Is(err, context.Canceled):
	default:
		c.logger.WithError(err).WithField("trigger", reason).Warn("Sync pass aborted")
	}
}
