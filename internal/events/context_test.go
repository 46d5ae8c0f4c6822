package events_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/parksync/internal/events"
)

func TestFromContext(t *testing.T) {
	logger := events.FromContext(context.Background())
	assert.NotNil(t, logger)
}

func TestWithLogger(t *testing.T) {
	logger := events.Discard()

	ctx := events.WithLogger(context.Background(), logger)

	assert.Same(t, logger, events.FromContext(ctx))
}

func TestWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	ctx := events.WithLogger(context.Background(), events.NewTestLogger(events.InfoLevel, "json", &buf))

	ctx = events.WithRequestID(ctx, "req-123")

	assert.Equal(t, "req-123", events.GetRequestID(ctx))
	events.FromContext(ctx).Info("handled")
	assert.Contains(t, buf.String(), `"request_id":"req-123"`)
}

func TestWithQueueItemID(t *testing.T) {
	var buf bytes.Buffer
	ctx := events.WithLogger(context.Background(), events.NewTestLogger(events.InfoLevel, "json", &buf))

	ctx = events.WithQueueItemID(ctx, "1700000000000-ab12cd34")

	assert.Equal(t, "1700000000000-ab12cd34", events.GetQueueItemID(ctx))
	events.FromContext(ctx).Info("replayed")
	assert.Contains(t, buf.String(), `"queue_item":"1700000000000-ab12cd34"`)
}

func TestContextGettersEmpty(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, events.GetRequestID(ctx))
	assert.Empty(t, events.GetQueueItemID(ctx))
}
