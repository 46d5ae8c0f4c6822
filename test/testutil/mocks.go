package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/TheMichaelB/parksync/internal/models"
)

// MockReplayer mocks the remote side of queue replay.
type MockReplayer struct {
	mock.Mock
}

// NewMockReplayer creates a replayer mock.
func NewMockReplayer() *MockReplayer {
	return &MockReplayer{}
}

// ApplyFavorite records the call and returns the configured error.
func (m *MockReplayer) ApplyFavorite(ctx context.Context, action models.FavoriteToggle) error {
	args := m.Called(ctx, action)
	return args.Error(0)
}

// ReplaySavedPlace records the call and returns the configured error.
func (m *MockReplayer) ReplaySavedPlace(ctx context.Context, action models.SavedPlaceCreate) error {
	args := m.Called(ctx, action)
	return args.Error(0)
}

// TestingT is the subset of testing.T used by AssertMockExpectations.
type TestingT interface {
	mock.TestingT
	Helper()
}

// AssertMockExpectations asserts expectations on every mock.
func AssertMockExpectations(t TestingT, mocks ...interface{}) {
	t.Helper()
	for _, m := range mocks {
		if mm, ok := m.(interface {
			AssertExpectations(mock.TestingT) bool
		}); ok {
			mm.AssertExpectations(t)
		}
	}
}
