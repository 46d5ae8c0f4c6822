package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/TheMichaelB/parksync/internal/events"
	"github.com/TheMichaelB/parksync/internal/models"
)

// NewTestLogger creates a logger for testing.
func NewTestLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// SampleSpots returns a small spot catalogue.
func SampleSpots() []models.Spot {
	price := 2.5
	spots := []models.Spot{
		{ID: "42", Title: "Central Garage", Latitude: 55.7558, Longitude: 37.6173, PricePerHour: &price, IsCovered: true},
		{ID: "43", Title: "Riverside Lot", Latitude: 55.7490, Longitude: 37.6030, IsFree: true},
		{ID: "44", Title: "Station EV Bay", Latitude: 55.7765, Longitude: 37.6550, HasEVCharging: true, Is247: true},
	}
	for i := 45; i < 75; i++ {
		spots = append(spots, models.Spot{
			ID:        models.ID(fmt.Sprintf("%d", i)),
			Title:     fmt.Sprintf("Street spot %d", i),
			Latitude:  55.70 + float64(i)/1000,
			Longitude: 37.60 + float64(i)/1000,
		})
	}
	return spots
}

// SampleFeatures returns map features for SampleSpots' first entries.
func SampleFeatures() []models.Feature {
	return []models.Feature{
		{
			Type: "Feature",
			ID:   "42",
			Geometry: models.Geometry{
				Type:        "Point",
				Coordinates: json.RawMessage(`[37.6173,55.7558]`),
			},
			Properties: map[string]interface{}{"title": "Central Garage"},
		},
		{
			Type: "Feature",
			ID:   "43",
			Geometry: models.Geometry{
				Type:        "Point",
				Coordinates: json.RawMessage(`[37.6030,55.7490]`),
			},
			Properties: map[string]interface{}{"title": "Riverside Lot"},
		},
	}
}

// FavoriteItem returns a queued favorite toggle.
func FavoriteItem(id string, spotID models.ID, favorite bool, createdAt time.Time) models.QueueItem {
	return models.QueueItem{
		ID:        id,
		Action:    models.FavoriteToggle{SpotID: spotID, Favorite: favorite},
		Status:    models.QueuePending,
		CreatedAt: createdAt,
	}
}

// SavedPlaceItem returns a queued saved place creation.
func SavedPlaceItem(id, title string, createdAt time.Time) models.QueueItem {
	return models.QueueItem{
		ID: id,
		Action: models.SavedPlaceCreate{Place: models.Place{
			Title:     title,
			PlaceType: "custom",
			Latitude:  55.75,
			Longitude: 37.61,
		}},
		Status:    models.QueuePending,
		CreatedAt: createdAt,
	}
}
