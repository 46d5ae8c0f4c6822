package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/parksync/internal/models"
	"github.com/TheMichaelB/parksync/internal/state"
)

func TestToggleFavorite(t *testing.T) {
	s := newStore(t, state.NewMockStore(), newFakeClock())

	assert.True(t, s.ToggleFavorite("42"))
	assert.True(t, s.ToggleFavorite("7"))
	assert.Equal(t, []models.ID{"42", "7"}, s.State().Favorites)

	assert.False(t, s.ToggleFavorite("42"))
	assert.Equal(t, []models.ID{"7"}, s.State().Favorites)
}

func TestSetFavoritesDeduplicates(t *testing.T) {
	s := newStore(t, state.NewMockStore(), newFakeClock())
	s.SetFavorites([]models.ID{"1", "2", "1"})

	assert.Equal(t, []models.ID{"1", "2"}, s.State().Favorites)
}

func TestUpdateFilters(t *testing.T) {
	s := newStore(t, state.NewMockStore(), newFakeClock())
	price := 4.0
	on := true
	dist := 10.0

	s.UpdateFilters(models.FiltersPatch{PriceMax: &price, EV: &on})
	s.UpdateFilters(models.FiltersPatch{DistanceKM: &dist})

	f := s.State().Filters
	assert.Equal(t, 4.0, *f.PriceMax)
	assert.True(t, f.EV)
	assert.Equal(t, 10.0, f.DistanceKM)

	s.UpdateFilters(models.FiltersPatch{ClearPriceMax: true})
	assert.Nil(t, s.State().Filters.PriceMax)
	assert.True(t, s.State().Filters.EV)
}

func TestUpdatePagination(t *testing.T) {
	s := newStore(t, state.NewMockStore(), newFakeClock())
	next := "http://x/api/parking/spots/?page=2"
	count := 120

	s.UpdatePagination(models.PaginationPatch{Links: &models.PageLinks{Next: &next}, Count: &count})

	p := s.State().Pagination
	assert.Equal(t, next, *p.Next)
	assert.Nil(t, p.Previous)
	assert.Equal(t, 120, p.Count)
	assert.Equal(t, 20, p.PageSize)
}

func TestMapView(t *testing.T) {
	s := newStore(t, state.NewMockStore(), newFakeClock())
	zoom := 15

	s.SetMapView(models.MapViewPatch{Center: &models.LatLng{Lat: 55.75, Lng: 37.61}, Zoom: &zoom})
	s.SetMapFeatures([]models.Feature{{Type: "Feature", ID: "1"}})

	mv := s.State().MapView
	assert.Equal(t, 55.75, mv.Center.Lat)
	assert.Equal(t, 15, mv.Zoom)
	assert.Len(t, mv.Features, 1)
}

func TestProfileAndTheme(t *testing.T) {
	s := newStore(t, state.NewMockStore(), newFakeClock())

	s.SetProfile(models.ProfilePatch{ID: "9", Role: "driver"})
	s.SetThemeConfig(models.ThemeConfig{Theme: "dark"})

	p := s.State().Profile
	assert.Equal(t, models.ID("9"), p.ID)
	assert.Equal(t, "driver", p.Role)
	assert.Equal(t, "dark", p.Theme)
	assert.Equal(t, "comfortable", p.LayoutProfile)
	assert.Equal(t, "web", p.Platform)
}

func TestSetConnectionStatusNotifiesOnChange(t *testing.T) {
	s := newStore(t, state.NewMockStore(), newFakeClock())

	calls := 0
	s.Subscribe(func(models.ClientState) { calls++ })

	s.SetConnectionStatus(true)
	assert.Equal(t, 1, calls)

	s.SetConnectionStatus(false)
	assert.Equal(t, 2, calls)
	assert.False(t, s.IsOnline())
}

func TestSavedPlacesAndPosition(t *testing.T) {
	s := newStore(t, state.NewMockStore(), newFakeClock())

	s.SetSavedPlaces([]models.Place{{ID: "1", Title: "Work"}})
	s.AddSavedPlace(models.Place{ID: "local-1", Title: "Home"})
	s.SetLastKnownPosition(models.LatLng{Lat: 1, Lng: 2})

	st := s.State()
	assert.Len(t, st.SavedPlaces, 2)
	assert.Equal(t, 2.0, st.LastKnownPosition.Lng)
}
