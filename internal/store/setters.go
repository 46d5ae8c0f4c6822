package store

import (
	"github.com/TheMichaelB/parksync/internal/models"
)

// SetSpots replaces the displayed result set.
func (s *Store) SetSpots(spots []models.Spot) {
	s.update(func(st *models.ClientState) {
		st.Spots = append([]models.Spot{}, spots...)
	})
}

// AppendSpots concatenates a further page onto the result set.
func (s *Store) AppendSpots(spots []models.Spot) {
	s.update(func(st *models.ClientState) {
		st.Spots = append(st.Spots, spots...)
	})
}

// SetFavorites replaces the favorites set, dropping duplicates.
func (s *Store) SetFavorites(ids []models.ID) {
	s.update(func(st *models.ClientState) {
		seen := make(map[models.ID]bool, len(ids))
		out := make([]models.ID, 0, len(ids))
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
		st.Favorites = out
	})
}

// ToggleFavorite adds id if absent and removes it otherwise. It reports
// the resulting membership.
func (s *Store) ToggleFavorite(id models.ID) bool {
	var member bool
	s.update(func(st *models.ClientState) {
		if st.HasFavorite(id) {
			out := st.Favorites[:0:0]
			for _, f := range st.Favorites {
				if f != id {
					out = append(out, f)
				}
			}
			st.Favorites = out
			member = false
			return
		}
		st.Favorites = append(st.Favorites, id)
		member = true
	})
	return member
}

// SetSavedPlaces replaces the saved places.
func (s *Store) SetSavedPlaces(places []models.Place) {
	s.update(func(st *models.ClientState) {
		st.SavedPlaces = append([]models.Place{}, places...)
	})
}

// AddSavedPlace appends one saved place.
func (s *Store) AddSavedPlace(place models.Place) {
	s.update(func(st *models.ClientState) {
		st.SavedPlaces = append(st.SavedPlaces, place)
	})
}

// UpdateFilters merges patch into the filters.
func (s *Store) UpdateFilters(patch models.FiltersPatch) {
	s.update(func(st *models.ClientState) {
		f := &st.Filters
		if patch.ClearPriceMax {
			f.PriceMax = nil
		}
		if patch.PriceMax != nil {
			v := *patch.PriceMax
			f.PriceMax = &v
		}
		if patch.OnlyFree != nil {
			f.OnlyFree = *patch.OnlyFree
		}
		if patch.EV != nil {
			f.EV = *patch.EV
		}
		if patch.Covered != nil {
			f.Covered = *patch.Covered
		}
		if patch.Is247 != nil {
			f.Is247 = *patch.Is247
		}
		if patch.AIRecommended != nil {
			f.AIRecommended = *patch.AIRecommended
		}
		if patch.DistanceKM != nil {
			f.DistanceKM = *patch.DistanceKM
		}
	})
}

// UpdatePagination merges patch into the pagination metadata.
func (s *Store) UpdatePagination(patch models.PaginationPatch) {
	s.update(func(st *models.ClientState) {
		p := &st.Pagination
		if patch.Links != nil {
			p.Next = patch.Links.Next
			p.Previous = patch.Links.Previous
		}
		if patch.Count != nil {
			p.Count = *patch.Count
		}
		if patch.PageSize != nil {
			p.PageSize = *patch.PageSize
		}
	})
}

// SetMapView merges patch into the map view.
func (s *Store) SetMapView(patch models.MapViewPatch) {
	s.update(func(st *models.ClientState) {
		if patch.Center != nil {
			c := *patch.Center
			st.MapView.Center = &c
		}
		if patch.Zoom != nil {
			st.MapView.Zoom = *patch.Zoom
		}
		if patch.Features != nil {
			st.MapView.Features = append([]models.Feature{}, patch.Features...)
		}
	})
}

// SetMapFeatures replaces the fetched map features.
func (s *Store) SetMapFeatures(features []models.Feature) {
	s.update(func(st *models.ClientState) {
		st.MapView.Features = append([]models.Feature{}, features...)
	})
}

// SetProfile merges non-empty fields of patch into the profile.
func (s *Store) SetProfile(patch models.ProfilePatch) {
	s.update(func(st *models.ClientState) {
		p := &st.Profile
		if patch.ID != "" {
			p.ID = patch.ID
		}
		if patch.Role != "" {
			p.Role = patch.Role
		}
		if patch.LayoutProfile != "" {
			p.LayoutProfile = patch.LayoutProfile
		}
		if patch.Theme != "" {
			p.Theme = patch.Theme
		}
		if patch.Platform != "" {
			p.Platform = patch.Platform
		}
	})
}

// SetThemeConfig applies the presentation settings from the concierge
// config endpoint, keeping current values for missing ones.
func (s *Store) SetThemeConfig(cfg models.ThemeConfig) {
	s.SetProfile(models.ProfilePatch{
		LayoutProfile: cfg.LayoutProfile,
		Theme:         cfg.Theme,
		Platform:      cfg.Platform,
	})
}

// SetPushOptIn records the push notification preference.
func (s *Store) SetPushOptIn(optIn bool) {
	s.update(func(st *models.ClientState) {
		st.PushOptIn = optIn
	})
}

// SetConnectionStatus records connectivity. Subscribers are only notified
// when the flag changes.
func (s *Store) SetConnectionStatus(online bool) {
	s.mu.Lock()
	unchanged := s.state.IsOnline == online
	s.mu.Unlock()
	if unchanged {
		return
	}

	s.update(func(st *models.ClientState) {
		st.IsOnline = online
	})
}

// SetLastKnownPosition records the device position.
func (s *Store) SetLastKnownPosition(pos models.LatLng) {
	s.update(func(st *models.ClientState) {
		st.LastKnownPosition = &pos
	})
}

// IsOnline reports the connectivity flag.
func (s *Store) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IsOnline
}
