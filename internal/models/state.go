package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// AppVersion is the client build the state layout belongs to.
const AppVersion = "2024.09.0"

// ID accepts both numeric and string identifiers from the backend. Local
// provisional records use string IDs such as "local-1700000000000".
type ID string

// UnmarshalJSON decodes a JSON number or string.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON emits numeric IDs as numbers so the backend sees its own shape.
func (id ID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// Spot is a parking spot in the current result set.
type Spot struct {
	ID            ID       `json:"id"`
	Title         string   `json:"title"`
	Address       string   `json:"address,omitempty"`
	Latitude      float64  `json:"latitude"`
	Longitude     float64  `json:"longitude"`
	PricePerHour  *float64 `json:"price_per_hour,omitempty"`
	IsFree        bool     `json:"is_free,omitempty"`
	HasEVCharging bool     `json:"has_ev_charging,omitempty"`
	IsCovered     bool     `json:"is_covered,omitempty"`
	Is247         bool     `json:"is_24_7,omitempty"`
}

// Place is a user saved place.
type Place struct {
	ID        ID      `json:"id,omitempty"`
	Title     string  `json:"title"`
	PlaceType string  `json:"place_type"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// MapView is the last known viewport and the features fetched for it.
type MapView struct {
	Center   *LatLng   `json:"center"`
	Zoom     int       `json:"zoom"`
	Features []Feature `json:"features"`
}

// MapViewPatch updates the viewport; nil fields are left unchanged.
type MapViewPatch struct {
	Center   *LatLng
	Zoom     *int
	Features []Feature
}

// Filters are the user-selected search filters.
type Filters struct {
	PriceMax      *float64 `json:"priceMax"`
	OnlyFree      bool     `json:"onlyFree"`
	EV            bool     `json:"ev"`
	Covered       bool     `json:"covered"`
	Is247         bool     `json:"is_24_7"`
	AIRecommended bool     `json:"ai_recommended"`
	DistanceKM    float64  `json:"distance_km"`
}

// FiltersPatch is a shallow merge onto Filters; nil fields are left unchanged.
type FiltersPatch struct {
	PriceMax      *float64
	ClearPriceMax bool
	OnlyFree      *bool
	EV            *bool
	Covered       *bool
	Is247         *bool
	AIRecommended *bool
	DistanceKM    *float64
}

// Params renders the filters as backend query parameters. False flags and
// unset values are omitted.
func (f Filters) Params() map[string]string {
	params := make(map[string]string)
	if f.PriceMax != nil {
		params["price_max"] = strconv.FormatFloat(*f.PriceMax, 'f', -1, 64)
	}
	flags := map[string]bool{
		"only_free":      f.OnlyFree,
		"ev":             f.EV,
		"covered":        f.Covered,
		"is_24_7":        f.Is247,
		"ai_recommended": f.AIRecommended,
	}
	for k, v := range flags {
		if v {
			params[k] = "true"
		}
	}
	if f.DistanceKM > 0 {
		params["distance_km"] = strconv.FormatFloat(f.DistanceKM, 'f', -1, 64)
	}
	return params
}

// Pagination mirrors the backend's paginated envelope.
type Pagination struct {
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Count    int     `json:"count"`
	PageSize int     `json:"page_size"`
}

// PageLinks are the next/previous cursors, always replaced together.
type PageLinks struct {
	Next     *string
	Previous *string
}

// PaginationPatch is a shallow merge onto Pagination.
type PaginationPatch struct {
	Links    *PageLinks
	Count    *int
	PageSize *int
}

// Profile holds identity and presentation preferences.
type Profile struct {
	ID            ID     `json:"id"`
	Role          string `json:"role"`
	LayoutProfile string `json:"layout_profile"`
	Theme         string `json:"theme"`
	Platform      string `json:"platform"`
}

// ProfilePatch is a shallow merge onto Profile; empty fields are ignored.
type ProfilePatch struct {
	ID            ID
	Role          string
	LayoutProfile string
	Theme         string
	Platform      string
}

// ThemeConfig is the presentation part of the concierge config endpoint.
type ThemeConfig struct {
	LayoutProfile string `json:"layout_profile"`
	Theme         string `json:"theme"`
	Platform      string `json:"platform"`
}

// ClientState is the single state tree rendered by the client.
type ClientState struct {
	AppVersion        string      `json:"appVersion"`
	IsOnline          bool        `json:"isOnline"`
	LastKnownPosition *LatLng     `json:"lastKnownPosition"`
	MapView           MapView     `json:"mapView"`
	Filters           Filters     `json:"filters"`
	Pagination        Pagination  `json:"pagination"`
	Spots             []Spot      `json:"spots"`
	Favorites         []ID        `json:"favorites"`
	SavedPlaces       []Place     `json:"savedPlaces"`
	OfflineQueue      []QueueItem `json:"offlineQueue"`
	Profile           Profile     `json:"profile"`
	PushOptIn         bool        `json:"pushOptIn"`
}

// DefaultClientState returns the initial state used before hydration.
func DefaultClientState() ClientState {
	return ClientState{
		AppVersion:   AppVersion,
		IsOnline:     true,
		MapView:      MapView{Zoom: 11, Features: []Feature{}},
		Filters:      Filters{DistanceKM: 5},
		Pagination:   Pagination{PageSize: 20},
		Spots:        []Spot{},
		Favorites:    []ID{},
		SavedPlaces:  []Place{},
		OfflineQueue: []QueueItem{},
		Profile: Profile{
			Role:          "guest",
			LayoutProfile: "comfortable",
			Theme:         "light",
			Platform:      "web",
		},
	}
}

// HasFavorite reports whether spotID is in the favorites set.
func (s ClientState) HasFavorite(spotID ID) bool {
	for _, id := range s.Favorites {
		if id == spotID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so snapshots never alias the live tree.
func (s ClientState) Clone() ClientState {
	out := s

	if s.LastKnownPosition != nil {
		pos := *s.LastKnownPosition
		out.LastKnownPosition = &pos
	}
	if s.MapView.Center != nil {
		center := *s.MapView.Center
		out.MapView.Center = &center
	}
	if s.MapView.Features != nil {
		out.MapView.Features = make([]Feature, len(s.MapView.Features))
		for i, f := range s.MapView.Features {
			out.MapView.Features[i] = f.clone()
		}
	}
	if s.Filters.PriceMax != nil {
		v := *s.Filters.PriceMax
		out.Filters.PriceMax = &v
	}
	out.Pagination.Next = cloneString(s.Pagination.Next)
	out.Pagination.Previous = cloneString(s.Pagination.Previous)

	if s.Spots != nil {
		out.Spots = make([]Spot, len(s.Spots))
		for i, sp := range s.Spots {
			if sp.PricePerHour != nil {
				v := *sp.PricePerHour
				sp.PricePerHour = &v
			}
			out.Spots[i] = sp
		}
	}
	out.Favorites = cloneSlice(s.Favorites)
	out.SavedPlaces = cloneSlice(s.SavedPlaces)
	out.OfflineQueue = cloneSlice(s.OfflineQueue)

	return out
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// ProvisionalPlaceID returns the local ID given to a place created offline.
func ProvisionalPlaceID(now time.Time) ID {
	return ID(fmt.Sprintf("local-%d", now.UnixMilli()))
}
