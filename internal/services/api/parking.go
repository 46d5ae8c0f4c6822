package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/TheMichaelB/parksync/internal/models"
	"github.com/TheMichaelB/parksync/internal/transport"
)

// Dataset names mirrored for cold-start reads.
const (
	DatasetSpots       = "spots"
	DatasetFavorites   = "favorites"
	DatasetSavedPlaces = "saved_places"
	DatasetMapFeatures = "map_features"
)

const (
	defaultSpotsPageSize = 50
	maxSpotsPageSize     = 100
)

// SpotsQuery selects a page of spots.
type SpotsQuery struct {
	Page     int
	PageSize int
	// Append adds the results to the current list instead of replacing it.
	Append bool
	// Filters overrides the store's filters when set.
	Filters *models.Filters
}

// SpotsPage is the paginated spots envelope.
type SpotsPage struct {
	Results  []models.Spot `json:"results"`
	Next     *string       `json:"next"`
	Previous *string       `json:"previous"`
	Count    int           `json:"count"`
}

// FavoriteRecord is a favorites row on the backend.
type FavoriteRecord struct {
	ID   models.ID `json:"id"`
	Spot models.ID `json:"spot"`
}

// PushKeys are the subscription's encryption keys.
type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// PushSubscription is a Web Push subscription as serialized by browsers.
type PushSubscription struct {
	Endpoint       string   `json:"endpoint"`
	ExpirationTime *int64   `json:"expirationTime"`
	Keys           PushKeys `json:"keys"`
}

// LoadSpots fetches a page of spots into the store. On failure the last
// cached page is applied instead and the result is marked as cached.
func (c *Client) LoadSpots(ctx context.Context, q SpotsQuery) (Result[SpotsPage], error) {
	page := q.Page
	if page <= 0 {
		page = 1
	}
	size := q.PageSize
	if size <= 0 {
		size = defaultSpotsPageSize
	}
	if size > maxSpotsPageSize {
		size = maxSpotsPageSize
	}

	filters := c.store.State().Filters
	if q.Filters != nil {
		filters = *q.Filters
	}

	params := filters.Params()
	params["page"] = strconv.Itoa(page)
	params["page_size"] = strconv.Itoa(size)

	key := CacheKey("spots", params)
	res, err := c.CachedFetch(ctx, ParkingRoot+"/spots/", transport.Get(params), key, c.cfg.SpotsTTL)
	if err == nil {
		c.mirror(DatasetSpots, res.Data, res.AsOf)
	} else {
		cached, ok := c.fallback(key, DatasetSpots)
		if !ok {
			return Result[SpotsPage]{}, fmt.Errorf("load spots: %w", err)
		}
		c.logger.WithError(err).Warn("Serving cached spots")
		res = cached
	}

	var envelope SpotsPage
	if err := json.Unmarshal(res.Data, &envelope); err != nil {
		return Result[SpotsPage]{}, fmt.Errorf("decode spots: %w", err)
	}
	if envelope.Results == nil {
		envelope.Results = []models.Spot{}
	}

	if q.Append {
		c.store.AppendSpots(envelope.Results)
	} else {
		c.store.SetSpots(envelope.Results)
	}
	count := envelope.Count
	c.store.UpdatePagination(models.PaginationPatch{
		Links:    &models.PageLinks{Next: envelope.Next, Previous: envelope.Previous},
		Count:    &count,
		PageSize: &size,
	})

	return Result[SpotsPage]{Data: envelope, ServedFromCache: res.ServedFromCache, AsOf: res.AsOf}, nil
}

// LoadFavorites replaces the favorites set with the backend's.
func (c *Client) LoadFavorites(ctx context.Context) (Result[[]models.ID], error) {
	res, err := c.fetchDataset(ctx, ParkingRoot+"/favorites/", DatasetFavorites)
	if err != nil {
		return Result[[]models.ID]{}, fmt.Errorf("load favorites: %w", err)
	}

	records, err := decodeList[FavoriteRecord](res.Data)
	if err != nil {
		return Result[[]models.ID]{}, fmt.Errorf("decode favorites: %w", err)
	}
	ids := make([]models.ID, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.Spot)
	}
	c.store.SetFavorites(ids)

	return Result[[]models.ID]{Data: ids, ServedFromCache: res.ServedFromCache, AsOf: res.AsOf}, nil
}

// SaveFavorite flips the favorite state of spotID and returns the new
// membership. Offline, or when the backend is unreachable, the flip is
// applied locally and queued for replay.
func (c *Client) SaveFavorite(ctx context.Context, spotID models.ID) (bool, error) {
	state := c.store.State()
	want := !state.HasFavorite(spotID)

	if !state.IsOnline {
		return c.queueFavorite(spotID, want), nil
	}

	if err := c.ApplyFavorite(ctx, models.FavoriteToggle{SpotID: spotID, Favorite: want}); err != nil {
		if models.IsConnectivityError(err) {
			return c.queueFavorite(spotID, want), nil
		}
		return !want, fmt.Errorf("save favorite %s: %w", spotID, err)
	}

	if c.store.State().HasFavorite(spotID) != want {
		c.store.ToggleFavorite(spotID)
	}
	return want, nil
}

func (c *Client) queueFavorite(spotID models.ID, want bool) bool {
	if c.store.State().HasFavorite(spotID) != want {
		c.store.ToggleFavorite(spotID)
	}
	id := c.store.Enqueue(models.FavoriteToggle{SpotID: spotID, Favorite: want})

	c.logger.WithFields(map[string]interface{}{
		"spot_id":    string(spotID),
		"favorite":   want,
		"queue_item": id,
	}).Info("Queued favorite while offline")
	return want
}

// ApplyFavorite makes the backend's membership for the spot match action.
// It never touches local state and is safe to repeat.
func (c *Client) ApplyFavorite(ctx context.Context, action models.FavoriteToggle) error {
	raw, err := c.transport.Request(ctx, ParkingRoot+"/favorites/", transport.Get(nil))
	if err != nil {
		return err
	}
	records, err := decodeList[FavoriteRecord](raw)
	if err != nil {
		return fmt.Errorf("decode favorites: %w", err)
	}

	var existing *FavoriteRecord
	for i := range records {
		if records[i].Spot == action.SpotID {
			existing = &records[i]
			break
		}
	}

	switch {
	case action.Favorite && existing == nil:
		_, err = c.transport.Request(ctx, ParkingRoot+"/favorites/", transport.Post(map[string]models.ID{"spot": action.SpotID}))
	case !action.Favorite && existing != nil:
		_, err = c.transport.Request(ctx, fmt.Sprintf("%s/favorites/%s/", ParkingRoot, existing.ID), transport.Delete(nil))
	default:
		c.logger.WithField("spot_id", string(action.SpotID)).Debug("Favorite already in desired state")
	}
	return err
}

// LoadSavedPlaces replaces the saved places with the backend's.
func (c *Client) LoadSavedPlaces(ctx context.Context) (Result[[]models.Place], error) {
	res, err := c.fetchDataset(ctx, ParkingRoot+"/saved-places/", DatasetSavedPlaces)
	if err != nil {
		return Result[[]models.Place]{}, fmt.Errorf("load saved places: %w", err)
	}

	places, err := decodeList[models.Place](res.Data)
	if err != nil {
		return Result[[]models.Place]{}, fmt.Errorf("decode saved places: %w", err)
	}
	c.store.SetSavedPlaces(places)

	return Result[[]models.Place]{Data: places, ServedFromCache: res.ServedFromCache, AsOf: res.AsOf}, nil
}

// CreateSavedPlace stores place on the backend and reloads the list. When
// offline the place is queued and added locally under a provisional id;
// queued reports which path was taken.
func (c *Client) CreateSavedPlace(ctx context.Context, place models.Place) (queued bool, err error) {
	body := placeBody(place)

	if !c.store.IsOnline() {
		c.queuePlace(body)
		return true, nil
	}

	if err := c.ReplaySavedPlace(ctx, models.SavedPlaceCreate{Place: body}); err != nil {
		if models.IsConnectivityError(err) {
			c.queuePlace(body)
			return true, nil
		}
		return false, fmt.Errorf("create saved place: %w", err)
	}
	return false, nil
}

func (c *Client) queuePlace(body models.Place) {
	id := c.store.Enqueue(models.SavedPlaceCreate{Place: body})

	local := body
	local.ID = models.ProvisionalPlaceID(c.now())
	c.store.AddSavedPlace(local)

	c.logger.WithFields(map[string]interface{}{
		"title":      body.Title,
		"queue_item": id,
	}).Info("Queued saved place while offline")
}

// ReplaySavedPlace posts a saved place without queueing, then refreshes the
// list. A failed refresh does not fail the call since the place was stored.
func (c *Client) ReplaySavedPlace(ctx context.Context, action models.SavedPlaceCreate) error {
	if _, err := c.transport.Request(ctx, ParkingRoot+"/saved-places/", transport.Post(placeBody(action.Place))); err != nil {
		return err
	}
	if _, err := c.LoadSavedPlaces(ctx); err != nil {
		c.logger.WithError(err).Warn("Failed to refresh saved places")
	}
	return nil
}

func placeBody(p models.Place) models.Place {
	placeType := p.PlaceType
	if placeType == "" {
		placeType = "custom"
	}
	return models.Place{
		Title:     p.Title,
		PlaceType: placeType,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
	}
}

// LoadMapFeatures fetches the feature collection for params into the map
// view.
func (c *Client) LoadMapFeatures(ctx context.Context, params map[string]string) (Result[[]models.Feature], error) {
	key := CacheKey("map", params)
	res, err := c.CachedFetch(ctx, ParkingRoot+"/map/", transport.Get(params), key, c.cfg.MapTTL)
	if err == nil {
		c.mirror(DatasetMapFeatures, res.Data, res.AsOf)
	} else {
		cached, ok := c.fallback(key, DatasetMapFeatures)
		if !ok {
			return Result[[]models.Feature]{}, fmt.Errorf("load map features: %w", err)
		}
		c.logger.WithError(err).Warn("Serving cached map features")
		res = cached
	}

	var fc models.FeatureCollection
	if err := json.Unmarshal(res.Data, &fc); err != nil {
		return Result[[]models.Feature]{}, fmt.Errorf("decode map features: %w", err)
	}
	if fc.Features == nil {
		fc.Features = []models.Feature{}
	}
	c.store.SetMapFeatures(fc.Features)

	return Result[[]models.Feature]{Data: fc.Features, ServedFromCache: res.ServedFromCache, AsOf: res.AsOf}, nil
}

// RegisterPushSubscription sends sub to the backend and records the opt-in.
func (c *Client) RegisterPushSubscription(ctx context.Context, sub PushSubscription) error {
	if sub.Endpoint == "" {
		return fmt.Errorf("register push subscription: endpoint is required")
	}
	if _, err := c.transport.Request(ctx, ParkingRoot+"/push-subscriptions/", transport.RequestOptions{
		Method: http.MethodPost,
		Body:   sub,
	}); err != nil {
		return fmt.Errorf("register push subscription: %w", err)
	}
	c.store.SetPushOptIn(true)
	return nil
}

// fetchDataset performs an uncached read mirrored under name, falling back
// to the mirror when the request fails.
func (c *Client) fetchDataset(ctx context.Context, path, name string) (Result[json.RawMessage], error) {
	raw, err := c.transport.Request(ctx, path, transport.Get(nil))
	if err == nil {
		now := c.now()
		c.mirror(name, raw, now)
		return Result[json.RawMessage]{Data: raw, AsOf: now}, nil
	}

	cached, cacheErr := c.readDataset(name)
	if cacheErr != nil {
		return Result[json.RawMessage]{}, err
	}
	c.logger.WithError(err).WithField("dataset", name).Warn("Serving cached dataset")
	return cached, nil
}
