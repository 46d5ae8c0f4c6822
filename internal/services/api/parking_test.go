package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/parksync/internal/models"
	"github.com/TheMichaelB/parksync/internal/services/api"
	"github.com/TheMichaelB/parksync/internal/state"
	"github.com/TheMichaelB/parksync/internal/transport"
	"github.com/TheMichaelB/parksync/test/testutil"
)

func TestSaveFavoriteOfflineQueuesToggle(t *testing.T) {
	mock := transport.NewMockTransport()
	f := newFixture(t, mock, state.NewMockStore(), testutil.NewClock())
	f.store.SetConnectionStatus(false)

	fav, err := f.client.SaveFavorite(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, fav)

	st := f.store.State()
	assert.Equal(t, []models.ID{"42"}, st.Favorites)
	require.Len(t, st.OfflineQueue, 1)

	item := st.OfflineQueue[0]
	assert.Equal(t, models.ActionFavoriteToggle, item.Type())
	assert.Equal(t, models.QueuePending, item.Status)
	assert.Equal(t, 0, item.Attempts)
	assert.Equal(t, models.FavoriteToggle{SpotID: "42", Favorite: true}, item.Action)

	data, err := json.Marshal(item)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"payload":{"spotId":42,"favorite":true}`)

	assert.Empty(t, mock.Requests, "no network call while offline")
}

func TestSaveFavoriteOnline(t *testing.T) {
	f, ts := newServerFixture(t)
	ctx := context.Background()

	fav, err := f.client.SaveFavorite(ctx, "42")
	require.NoError(t, err)
	assert.True(t, fav)
	assert.Equal(t, []models.ID{"42"}, ts.Favorites())
	assert.True(t, f.store.State().HasFavorite("42"))

	fav, err = f.client.SaveFavorite(ctx, "42")
	require.NoError(t, err)
	assert.False(t, fav)
	assert.Empty(t, ts.Favorites())
	assert.False(t, f.store.State().HasFavorite("42"))
	assert.Equal(t, 1, ts.Hits(http.MethodPost, "/api/parking/favorites/"))
	assert.Empty(t, f.store.State().OfflineQueue)
}

func TestSaveFavoriteUnreachableQueues(t *testing.T) {
	f, ts := newServerFixture(t)
	ts.SetDown(true)

	fav, err := f.client.SaveFavorite(context.Background(), "43")
	require.NoError(t, err)
	assert.True(t, fav)

	st := f.store.State()
	assert.False(t, st.IsOnline)
	assert.True(t, st.HasFavorite("43"))
	assert.Len(t, st.OfflineQueue, 1)
}

func TestSaveFavoriteHTTPErrorSurfaces(t *testing.T) {
	f, ts := newServerFixture(t)
	ts.Fail(http.MethodPost, "/api/parking/favorites/", 1, http.StatusForbidden)

	_, err := f.client.SaveFavorite(context.Background(), "44")
	require.Error(t, err)

	var apiErr *models.APIError
	assert.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)

	st := f.store.State()
	assert.False(t, st.HasFavorite("44"), "no optimistic flip on a rejected call")
	assert.Empty(t, st.OfflineQueue)
	assert.True(t, st.IsOnline)
}

func TestApplyFavoriteIsIdempotent(t *testing.T) {
	f, ts := newServerFixture(t)
	ctx := context.Background()
	action := models.FavoriteToggle{SpotID: "42", Favorite: true}

	require.NoError(t, f.client.ApplyFavorite(ctx, action))
	require.NoError(t, f.client.ApplyFavorite(ctx, action))

	assert.Equal(t, []models.ID{"42"}, ts.Favorites())
	assert.Equal(t, 1, ts.Hits(http.MethodPost, "/api/parking/favorites/"))
	assert.False(t, f.store.State().HasFavorite("42"), "local state untouched")

	remove := models.FavoriteToggle{SpotID: "42", Favorite: false}
	require.NoError(t, f.client.ApplyFavorite(ctx, remove))
	require.NoError(t, f.client.ApplyFavorite(ctx, remove))
	assert.Empty(t, ts.Favorites())
}

func TestLoadFavorites(t *testing.T) {
	f, ts := newServerFixture(t)
	ts.AddFavorite("42")
	ts.AddFavorite("44")
	ctx := context.Background()

	res, err := f.client.LoadFavorites(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.ID{"42", "44"}, res.Data)
	assert.Equal(t, []models.ID{"42", "44"}, f.store.State().Favorites)

	ts.SetDown(true)
	f.store.SetFavorites(nil)

	res, err = f.client.LoadFavorites(ctx)
	require.NoError(t, err)
	assert.True(t, res.ServedFromCache)
	assert.Equal(t, []models.ID{"42", "44"}, f.store.State().Favorites)
}

func TestCreateSavedPlaceOffline(t *testing.T) {
	mock := transport.NewMockTransport()
	clock := testutil.NewClock()
	f := newFixture(t, mock, state.NewMockStore(), clock)
	f.store.SetConnectionStatus(false)

	queued, err := f.client.CreateSavedPlace(context.Background(), models.Place{
		Title:     "Home",
		Latitude:  55.75,
		Longitude: 37.61,
	})
	require.NoError(t, err)
	assert.True(t, queued)

	st := f.store.State()
	require.Len(t, st.SavedPlaces, 1)
	assert.Equal(t, models.ProvisionalPlaceID(clock.Now()), st.SavedPlaces[0].ID)
	assert.Equal(t, "custom", st.SavedPlaces[0].PlaceType)

	require.Len(t, st.OfflineQueue, 1)
	action, ok := st.OfflineQueue[0].Action.(models.SavedPlaceCreate)
	require.True(t, ok)
	assert.Equal(t, "Home", action.Place.Title)
	assert.Empty(t, action.Place.ID)
	assert.Empty(t, mock.Requests)
}

func TestCreateSavedPlaceOnline(t *testing.T) {
	f, ts := newServerFixture(t)

	queued, err := f.client.CreateSavedPlace(context.Background(), models.Place{
		Title:     "Office",
		PlaceType: "work",
		Latitude:  55.76,
		Longitude: 37.62,
	})
	require.NoError(t, err)
	assert.False(t, queued)

	require.Len(t, ts.SavedPlaces(), 1)
	st := f.store.State()
	require.Len(t, st.SavedPlaces, 1)
	assert.Equal(t, "Office", st.SavedPlaces[0].Title)
	assert.Equal(t, "work", st.SavedPlaces[0].PlaceType)
	assert.NotEmpty(t, st.SavedPlaces[0].ID)
	assert.Equal(t, 1, ts.Hits(http.MethodGet, "/api/parking/saved-places/"))
}

func TestReplaySavedPlaceToleratesRefreshFailure(t *testing.T) {
	f, ts := newServerFixture(t)
	ts.Fail(http.MethodGet, "/api/parking/saved-places/", 1, http.StatusInternalServerError)

	err := f.client.ReplaySavedPlace(context.Background(), models.SavedPlaceCreate{
		Place: models.Place{Title: "Gym"},
	})
	require.NoError(t, err)
	assert.Len(t, ts.SavedPlaces(), 1)
}

func TestLoadMapFeatures(t *testing.T) {
	f, ts := newServerFixture(t)
	ctx := context.Background()

	res, err := f.client.LoadMapFeatures(ctx, map[string]string{"zoom": "12"})
	require.NoError(t, err)
	assert.Len(t, res.Data, 2)
	assert.Len(t, f.store.State().MapView.Features, 2)

	// A different viewport while offline falls back to the last features.
	ts.SetDown(true)
	f.store.SetMapFeatures(nil)
	res, err = f.client.LoadMapFeatures(ctx, map[string]string{"zoom": "14"})
	require.NoError(t, err)
	assert.True(t, res.ServedFromCache)
	assert.Len(t, f.store.State().MapView.Features, 2)
}

func TestRegisterPushSubscription(t *testing.T) {
	f, ts := newServerFixture(t)

	err := f.client.RegisterPushSubscription(context.Background(), api.PushSubscription{
		Endpoint: "https://push.example.com/abc",
		Keys:     api.PushKeys{P256dh: "BPk", Auth: "xyz"},
	})
	require.NoError(t, err)
	assert.True(t, f.store.State().PushOptIn)

	subs := ts.PushSubscriptions()
	require.Len(t, subs, 1)
	assert.JSONEq(t, `{"endpoint":"https://push.example.com/abc","expirationTime":null,"keys":{"p256dh":"BPk","auth":"xyz"}}`, string(subs[0]))

	err = f.client.RegisterPushSubscription(context.Background(), api.PushSubscription{})
	assert.Error(t, err)
}

func TestLoadProfile(t *testing.T) {
	f, _ := newServerFixture(t)

	cfg, err := f.client.LoadProfile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dark", cfg.Theme)

	profile := f.store.State().Profile
	assert.Equal(t, "dark", profile.Theme)
	assert.Equal(t, "compact", profile.LayoutProfile)
	assert.Equal(t, "ios", profile.Platform)
	assert.Equal(t, "guest", profile.Role, "untouched fields keep defaults")
}

func TestLoadAIRecommendations(t *testing.T) {
	f, ts := newServerFixture(t)
	ctx := context.Background()

	res, err := f.client.LoadAIRecommendations(ctx, "Moscow", 80)
	require.NoError(t, err)
	assert.Len(t, res.Data, 3)

	_, err = f.client.LoadAIRecommendations(ctx, "Moscow", 50)
	require.NoError(t, err)
	assert.Equal(t, 1, ts.Hits(http.MethodGet, "/api/ai/recommendations/"), "limit clamped to the same key")

	// Past the TTL with the backend down the stale entry is served.
	f.clock.Advance(6 * time.Minute)
	ts.SetDown(true)
	res, err = f.client.LoadAIRecommendations(ctx, "Moscow", 50)
	require.NoError(t, err)
	assert.True(t, res.ServedFromCache)
	assert.Len(t, res.Data, 3)

	_, err = f.client.LoadAIRecommendations(ctx, "Kazan", 10)
	assert.Error(t, err, "no cache for another city")
}

func TestLoadAIStressIndex(t *testing.T) {
	f, ts := newServerFixture(t)
	ctx := context.Background()

	res, err := f.client.LoadAIStressIndex(ctx, "Moscow")
	require.NoError(t, err)

	var index struct {
		City  string  `json:"city"`
		Index float64 `json:"index"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &index))
	assert.Equal(t, "Moscow", index.City)

	f.clock.Advance(2 * time.Minute)
	_, err = f.client.LoadAIStressIndex(ctx, "Moscow")
	require.NoError(t, err)
	assert.Equal(t, 1, ts.Hits(http.MethodGet, "/api/ai/stress-index/"))

	f.clock.Advance(2 * time.Minute)
	_, err = f.client.LoadAIStressIndex(ctx, "Moscow")
	require.NoError(t, err)
	assert.Equal(t, 2, ts.Hits(http.MethodGet, "/api/ai/stress-index/"), "three minute TTL")
}
