package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/parksync/internal/config"
	"github.com/TheMichaelB/parksync/internal/events"
	"github.com/TheMichaelB/parksync/internal/metrics"
	"github.com/TheMichaelB/parksync/internal/models"
	"github.com/TheMichaelB/parksync/internal/services/api"
	"github.com/TheMichaelB/parksync/internal/state"
	"github.com/TheMichaelB/parksync/internal/store"
	"github.com/TheMichaelB/parksync/internal/transport"
	"github.com/TheMichaelB/parksync/test/testutil"
)

type fixture struct {
	client *api.Client
	store  *store.Store
	kv     *state.MockStore
	clock  *testutil.Clock
}

func newFixture(t *testing.T, tr transport.Transport, kv *state.MockStore, clock *testutil.Clock) *fixture {
	t.Helper()
	logger := testutil.NewTestLogger()

	storeCfg := store.DefaultConfig()
	storeCfg.Now = clock.Now
	st := store.New(kv, storeCfg, logger)

	apiCfg := api.DefaultConfig()
	apiCfg.Now = clock.Now
	client, err := api.New(tr, st, kv, apiCfg, logger)
	require.NoError(t, err)

	return &fixture{client: client, store: st, kv: kv, clock: clock}
}

func newServerFixture(t *testing.T) (*fixture, *testutil.TestServer) {
	t.Helper()
	ts := testutil.NewTestServer()
	t.Cleanup(ts.Close)

	httpClient, err := transport.NewHTTPClient(&config.APIConfig{
		BaseURL: ts.URL,
		Timeout: 5 * time.Second,
	}, events.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { httpClient.Close() })

	return newFixture(t, httpClient, state.NewMockStore(), testutil.NewClock()), ts
}

func spotsEnvelope(ids ...string) map[string]interface{} {
	results := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		results = append(results, map[string]interface{}{"id": id, "title": "Spot " + id})
	}
	return map[string]interface{}{
		"results":  results,
		"next":     nil,
		"previous": nil,
		"count":    len(ids),
	}
}

func TestLoadSpotsServedFromMemoryWithinTTL(t *testing.T) {
	mock := transport.NewMockTransport()
	mock.SetResponse(http.MethodGet, "/api/parking/spots/", spotsEnvelope("1", "2"))
	f := newFixture(t, mock, state.NewMockStore(), testutil.NewClock())
	ctx := context.Background()

	first, err := f.client.LoadSpots(ctx, api.SpotsQuery{Page: 1})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	second, err := f.client.LoadSpots(ctx, api.SpotsQuery{Page: 1})
	require.NoError(t, err)

	assert.Equal(t, 1, mock.Calls(http.MethodGet, "/api/parking/spots/"))
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, first.AsOf, second.AsOf)
	assert.False(t, second.ServedFromCache)

	f.clock.Advance(5 * time.Minute)
	_, err = f.client.LoadSpots(ctx, api.SpotsQuery{Page: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, mock.Calls(http.MethodGet, "/api/parking/spots/"), "expired entry refetched")
}

func TestLoadSpotsUpdatesStore(t *testing.T) {
	f, _ := newServerFixture(t)
	ctx := context.Background()

	res, err := f.client.LoadSpots(ctx, api.SpotsQuery{Page: 1, PageSize: 20})
	require.NoError(t, err)
	assert.Len(t, res.Data.Results, 20)
	require.NotNil(t, res.Data.Next)

	st := f.store.State()
	assert.Len(t, st.Spots, 20)
	assert.Equal(t, 33, st.Pagination.Count)
	assert.Equal(t, 20, st.Pagination.PageSize)
	assert.Equal(t, res.Data.Next, st.Pagination.Next)

	_, err = f.client.LoadSpots(ctx, api.SpotsQuery{Page: 2, PageSize: 20, Append: true})
	require.NoError(t, err)

	st = f.store.State()
	assert.Len(t, st.Spots, 33)
	assert.Nil(t, st.Pagination.Next)
	assert.NotNil(t, st.Pagination.Previous)
}

func TestLoadSpotsClampsPageSize(t *testing.T) {
	mock := transport.NewMockTransport()
	mock.SetResponse(http.MethodGet, "/api/parking/spots/", spotsEnvelope("1"))
	f := newFixture(t, mock, state.NewMockStore(), testutil.NewClock())

	_, err := f.client.LoadSpots(context.Background(), api.SpotsQuery{
		PageSize: 500,
		Filters:  &models.Filters{EV: true, DistanceKM: 2},
	})
	require.NoError(t, err)

	require.Len(t, mock.Requests, 1)
	params := mock.Requests[0].Params
	assert.Equal(t, "100", params["page_size"])
	assert.Equal(t, "1", params["page"])
	assert.Equal(t, "true", params["ev"])
	assert.Equal(t, "2", params["distance_km"])
	assert.Equal(t, 100, f.store.State().Pagination.PageSize)
}

func TestLoadSpotsFallsBackToMirror(t *testing.T) {
	kv := state.NewMockStore()
	clock := testutil.NewClock()

	online := transport.NewMockTransport()
	online.SetResponse(http.MethodGet, "/api/parking/spots/", spotsEnvelope("7", "8"))
	warm := newFixture(t, online, kv, clock)
	live, err := warm.client.LoadSpots(context.Background(), api.SpotsQuery{Page: 1})
	require.NoError(t, err)

	_, err = kv.Get(state.CacheKey(api.DatasetSpots))
	require.NoError(t, err, "dataset mirrored")

	// A cold start with no network renders the mirrored page.
	offline := transport.NewMockTransport()
	offline.SetOffline(true)
	clock.Advance(time.Hour)
	cold := newFixture(t, offline, kv, clock)

	res, err := cold.client.LoadSpots(context.Background(), api.SpotsQuery{Page: 1})
	require.NoError(t, err)
	assert.True(t, res.ServedFromCache)
	assert.True(t, res.AsOf.Equal(live.AsOf))
	assert.Len(t, cold.store.State().Spots, 2)
	assert.False(t, cold.store.State().IsOnline)
}

func TestLoadSpotsWithoutCacheFails(t *testing.T) {
	mock := transport.NewMockTransport()
	mock.SetOffline(true)
	f := newFixture(t, mock, state.NewMockStore(), testutil.NewClock())

	_, err := f.client.LoadSpots(context.Background(), api.SpotsQuery{})
	require.Error(t, err)
	assert.True(t, models.IsConnectivityError(err))
}

func TestMirrorFailureIsNonFatal(t *testing.T) {
	mock := transport.NewMockTransport()
	mock.SetResponse(http.MethodGet, "/api/parking/spots/", spotsEnvelope("1"))
	kv := state.NewMockStore()
	f := newFixture(t, mock, kv, testutil.NewClock())
	kv.FailWrites(state.ErrQuotaExceeded)

	res, err := f.client.LoadSpots(context.Background(), api.SpotsQuery{})
	require.NoError(t, err)
	assert.Len(t, res.Data.Results, 1)
	assert.Len(t, f.store.State().Spots, 1)
}

func TestCacheKey(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		params map[string]string
		want   string
	}{
		{"sorted", "spots", map[string]string{"page": "1", "ev": "true"}, "spots:ev=true&page=1"},
		{"empty dropped", "map", map[string]string{"bbox": "", "zoom": "12"}, "map:zoom=12"},
		{"no params", "ai:stress", nil, "ai:stress:"},
		{"nfc", "ai:rec", map[string]string{"city": "Cafe\u0301"}, "ai:rec:city=Caf\u00e9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, api.CacheKey(tt.prefix, tt.params))
		})
	}
}

// gatedTransport blocks every call until released.
type gatedTransport struct {
	*transport.MockTransport
	calls atomic.Int32
	gate  chan struct{}
}

func (g *gatedTransport) Request(ctx context.Context, path string, opts transport.RequestOptions) (json.RawMessage, error) {
	g.calls.Add(1)
	<-g.gate
	return g.MockTransport.Request(ctx, path, opts)
}

func TestCachedFetchCollapsesConcurrentMisses(t *testing.T) {
	mock := transport.NewMockTransport()
	mock.SetResponse(http.MethodGet, "/api/ai/stress-index/", map[string]float64{"index": 0.4})
	gated := &gatedTransport{MockTransport: mock, gate: make(chan struct{})}
	f := newFixture(t, gated, state.NewMockStore(), testutil.NewClock())

	var wg sync.WaitGroup
	results := make([]json.RawMessage, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.client.LoadAIStressIndex(context.Background(), "Moscow")
			assert.NoError(t, err)
			results[i] = res.Data
		}(i)
	}

	testutil.WaitForCondition(t, func() bool { return gated.calls.Load() == 1 }, time.Second, "first fetch started")
	time.Sleep(50 * time.Millisecond)
	close(gated.gate)
	wg.Wait()

	assert.Equal(t, int32(1), gated.calls.Load())
	for _, r := range results {
		assert.JSONEq(t, `{"index":0.4}`, string(r))
	}
}

func TestCachedFetchMetrics(t *testing.T) {
	mock := transport.NewMockTransport()
	mock.SetResponse(http.MethodGet, "/api/parking/map/", models.FeatureCollection{Type: "FeatureCollection"})
	m := metrics.New()

	clock := testutil.NewClock()
	storeCfg := store.DefaultConfig()
	storeCfg.Now = clock.Now
	st := store.New(state.NewMockStore(), storeCfg, events.Discard())
	cfg := api.DefaultConfig()
	cfg.Now = clock.Now
	cfg.Metrics = m
	client, err := api.New(mock, st, nil, cfg, events.Discard())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := client.LoadMapFeatures(context.Background(), map[string]string{"zoom": "12"})
		require.NoError(t, err)
	}

	assert.Equal(t, 1, mock.Calls(http.MethodGet, "/api/parking/map/"))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.FetchCache.WithLabelValues("hit")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.FetchCache.WithLabelValues("miss")))

	_, err = client.Stale("map:zoom=12")
	assert.NoError(t, err)
	client.Purge()
	_, err = client.Stale("map:zoom=12")
	assert.True(t, errors.Is(err, models.ErrCacheMiss), "no mirror without a store")
}
