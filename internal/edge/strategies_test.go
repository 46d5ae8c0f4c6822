package edge_test

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/parksync/internal/edge"
	"github.com/TheMichaelB/parksync/internal/models"
	"github.com/TheMichaelB/parksync/test/testutil"
)

func TestNavigationOfflineFallsBackToOfflinePage(t *testing.T) {
	h := newHarness(t, "v1", nil)
	ctx := context.Background()
	h.origin.set("/offline/", "text/html", "<h1>Offline</h1>")

	_, err := h.manager.Install(ctx)
	require.NoError(t, err)
	_, err = h.manager.Activate(ctx)
	require.NoError(t, err)

	h.origin.setDown(true)

	resp, source, route, err := h.manager.Handle(ctx, navigate("/spots/42/"))
	require.NoError(t, err)
	assert.Equal(t, edge.RouteNavigation, route.Name)
	assert.Equal(t, edge.SourceOffline, source)
	assert.Equal(t, "<h1>Offline</h1>", string(resp.Body))
}

func TestNavigationPrefersCachedPage(t *testing.T) {
	h := newHarness(t, "v1", nil)
	ctx := context.Background()
	h.origin.set("/offline/", "text/html", "offline")
	h.origin.set("/spots/42/", "text/html", "spot 42")

	_, err := h.manager.Install(ctx)
	require.NoError(t, err)

	resp, source, _, err := h.manager.Handle(ctx, navigate("/spots/42/"))
	require.NoError(t, err)
	assert.Equal(t, edge.SourceNetwork, source)
	assert.Equal(t, "spot 42", string(resp.Body))

	h.origin.setDown(true)
	resp, source, _, err = h.manager.Handle(ctx, navigate("/spots/42/"))
	require.NoError(t, err)
	assert.Equal(t, edge.SourceCache, source)
	assert.Equal(t, "spot 42", string(resp.Body))
}

func TestNavigationWithoutOfflinePageFails(t *testing.T) {
	h := newHarness(t, "v1", nil)
	h.origin.setDown(true)

	_, _, _, err := h.manager.Handle(context.Background(), navigate("/spots/42/"))
	require.Error(t, err)
	assert.True(t, models.IsConnectivityError(err))
}

func TestStaleWhileRevalidateServesCacheOnNetworkFailure(t *testing.T) {
	h := newHarness(t, "v1", nil)
	ctx := context.Background()
	h.origin.set("/api/parking/spots/?page=1", "application/json", `{"results":[1]}`)

	resp, source, _, err := h.manager.Handle(ctx, get("/api/parking/spots/?page=1"))
	require.NoError(t, err)
	assert.Equal(t, edge.SourceNetwork, source)
	assert.JSONEq(t, `{"results":[1]}`, string(resp.Body))

	h.origin.setDown(true)

	resp, source, _, err = h.manager.Handle(ctx, get("/api/parking/spots/?page=1"))
	require.NoError(t, err)
	h.manager.Wait()
	assert.Equal(t, edge.SourceCache, source)
	assert.JSONEq(t, `{"results":[1]}`, string(resp.Body))
	assert.Equal(t, 2, h.origin.count(http.MethodGet, "/api/parking/spots/?page=1"), "revalidation attempted")
}

func TestStaleWhileRevalidateRefreshesInBackground(t *testing.T) {
	h := newHarness(t, "v1", nil)
	ctx := context.Background()
	h.origin.set("/api/parking/map/", "application/json", `{"v":1}`)

	_, _, _, err := h.manager.Handle(ctx, get("/api/parking/map/"))
	require.NoError(t, err)

	h.origin.set("/api/parking/map/", "application/json", `{"v":2}`)

	resp, source, _, err := h.manager.Handle(ctx, get("/api/parking/map/"))
	require.NoError(t, err)
	assert.Equal(t, edge.SourceCache, source)
	assert.JSONEq(t, `{"v":1}`, string(resp.Body), "stale copy served first")

	h.manager.Wait()

	resp, _, _, err = h.manager.Handle(ctx, get("/api/parking/map/"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(resp.Body), "revalidated copy served next")
}

func TestStaleWhileRevalidateWithoutCacheFails(t *testing.T) {
	h := newHarness(t, "v1", nil)
	h.origin.setDown(true)

	_, _, _, err := h.manager.Handle(context.Background(), get("/api/parking/spots/"))
	assert.Error(t, err)
}

func TestPrivateCacheTTL(t *testing.T) {
	tests := []struct {
		name  string
		age   time.Duration
		serve bool
	}{
		{"fresh", time.Minute, true},
		{"just under ttl", 5*time.Minute - time.Second, true},
		{"at ttl", 5 * time.Minute, false},
		{"expired", 6 * time.Minute, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "v1", nil)
			ctx := context.Background()
			h.origin.set("/api/parking/favorites/", "application/json", `{"results":[]}`)

			resp, source, _, err := h.manager.Handle(ctx, get("/api/parking/favorites/"))
			require.NoError(t, err)
			assert.Equal(t, edge.SourceNetwork, source)
			assert.Empty(t, resp.Header.Get(edge.CachedAtHeader), "live response is not stamped")

			h.origin.setDown(true)
			h.clock.Advance(tt.age)

			resp, source, _, err = h.manager.Handle(ctx, get("/api/parking/favorites/"))
			if !tt.serve {
				require.Error(t, err)
				assert.True(t, models.IsConnectivityError(err), "original failure propagates")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, edge.SourceCache, source)
			stamp, err := strconv.ParseInt(resp.Header.Get(edge.CachedAtHeader), 10, 64)
			require.NoError(t, err)
			assert.Equal(t, h.clock.Now().Add(-tt.age).UnixMilli(), stamp)
		})
	}
}

func TestPrivateCacheIsPartitionedBySession(t *testing.T) {
	h := newHarness(t, "v1", nil)
	ctx := context.Background()
	h.origin.set("/api/parking/favorites/", "application/json", `{"results":[42]}`)

	alice := get("/api/parking/favorites/")
	alice.AddCookie(&http.Cookie{Name: "sessionid", Value: "alice"})
	_, _, _, err := h.manager.Handle(ctx, alice)
	require.NoError(t, err)

	h.origin.setDown(true)

	bob := get("/api/parking/favorites/")
	bob.AddCookie(&http.Cookie{Name: "sessionid", Value: "bob"})
	_, _, _, err = h.manager.Handle(ctx, bob)
	assert.Error(t, err, "another session never reads alice's copy")

	alice = get("/api/parking/favorites/")
	alice.AddCookie(&http.Cookie{Name: "sessionid", Value: "alice"})
	resp, source, _, err := h.manager.Handle(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, edge.SourceCache, source)
	assert.JSONEq(t, `{"results":[42]}`, string(resp.Body))
}

func TestPartition(t *testing.T) {
	req := get("/api/parking/favorites/")
	assert.Equal(t, "anon", edge.Partition(req, "sessionid"))

	req.AddCookie(&http.Cookie{Name: "sessionid", Value: "abc"})
	p := edge.Partition(req, "sessionid")
	assert.Len(t, p, 16)
	assert.NotContains(t, p, "abc")
	assert.Equal(t, p, edge.Partition(req, "sessionid"), "stable")
}

func TestPrivateCacheTrimmed(t *testing.T) {
	h := newHarness(t, "v1", nil)
	ctx := context.Background()

	for i := 0; i < 65; i++ {
		uri := fmt.Sprintf("/api/parking/saved-places/?page=%d", i)
		h.origin.set(uri, "application/json", "[]")
		_, _, _, err := h.manager.Handle(ctx, get(uri))
		require.NoError(t, err)
	}

	cache, err := h.storage.Open(ctx, h.manager.Names().For(edge.BucketPrivateAPI))
	require.NoError(t, err)
	keys, err := cache.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 60)
	assert.Equal(t, "anon /api/parking/saved-places/?page=5", keys[0])
}

func TestTileEvictionOrder(t *testing.T) {
	h := newHarness(t, "v1", nil)
	ctx := context.Background()
	strategy := &edge.CacheFirst{Bucket: edge.BucketTiles, MaxEntries: 3}
	routes := []edge.Route{{Name: edge.RouteTiles, Match: edge.IsTile, Strategy: strategy}}

	cfg := edge.DefaultConfig()
	cfg.Routes = routes
	m := edge.New(h.storage, h.origin, cfg, testutil.NewTestLogger())

	tile := func(i int) string { return fmt.Sprintf("/tiles/12/%d/1.png", i) }
	for i := 0; i < 4; i++ {
		h.origin.set(tile(i), "image/png", "png")
		if i == 1 {
			// A hit does not refresh the oldest tile's position.
			_, source, _, err := m.Handle(ctx, get(tile(0)))
			require.NoError(t, err)
			assert.Equal(t, edge.SourceCache, source)
		}
		_, _, _, err := m.Handle(ctx, get(tile(i)))
		require.NoError(t, err)
	}

	cache, err := h.storage.Open(ctx, m.Names().For(edge.BucketTiles))
	require.NoError(t, err)
	keys, err := cache.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{tile(1), tile(2), tile(3)}, keys)
}

func TestCacheFirstServesWithoutNetwork(t *testing.T) {
	h := newHarness(t, "v1", nil)
	ctx := context.Background()
	h.origin.set("/static/js/app.js", "text/javascript", "app()")

	_, err := h.manager.Install(ctx)
	require.NoError(t, err)
	h.origin.setDown(true)

	resp, source, route, err := h.manager.Handle(ctx, get("/static/js/app.js"))
	require.NoError(t, err)
	assert.Equal(t, edge.RouteStatic, route.Name)
	assert.Equal(t, edge.SourceCache, source)
	assert.Equal(t, "app()", string(resp.Body))
	assert.Equal(t, 1, h.origin.count(http.MethodGet, "/static/js/app.js"))
}

func TestNonOKResponsesAreNotCached(t *testing.T) {
	h := newHarness(t, "v1", nil)
	ctx := context.Background()

	resp, _, _, err := h.manager.Handle(ctx, get("/static/missing.css"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)

	_, _, _, err = h.manager.Handle(ctx, get("/static/missing.css"))
	require.NoError(t, err)
	assert.Equal(t, 2, h.origin.count(http.MethodGet, "/static/missing.css"))
}

func TestSetCookieIsNeverCached(t *testing.T) {
	h := newHarness(t, "v1", nil)
	ctx := context.Background()
	h.origin.set("/api/parking/spots/", "application/json", "[]")
	h.origin.pages["/api/parking/spots/"].Header.Set("Set-Cookie", "sessionid=x")

	resp, _, _, err := h.manager.Handle(ctx, get("/api/parking/spots/"))
	require.NoError(t, err)
	assert.Equal(t, "sessionid=x", resp.Header.Get("Set-Cookie"), "live response keeps it")

	resp, source, _, err := h.manager.Handle(ctx, get("/api/parking/spots/"))
	require.NoError(t, err)
	h.manager.Wait()
	assert.Equal(t, edge.SourceCache, source)
	assert.Empty(t, resp.Header.Get("Set-Cookie"))
}
