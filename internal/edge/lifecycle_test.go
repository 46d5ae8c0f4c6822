package edge_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/parksync/internal/edge"
	"github.com/TheMichaelB/parksync/internal/models"
	"github.com/TheMichaelB/parksync/test/testutil"
)

func TestInstallPrecachesAssets(t *testing.T) {
	h := newHarness(t, "2024.09.0", nil)
	ctx := context.Background()
	h.origin.set("/offline/", "text/html", "offline")
	h.origin.set("/static/css/app.css", "text/css", "body{}")
	h.origin.set("/static/js/app.js", "text/javascript", "app()")

	assert.Equal(t, edge.StateNew, h.manager.State())

	report, err := h.manager.Install(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/offline/", "/static/css/app.css", "/static/js/app.js"}, report.Cached)
	assert.Contains(t, report.Failed, "/manifest.webmanifest", "missing assets are skipped")
	assert.Equal(t, edge.StateInstalled, h.manager.State())

	cache, err := h.storage.Open(ctx, "ps-static-2024.09.0")
	require.NoError(t, err)
	keys, err := cache.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, report.Cached, keys)
}

func TestActivateDeletesPreviousVersion(t *testing.T) {
	for _, backend := range []string{"memory", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			var storage edge.CacheStorage = edge.NewMemoryStorage()
			if backend == "sqlite" {
				s, err := edge.NewSQLiteStorage(ctx, filepath.Join(t.TempDir(), "edge.db"), testutil.NewTestLogger())
				require.NoError(t, err)
				defer s.Close()
				storage = s
			}

			a := newHarness(t, "A", storage)
			a.origin.set("/offline/", "text/html", "offline A")
			_, err := a.manager.Install(ctx)
			require.NoError(t, err)
			_, err = a.manager.Activate(ctx)
			require.NoError(t, err)
			a.origin.set("/tiles/1/1/1.png", "image/png", "tile")
			_, _, _, err = a.manager.Handle(ctx, get("/tiles/1/1/1.png"))
			require.NoError(t, err)

			foreign, err := storage.Open(ctx, "third-party")
			require.NoError(t, err)
			require.NoError(t, foreign.Put(ctx, "/x", response("x")))

			b := newHarness(t, "B", storage)
			b.origin.set("/offline/", "text/html", "offline B")
			_, err = b.manager.Install(ctx)
			require.NoError(t, err)

			deleted, err := b.manager.Activate(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"ps-static-A", "ps-tiles-A"}, deleted)

			names, err := storage.Keys(ctx)
			require.NoError(t, err)
			for _, name := range names {
				assert.False(t, strings.HasSuffix(name, "-A"), "stale bucket %s survived", name)
			}
			assert.Contains(t, names, "third-party")
			assert.Contains(t, names, "ps-static-B")

			page, err := edge.MatchAny(ctx, storage, "/offline/")
			require.NoError(t, err)
			assert.Equal(t, "offline B", string(page.Body))
		})
	}
}

func TestApplyUpdateActivatesWaitingVersion(t *testing.T) {
	h := newHarness(t, "B", nil)
	ctx := context.Background()

	require.NoError(t, h.manager.HandleMessage(ctx, models.WorkerMessage{Type: models.MsgApplyUpdate}))
	assert.Equal(t, edge.StateNew, h.manager.State(), "nothing waiting before install")

	_, err := h.manager.Install(ctx)
	require.NoError(t, err)
	assert.Equal(t, edge.StateInstalled, h.manager.State())

	require.NoError(t, h.manager.HandleMessage(ctx, models.WorkerMessage{Type: models.MsgApplyUpdate}))
	assert.Equal(t, edge.StateActive, h.manager.State())
}

func TestPrimeShellRefreshesShell(t *testing.T) {
	h := newHarness(t, "v1", nil)
	ctx := context.Background()
	h.origin.set("/", "text/html", "shell v1")
	h.origin.set("/offline/", "text/html", "offline")

	require.NoError(t, h.manager.HandleMessage(ctx, models.WorkerMessage{Type: models.MsgPrimeShell}))

	h.origin.set("/", "text/html", "shell v2")
	report, err := h.manager.PrimeShell(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/offline/"}, report.Cached)

	cache, err := h.storage.Open(ctx, h.manager.Names().For(edge.BucketShell))
	require.NoError(t, err)
	got, err := cache.Match(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, "shell v2", string(got.Body))
}

func TestUnknownMessageIgnored(t *testing.T) {
	h := newHarness(t, "v1", nil)
	assert.NoError(t, h.manager.HandleMessage(context.Background(), models.WorkerMessage{Type: "PING"}))
}
