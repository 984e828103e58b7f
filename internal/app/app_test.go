package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calderops/sitewatch/internal/config"
	"github.com/calderops/sitewatch/internal/monitor"
)

// The Prometheus event sink registers on the default registerer, so the
// container is built exactly once per test binary.
func TestAppLifecycleOnLocalProviders(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Monitor.Sites = []string{"shop-a"}
	cfg.Monitor.ExtractorURL = "http://localhost:0"

	ctx := context.Background()
	a, err := New(ctx, cfg)
	require.NoError(t, err)

	require.NotNil(t, a.Store)
	require.NotNil(t, a.Mirror)
	require.NotNil(t, a.Tracker)
	require.NotNil(t, a.Resolver)
	require.NotNil(t, a.Snapshotter)
	require.NotNil(t, a.Engine)
	require.NotNil(t, a.Detector)
	require.NotNil(t, a.Manager)
	require.NotNil(t, a.Hub)
	require.NotNil(t, a.Runner)
	require.NotNil(t, a.API)
	require.Nil(t, a.db, "empty DSN selects the in-memory store")

	// The mirror hydrates from the store at startup.
	require.NoError(t, a.Store.SaveSelector(ctx, monitor.Selector{
		ID: "sel-1", Site: "shop-b", PageType: "category_index",
		ElementType: "price", Active: true, Confidence: 1.0,
	}))
	a.Config.Monitor.Sites = []string{"shop-b"}
	require.NoError(t, a.warmMirror(ctx))
	require.Len(t, a.Mirror.Site("shop-b"), 1)

	// The ops API answers through the wired manager and store.
	rec := httptest.NewRecorder()
	a.API.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sites/shop-a/policy", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "normal")

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.Close(closeCtx))
}
