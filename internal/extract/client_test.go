package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calderops/sitewatch/internal/monitor"
)

func TestNormalizedPageDecodesResponse(t *testing.T) {
	t.Parallel()

	want := monitor.NormalizedPage{
		CategoryCodes: []string{"A", "B"},
		CategoryURLs:  map[string]string{"A": "/a", "B": "/b"},
		ElementSignatures: map[string]string{
			"price": "span.price",
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/pages", r.URL.Path)
		require.Equal(t, "shop-a", r.URL.Query().Get("site"))
		require.Equal(t, "category_index", r.URL.Query().Get("page_type"))
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(want))
	}))
	defer srv.Close()

	client := NewClientWithHTTP(srv.URL, srv.Client())
	got, err := client.NormalizedPage(context.Background(), "shop-a", "category_index")
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestNormalizedPageRejectsNon200(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream blocked", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClientWithHTTP(srv.URL, srv.Client())
	_, err := client.NormalizedPage(context.Background(), "shop-a", "category_index")
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
}

func TestNormalizedPageRejectsBadJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	client := NewClientWithHTTP(srv.URL, srv.Client())
	_, err := client.NormalizedPage(context.Background(), "shop-a", "category_index")
	require.Error(t, err)
}
