// Package extract provides the HTTP client for the external extraction
// service, which fetches and normalizes pages on the core's behalf.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/calderops/sitewatch/internal/monitor"
)

const defaultTimeout = 30 * time.Second

// Client calls the extraction service over HTTP. It implements
// monitor.Extractor.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient constructs a Client against the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// NewClientWithHTTP constructs a Client with a caller-supplied http.Client,
// primarily for testing.
func NewClientWithHTTP(baseURL string, httpClient *http.Client) *Client {
	return &Client{baseURL: baseURL, http: httpClient}
}

// NormalizedPage requests the current normalized structure of one site page
// from the extraction service.
func (c *Client) NormalizedPage(ctx context.Context, site, pageType string) (monitor.NormalizedPage, error) {
	endpoint := fmt.Sprintf("%s/v1/pages?site=%s&page_type=%s",
		c.baseURL, url.QueryEscape(site), url.QueryEscape(pageType))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return monitor.NormalizedPage{}, fmt.Errorf("build extraction request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return monitor.NormalizedPage{}, fmt.Errorf("call extraction service: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode != http.StatusOK {
		return monitor.NormalizedPage{}, fmt.Errorf("extraction service returned %d for site %s", resp.StatusCode, site)
	}

	var page monitor.NormalizedPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return monitor.NormalizedPage{}, fmt.Errorf("decode normalized page: %w", err)
	}
	return page, nil
}
