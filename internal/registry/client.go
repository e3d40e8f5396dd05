package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/openmarkets/clearing-engine/internal/model"
)

// HTTPClient talks to the registry service over its REST API.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewHTTPClient creates a registry client for the given base URL,
// e.g. "http://registry:8081".
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
	}
}

func (c *HTTPClient) GetSeries(ctx context.Context, seriesID string) (*model.Series, error) {
	endpoint := c.baseURL + "/api/v1/series/" + url.PathEscape(seriesID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build series request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: get series %s: %v", ErrUnavailable, seriesID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, seriesID)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: get series %s: status %d", ErrUnavailable, seriesID, resp.StatusCode)
	}

	var s model.Series
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: decode series %s: %v", ErrUnavailable, seriesID, err)
	}
	return &s, nil
}

func (c *HTTPClient) ListSeries(ctx context.Context) ([]model.Series, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/series", nil)
	if err != nil {
		return nil, fmt.Errorf("build list request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: list series: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: list series: status %d", ErrUnavailable, resp.StatusCode)
	}

	var series []model.Series
	if err := json.NewDecoder(resp.Body).Decode(&series); err != nil {
		return nil, fmt.Errorf("%w: decode series list: %v", ErrUnavailable, err)
	}
	return series, nil
}
