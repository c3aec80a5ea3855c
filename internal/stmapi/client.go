package stmapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultTimeout = 30 * time.Second

// maxBodySize caps how much of a gateway response is read.
const maxBodySize = 8 << 20

// ErrNoData is returned by StopPredictions when the gateway answers with an
// empty body, null or 204 instead of a prediction list.
var ErrNoData = errors.New("gateway returned no data")

// Metrics receives one observation per gateway request.
type Metrics interface {
	GatewayObserve(endpoint string, d time.Duration, err error)
}

// Client talks to the transit gateway. An empty or null payload is a
// valid "no data" answer and is returned as a nil result with no error.
type Client struct {
	baseURL    string
	httpClient *http.Client
	metrics    Metrics
}

func NewClient(baseURL string, timeout time.Duration, m Metrics) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		metrics:    m,
	}
}

// StopPredictions returns the predictions for busCode at the given stop. An
// empty list means the stop has no units coming; ErrNoData means the
// gateway sent nothing at all.
func (c *Client) StopPredictions(ctx context.Context, stopID int, busCode string) ([]Prediction, error) {
	var res predictionsResponse
	path := fmt.Sprintf("getStopPrediction/%d/%s", stopID, url.PathEscape(busCode))
	ok, err := c.getJSON(ctx, "getStopPrediction", path, &res)
	if err != nil {
		return nil, err
	}
	if !ok || res.PredictionsData == nil {
		return nil, fmt.Errorf("stop %d: %w", stopID, ErrNoData)
	}
	return res.PredictionsData, nil
}

// BusLocation returns the unit's last reported position, or nil if the
// gateway has none.
func (c *Client) BusLocation(ctx context.Context, unitID int) (*BusLocation, error) {
	var res locationResponse
	path := fmt.Sprintf("getBusLocation/%d", unitID)
	if _, err := c.getJSON(ctx, "getBusLocation", path, &res); err != nil {
		return nil, err
	}
	return res.BusLocationData, nil
}

// BusPath returns the ordered path points of a line variant.
func (c *Client) BusPath(ctx context.Context, variantID int) ([]PathPoint, error) {
	var res pathResponse
	path := fmt.Sprintf("GetBusPath/%d", variantID)
	if _, err := c.getJSON(ctx, "GetBusPath", path, &res); err != nil {
		return nil, err
	}
	return res.Points, nil
}

// getJSON decodes the response body into out. It reports false when the
// body was empty.
func (c *Client) getJSON(ctx context.Context, endpoint, path string, out any) (ok bool, err error) {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.GatewayObserve(endpoint, time.Since(start), err)
		}
	}()

	target := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to fetch %s: %w", target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("HTTP %d from %s", resp.StatusCode, target)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return false, fmt.Errorf("read %s: %w", target, err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return false, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", target, err)
	}
	return true, nil
}
