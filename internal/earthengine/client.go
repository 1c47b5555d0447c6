// Package earthengine is a small client of the Earth Engine REST API.
package earthengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/woozymasta/cropstress/internal/geo"

	"github.com/rs/zerolog/log"
)

const apiVersion = "v1"

// APIError is an error status returned by the platform.
type APIError struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("earthengine: %d %s: %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("earthengine: %d: %s", e.Code, e.Message)
}

// IsAuthError reports whether err means the credentials were rejected.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden
	}
	return false
}

// Visualization describes how a single band is turned into RGB tiles.
type Visualization struct {
	Palette []string `json:"palette"`
	Min     float64  `json:"min"`
	Max     float64  `json:"max"`
}

// MapLayer is a tile source created on the platform.
type MapLayer struct {
	// Name is the resource name, projects/{project}/maps/{id}.
	Name string `json:"name"`
}

// Client talks to the REST API on behalf of one cloud project.
type Client struct {
	httpClient *http.Client
	endpoint   string
	project    string
}

// NewClient creates a client. httpClient must attach credentials.
func NewClient(endpoint, project string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		endpoint:   strings.TrimRight(endpoint, "/"),
		project:    project,
	}
}

// Project returns the cloud project the client bills to.
func (c *Client) Project() string { return c.project }

// Compute evaluates the expression and decodes the result into out.
// This is the call that forces evaluation of the lazy graph.
func (c *Client) Compute(ctx context.Context, expr Expression, out any) error {
	body := struct {
		Expression Expression `json:"expression"`
	}{expr}

	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	if err := c.post(ctx, c.projectURL("value:compute"), body, &resp); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode compute result: %w", err)
	}

	return nil
}

// CreateMap registers the image for tile rendering.
func (c *Client) CreateMap(ctx context.Context, expr Expression, vis Visualization) (MapLayer, error) {
	palette := make([]string, len(vis.Palette))
	for i, p := range vis.Palette {
		palette[i] = strings.TrimPrefix(p, "#")
	}

	body := map[string]any{
		"expression": expr,
		"fileFormat": "PNG",
		"visualizationOptions": map[string]any{
			"ranges":        []map[string]float64{{"min": vis.Min, "max": vis.Max}},
			"paletteColors": palette,
		},
	}

	var layer MapLayer
	if err := c.post(ctx, c.projectURL("maps"), body, &layer); err != nil {
		return MapLayer{}, err
	}
	if layer.Name == "" {
		return MapLayer{}, errors.New("earthengine: map created without a name")
	}

	log.Debug().Str("map", layer.Name).Msg("Map layer created")
	return layer, nil
}

// FetchTile downloads one rendered tile of a map layer.
func (c *Client) FetchTile(ctx context.Context, mapName string, t geo.Tile) ([]byte, error) {
	url := fmt.Sprintf("%s/%s/%s/tiles/%d/%d/%d", c.endpoint, apiVersion, mapName, t.Z, t.X, t.Y)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	return io.ReadAll(resp.Body)
}

func (c *Client) projectURL(method string) string {
	return fmt.Sprintf("%s/%s/projects/%s/%s", c.endpoint, apiVersion, c.project, method)
}

func (c *Client) post(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

// decodeError turns a non 200 response into an *APIError.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var wrapper struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(data, &wrapper); err == nil && wrapper.Error != nil {
		if wrapper.Error.Code == 0 {
			wrapper.Error.Code = resp.StatusCode
		}
		return wrapper.Error
	}

	return &APIError{
		Code:    resp.StatusCode,
		Message: strings.TrimSpace(string(data)),
	}
}
