// Package imagery resolves street-level image ids against the Mapillary
// Graph API. Lookups honor context cancellation so results for a feature the
// reviewer has already navigated away from are abandoned, not applied.
package imagery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Image is one resolved street-level photo.
type Image struct {
	ID         string  `json:"id"`
	Longitude  float64 `json:"longitude"`
	Latitude   float64 `json:"latitude"`
	ThumbURL   string  `json:"thumbUrl,omitempty"`
	CapturedAt int64   `json:"capturedAt,omitempty"`
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// Configured reports whether an access token is present. Without one the
// imagery panel simply stays empty.
func (c *Client) Configured() bool {
	return c.token != ""
}

type graphResponse struct {
	Data []struct {
		ID               string `json:"id"`
		ComputedGeometry struct {
			Type        string    `json:"type"`
			Coordinates []float64 `json:"coordinates"`
		} `json:"computed_geometry"`
		ThumbURL   string `json:"thumb_1024_url"`
		CapturedAt int64  `json:"captured_at"`
	} `json:"data"`
}

// Images resolves a batch of image ids. The ctx is the cancellation token:
// when the caller loses interest the request is torn down mid-flight.
func (c *Client) Images(ctx context.Context, ids []string) ([]Image, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := url.Values{}
	query.Set("image_ids", strings.Join(ids, ","))
	query.Set("fields", "id,computed_geometry,thumb_1024_url,captured_at")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/images?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build imagery request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("imagery lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("imagery lookup: unexpected status %d", resp.StatusCode)
	}

	var parsed graphResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode imagery response: %w", err)
	}

	images := make([]Image, 0, len(parsed.Data))
	for _, item := range parsed.Data {
		image := Image{ID: item.ID, ThumbURL: item.ThumbURL, CapturedAt: item.CapturedAt}
		if coords := item.ComputedGeometry.Coordinates; len(coords) >= 2 {
			image.Longitude = coords[0]
			image.Latitude = coords[1]
		}
		images = append(images, image)
	}
	return images, nil
}
