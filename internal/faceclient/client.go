package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SearchMatch represents a face match from gallery search.
type SearchMatch struct {
	PersonID   string  `json:"user_id"`
	Similarity float64 `json:"similarity"`
	Name       string  `json:"name,omitempty"`
}

// SearchResult contains 1:N search results.
type SearchResult struct {
	Matches       []SearchMatch `json:"matches"`
	FacesDetected int           `json:"faces_detected"`
}

// Match is the best gallery hit for one frame. PersonID is empty when no
// enrolled face matched.
type Match struct {
	PersonID      string
	Name          string
	Confidence    float64
	FacesDetected int
}

// Matched reports whether a person was identified.
func (m Match) Matched() bool {
	return m.PersonID != ""
}

// Client calls the face recognition microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with configurable timeout.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // Face processing can take time
		},
	}
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}

	return nil
}

// Search performs 1:N face identification against the enrolled gallery.
func (c *Client) Search(ctx context.Context, imageURL string, topK int, threshold float64) (*SearchResult, error) {
	if c.Skip {
		return &SearchResult{Matches: []SearchMatch{}}, nil
	}
	if imageURL == "" {
		return nil, fmt.Errorf("image url required")
	}

	payload := map[string]interface{}{
		"image_url": imageURL,
		"top_k":     topK,
	}
	if threshold > 0 {
		payload["threshold"] = threshold
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out SearchResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}

// Match identifies the person in imageURL. Similarities below minSimilarity
// count as no match; the similarity becomes the detection confidence.
func (c *Client) Match(ctx context.Context, imageURL string, minSimilarity float64) (Match, error) {
	res, err := c.Search(ctx, imageURL, 1, minSimilarity)
	if err != nil {
		return Match{}, err
	}

	m := Match{FacesDetected: res.FacesDetected}
	if len(res.Matches) == 0 {
		return m, nil
	}
	best := res.Matches[0]
	for _, hit := range res.Matches[1:] {
		if hit.Similarity > best.Similarity {
			best = hit
		}
	}
	if best.Similarity < minSimilarity {
		return m, nil
	}
	m.PersonID = best.PersonID
	m.Name = best.Name
	m.Confidence = clamp(best.Similarity)
	return m, nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
