// Package indexer talks to a Prowlarr-style indexer aggregator.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client represents an aggregator API client.
type Client struct {
	client  *http.Client
	apiKey  string
	baseURL string
}

// NewClient creates a new aggregator API client.
func NewClient(apiKey, baseURL string) *Client {
	return &Client{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		apiKey:  apiKey,
		baseURL: baseURL,
	}
}

type historyRecord struct {
	EventType string                 `json:"eventType"`
	Data      map[string]interface{} `json:"data"`
}

type historyResponse struct {
	Records      []historyRecord `json:"records"`
	TotalRecords int             `json:"totalRecords"`
}

// ResolveOriginalURL maps an aggregator-proxied grab link back to the
// release's original indexer URL by scanning the aggregator's grab history.
// An empty string with a nil error means the link is not in the history.
func (c *Client) ResolveOriginalURL(ctx context.Context, ref string) (string, error) {
	inspected := 0
	page := 0

	for {
		url := fmt.Sprintf("%s/api/v1/history?page=%d&pageSize=1000", c.baseURL, page)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("X-Api-Key", c.apiKey)

		resp, err := c.client.Do(req)
		if err != nil {
			return "", fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("url: %s, status: %d", url, resp.StatusCode)
		}

		var history historyResponse
		if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
			return "", fmt.Errorf("failed to decode response: %w", err)
		}

		for _, record := range history.Records {
			if record.EventType == "releaseGrabbed" {
				if grabURL, ok := record.Data["grabUrl"].(string); ok && grabURL == ref {
					if original, ok := record.Data["url"].(string); ok && original != "" {
						return original, nil
					}
				}
			}

			inspected++
		}

		if history.TotalRecords > inspected {
			page++
		} else {
			return "", nil
		}
	}
}
