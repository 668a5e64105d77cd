package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	listenerEventsPath = "/radio/listener-events"
	playEventsPath     = "/radio/play-events"
)

// Client posts batches to the backend. A client with an empty base URL
// accepts every batch and sends nothing.
type Client struct {
	BaseURL    string
	APIKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (c *Client) SendListenerBatch(ctx context.Context, batch ListenerBatch) error {
	return c.post(ctx, listenerEventsPath, batch)
}

func (c *Client) SendPlayBatch(ctx context.Context, batch PlayBatch) error {
	return c.post(ctx, playEventsPath, batch)
}

func (c *Client) post(ctx context.Context, path string, v any) error {
	if c.BaseURL == "" {
		return nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("ingest %s failed: status=%d", path, res.StatusCode)
	}
	return nil
}
