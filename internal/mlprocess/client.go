// Package mlprocess enriches assembled conversations with embeddings,
// classification, entities, and a router-generated summary.
package mlprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client calls the ML sub-services (embeddings, classification, entity
// extraction) over their synchronous request/response API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates the ML sub-service client. Per-call timeouts are applied
// via context by the consumer; the client timeout is a hard upper bound.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed generates the embedding vector for the text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp embedResponse
	if err := c.post(ctx, "/embed", embedRequest{Text: text}, &resp); err != nil {
		return nil, err
	}
	return resp.Embedding, nil
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Sentiment       string   `json:"sentiment"`
	Classifications []string `json:"classifications"`
}

// Classify returns the sentiment label and topic classifications.
func (c *Client) Classify(ctx context.Context, text string) (string, []string, error) {
	var resp classifyResponse
	if err := c.post(ctx, "/classify", classifyRequest{Text: text}, &resp); err != nil {
		return "", nil, err
	}
	return resp.Sentiment, resp.Classifications, nil
}

type entitiesRequest struct {
	Text string `json:"text"`
}

type entitiesResponse struct {
	Entities []string `json:"entities"`
}

// Entities extracts named entities from the text.
func (c *Client) Entities(ctx context.Context, text string) ([]string, error) {
	var resp entitiesResponse
	if err := c.post(ctx, "/entities", entitiesRequest{Text: text}, &resp); err != nil {
		return nil, err
	}
	return resp.Entities, nil
}

// Ping probes the service health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ml service health check returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, reqBody, out any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ml service error [%d] on %s: %s", resp.StatusCode, path, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
