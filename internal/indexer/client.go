// Package indexer performs batched writes of enriched documents into the
// search index.
package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/FSTGIAT/call-analytics-sub001/internal/domain"
)

// ItemResult is the per-document outcome of one bulk write.
type ItemResult struct {
	DocumentID string `json:"document_id"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// Client speaks the search index's bulk write API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates the search index client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type bulkRequest struct {
	Documents []domain.EnrichedDocument `json:"documents"`
}

type bulkResponse struct {
	Results []ItemResult `json:"results"`
}

// BulkWrite indexes the batch in one call and returns per-item status.
func (c *Client) BulkWrite(ctx context.Context, docs []domain.EnrichedDocument) ([]ItemResult, error) {
	body, err := json.Marshal(bulkRequest{Documents: docs})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bulk request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/documents/bulk", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send bulk write: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search index error [%d]: %s", resp.StatusCode, string(respBody))
	}

	var result bulkResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result.Results, nil
}

// Ping probes the index readiness endpoint, for the health aggregator.
func (c *Client) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/.well-known/ready", nil)
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
		return fmt.Errorf("search index readiness returned %d", resp.StatusCode)
	}
	return nil
}
