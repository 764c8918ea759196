// Package backend is the HTTP client for the search/chat backend's plain
// JSON endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	orcerrors "github.com/tomedesk/tome/internal/errors"
)

// Client talks to the search/chat backend over loopback HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a backend client for baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// SearchRequest is a non-streaming search query.
type SearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// SearchResult is one ranked hit.
type SearchResult struct {
	DocumentID string  `json:"documentId"`
	Title      string  `json:"title"`
	Snippet    string  `json:"snippet"`
	Score      float64 `json:"score"`
}

// SearchResponse is the backend's answer to a search query.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
}

// Search runs a non-streaming search query.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	var resp SearchResponse
	if err := c.postJSON(ctx, "/api/search", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Document is backend metadata for one indexed document.
type Document struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Path       string    `json:"path"`
	ChunkCount int       `json:"chunkCount"`
	IndexedAt  time.Time `json:"indexedAt"`
}

// ListDocuments returns the indexed document collection.
func (c *Client) ListDocuments(ctx context.Context) ([]Document, error) {
	var resp struct {
		Documents []Document `json:"documents"`
	}
	if err := c.getJSON(ctx, "/api/documents", &resp); err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

// DeleteDocument removes a document from the index.
func (c *Client) DeleteDocument(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/api/documents/"+id, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, nil)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// do executes the request. Non-2xx responses become connectivity-kind errors
// carrying the status code and response body.
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return orcerrors.WrapConnectivity(req.Method+" "+req.URL.Path, "backend", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		oerr := orcerrors.New(orcerrors.KindConnectivity, req.Method+" "+req.URL.Path, "backend",
			fmt.Errorf("backend returned %d: %s", resp.StatusCode, string(body)))
		return oerr.WithStatusCode(resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return orcerrors.WrapProtocol(req.Method+" "+req.URL.Path, "backend",
			fmt.Errorf("decode response: %w", err))
	}
	return nil
}
