// Package epicswriter is the HTTP client for the downstream "epics
// writer" service that materializes slow-control (PV) data, spec.md
// §6 "Wire: epics-writer PUT".
package epicswriter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client PUTs acquisition requests to the epics writer.
type Client struct {
	url  string
	http *http.Client
}

// New creates a Client targeting url. An empty url means "no epics
// writer configured" — callers should check Enabled() before use.
func New(url string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{url: url, http: &http.Client{Timeout: timeout}}
}

// Enabled reports whether an epics writer URL is configured.
func (c *Client) Enabled() bool {
	return c.url != ""
}

// Request is the PUT body, spec.md §6.
type Request struct {
	Range         interface{} `json:"range"`
	Parameters    interface{} `json:"parameters"`
	Channels      []string    `json:"channels,omitempty"`
	RetrievalURL  string      `json:"retrieval_url,omitempty"`
}

// Put delivers req. Errors are returned to the caller, who is expected
// (per spec.md §4.5/§4.6) to treat this as a best-effort, non-fatal
// forward.
func (c *Client) Put(ctx context.Context, req Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("epicswriter: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("epicswriter: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("epicswriter: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("epicswriter: non-2xx status %d", resp.StatusCode)
	}
	return nil
}
