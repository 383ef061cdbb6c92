// Package dispatch is the HTTP client for the facility's dispatching
// layer: the remote service that serves per-channel event arrays for a
// pulse-id or date range (spec.md §6 "Wire: dispatching layer").
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/psi/sf-daq-broker/internal/model"
)

// Client queries the dispatching layer over HTTP POST.
type Client struct {
	address string
	http    *http.Client
}

// New creates a Client targeting address (e.g.
// "http://dispatcher:8080/query").
func New(address string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{address: address, http: &http.Client{Timeout: timeout}}
}

// Query posts req to the dispatching layer and decodes the per-channel
// response array.
func (c *Client) Query(ctx context.Context, req model.DataAPIRequest) ([]model.ChannelResponse, error) {
	return c.QueryRaw(ctx, req.ToWire())
}

// QueryRaw posts an already-wire-shaped request map, used by the writer
// to replay the exact payload it pulled off the outbound queue
// (spec.md §4.7 step 3), including the timestamp-range fallback, which
// sends a copy of that payload with its "range" field replaced.
func (c *Client) QueryRaw(ctx context.Context, payloadMap map[string]interface{}) ([]model.ChannelResponse, error) {
	payload, err := json.Marshal(payloadMap)
	if err != nil {
		return nil, fmt.Errorf("dispatch: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.address, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("dispatch: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("dispatch: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("dispatch: dispatching layer returned status %d", resp.StatusCode)
	}

	var out []model.ChannelResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("dispatch: decoding response: %w", err)
	}
	return out, nil
}
