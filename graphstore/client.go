package graphstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"
)

const (
	// maxErrorBodySize limits the size of error response bodies.
	maxErrorBodySize = 4096

	// retryJitterMin and retryJitterMax bound the random delay before the
	// single retry allowed on an upstream failure.
	retryJitterMin = 50 * time.Millisecond
	retryJitterMax = 300 * time.Millisecond
)

// Client queries the graph gateway over HTTP. It implements Expander.
type Client struct {
	gatewayURL string
	httpClient *http.Client
}

// NewClient creates a graph gateway client.
func NewClient(gatewayURL string) *Client {
	return &Client{
		gatewayURL: gatewayURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// expandResponse is the gateway's wire shape for expansion results.
type expandResponse struct {
	SnapshotETag string      `json:"snapshot_etag"`
	Vertices     []RawVertex `json:"vertices"`
	Edges        []RawEdge   `json:"edges"`
	Error        string      `json:"error,omitempty"`
}

// Expand performs the bounded-hop neighborhood query. On upstream failure it
// retries exactly once after a capped random jitter, then surfaces
// ErrUpstream. Context cancellation aborts without retrying.
func (c *Client) Expand(ctx context.Context, anchorID string, hopLimit int) (*Neighborhood, error) {
	if anchorID == "" {
		return nil, fmt.Errorf("anchor id is required")
	}

	n, err := c.expandOnce(ctx, anchorID, hopLimit)
	if err == nil {
		return n, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(jitter()):
	}

	n, retryErr := c.expandOnce(ctx, anchorID, hopLimit)
	if retryErr != nil {
		return nil, fmt.Errorf("%w: %v (first attempt: %v)", ErrUpstream, retryErr, err)
	}
	return n, nil
}

// SnapshotETag fetches the current corpus version.
func (c *Client) SnapshotETag(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.gatewayURL+"/snapshot", nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return "", fmt.Errorf("%w: snapshot returned %d: %s", ErrUpstream, resp.StatusCode, string(body))
	}

	var out struct {
		SnapshotETag string `json:"snapshot_etag"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode snapshot response: %w", err)
	}
	if out.SnapshotETag == "" {
		return "", fmt.Errorf("%w: empty snapshot etag", ErrUpstream)
	}
	return out.SnapshotETag, nil
}

func (c *Client) expandOnce(ctx context.Context, anchorID string, hopLimit int) (*Neighborhood, error) {
	endpoint := fmt.Sprintf("%s/expand?anchor=%s&hops=%d",
		c.gatewayURL, url.QueryEscape(anchorID), hopLimit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, fmt.Errorf("graph gateway returned %d: %s", resp.StatusCode, string(body))
	}

	var out expandResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("graph gateway error: %s", out.Error)
	}
	if out.SnapshotETag == "" {
		return nil, fmt.Errorf("expansion missing snapshot etag")
	}

	return &Neighborhood{
		AnchorID:     anchorID,
		SnapshotETag: out.SnapshotETag,
		Vertices:     out.Vertices,
		Edges:        out.Edges,
	}, nil
}

// jitter returns a random delay in [retryJitterMin, retryJitterMax).
func jitter() time.Duration {
	span := retryJitterMax - retryJitterMin
	return retryJitterMin + time.Duration(rand.Int63n(int64(span)))
}
