package graphstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func expandPayload() map[string]any {
	return map[string]any{
		"snapshot_etag": "etag-1",
		"vertices": []map[string]any{
			{"id": "d1", "kind": "decision", "sensitivity": "low"},
			{"id": "e1", "kind": "event", "sensitivity": "low"},
		},
		"edges": []map[string]any{
			{"id": "edge1", "type": "causal", "from": "e1", "to": "d1"},
		},
	}
}

func TestExpand(t *testing.T) {
	var gotQuery atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.RawQuery)
		if err := json.NewEncoder(w).Encode(expandPayload()); err != nil {
			t.Errorf("encode: %v", err)
		}
	}))
	defer server.Close()

	n, err := NewClient(server.URL).Expand(context.Background(), "d1", 1)
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}

	if n.SnapshotETag != "etag-1" {
		t.Errorf("snapshot etag = %q, want etag-1", n.SnapshotETag)
	}
	if len(n.Vertices) != 2 || len(n.Edges) != 1 {
		t.Errorf("neighborhood = %d vertices %d edges, want 2 and 1", len(n.Vertices), len(n.Edges))
	}
	if q := gotQuery.Load(); q != "anchor=d1&hops=1" {
		t.Errorf("query = %q, want anchor=d1&hops=1", q)
	}
}

// One upstream failure is absorbed by the single retry.
func TestExpandRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "transient", http.StatusBadGateway)
			return
		}
		if err := json.NewEncoder(w).Encode(expandPayload()); err != nil {
			t.Errorf("encode: %v", err)
		}
	}))
	defer server.Close()

	n, err := NewClient(server.URL).Expand(context.Background(), "d1", 1)
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if n.SnapshotETag != "etag-1" {
		t.Errorf("snapshot etag = %q, want etag-1", n.SnapshotETag)
	}
	if calls.Load() != 2 {
		t.Errorf("upstream calls = %d, want 2", calls.Load())
	}
}

// Two failures exhaust the retry budget and surface ErrUpstream.
func TestExpandUpstreamErrorAfterRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewClient(server.URL).Expand(context.Background(), "d1", 1)
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("Expand() error = %v, want ErrUpstream", err)
	}
	if calls.Load() != 2 {
		t.Errorf("upstream calls = %d, want exactly 2", calls.Load())
	}
}

// A canceled context aborts without burning the retry.
func TestExpandNoRetryOnCancel(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "slow", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewClient(server.URL).Expand(ctx, "d1", 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expand() error = %v, want context.Canceled", err)
	}
	if calls.Load() > 1 {
		t.Errorf("upstream calls = %d, want at most 1", calls.Load())
	}
}

func TestExpandRejectsEmptyAnchor(t *testing.T) {
	if _, err := NewClient("http://localhost:0").Expand(context.Background(), "", 1); err == nil {
		t.Error("Expand() expected error for empty anchor")
	}
}

func TestExpandGatewayErrorField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if err := json.NewEncoder(w).Encode(map[string]any{"error": "anchor not found"}); err != nil {
			t.Errorf("encode: %v", err)
		}
	}))
	defer server.Close()

	if _, err := NewClient(server.URL).Expand(context.Background(), "ghost", 1); err == nil {
		t.Error("Expand() expected error when the gateway reports one")
	}
}

func TestSnapshotETag(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/snapshot" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewEncoder(w).Encode(map[string]string{"snapshot_etag": "etag-7"}); err != nil {
			t.Errorf("encode: %v", err)
		}
	}))
	defer server.Close()

	etag, err := NewClient(server.URL).SnapshotETag(context.Background())
	if err != nil {
		t.Fatalf("SnapshotETag() error = %v", err)
	}
	if etag != "etag-7" {
		t.Errorf("etag = %q, want etag-7", etag)
	}
}

func TestSnapshotETagUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := NewClient(server.URL).SnapshotETag(context.Background())
	if !errors.Is(err, ErrUpstream) {
		t.Errorf("SnapshotETag() error = %v, want ErrUpstream", err)
	}
}
