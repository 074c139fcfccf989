package evidenceapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterHTTPHandlers registers HTTP handlers for the evidence-api component.
// The prefix includes the trailing slash (e.g., "/evidence-api/").
func (c *Component) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	mux.HandleFunc(prefix+"responses/", c.handleGetResponse)
	mux.Handle(prefix+"metrics", promhttp.Handler())
}

// handleGetResponse handles GET /responses/{request_id}
// Returns the stored assembly response for the given request ID.
func (c *Component) handleGetResponse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := extractRequestID(r.URL.Path)
	if requestID == "" {
		http.Error(w, "Request ID required", http.StatusBadRequest)
		return
	}

	c.mu.RLock()
	bucket := c.responseBucket
	c.mu.RUnlock()

	if bucket == nil {
		http.Error(w, "Response storage not initialized", http.StatusServiceUnavailable)
		return
	}

	entry, err := bucket.Get(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			http.Error(w, "Response not found", http.StatusNotFound)
			return
		}
		c.logger.Error("Failed to get assembly response",
			"request_id", requestID,
			"error", err)
		http.Error(w, "Failed to retrieve response", http.StatusInternalServerError)
		return
	}

	// The stored value is already JSON
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(entry.Value()); err != nil {
		c.logger.Warn("Failed to write response", "error", err)
	}
}

// extractRequestID extracts the request ID from a path like /evidence-api/responses/{request_id}
func extractRequestID(path string) string {
	idx := strings.LastIndex(path, "/responses/")
	if idx == -1 {
		return ""
	}
	requestID := path[idx+len("/responses/"):]
	return strings.TrimSuffix(requestID, "/")
}
