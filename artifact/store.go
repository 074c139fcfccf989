// Package artifact persists per-request audit records: the candidate set,
// budgeted bundle, envelope, and validator report. Records are write-once
// and addressed by request ID plus record name, with fingerprinted records
// also stored under their content address for replay.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"
)

// ArtifactBucket is the object store bucket for pipeline audit records.
const ArtifactBucket = "EVIDENCE_ARTIFACTS"

// Record names within a request.
const (
	RecordCandidateSet = "candidate_set"
	RecordBundle       = "bundle"
	RecordEnvelope     = "envelope"
	RecordReport       = "validator_report"
	RecordResponse     = "response"
)

// ObjectStore is the slice of the object store API the writer needs.
type ObjectStore interface {
	PutBytes(ctx context.Context, name string, data []byte) (*jetstream.ObjectInfo, error)
	GetBytes(ctx context.Context, name string, opts ...jetstream.GetObjectOpt) ([]byte, error)
}

// Writer persists audit artifacts. Failures are logged and swallowed: audit
// persistence never blocks or fails a request.
type Writer struct {
	store  ObjectStore
	logger *slog.Logger
}

// NewWriter creates the artifact bucket and returns a writer over it.
func NewWriter(ctx context.Context, nc *natsclient.Client, logger *slog.Logger) (*Writer, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	store, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      ArtifactBucket,
		Description: "Evidence pipeline audit artifacts",
	})
	if err != nil {
		return nil, fmt.Errorf("create/update object store: %w", err)
	}

	return NewWriterWithStore(store, logger), nil
}

// NewWriterWithStore builds a writer over an existing store. Used by tests.
func NewWriterWithStore(store ObjectStore, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{store: store, logger: logger}
}

// Write stores one record under the request ID. Errors are logged, never
// returned.
func (w *Writer) Write(ctx context.Context, requestID, record string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.logger.Warn("artifact marshal failed", "request_id", requestID, "record", record, "error", err)
		return
	}
	name := fmt.Sprintf("%s/%s", requestID, record)
	if _, err := w.store.PutBytes(ctx, name, data); err != nil {
		w.logger.Warn("artifact write failed", "name", name, "error", err)
	}
}

// WriteAddressed stores a record under the request ID and again under its
// content fingerprint, so identical envelopes replay from one object.
func (w *Writer) WriteAddressed(ctx context.Context, requestID, record, fingerprint string, v any) {
	w.Write(ctx, requestID, record, v)
	if fingerprint == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	name := fmt.Sprintf("by-fingerprint/%s/%s", record, fingerprint)
	if _, err := w.store.PutBytes(ctx, name, data); err != nil {
		w.logger.Warn("artifact write failed", "name", name, "error", err)
	}
}

// Read fetches one record for a request, for the audit surface.
func (w *Writer) Read(ctx context.Context, requestID, record string) ([]byte, error) {
	name := fmt.Sprintf("%s/%s", requestID, record)
	data, err := w.store.GetBytes(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("get artifact %s: %w", name, err)
	}
	return data, nil
}
