// Package cache is the two-key read-through evidence cache: an alias record
// maps an anchor ID to the composite key of its most recent result, and the
// composite record holds the cached CandidateSet or Envelope. Both records
// share one TTL. The composite key is a pure function of the request's
// policy identity and corpus version, so a policy or corpus change produces
// a miss by construction rather than through an invalidation step.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/kaptinlin/jsonschema"
	"github.com/nats-io/nats.go/jetstream"
)

// EvidenceBucket is the KV bucket name for cached evidence.
const EvidenceBucket = "EVIDENCE_CACHE"

// EntryTTL is the shared lifetime of alias and composite records.
const EntryTTL = 15 * time.Minute

// Entry kinds stored in composite records.
const (
	KindCandidateSet = "candidate_set"
	KindEnvelope     = "envelope"
)

// ErrMiss is returned when a key is absent, expired, stale, or corrupt.
// Corrupt entries are logged but never surfaced as errors.
var ErrMiss = errors.New("cache miss")

// Entry wraps a cached payload with enough structure to detect corruption
// on read.
type Entry struct {
	SchemaVersion int             `json:"schema_version"`
	Kind          string          `json:"kind"`
	CompositeKey  string          `json:"composite_key"`
	Payload       json.RawMessage `json:"payload"`
	StoredAt      time.Time       `json:"stored_at"`
}

const entrySchemaVersion = 1

// entrySchema guards reads: an entry that fails this check is treated as a
// miss, not an error.
const entrySchema = `{
	"type": "object",
	"required": ["schema_version", "kind", "composite_key", "payload"],
	"properties": {
		"schema_version": {"type": "integer", "minimum": 1},
		"kind": {"type": "string", "enum": ["candidate_set", "envelope", "alias"]},
		"composite_key": {"type": "string", "minLength": 1},
		"payload": {},
		"stored_at": {"type": "string"}
	}
}`

// KV is the slice of the key-value API the cache needs. jetstream.KeyValue
// satisfies it.
type KV interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
}

// Store is the evidence cache over a KV bucket.
type Store struct {
	kv     KV
	schema *jsonschema.Schema
	logger *slog.Logger
}

// NewStore creates the cache bucket and returns a store over it.
func NewStore(ctx context.Context, nc *natsclient.Client, logger *slog.Logger) (*Store, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	// CreateOrUpdateKeyValue is idempotent and handles race conditions
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      EvidenceBucket,
		Description: "Policy-keyed evidence cache",
		TTL:         EntryTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}

	return NewStoreWithKV(bucket, logger)
}

// NewStoreWithKV builds a store over an existing bucket. Used by tests.
func NewStoreWithKV(kv KV, logger *slog.Logger) (*Store, error) {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(entrySchema))
	if err != nil {
		return nil, fmt.Errorf("compile entry schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, schema: schema, logger: logger}, nil
}

// Get retrieves the entry under the composite key. The KV bucket TTL handles
// expiry; schema and key mismatches are demoted to misses.
func (s *Store) Get(ctx context.Context, compositeKey, kind string, out any) error {
	entry, err := s.readEntry(ctx, compositeKey)
	if err != nil {
		return err
	}
	if entry.Kind != kind || entry.CompositeKey != compositeKey {
		s.logger.Warn("cache entry mismatch, treating as miss",
			"key", compositeKey, "kind", entry.Kind, "want_kind", kind)
		return ErrMiss
	}
	if err := json.Unmarshal(entry.Payload, out); err != nil {
		s.logger.Warn("cache payload corrupt, treating as miss",
			"key", compositeKey, "error", err)
		return ErrMiss
	}
	return nil
}

// Put stores a payload under the composite key and then points the anchor
// alias at it. The composite record is written first so the alias never
// references a key that does not exist.
func (s *Store) Put(ctx context.Context, anchorID, compositeKey, kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal cache payload: %w", err)
	}
	entry := Entry{
		SchemaVersion: entrySchemaVersion,
		Kind:          kind,
		CompositeKey:  compositeKey,
		Payload:       raw,
		StoredAt:      time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if _, err := s.kv.Put(ctx, compositeKey, data); err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}

	alias := Entry{
		SchemaVersion: entrySchemaVersion,
		Kind:          "alias",
		CompositeKey:  compositeKey,
		Payload:       json.RawMessage(`null`),
		StoredAt:      entry.StoredAt,
	}
	aliasData, err := json.Marshal(alias)
	if err != nil {
		return fmt.Errorf("marshal alias entry: %w", err)
	}
	if _, err := s.kv.Put(ctx, AliasKey(anchorID), aliasData); err != nil {
		return fmt.Errorf("put alias entry: %w", err)
	}
	return nil
}

// Alias returns the composite key the anchor alias currently points at.
// Callers must compare it against the key they derived themselves; a
// different key means the cached result belongs to another policy or corpus
// version and is a miss for this request.
func (s *Store) Alias(ctx context.Context, anchorID string) (string, error) {
	entry, err := s.readEntry(ctx, AliasKey(anchorID))
	if err != nil {
		return "", err
	}
	if entry.Kind != "alias" {
		return "", ErrMiss
	}
	return entry.CompositeKey, nil
}

func (s *Store) readEntry(ctx context.Context, key string) (*Entry, error) {
	kvEntry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("get cache entry: %w", err)
	}

	data := kvEntry.Value()
	if result := s.schema.ValidateJSON(data); !result.IsValid() {
		s.logger.Warn("cache entry failed schema check, treating as miss",
			"key", key, "errors", fmt.Sprintf("%v", result.Errors))
		return nil, ErrMiss
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		s.logger.Warn("cache entry corrupt, treating as miss", "key", key, "error", err)
		return nil, ErrMiss
	}
	if entry.SchemaVersion != entrySchemaVersion {
		s.logger.Warn("cache entry schema version mismatch, treating as miss",
			"key", key, "version", entry.SchemaVersion)
		return nil, ErrMiss
	}
	return &entry, nil
}
