package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// fakeKV is an in-memory KV bucket. TTL expiry is not modeled; the real
// bucket handles that server-side.
type fakeKV struct {
	data map[string][]byte
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string][]byte)}
}

func (f *fakeKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	value, ok := f.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return &fakeKVEntry{key: key, value: value}, nil
}

func (f *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	f.data[key] = value
	return uint64(len(f.data)), nil
}

type fakeKVEntry struct {
	key   string
	value []byte
}

func (e *fakeKVEntry) Bucket() string                  { return EvidenceBucket }
func (e *fakeKVEntry) Key() string                     { return e.key }
func (e *fakeKVEntry) Value() []byte                   { return e.value }
func (e *fakeKVEntry) Revision() uint64                { return 1 }
func (e *fakeKVEntry) Created() time.Time              { return time.Time{} }
func (e *fakeKVEntry) Delta() uint64                   { return 0 }
func (e *fakeKVEntry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }

type cachedSet struct {
	AnchorID string   `json:"anchor_id"`
	IDs      []string `json:"ids"`
}

func testStore(t *testing.T) (*Store, *fakeKV) {
	t.Helper()
	kv := newFakeKV()
	store, err := NewStoreWithKV(kv, nil)
	if err != nil {
		t.Fatalf("NewStoreWithKV() error = %v", err)
	}
	return store, kv
}

func testKey(t *testing.T, parts KeyParts) string {
	t.Helper()
	key, err := CompositeKey(parts)
	if err != nil {
		t.Fatalf("CompositeKey() error = %v", err)
	}
	return key
}

func TestPutGetRoundTrip(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	key := testKey(t, KeyParts{DecisionID: "d1", Intent: "why", SnapshotETag: "etag-1", PolicyKey: "pk-1"})

	in := cachedSet{AnchorID: "d1", IDs: []string{"e1", "e2"}}
	if err := store.Put(ctx, "d1", key, KindCandidateSet, in); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	var out cachedSet
	if err := store.Get(ctx, key, KindCandidateSet, &out); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if out.AnchorID != "d1" || len(out.IDs) != 2 {
		t.Errorf("round trip = %+v, want original payload", out)
	}

	alias, err := store.Alias(ctx, "d1")
	if err != nil {
		t.Fatalf("Alias() error = %v", err)
	}
	if alias != key {
		t.Errorf("alias points at %q, want %q", alias, key)
	}
}

func TestGetMissOnAbsentKey(t *testing.T) {
	store, _ := testStore(t)
	var out cachedSet
	err := store.Get(context.Background(), "composite.nope", KindCandidateSet, &out)
	if !errors.Is(err, ErrMiss) {
		t.Errorf("Get() = %v, want ErrMiss", err)
	}
	if _, err := store.Alias(context.Background(), "unseen"); !errors.Is(err, ErrMiss) {
		t.Errorf("Alias() = %v, want ErrMiss", err)
	}
}

// Requests under different policy keys or corpus versions derive different
// composite keys, so neither can observe the other's cached result.
func TestCompositeKeyPartitions(t *testing.T) {
	base := KeyParts{DecisionID: "d1", Intent: "why", GraphScope: "ops/**", SnapshotETag: "etag-1", PolicyKey: "pk-staff"}

	variants := map[string]KeyParts{
		"policy key": {DecisionID: "d1", Intent: "why", GraphScope: "ops/**", SnapshotETag: "etag-1", PolicyKey: "pk-auditor"},
		"etag":       {DecisionID: "d1", Intent: "why", GraphScope: "ops/**", SnapshotETag: "etag-2", PolicyKey: "pk-staff"},
		"decision":   {DecisionID: "d2", Intent: "why", GraphScope: "ops/**", SnapshotETag: "etag-1", PolicyKey: "pk-staff"},
		"intent":     {DecisionID: "d1", Intent: "what", GraphScope: "ops/**", SnapshotETag: "etag-1", PolicyKey: "pk-staff"},
		"scope":      {DecisionID: "d1", Intent: "why", GraphScope: "finance/**", SnapshotETag: "etag-1", PolicyKey: "pk-staff"},
	}

	baseKey := testKey(t, base)
	if testKey(t, base) != baseKey {
		t.Fatal("composite key is not deterministic")
	}
	for name, parts := range variants {
		if testKey(t, parts) == baseKey {
			t.Errorf("changing %s did not change the composite key", name)
		}
	}
}

func TestCompositeKeyRequiresIdentity(t *testing.T) {
	for _, parts := range []KeyParts{
		{SnapshotETag: "etag-1", PolicyKey: "pk"},
		{DecisionID: "d1", PolicyKey: "pk"},
		{DecisionID: "d1", SnapshotETag: "etag-1"},
	} {
		if _, err := CompositeKey(parts); err == nil {
			t.Errorf("CompositeKey(%+v) expected error", parts)
		}
	}
}

// A stale alias from a different policy is detected by the caller comparing
// keys; the cache itself returns whatever key the alias holds.
func TestAliasFromAnotherPolicy(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	staffKey := testKey(t, KeyParts{DecisionID: "d1", SnapshotETag: "etag-1", PolicyKey: "pk-staff"})
	if err := store.Put(ctx, "d1", staffKey, KindCandidateSet, cachedSet{AnchorID: "d1"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	auditorKey := testKey(t, KeyParts{DecisionID: "d1", SnapshotETag: "etag-1", PolicyKey: "pk-auditor"})
	alias, err := store.Alias(ctx, "d1")
	if err != nil {
		t.Fatalf("Alias() error = %v", err)
	}
	if alias == auditorKey {
		t.Fatal("alias should hold the staff key, not the auditor key")
	}

	var out cachedSet
	if err := store.Get(ctx, auditorKey, KindCandidateSet, &out); !errors.Is(err, ErrMiss) {
		t.Errorf("Get() under the auditor key = %v, want ErrMiss", err)
	}
}

// Corrupt and malformed entries are demoted to misses, never errors.
func TestCorruptEntryIsMiss(t *testing.T) {
	store, kv := testStore(t)
	ctx := context.Background()
	key := testKey(t, KeyParts{DecisionID: "d1", SnapshotETag: "etag-1", PolicyKey: "pk"})

	cases := map[string][]byte{
		"not json":       []byte("{{{"),
		"missing fields": []byte(`{"kind": "candidate_set"}`),
		"bad kind":       []byte(`{"schema_version": 1, "kind": "mystery", "composite_key": "` + key + `", "payload": null}`),
		"old version":    []byte(`{"schema_version": 99, "kind": "candidate_set", "composite_key": "` + key + `", "payload": null}`),
	}
	for name, raw := range cases {
		kv.data[key] = raw
		var out cachedSet
		if err := store.Get(ctx, key, KindCandidateSet, &out); !errors.Is(err, ErrMiss) {
			t.Errorf("%s: Get() = %v, want ErrMiss", name, err)
		}
	}
}

// An entry under the right key but the wrong kind is a miss.
func TestKindMismatchIsMiss(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	key := testKey(t, KeyParts{DecisionID: "d1", SnapshotETag: "etag-1", PolicyKey: "pk"})

	if err := store.Put(ctx, "d1", key, KindCandidateSet, cachedSet{AnchorID: "d1"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	var out cachedSet
	if err := store.Get(ctx, key, KindEnvelope, &out); !errors.Is(err, ErrMiss) {
		t.Errorf("Get() with wrong kind = %v, want ErrMiss", err)
	}
}

func TestAliasKeyStable(t *testing.T) {
	if AliasKey("d1") != AliasKey("d1") {
		t.Error("alias key is not deterministic")
	}
	if AliasKey("d1") == AliasKey("d2") {
		t.Error("distinct anchors share an alias key")
	}
}
