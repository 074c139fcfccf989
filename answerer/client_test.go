package answerer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/c360studio/semgate/envelope"
	"github.com/c360studio/semgate/evidence"
)

func testEnvelope(t *testing.T) *envelope.Envelope {
	t.Helper()
	set := &evidence.CandidateSet{
		AnchorID: "d1",
		Vertices: []evidence.CandidateVertex{
			{ID: "d1", Kind: evidence.KindDecision, Sensitivity: evidence.SensitivityLow,
				Fields: map[string]any{"title": "migrate billing database"}},
			{ID: "e1", Kind: evidence.KindEvent, Sensitivity: evidence.SensitivityLow,
				Fields: map[string]any{"title": "backup completed"}},
		},
		Edges: []evidence.CandidateEdge{
			{ID: "edge1", Type: evidence.EdgeCausal, From: "e1", To: "d1"},
		},
	}
	env, err := envelope.Build("pol-1", "prompt-1", set,
		&evidence.Bundle{Included: []string{"d1", "e1"}}, "etag-1")
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return env
}

func chatServer(t *testing.T, reply string, check func(r *http.Request, body []byte)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read request body: %v", err)
		}
		if check != nil {
			check(r, body)
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": reply}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatalf("encode response: %v", err)
		}
	}))
}

func TestGenerateParsesReply(t *testing.T) {
	reply := `Here is the answer:
` + "```json\n" + `{"text": "The migration followed its backup [d1][e1].",
  "cited_ids": ["d1", "e1"],
  "completeness": {"events": 1, "preceding": 1, "succeeding": 0}}` + "\n```"

	var gotPath, gotAuth string
	server := chatServer(t, reply, func(r *http.Request, _ []byte) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
	})
	defer server.Close()

	client := NewClient(server.URL, "test-model", nil, WithAPIKey("sk-test"))
	answer, err := client.Generate(context.Background(), testEnvelope(t), 1)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if gotPath != "/v1/chat/completions" {
		t.Errorf("path = %q, want /v1/chat/completions", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("authorization = %q, want bearer token", gotAuth)
	}
	if len(answer.CitedIDs) != 2 {
		t.Errorf("cited_ids = %v, want [d1 e1]", answer.CitedIDs)
	}
	if answer.Completeness.Preceding != 1 {
		t.Errorf("preceding = %d, want 1", answer.Completeness.Preceding)
	}
}

func TestGenerateRetryPromptNamesFailure(t *testing.T) {
	var gotBody []byte
	server := chatServer(t, `{"text": "ok", "cited_ids": ["d1"], "completeness": {"events": 1, "preceding": 1, "succeeding": 0}}`,
		func(_ *http.Request, body []byte) { gotBody = body })
	defer server.Close()

	client := NewClient(server.URL, "test-model", nil)
	if _, err := client.Generate(context.Background(), testEnvelope(t), 2); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !strings.Contains(string(gotBody), "violated the citation rules") {
		t.Error("retry prompt does not mention the prior violation")
	}
}

func TestGenerateUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-model", nil)
	if _, err := client.Generate(context.Background(), testEnvelope(t), 1); err == nil {
		t.Error("Generate() expected error on 503")
	}
}

func TestGenerateRejectsNonJSONReply(t *testing.T) {
	server := chatServer(t, "I cannot answer that.", nil)
	defer server.Close()

	client := NewClient(server.URL, "test-model", nil)
	if _, err := client.Generate(context.Background(), testEnvelope(t), 1); err == nil {
		t.Error("Generate() expected error for a reply without JSON")
	}
}

func TestGenerateRejectsMutatedEnvelope(t *testing.T) {
	server := chatServer(t, `{"text": "ok"}`, nil)
	defer server.Close()

	env := testEnvelope(t)
	env.AllowedIDs = append(env.AllowedIDs, "x9")

	client := NewClient(server.URL, "test-model", nil)
	if _, err := client.Generate(context.Background(), env, 1); err == nil {
		t.Error("Generate() accepted a mutated envelope")
	}
}
