package answerer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/c360studio/semgate/envelope"
	"github.com/c360studio/semgate/validate"
)

const (
	defaultTimeout   = 60 * time.Second
	maxErrorBodySize = 4096
)

// Client calls an OpenAI-compatible chat completions endpoint and parses the
// structured answer out of the model's reply.
type Client struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. Used by tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAPIKey sets the bearer token sent with each request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// NewClient creates a generation client for the given endpoint and model.
func NewClient(baseURL, model string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate sends the envelope as a prompt and parses the model's reply into
// a ProposedAnswer. On attempt 2 the prompt names the prior failure so the
// model can correct its citations.
func (c *Client) Generate(ctx context.Context, env *envelope.Envelope, attempt int) (*validate.ProposedAnswer, error) {
	if err := env.Verify(); err != nil {
		return nil, fmt.Errorf("envelope failed verification before generation: %w", err)
	}

	prompt, err := buildPrompt(env, attempt)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	url := c.baseURL + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, fmt.Errorf("chat request returned %d: %s", resp.StatusCode, string(errBody))
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("chat response has no choices")
	}

	raw := ExtractJSON(chat.Choices[0].Message.Content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in model reply")
	}

	var answer validate.ProposedAnswer
	if err := json.Unmarshal([]byte(raw), &answer); err != nil {
		return nil, fmt.Errorf("parse proposed answer: %w", err)
	}
	if answer.Text == "" {
		return nil, fmt.Errorf("proposed answer has no text")
	}
	return &answer, nil
}

const systemPrompt = `You answer questions about a decision using only the evidence provided. ` +
	`Cite evidence by ID in square brackets. You may only cite IDs from allowed_ids. ` +
	`Respond with a single JSON object: {"text": "...", "cited_ids": ["..."], ` +
	`"completeness": {"events": N, "preceding": N, "succeeding": N}}.`

// buildPrompt renders the envelope for the model. The envelope is already
// masked and budgeted, so the prompt is safe to emit as-is.
func buildPrompt(env *envelope.Envelope, attempt int) (string, error) {
	payload, err := json.MarshalIndent(struct {
		AnchorID   string   `json:"anchor_id"`
		Evidence   any      `json:"evidence"`
		Edges      any      `json:"edges"`
		AllowedIDs []string `json:"allowed_ids"`
	}{
		AnchorID:   env.AnchorID,
		Evidence:   env.Evidence,
		Edges:      env.Edges,
		AllowedIDs: env.AllowedIDs,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("render envelope: %w", err)
	}

	var b strings.Builder
	b.WriteString("Explain the decision and its surrounding events.\n\nEvidence:\n")
	b.Write(payload)
	if attempt > 1 {
		b.WriteString("\n\nYour previous answer violated the citation rules. ")
		b.WriteString("Cite the anchor, cite every allowed causal endpoint, and cite nothing outside allowed_ids.")
	}
	return b.String(), nil
}
