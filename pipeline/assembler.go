// Package pipeline runs the full evidence assembly sequence for one request:
// resolve policy, pre-select through the cache, rank, budget, seal the
// envelope, generate and validate an answer, and fall back deterministically
// when generation cannot satisfy the citation contract. The stage order is
// strict: each stage's output is a hard precondition for the next.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/c360studio/semgate/answerer"
	"github.com/c360studio/semgate/budget"
	"github.com/c360studio/semgate/cache"
	"github.com/c360studio/semgate/envelope"
	"github.com/c360studio/semgate/evidence"
	"github.com/c360studio/semgate/graphstore"
	"github.com/c360studio/semgate/policy"
	"github.com/c360studio/semgate/preselect"
	"github.com/c360studio/semgate/selector"
	"github.com/c360studio/semgate/validate"
)

// DefaultTimeout bounds a request end to end, including the upstream fetch
// and its one retry. Exceeding it is a timeout error, never a silent
// fallback.
const DefaultTimeout = 30 * time.Second

// Request is one evidence assembly request.
type Request struct {
	RequestID  string       `json:"request_id"`
	Actor      policy.Actor `json:"actor"`
	AnchorID   string       `json:"anchor_id"`
	Intent     string       `json:"intent"`
	GraphScope string       `json:"graph_scope"`
	PromptID   string       `json:"prompt_id"`
}

// Validate checks the request before any stage runs.
func (r *Request) Validate() error {
	if r.AnchorID == "" {
		return fmt.Errorf("anchor_id is required")
	}
	if r.PromptID == "" {
		return fmt.Errorf("prompt_id is required")
	}
	return r.Actor.Validate()
}

// Trace reports what was left out of the answer and why. Policy withholding
// and budget clipping are distinct outcomes and are never merged.
type Trace struct {
	PolicyWithheld []evidence.Excluded `json:"policy_withheld,omitempty"`
	BudgetClipped  []evidence.Excluded `json:"budget_clipped,omitempty"`
}

// Response is the caller-facing result.
type Response struct {
	RequestID         string   `json:"request_id"`
	Answer            string   `json:"answer"`
	CitedIDs          []string `json:"cited_ids"`
	AllowedIDs        []string `json:"allowed_ids"`
	PromptFingerprint string   `json:"prompt_fingerprint"`
	BundleFingerprint string   `json:"bundle_fingerprint"`
	EvidenceDigest    string   `json:"evidence_digest"`
	SnapshotETag      string   `json:"snapshot_etag"`
	Trace             Trace    `json:"trace"`
	FallbackUsed      bool     `json:"fallback_used"`
	CacheHit          bool     `json:"cache_hit"`
}

// EvidenceCache is the slice of the cache the assembler uses.
type EvidenceCache interface {
	Alias(ctx context.Context, anchorID string) (string, error)
	Get(ctx context.Context, compositeKey, kind string, out any) error
	Put(ctx context.Context, anchorID, compositeKey, kind string, payload any) error
}

// ArtifactWriter persists audit records. Writes never fail a request.
type ArtifactWriter interface {
	Write(ctx context.Context, requestID, record string, v any)
	WriteAddressed(ctx context.Context, requestID, record, fingerprint string, v any)
}

// Assembler wires the pipeline stages together.
type Assembler struct {
	resolver  *policy.Resolver
	expander  graphstore.Expander
	preselect *preselect.PreSelector
	selector  *selector.Selector
	gate      *budget.Gate
	validator *validate.Validator
	cache     EvidenceCache
	artifacts ArtifactWriter
	generator answerer.Generator
	logger    *slog.Logger
	timeout   time.Duration
}

// Config collects the assembler's collaborators. Resolver, Expander, and
// Cache are required; Generator may be nil, in which case every request
// takes the fallback path. Clock, when set, replaces the wall clock used to
// stamp candidate sets.
type Config struct {
	Resolver  *policy.Resolver
	Expander  graphstore.Expander
	Cache     EvidenceCache
	Artifacts ArtifactWriter
	Generator answerer.Generator
	Gate      *budget.Gate
	Logger    *slog.Logger
	Timeout   time.Duration
	Clock     func() time.Time
}

// New creates an assembler.
func New(cfg Config) (*Assembler, error) {
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if cfg.Expander == nil {
		return nil, fmt.Errorf("expander is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if cfg.Gate == nil {
		cfg.Gate = budget.NewGate(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	var preOpts []preselect.Option
	var selOpts []selector.Option
	if cfg.Clock != nil {
		preOpts = append(preOpts, preselect.WithClock(cfg.Clock))
		selOpts = append(selOpts, selector.WithClock(cfg.Clock))
	}
	return &Assembler{
		resolver:  cfg.Resolver,
		expander:  cfg.Expander,
		preselect: preselect.New(cfg.Expander, cfg.Logger, preOpts...),
		selector:  selector.New(selOpts...),
		gate:      cfg.Gate,
		validator: validate.New(),
		cache:     cfg.Cache,
		artifacts: cfg.Artifacts,
		generator: cfg.Generator,
		logger:    cfg.Logger,
		timeout:   cfg.Timeout,
	}, nil
}

// Assemble runs the pipeline for one request.
func (a *Assembler) Assemble(ctx context.Context, req *Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	pol, err := a.resolver.Resolve(&req.Actor)
	if err != nil {
		return nil, err
	}

	set, snapshotETag, cacheHit, err := a.candidateSet(ctx, req, pol)
	if err != nil {
		return nil, err
	}
	if a.artifacts != nil {
		a.artifacts.Write(ctx, req.RequestID, "candidate_set", set)
	}

	ranked := a.selector.Rank(set)
	bundle, err := a.gate.Apply(ranked, &set.Trace, pol.MaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("budget gate: %w", err)
	}
	if a.artifacts != nil {
		a.artifacts.Write(ctx, req.RequestID, "bundle", bundle)
	}

	env, err := envelope.Build(pol.PolicyKey, req.PromptID, set, bundle, snapshotETag)
	if err != nil {
		return nil, fmt.Errorf("build envelope: %w", err)
	}
	if a.artifacts != nil {
		a.artifacts.WriteAddressed(ctx, req.RequestID, "envelope", env.PromptFingerprint, env)
	}

	answer, report, fallbackUsed, err := a.answer(ctx, env)
	if err != nil {
		return nil, err
	}
	if a.artifacts != nil {
		a.artifacts.Write(ctx, req.RequestID, "validator_report", report)
	}

	resp := &Response{
		RequestID:         req.RequestID,
		Answer:            answer.Text,
		CitedIDs:          answer.CitedIDs,
		AllowedIDs:        env.AllowedIDs,
		PromptFingerprint: env.PromptFingerprint,
		BundleFingerprint: env.BundleFingerprint,
		EvidenceDigest:    env.EvidenceDigest,
		SnapshotETag:      snapshotETag,
		Trace:             buildTrace(set, bundle),
		FallbackUsed:      fallbackUsed,
		CacheHit:          cacheHit,
	}
	if a.artifacts != nil {
		a.artifacts.Write(ctx, req.RequestID, "response", resp)
	}
	return resp, nil
}

// candidateSet reads through the cache: alias first, then the composite
// record, falling back to a fresh pre-selection on any miss. The caller
// derives the composite key itself, so an alias left behind by a request
// with a different policy or corpus version simply fails the comparison.
func (a *Assembler) candidateSet(ctx context.Context, req *Request, pol *policy.Policy) (*evidence.CandidateSet, string, bool, error) {
	etag, err := a.expander.SnapshotETag(ctx)
	if err != nil {
		return nil, "", false, fmt.Errorf("probe snapshot: %w", err)
	}

	key, err := cache.CompositeKey(cache.KeyParts{
		DecisionID:   req.AnchorID,
		Intent:       req.Intent,
		GraphScope:   req.GraphScope,
		SnapshotETag: etag,
		PolicyKey:    pol.PolicyKey,
	})
	if err != nil {
		return nil, "", false, err
	}

	if aliasKey, aliasErr := a.cache.Alias(ctx, req.AnchorID); aliasErr == nil && aliasKey == key {
		var set evidence.CandidateSet
		if getErr := a.cache.Get(ctx, key, cache.KindCandidateSet, &set); getErr == nil {
			a.logger.Debug("evidence cache hit", "anchor_id", req.AnchorID)
			return &set, etag, true, nil
		}
	}

	result, err := a.preselect.Select(ctx, req.AnchorID, pol)
	if err != nil {
		return nil, "", false, err
	}

	// The corpus may have moved between the probe and the expansion. The
	// cached record must be keyed by the version it was actually built from.
	if result.SnapshotETag != etag {
		etag = result.SnapshotETag
		key, err = cache.CompositeKey(cache.KeyParts{
			DecisionID:   req.AnchorID,
			Intent:       req.Intent,
			GraphScope:   req.GraphScope,
			SnapshotETag: etag,
			PolicyKey:    pol.PolicyKey,
		})
		if err != nil {
			return nil, "", false, err
		}
	}

	if err := a.cache.Put(ctx, req.AnchorID, key, cache.KindCandidateSet, result.Set); err != nil {
		// Concurrent writers race benignly; the value is a pure function of
		// the key, so losing the race changes nothing.
		a.logger.Warn("evidence cache write failed", "anchor_id", req.AnchorID, "error", err)
	}
	return result.Set, etag, false, nil
}

// answer drives the generate-validate state machine: one attempt, one retry
// on validation failure, then the deterministic fallback. Generation errors
// consume the same retry budget as validation failures.
func (a *Assembler) answer(ctx context.Context, env *envelope.Envelope) (*validate.ProposedAnswer, *validate.Report, bool, error) {
	var report *validate.Report
	if a.generator != nil {
		for attempt := 1; attempt <= 2; attempt++ {
			proposed, err := a.generator.Generate(ctx, env, attempt)
			if err != nil {
				if ctx.Err() != nil {
					return nil, nil, false, fmt.Errorf("answer generation: %w", ctx.Err())
				}
				a.logger.Warn("answer generation failed", "attempt", attempt, "error", err)
				continue
			}
			report = a.validator.Check(env, proposed, attempt)
			if report.State == validate.StateValid {
				return proposed, report, false, nil
			}
			a.logger.Info("proposed answer invalid",
				"attempt", attempt, "violations", len(report.Violations))
		}
	}

	fallback, err := validate.Fallback(env)
	if err != nil {
		return nil, nil, false, fmt.Errorf("fallback composition: %w", err)
	}
	// The fallback is valid by construction; check it anyway so the audit
	// record proves it.
	finalReport := a.validator.Check(env, fallback, 3)
	if finalReport.State != validate.StateValid {
		return nil, nil, false, errors.New("fallback answer failed validation")
	}
	return fallback, finalReport, true, nil
}

// buildTrace separates policy-withheld items from budget-clipped ones.
func buildTrace(set *evidence.CandidateSet, bundle *evidence.Bundle) Trace {
	var t Trace
	ids := append([]string(nil), set.Trace.WithheldIDs...)
	sort.Strings(ids)
	for _, id := range ids {
		t.PolicyWithheld = append(t.PolicyWithheld, evidence.Excluded{
			ID:     id,
			Reason: set.Trace.ReasonsByID[id],
		})
	}
	t.BudgetClipped = append(t.BudgetClipped, bundle.Excluded...)
	return t
}
