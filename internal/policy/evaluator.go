// Package policy implements the Automation Policy Evaluator: the
// deterministic admissibility decision for every proposed side-effect.
//
// The evaluator is fail-closed end to end: no lawbook, no policy, invalid
// rate-limit config, and internal errors all deny. Every call, allowed or
// denied, leaves a PolicyExecutionRecord behind.
package policy

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/afu9/control-center/internal/canonical"
	"github.com/afu9/control-center/internal/lawbook"
)

// Decision values recorded on execution records.
const (
	DecisionAllowed = "allowed"
	DecisionDenied  = "denied"
)

// Request describes a proposed side-effect.
type Request struct {
	RequestID        string                 `json:"request_id"`
	SessionID        string                 `json:"session_id,omitempty"`
	ActionType       string                 `json:"action_type"`
	TargetType       string                 `json:"target_type"`
	TargetIdentifier string                 `json:"target_identifier"`
	ActionContext    map[string]interface{} `json:"action_context,omitempty"`
	DeploymentEnv    string                 `json:"deployment_env,omitempty"`
	HasApproval      bool                   `json:"has_approval"`
	Actor            string                 `json:"actor"`
}

// Result is the evaluator's verdict on one request.
type Result struct {
	Allow              bool                   `json:"allow"`
	Decision           string                 `json:"decision"`
	Reason             string                 `json:"reason"`
	NextAllowedAt      *time.Time             `json:"next_allowed_at,omitempty"`
	RequiresApproval   bool                   `json:"requires_approval"`
	IdempotencyKey     string                 `json:"idempotency_key,omitempty"`
	IdempotencyKeyHash string                 `json:"idempotency_key_hash,omitempty"`
	PolicyName         string                 `json:"policy_name,omitempty"`
	LawbookVersion     string                 `json:"lawbook_version,omitempty"`
	LawbookHash        string                 `json:"lawbook_hash,omitempty"`
	EnforcementData    map[string]interface{} `json:"enforcement_data,omitempty"`
}

// ExecutionRecord is the audit row for one evaluation.
type ExecutionRecord struct {
	ID                 string                 `json:"id"`
	ActionType         string                 `json:"action_type"`
	ActionFingerprint  string                 `json:"action_fingerprint"`
	TargetIdentifier   string                 `json:"target_identifier"`
	Decision           string                 `json:"decision"`
	Reason             string                 `json:"reason"`
	IdempotencyKeyHash string                 `json:"idempotency_key_hash"`
	LawbookVersion     string                 `json:"lawbook_version"`
	LawbookHash        string                 `json:"lawbook_hash"`
	Actor              string                 `json:"actor"`
	EnforcementData    map[string]interface{} `json:"enforcement_data,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
}

// RecordView is the serialized window a single evaluation sees: the
// count-query and the audit-insert happen inside one transaction (or one
// critical section for the memory store).
type RecordView interface {
	LastAllowed() (*time.Time, error)
	CountAllowedSince(since time.Time) (int, error)
	Append(rec *ExecutionRecord) error
}

// RecordStore persists execution records, serialised per
// (actionType, targetIdentifier).
type RecordStore interface {
	Transact(ctx context.Context, actionType, target string, fn func(RecordView) error) error
	ListRecent(ctx context.Context, actionType string, limit int) ([]*ExecutionRecord, error)
}

// Evaluator applies the active lawbook to side-effect requests.
type Evaluator struct {
	resolver  *lawbook.Resolver
	lawbookID string
	records   RecordStore
	logger    *log.Logger
	now       func() time.Time
}

// NewEvaluator builds an evaluator bound to one rulebook ID.
func NewEvaluator(resolver *lawbook.Resolver, lawbookID string, records RecordStore) *Evaluator {
	if lawbookID == "" {
		lawbookID = lawbook.DefaultID
	}
	return &Evaluator{
		resolver:  resolver,
		lawbookID: lawbookID,
		records:   records,
		logger:    log.New(log.Writer(), "[POLICY] ", log.LstdFlags),
		now:       time.Now,
	}
}

// Evaluate runs the ordered admissibility checks. First failure wins; the
// returned error is non-nil only when even the audit record could not be
// written. Internal errors surface as denials, never as allows.
func (e *Evaluator) Evaluate(ctx context.Context, req *Request) (*Result, error) {
	now := e.now().UTC()

	fingerprint, err := canonical.Hash(map[string]interface{}{
		"actionType": req.ActionType,
		"target":     req.TargetIdentifier,
		"context":    req.ActionContext,
	})
	if err != nil {
		return e.deny(ctx, req, fingerprint, nil, "internal error computing fingerprint (fail-closed)", nil)
	}

	// 1. Load rulebook.
	lb, err := e.resolver.GetActive(ctx, e.lawbookID)
	if err != nil || lb == nil {
		return e.deny(ctx, req, fingerprint, nil, "No active lawbook configured (fail-closed)", nil)
	}

	// 2. Find policy for the action type.
	pol, ok := lb.PolicyFor(req.ActionType)
	if !ok {
		return e.deny(ctx, req, fingerprint, lb, fmt.Sprintf("No policy defined for action type %q", req.ActionType), nil)
	}

	// 3. Validate rate-limit config.
	if pol.MaxRunsPerWindow < 0 || pol.WindowSeconds < 0 || pol.CooldownSeconds < 0 ||
		(pol.MaxRunsPerWindow > 0 && pol.WindowSeconds == 0) {
		return e.denyWithPolicy(ctx, req, fingerprint, lb, pol, "Invalid rate-limit configuration (fail-closed)", nil, "")
	}

	// 4. Compute idempotency key.
	idemKey := renderIdempotencyKey(pol.IdempotencyKeyTemplate, req)
	idemHash := canonical.HashBytes([]byte(idemKey))

	// 5. Environment allowlist.
	if len(pol.AllowedEnvs) > 0 {
		if req.DeploymentEnv == "" || !contains(pol.AllowedEnvs, req.DeploymentEnv) {
			reason := fmt.Sprintf("Environment %q not in policy allowlist", req.DeploymentEnv)
			return e.denyWithPolicy(ctx, req, fingerprint, lb, pol, reason, nil, idemHash)
		}
	}

	// 6. Approval gate.
	if pol.RequiresApproval && !req.HasApproval {
		res, err := e.denyWithPolicy(ctx, req, fingerprint, lb, pol,
			"Action requires explicit approval - not granted", nil, idemHash)
		if res != nil {
			res.RequiresApproval = true
		}
		return res, err
	}

	// 7 + 8 + record: cooldown and rate-limit counts must be consistent
	// with the audit insert, so they run inside one transaction.
	var result *Result
	txErr := e.records.Transact(ctx, req.ActionType, req.TargetIdentifier, func(view RecordView) error {
		// 7. Cooldown.
		if pol.CooldownSeconds > 0 {
			last, err := view.LastAllowed()
			if err != nil {
				return err
			}
			if last != nil {
				nextAt := last.Add(time.Duration(pol.CooldownSeconds) * time.Second)
				if now.Before(nextAt) {
					result = e.buildDenial(pol, lb, fmt.Sprintf("Cooldown active until %s", nextAt.Format(time.RFC3339)), &nextAt, idemKey, idemHash)
					return e.appendRecord(view, req, fingerprint, lb, pol, result, now)
				}
			}
		}

		// 8. Rate-limit window.
		if pol.MaxRunsPerWindow > 0 {
			window := time.Duration(pol.WindowSeconds) * time.Second
			count, err := view.CountAllowedSince(now.Add(-window))
			if err != nil {
				return err
			}
			if count >= pol.MaxRunsPerWindow {
				nextAt := now.Add(window)
				result = e.buildDenial(pol, lb,
					fmt.Sprintf("Rate limit exceeded: %d runs in %ds window", count, pol.WindowSeconds),
					&nextAt, idemKey, idemHash)
				return e.appendRecord(view, req, fingerprint, lb, pol, result, now)
			}
		}

		// 9. Allow.
		result = &Result{
			Allow:              true,
			Decision:           DecisionAllowed,
			Reason:             "All policy checks passed",
			IdempotencyKey:     idemKey,
			IdempotencyKeyHash: idemHash,
			PolicyName:         pol.Name,
			LawbookVersion:     lb.Version,
			LawbookHash:        lb.Hash,
			EnforcementData: map[string]interface{}{
				"cooldown_seconds":    pol.CooldownSeconds,
				"window_seconds":      pol.WindowSeconds,
				"max_runs_per_window": pol.MaxRunsPerWindow,
			},
		}
		return e.appendRecord(view, req, fingerprint, lb, pol, result, now)
	})
	if txErr != nil {
		// Fail closed on any internal error.
		e.logger.Printf("❌ evaluation error for %s/%s: %v", req.ActionType, req.TargetIdentifier, txErr)
		return e.deny(ctx, req, fingerprint, lb, "Internal policy evaluation error (fail-closed)", nil)
	}

	if !result.Allow {
		e.logger.Printf("🚫 denied %s on %s: %s", req.ActionType, req.TargetIdentifier, result.Reason)
	}
	return result, nil
}

func (e *Evaluator) buildDenial(pol *lawbook.AutomationPolicy, lb *lawbook.Lawbook, reason string, nextAt *time.Time, idemKey, idemHash string) *Result {
	return &Result{
		Allow:              false,
		Decision:           DecisionDenied,
		Reason:             reason,
		NextAllowedAt:      nextAt,
		IdempotencyKey:     idemKey,
		IdempotencyKeyHash: idemHash,
		PolicyName:         pol.Name,
		LawbookVersion:     lb.Version,
		LawbookHash:        lb.Hash,
	}
}

func (e *Evaluator) appendRecord(view RecordView, req *Request, fingerprint string, lb *lawbook.Lawbook, pol *lawbook.AutomationPolicy, res *Result, now time.Time) error {
	rec := &ExecutionRecord{
		ID:                 uuid.NewString(),
		ActionType:         req.ActionType,
		ActionFingerprint:  fingerprint,
		TargetIdentifier:   req.TargetIdentifier,
		Decision:           res.Decision,
		Reason:             res.Reason,
		IdempotencyKeyHash: res.IdempotencyKeyHash,
		Actor:              req.Actor,
		EnforcementData:    res.EnforcementData,
		CreatedAt:          now,
	}
	if lb != nil {
		rec.LawbookVersion = lb.Version
		rec.LawbookHash = lb.Hash
	}
	return view.Append(rec)
}

// deny records and returns a denial taken before any policy was resolved.
func (e *Evaluator) deny(ctx context.Context, req *Request, fingerprint string, lb *lawbook.Lawbook, reason string, nextAt *time.Time) (*Result, error) {
	res := &Result{Allow: false, Decision: DecisionDenied, Reason: reason, NextAllowedAt: nextAt}
	if lb != nil {
		res.LawbookVersion = lb.Version
		res.LawbookHash = lb.Hash
	}
	err := e.records.Transact(ctx, req.ActionType, req.TargetIdentifier, func(view RecordView) error {
		rec := &ExecutionRecord{
			ID:                uuid.NewString(),
			ActionType:        req.ActionType,
			ActionFingerprint: fingerprint,
			TargetIdentifier:  req.TargetIdentifier,
			Decision:          DecisionDenied,
			Reason:            reason,
			Actor:             req.Actor,
			CreatedAt:         e.now().UTC(),
		}
		if lb != nil {
			rec.LawbookVersion = lb.Version
			rec.LawbookHash = lb.Hash
		}
		return view.Append(rec)
	})
	if err != nil {
		e.logger.Printf("❌ failed to record policy denial: %v", err)
	}
	e.logger.Printf("🚫 denied %s on %s: %s", req.ActionType, req.TargetIdentifier, reason)
	return res, nil
}

func (e *Evaluator) denyWithPolicy(ctx context.Context, req *Request, fingerprint string, lb *lawbook.Lawbook, pol *lawbook.AutomationPolicy, reason string, nextAt *time.Time, idemHash string) (*Result, error) {
	res := e.buildDenial(pol, lb, reason, nextAt, "", idemHash)
	err := e.records.Transact(ctx, req.ActionType, req.TargetIdentifier, func(view RecordView) error {
		return e.appendRecord(view, req, fingerprint, lb, pol, res, e.now().UTC())
	})
	if err != nil {
		e.logger.Printf("❌ failed to record policy denial: %v", err)
	}
	e.logger.Printf("🚫 denied %s on %s: %s", req.ActionType, req.TargetIdentifier, reason)
	return res, nil
}

// renderIdempotencyKey expands {{field}} placeholders from the request and
// its action context. An empty template falls back to the canonical
// actionType:target:contextHash form.
func renderIdempotencyKey(template string, req *Request) string {
	if template == "" {
		ctxHash, _ := canonical.Hash(req.ActionContext)
		return req.ActionType + ":" + req.TargetIdentifier + ":" + ctxHash
	}

	out := template
	out = strings.ReplaceAll(out, "{{actionType}}", req.ActionType)
	out = strings.ReplaceAll(out, "{{target}}", req.TargetIdentifier)
	out = strings.ReplaceAll(out, "{{env}}", req.DeploymentEnv)
	for k, v := range req.ActionContext {
		out = strings.ReplaceAll(out, "{{"+k+"}}", fmt.Sprintf("%v", v))
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
