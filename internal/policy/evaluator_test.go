package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afu9/control-center/internal/lawbook"
)

func activeLawbook(t *testing.T, resolver *lawbook.Resolver, policies ...lawbook.AutomationPolicy) {
	t.Helper()
	lb := &lawbook.Lawbook{
		ID:       lawbook.DefaultID,
		Version:  "v1",
		Policies: policies,
	}
	require.NoError(t, resolver.Activate(context.Background(), lb))
}

func newTestEvaluator(t *testing.T, policies ...lawbook.AutomationPolicy) (*Evaluator, *MemoryRecordStore) {
	t.Helper()
	resolver := lawbook.NewResolver(lawbook.NewMemoryStore(), time.Minute)
	if len(policies) > 0 {
		activeLawbook(t, resolver, policies...)
	}
	records := NewMemoryRecordStore()
	return NewEvaluator(resolver, lawbook.DefaultID, records), records
}

func restartRequest() *Request {
	return &Request{
		RequestID:        "req-1",
		ActionType:       "restart_service",
		TargetType:       "service",
		TargetIdentifier: "api",
		Actor:            "tester",
	}
}

func TestDenyWhenNoActiveLawbook(t *testing.T) {
	eval, records := newTestEvaluator(t)

	res, err := eval.Evaluate(context.Background(), restartRequest())
	require.NoError(t, err)
	assert.False(t, res.Allow)
	assert.Equal(t, "No active lawbook configured (fail-closed)", res.Reason)

	// Denials are audited too.
	recent, err := records.ListRecent(context.Background(), "restart_service", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, DecisionDenied, recent[0].Decision)
}

func TestDenyWhenNoPolicyForAction(t *testing.T) {
	eval, _ := newTestEvaluator(t, lawbook.AutomationPolicy{
		Name: "other", ActionType: "something_else",
	})

	res, err := eval.Evaluate(context.Background(), restartRequest())
	require.NoError(t, err)
	assert.False(t, res.Allow)
	assert.Contains(t, res.Reason, "No policy defined")
}

func TestDenyOnInvalidRateLimitConfig(t *testing.T) {
	eval, _ := newTestEvaluator(t, lawbook.AutomationPolicy{
		Name:             "restart",
		ActionType:       "restart_service",
		MaxRunsPerWindow: 5,
		WindowSeconds:    0, // limit without a window is invalid
	})

	res, err := eval.Evaluate(context.Background(), restartRequest())
	require.NoError(t, err)
	assert.False(t, res.Allow)
	assert.Contains(t, res.Reason, "Invalid rate-limit configuration")
}

func TestDenyOnEnvironmentMismatch(t *testing.T) {
	eval, _ := newTestEvaluator(t, lawbook.AutomationPolicy{
		Name:        "restart",
		ActionType:  "restart_service",
		AllowedEnvs: []string{"staging"},
	})

	req := restartRequest()
	req.DeploymentEnv = "production"
	res, err := eval.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Allow)
	assert.Contains(t, res.Reason, "not in policy allowlist")

	// A missing env in a policy that requires one also denies.
	req.DeploymentEnv = ""
	res, err = eval.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Allow)
}

func TestDenyWhenApprovalMissing(t *testing.T) {
	eval, _ := newTestEvaluator(t, lawbook.AutomationPolicy{
		Name:             "restart",
		ActionType:       "restart_service",
		RequiresApproval: true,
	})

	res, err := eval.Evaluate(context.Background(), restartRequest())
	require.NoError(t, err)
	assert.False(t, res.Allow)
	assert.True(t, res.RequiresApproval)
	assert.Nil(t, res.NextAllowedAt)
	assert.Equal(t, "Action requires explicit approval - not granted", res.Reason)

	// With approval granted the same request passes.
	req := restartRequest()
	req.HasApproval = true
	res, err = eval.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Allow)
}

func TestCooldownDeniesWithNextAllowedAt(t *testing.T) {
	eval, _ := newTestEvaluator(t, lawbook.AutomationPolicy{
		Name:            "restart",
		ActionType:      "restart_service",
		CooldownSeconds: 600,
	})

	first, err := eval.Evaluate(context.Background(), restartRequest())
	require.NoError(t, err)
	require.True(t, first.Allow)

	second, err := eval.Evaluate(context.Background(), restartRequest())
	require.NoError(t, err)
	assert.False(t, second.Allow)
	assert.Contains(t, second.Reason, "Cooldown active")
	require.NotNil(t, second.NextAllowedAt)
	assert.True(t, second.NextAllowedAt.After(time.Now().UTC()))
}

func TestRateLimitWindow(t *testing.T) {
	eval, _ := newTestEvaluator(t, lawbook.AutomationPolicy{
		Name:             "restart",
		ActionType:       "restart_service",
		WindowSeconds:    3600,
		MaxRunsPerWindow: 2,
	})

	for i := 0; i < 2; i++ {
		res, err := eval.Evaluate(context.Background(), restartRequest())
		require.NoError(t, err)
		require.True(t, res.Allow, "run %d should be allowed", i)
	}

	res, err := eval.Evaluate(context.Background(), restartRequest())
	require.NoError(t, err)
	assert.False(t, res.Allow)
	assert.Contains(t, res.Reason, "Rate limit exceeded")
	require.NotNil(t, res.NextAllowedAt)
}

func TestRateLimitIsPerTarget(t *testing.T) {
	eval, _ := newTestEvaluator(t, lawbook.AutomationPolicy{
		Name:             "restart",
		ActionType:       "restart_service",
		WindowSeconds:    3600,
		MaxRunsPerWindow: 1,
	})

	res, err := eval.Evaluate(context.Background(), restartRequest())
	require.NoError(t, err)
	require.True(t, res.Allow)

	other := restartRequest()
	other.TargetIdentifier = "worker"
	res, err = eval.Evaluate(context.Background(), other)
	require.NoError(t, err)
	assert.True(t, res.Allow)
}

func TestAllowCarriesIdempotencyAndLawbook(t *testing.T) {
	eval, records := newTestEvaluator(t, lawbook.AutomationPolicy{
		Name:                   "restart",
		ActionType:             "restart_service",
		IdempotencyKeyTemplate: "restart:{{target}}:{{env}}",
	})

	req := restartRequest()
	req.DeploymentEnv = "staging"
	res, err := eval.Evaluate(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.Allow)
	assert.Equal(t, "restart:api:staging", res.IdempotencyKey)
	assert.NotEmpty(t, res.IdempotencyKeyHash)
	assert.Equal(t, "v1", res.LawbookVersion)
	assert.NotEmpty(t, res.LawbookHash)
	assert.Equal(t, "restart", res.PolicyName)

	recent, err := records.ListRecent(context.Background(), "restart_service", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, DecisionAllowed, recent[0].Decision)
	assert.Equal(t, res.IdempotencyKeyHash, recent[0].IdempotencyKeyHash)
	assert.NotEmpty(t, recent[0].ActionFingerprint)
}

func TestEveryEvaluationLeavesARecord(t *testing.T) {
	eval, records := newTestEvaluator(t, lawbook.AutomationPolicy{
		Name:             "restart",
		ActionType:       "restart_service",
		RequiresApproval: true,
	})

	_, err := eval.Evaluate(context.Background(), restartRequest())
	require.NoError(t, err)
	approved := restartRequest()
	approved.HasApproval = true
	_, err = eval.Evaluate(context.Background(), approved)
	require.NoError(t, err)

	recent, err := records.ListRecent(context.Background(), "restart_service", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}
