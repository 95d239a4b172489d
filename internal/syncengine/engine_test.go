package syncengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afu9/control-center/internal/events"
	"github.com/afu9/control-center/internal/forge"
	"github.com/afu9/control-center/internal/statemachine"
	"github.com/afu9/control-center/internal/store"
)

type engineFixture struct {
	engine *Engine
	issues *store.MemoryIssueStore
	ops    *store.MemoryOpsStore
	audit  *MemoryAuditStore
	fake   *forge.FakeClient
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	fake := forge.NewFakeClient()
	policy := &forge.Policy{Allowlist: []forge.AllowlistEntry{
		{Owner: "acme", Repo: "repo", Branches: []string{"*"}},
	}}
	gate := forge.NewGate(policy, forge.FakeTokenSource{}, func(token string) forge.Client {
		return fake
	})
	issues := store.NewMemoryIssueStore()
	ops := store.NewMemoryOpsStore()
	audit := NewMemoryAuditStore()
	return &engineFixture{
		engine: New(issues, ops, audit, gate, events.NewBus()),
		issues: issues,
		ops:    ops,
		audit:  audit,
		fake:   fake,
	}
}

// linkedIssue creates an issue bound to acme/repo#<number> and walks it to
// the given status.
func (f *engineFixture) linkedIssue(t *testing.T, canonicalID string, number int, to statemachine.LocalStatus) *store.Issue {
	t.Helper()
	ctx := context.Background()
	issue, err := f.issues.CreateIssue(ctx, &store.Issue{CanonicalID: canonicalID})
	require.NoError(t, err)
	_, err = f.issues.PatchIssue(ctx, issue.ID, map[string]interface{}{
		"forgeRepo":        "acme/repo",
		"forgeIssueNumber": number,
	}, "test")
	require.NoError(t, err)

	ladder := []statemachine.LocalStatus{
		statemachine.StatusCreated,
		statemachine.StatusActive,
		statemachine.StatusSpecReady,
		statemachine.StatusImplementingPrep,
		statemachine.StatusImplementing,
		statemachine.StatusReviewReady,
		statemachine.StatusMergeReady,
	}
	for i := 1; i < len(ladder); i++ {
		if ladder[i-1] == to {
			break
		}
		_, err = f.issues.UpdateStatus(ctx, issue.ID, store.StatusUpdate{
			From: ladder[i-1], To: ladder[i], Actor: "test",
		})
		require.NoError(t, err)
		if ladder[i] == to {
			break
		}
	}
	got, err := f.issues.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	require.Equal(t, to, got.Status)
	return got
}

func TestEventHashBucketsTime(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)
	payload := map[string]interface{}{"from": "ACTIVE", "to": "SPEC_READY"}

	h1, err := EventHash("FORGE_TO_LOCAL", "issue-1", 7, base, payload)
	require.NoError(t, err)
	h2, err := EventHash("FORGE_TO_LOCAL", "issue-1", 7, base.Add(2*time.Minute), payload)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "same 5-minute bucket must hash identically")

	h3, err := EventHash("FORGE_TO_LOCAL", "issue-1", 7, base.Add(6*time.Minute), payload)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3, "a later bucket must produce a new hash")

	h4, err := EventHash("FORGE_TO_LOCAL", "issue-2", 7, base, payload)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h4)
}

func TestTargetFromForge(t *testing.T) {
	merged := &forge.PullRequest{Number: 1, State: "closed", Merged: true}
	target, _, labelDriven := targetFromForge(statemachine.StatusMergeReady, merged, nil, nil, nil)
	assert.Equal(t, statemachine.StatusDone, target)
	assert.False(t, labelDriven)

	open := &forge.PullRequest{Number: 1, State: "open", HeadSHA: "abc"}
	approved := []forge.Review{{Reviewer: "r", State: "APPROVED"}}
	passing := []forge.CheckRun{{Name: "ci", Status: "completed", Conclusion: "success", Required: true}}
	target, _, _ = targetFromForge(statemachine.StatusReviewReady, open, approved, passing, nil)
	assert.Equal(t, statemachine.StatusMergeReady, target)

	// A failed required check keeps the PR out of MERGE_READY.
	failing := []forge.CheckRun{{Name: "ci", Status: "completed", Conclusion: "failure", Required: true}}
	target, _, _ = targetFromForge(statemachine.StatusImplementing, open, approved, failing, nil)
	assert.Equal(t, statemachine.StatusImplementing, target)

	// Changes requested blocks MERGE_READY even with green checks.
	blocked := []forge.Review{{State: "APPROVED"}, {State: "CHANGES_REQUESTED"}}
	target, _, _ = targetFromForge(statemachine.StatusReviewReady, open, blocked, passing, nil)
	assert.Equal(t, statemachine.StatusReviewReady, target)

	// No PR: labels decide, flagged as a label-driven target.
	target, _, labelDriven = targetFromForge(statemachine.StatusActive, nil, nil, nil, []string{"status:todo"})
	assert.Equal(t, statemachine.StatusSpecReady, target)
	assert.True(t, labelDriven)

	// No signal at all: stay put.
	target, _, _ = targetFromForge(statemachine.StatusActive, nil, nil, nil, nil)
	assert.Equal(t, statemachine.StatusActive, target)
}

func TestSyncForgeToLocalDryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	issue := f.linkedIssue(t, "I1", 7, statemachine.StatusMergeReady)

	_, err := f.issues.PatchIssue(ctx, issue.ID, map[string]interface{}{"prNumber": 41}, "test")
	require.NoError(t, err)
	f.fake.PRs[41] = &forge.PullRequest{Number: 41, State: "closed", Merged: true}

	outcome, err := f.engine.SyncForgeToLocal(ctx, issue.ID, "acme", "repo", 7, Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, outcome.DryRun)
	assert.False(t, outcome.Applied)
	assert.Equal(t, statemachine.StatusDone, outcome.TargetStatus)

	got, err := f.issues.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, statemachine.StatusMergeReady, got.Status)

	audits, err := f.audit.ListAudit(ctx, issue.ID, 10)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.True(t, audits[0].DryRun)
}

func TestSyncForgeToLocalAppliesMerge(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	issue := f.linkedIssue(t, "I1", 7, statemachine.StatusMergeReady)

	_, err := f.issues.PatchIssue(ctx, issue.ID, map[string]interface{}{"prNumber": 41}, "test")
	require.NoError(t, err)
	f.fake.PRs[41] = &forge.PullRequest{Number: 41, State: "closed", Merged: true}

	outcome, err := f.engine.SyncForgeToLocal(ctx, issue.ID, "acme", "repo", 7, Options{Actor: "sweeper"})
	require.NoError(t, err)
	assert.True(t, outcome.Applied)
	assert.Nil(t, outcome.Conflict)

	got, err := f.issues.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, statemachine.StatusDone, got.Status)
}

func TestSyncForgeToLocalNoopStillAudited(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	issue := f.linkedIssue(t, "I1", 7, statemachine.StatusCreated)

	outcome, err := f.engine.SyncForgeToLocal(ctx, issue.ID, "acme", "repo", 7, Options{})
	require.NoError(t, err)
	assert.False(t, outcome.Applied)
	assert.Equal(t, statemachine.StatusCreated, outcome.TargetStatus)

	audits, err := f.audit.ListAudit(ctx, issue.ID, 10)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, true, audits[0].Payload["noop"])
}

func TestSyncStateDivergenceFromLabels(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	issue := f.linkedIssue(t, "I1", 7, statemachine.StatusActive)
	f.fake.Labels[7] = []string{"status:done"}

	// The mirror claims DONE with no PR evidence behind it: a pure state
	// disagreement, not a transition the Forge is driving.
	outcome, err := f.engine.SyncForgeToLocal(ctx, issue.ID, "acme", "repo", 7, Options{})
	require.NoError(t, err)
	require.NotNil(t, outcome.Conflict)
	assert.Equal(t, ConflictStateDivergence, outcome.Conflict.ConflictType)
	assert.False(t, outcome.Applied)

	// The disagreement is persisted, never auto-resolved.
	conflicts, err := f.audit.ListConflicts(ctx, issue.ID, true)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.False(t, conflicts[0].Resolved)

	got, err := f.issues.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, statemachine.StatusActive, got.Status)
}

func TestSyncConflictOnDisallowedTransition(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	issue := f.linkedIssue(t, "I1", 7, statemachine.StatusActive)
	_, err := f.issues.PatchIssue(ctx, issue.ID, map[string]interface{}{"prNumber": 41}, "test")
	require.NoError(t, err)
	f.fake.PRs[41] = &forge.PullRequest{Number: 41, State: "closed", Merged: true}

	// A merged PR wants DONE, but ACTIVE cannot reach DONE directly.
	outcome, err := f.engine.SyncForgeToLocal(ctx, issue.ID, "acme", "repo", 7, Options{})
	require.NoError(t, err)
	require.NotNil(t, outcome.Conflict)
	assert.Equal(t, ConflictTransitionNotAllowed, outcome.Conflict.ConflictType)
	assert.False(t, outcome.Applied)

	got, err := f.issues.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, statemachine.StatusActive, got.Status)
}

func TestSyncRespectsManualOverride(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	issue := f.linkedIssue(t, "I1", 7, statemachine.StatusMergeReady)
	_, err := f.issues.PatchIssue(ctx, issue.ID, map[string]interface{}{
		"prNumber":          41,
		"executionOverride": true,
	}, "test")
	require.NoError(t, err)
	f.fake.PRs[41] = &forge.PullRequest{Number: 41, State: "closed", Merged: true}

	outcome, err := f.engine.SyncForgeToLocal(ctx, issue.ID, "acme", "repo", 7, Options{})
	require.NoError(t, err)
	require.NotNil(t, outcome.Conflict)
	assert.Equal(t, ConflictManualOverride, outcome.Conflict.ConflictType)

	outcome, err = f.engine.SyncForgeToLocal(ctx, issue.ID, "acme", "repo", 7, Options{AllowManualOverride: true})
	require.NoError(t, err)
	assert.True(t, outcome.Applied)
}

func TestSyncLocalToForgeLabelDiff(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	issue := f.linkedIssue(t, "I1", 7, statemachine.StatusImplementing)
	f.fake.Labels[7] = []string{"status:todo", "team:payments"}

	// Dry-run computes the diff without touching the Forge.
	outcome, err := f.engine.SyncLocalToForge(ctx, issue.ID, "acme", "repo", 7, Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"status:in-progress"}, outcome.LabelsAdded)
	assert.Equal(t, []string{"status:todo"}, outcome.LabelsRemoved)
	assert.False(t, outcome.Applied)
	assert.Equal(t, []string{"status:todo", "team:payments"}, f.fake.Labels[7])

	outcome, err = f.engine.SyncLocalToForge(ctx, issue.ID, "acme", "repo", 7, Options{})
	require.NoError(t, err)
	assert.True(t, outcome.Applied)
	// Only managed labels move; foreign labels survive.
	assert.ElementsMatch(t, []string{"team:payments", "status:in-progress"}, f.fake.Labels[7])
}

func TestSyncDeniedRepoFailsClosed(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	issue := f.linkedIssue(t, "I1", 7, statemachine.StatusCreated)

	_, err := f.engine.SyncForgeToLocal(ctx, issue.ID, "evil", "repo", 7, Options{})
	require.Error(t, err)
}

func TestRunSweepAggregates(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)

	// One issue that will apply a merge, one whose merged PR hits an
	// invalid transition, one whose labels diverge, and one with no Forge
	// linkage that the sweep skips.
	merged := f.linkedIssue(t, "I1", 7, statemachine.StatusMergeReady)
	_, err := f.issues.PatchIssue(ctx, merged.ID, map[string]interface{}{"prNumber": 41}, "test")
	require.NoError(t, err)
	f.fake.PRs[41] = &forge.PullRequest{Number: 41, State: "closed", Merged: true}

	blocked := f.linkedIssue(t, "I2", 8, statemachine.StatusActive)
	_, err = f.issues.PatchIssue(ctx, blocked.ID, map[string]interface{}{"prNumber": 42}, "test")
	require.NoError(t, err)
	f.fake.PRs[42] = &forge.PullRequest{Number: 42, State: "closed", Merged: true}

	diverged := f.linkedIssue(t, "I3", 9, statemachine.StatusCreated)
	f.fake.Labels[9] = []string{"status:done"}
	_ = diverged

	_, err = f.issues.CreateIssue(ctx, &store.Issue{CanonicalID: "I4"})
	require.NoError(t, err)

	result, err := f.engine.RunSweep(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.SyncedIssues)
	assert.Equal(t, 2, result.ConflictsDetected)
	assert.Equal(t, 1, result.TransitionsBlocked)
	assert.Equal(t, 0, result.FailedIssues)
}

func TestRecordAuditDedupesWithinBucket(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	f.engine.now = func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)
	}
	issue := f.linkedIssue(t, "I1", 7, statemachine.StatusCreated)

	// Two identical no-op syncs inside the same window leave one audit row.
	_, err := f.engine.SyncForgeToLocal(ctx, issue.ID, "acme", "repo", 7, Options{})
	require.NoError(t, err)
	_, err = f.engine.SyncForgeToLocal(ctx, issue.ID, "acme", "repo", 7, Options{})
	require.NoError(t, err)

	audits, err := f.audit.ListAudit(ctx, issue.ID, 10)
	require.NoError(t, err)
	assert.Len(t, audits, 1)
}
