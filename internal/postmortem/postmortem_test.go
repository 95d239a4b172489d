package postmortem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afu9/control-center/internal/lawbook"
	"github.com/afu9/control-center/internal/store"
)

func newGenerator(t *testing.T) (*Generator, *store.MemoryOpsStore) {
	t.Helper()
	ops := store.NewMemoryOpsStore()
	resolver := lawbook.NewResolver(lawbook.NewMemoryStore(), time.Minute)
	require.NoError(t, resolver.Activate(context.Background(), &lawbook.Lawbook{
		ID:      lawbook.DefaultID,
		Version: "v7",
	}))
	return New(ops, resolver), ops
}

func openIncident(t *testing.T, ops *store.MemoryOpsStore, mitigated bool) *store.Incident {
	t.Helper()
	opened := time.Now().UTC().Add(-45 * time.Minute)
	inc := &store.Incident{
		Title:         "checkout latency spike",
		Severity:      "SEV2",
		SourcePrimary: "alerts",
		Category:      "latency",
		Status:        store.IncidentOpen,
		Service:       "checkout",
		OpenedAt:      opened,
	}
	if mitigated {
		at := opened.Add(30 * time.Minute)
		inc.Status = store.IncidentMitigated
		inc.MitigatedAt = &at
	}
	created, err := ops.CreateIncident(context.Background(), inc)
	require.NoError(t, err)
	return created
}

func TestGenerateWithoutEvidenceReportsUnknowns(t *testing.T) {
	ctx := context.Background()
	gen, ops := newGenerator(t)
	inc := openIncident(t, ops, false)

	res, err := gen.Generate(ctx, inc.ID, "")
	require.NoError(t, err)
	assert.True(t, res.IsNew)

	learnings := res.Record.Artifact["learnings"].(map[string]interface{})
	unknowns := learnings["unknowns"].([]string)
	assert.Contains(t, unknowns, "Root cause: not classified")
	assert.Contains(t, unknowns, "Impact duration: incident not yet mitigated")
	assert.Contains(t, unknowns, "MTTR: incident not yet resolved")
	assert.Contains(t, unknowns, "Verification: no report linked to remediation")
	assert.Empty(t, learnings["facts"])
}

func TestGenerateFactsCiteEvidence(t *testing.T) {
	ctx := context.Background()
	gen, ops := newGenerator(t)
	inc := openIncident(t, ops, true)

	item, err := ops.AddEvidence(ctx, &store.EvidenceItem{
		IncidentID: inc.ID,
		Kind:       "alerts",
		Summary:    "p99 latency breached 2s for 12 minutes",
		SHA256:     "aabbcc",
	})
	require.NoError(t, err)

	res, err := gen.Generate(ctx, inc.ID, "")
	require.NoError(t, err)

	learnings := res.Record.Artifact["learnings"].(map[string]interface{})
	facts := learnings["facts"].([]map[string]interface{})
	require.Len(t, facts, 1)
	assert.Equal(t, item.Summary, facts[0]["statement"])
	assert.Equal(t, item.ID, facts[0]["evidenceId"])
	assert.Equal(t, item.SHA256, facts[0]["evidenceHash"])

	detection := res.Record.Artifact["detection"].(map[string]interface{})
	assert.Equal(t, item.ID, detection["primaryEvidence"])

	refs := res.Record.Artifact["references"].(map[string]interface{})
	assert.Contains(t, refs["used_sources_hashes"].([]string), "aabbcc")
}

func TestGenerateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	gen, ops := newGenerator(t)
	inc := openIncident(t, ops, true)

	first, err := gen.Generate(ctx, inc.ID, "")
	require.NoError(t, err)
	assert.True(t, first.IsNew)

	second, err := gen.Generate(ctx, inc.ID, "")
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.Equal(t, first.Record.OutcomeKey, second.Record.OutcomeKey)
	assert.Equal(t, first.Record.PostmortemHash, second.Record.PostmortemHash)

	// New evidence changes the pack and yields a new record.
	_, err = ops.AddEvidence(ctx, &store.EvidenceItem{
		IncidentID: inc.ID, Kind: "logs", Summary: "OOM kills on checkout-3", SHA256: "ddeeff",
	})
	require.NoError(t, err)
	third, err := gen.Generate(ctx, inc.ID, "")
	require.NoError(t, err)
	assert.True(t, third.IsNew)
	assert.NotEqual(t, first.Record.OutcomeKey, third.Record.OutcomeKey)
}

func TestGenerateRecordsRemediationOutcome(t *testing.T) {
	ctx := context.Background()
	gen, ops := newGenerator(t)
	inc := openIncident(t, ops, true)

	_, err := ops.AddRemediationRun(ctx, &store.RemediationRun{
		IncidentID: inc.ID,
		RunID:      "run-1",
		Playbook:   "restart-service",
		Status:     store.RunSucceeded,
	})
	require.NoError(t, err)
	_, err = ops.RecordVerification(ctx, &store.VerificationReport{
		RunID:      "run-1",
		Result:     "PASS",
		ReportHash: "112233",
	})
	require.NoError(t, err)

	res, err := gen.Generate(ctx, inc.ID, "")
	require.NoError(t, err)

	outcome := res.Record.Artifact["outcome"].(map[string]interface{})
	assert.Equal(t, true, outcome["autoFixed"])
	assert.Equal(t, true, outcome["resolved"])
	assert.Equal(t, 30, outcome["mttrMinutes"])

	verification := res.Record.Artifact["verification"].(map[string]interface{})
	assert.Equal(t, "PASS", verification["result"])
	assert.Equal(t, "112233", verification["reportHash"])
}

func TestGenerateStampsLawbookVersion(t *testing.T) {
	ctx := context.Background()
	gen, ops := newGenerator(t)
	inc := openIncident(t, ops, true)

	res, err := gen.Generate(ctx, inc.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "v7", res.Record.Artifact["lawbookVersion"])

	// An explicit version wins over the active one.
	_, err = ops.AddEvidence(ctx, &store.EvidenceItem{
		IncidentID: inc.ID, Kind: "logs", Summary: "x", SHA256: "01",
	})
	require.NoError(t, err)
	res, err = gen.Generate(ctx, inc.ID, "v9")
	require.NoError(t, err)
	assert.Equal(t, "v9", res.Record.Artifact["lawbookVersion"])
}
