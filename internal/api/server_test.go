package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afu9/control-center/internal/deploy"
	"github.com/afu9/control-center/internal/events"
	"github.com/afu9/control-center/internal/forge"
	"github.com/afu9/control-center/internal/ingest"
	"github.com/afu9/control-center/internal/lawbook"
	"github.com/afu9/control-center/internal/middleware"
	"github.com/afu9/control-center/internal/orchestrator"
	"github.com/afu9/control-center/internal/policy"
	"github.com/afu9/control-center/internal/postmortem"
	"github.com/afu9/control-center/internal/statemachine"
	"github.com/afu9/control-center/internal/store"
	"github.com/afu9/control-center/internal/syncengine"
	"github.com/afu9/control-center/internal/timeline"
	"github.com/afu9/control-center/internal/verdict"
	"github.com/afu9/control-center/internal/webhooks"
)

const testToken = "svc-token"

type staticAdapter struct {
	state *orchestrator.ServiceState
}

func (a *staticAdapter) DescribeService(ctx context.Context, service string) (*orchestrator.ServiceState, error) {
	cp := *a.state
	cp.Name = service
	return &cp, nil
}

func (a *staticAdapter) ForceNewDeployment(ctx context.Context, service string) error {
	return nil
}

type apiFixture struct {
	server *httptest.Server
	issues *store.MemoryIssueStore
	ops    *store.MemoryOpsStore
}

func newAPIFixture(t *testing.T, mutate func(*Deps)) *apiFixture {
	t.Helper()
	issues := store.NewMemoryIssueStore()
	ops := store.NewMemoryOpsStore()
	nav := store.NewMemoryNavigationStore()
	tl := timeline.NewMemoryStore()
	bus := events.NewBus()

	fake := forge.NewFakeClient()
	gate := forge.NewGate(&forge.Policy{Allowlist: []forge.AllowlistEntry{
		{Owner: "acme", Repo: "repo", Branches: []string{"*"}},
	}}, forge.FakeTokenSource{}, func(token string) forge.Client { return fake })

	resolver := lawbook.NewResolver(lawbook.NewMemoryStore(), time.Minute)

	deps := Deps{
		Issues:          issues,
		Ops:             ops,
		Navigation:      nav,
		Timeline:        tl,
		Ingestor:        ingest.New(ops, tl),
		Deploy:          deploy.NewService(ops, nil, 30*time.Second),
		Verdicts:        verdict.NewService(issues, ops, resolver, bus),
		Sync:            syncengine.New(issues, ops, syncengine.NewMemoryAuditStore(), gate, bus),
		Postmortems:     postmortem.New(ops, resolver),
		Intake:          webhooks.NewIntake("", webhooks.NewMemoryStore(), bus),
		Orchestrator:    orchestrator.NewManager(&staticAdapter{state: &orchestrator.ServiceState{DesiredCount: 2, RunningCount: 2, Deployments: []string{"ACTIVE"}}}, nil, nil, false),
		Approvals:       policy.NewMemoryApprovalStore(),
		Forge:           gate,
		Emitter:         bus,
		ServiceToken:    testToken,
		DispatchEnabled: true,
		RateLimit:       middleware.RateLimitConfig{},
	}
	if mutate != nil {
		mutate(&deps)
	}

	srv := httptest.NewServer(NewServer(deps).Router())
	t.Cleanup(srv.Close)
	return &apiFixture{server: srv, issues: issues, ops: ops}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderServiceToken, testToken)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (f *apiFixture) createIssue(t *testing.T, canonicalID string) *store.Issue {
	t.Helper()
	issue, err := f.issues.CreateIssue(context.Background(), &store.Issue{
		CanonicalID: canonicalID,
		Title:       "test issue",
	})
	require.NoError(t, err)
	return issue
}

func TestHealthAndReady(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp, body := f.do(t, "GET", "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = f.do(t, "GET", "/api/ready", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", body["status"])
}

func TestReadyReportsBackendOutage(t *testing.T) {
	f := newAPIFixture(t, func(d *Deps) {
		d.Ready = func(ctx context.Context) error { return errors.New("db down") }
	})

	resp, body := f.do(t, "GET", "/api/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "not_ready", body["status"])
}

func TestAuthRequiredOnAPISurface(t *testing.T) {
	f := newAPIFixture(t, nil)

	req, err := http.NewRequest("GET", f.server.URL+"/api/afu9/issues", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Health stays open.
	resp2, err := http.Get(f.server.URL + "/api/health")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestListIssuesFilters(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.createIssue(t, "I1")
	f.createIssue(t, "I2")

	resp, body := f.do(t, "GET", "/api/afu9/issues?canonicalId=I2", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])

	resp, body = f.do(t, "GET", "/api/afu9/issues?status=BOGUS", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_INPUT", body["errorCode"])
}

func TestGetIssueIncludesEffectiveStatus(t *testing.T) {
	f := newAPIFixture(t, nil)
	issue := f.createIssue(t, "I1")

	resp, body := f.do(t, "GET", "/api/afu9/issues/"+issue.ID, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CREATED", body["effectiveStatus"])

	resp, body = f.do(t, "GET", "/api/afu9/issues/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["errorCode"])
}

func TestPickActivatesOldestCreated(t *testing.T) {
	f := newAPIFixture(t, nil)
	first := f.createIssue(t, "I1")
	f.createIssue(t, "I2")

	resp, body := f.do(t, "POST", "/api/afu9/s1s3/issues/pick", map[string]interface{}{"actor": "alice"}, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	picked := body["issue"].(map[string]interface{})
	assert.Equal(t, first.ID, picked["id"])
	assert.Equal(t, "ACTIVE", picked["status"])
	require.NotNil(t, body["run"])

	// A second pick collides with the single-active invariant.
	resp, body = f.do(t, "POST", "/api/afu9/s1s3/issues/pick",
		map[string]interface{}{"canonicalId": "I2"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "SINGLE_ACTIVE_VIOLATION", body["errorCode"])
}

func TestSaveSpecRequiresAcceptanceCriteria(t *testing.T) {
	f := newAPIFixture(t, nil)
	issue := f.createIssue(t, "I1")
	_, err := f.issues.ActivateIssue(context.Background(), issue.ID, "alice", false)
	require.NoError(t, err)

	resp, body := f.do(t, "POST", "/api/afu9/s1s3/issues/"+issue.ID+"/spec",
		map[string]interface{}{"scope": "fix login"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "ACCEPTANCE_CRITERIA_REQUIRED", body["errorCode"])

	resp, body = f.do(t, "POST", "/api/afu9/s1s3/issues/"+issue.ID+"/spec",
		map[string]interface{}{
			"scope":              "fix login",
			"acceptanceCriteria": []string{"login succeeds"},
		}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	updated := body["issue"].(map[string]interface{})
	assert.Equal(t, "SPEC_READY", updated["status"])
}

func TestImplementLifecycle(t *testing.T) {
	f := newAPIFixture(t, nil)
	issue := f.createIssue(t, "I1")

	// Not SPEC_READY yet.
	resp, body := f.do(t, "POST", "/api/afu9/s1s3/issues/"+issue.ID+"/implement", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "INVALID_TRANSITION", body["errorCode"])

	_, err := f.issues.ActivateIssue(context.Background(), issue.ID, "alice", false)
	require.NoError(t, err)
	_, err = f.issues.UpdateStatus(context.Background(), issue.ID, store.StatusUpdate{
		From:   statemachine.StatusActive,
		To:     statemachine.StatusSpecReady,
		Fields: map[string]interface{}{"acceptanceCriteria": []string{"works"}},
	})
	require.NoError(t, err)

	resp, body = f.do(t, "POST", "/api/afu9/s1s3/issues/"+issue.ID+"/implement", nil, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, body["runId"])
	pr := body["pr"].(map[string]interface{})
	assert.Contains(t, pr["branch"], "afu9/i1-")

	// The async dispatch advances the issue shortly after the 202 and
	// parks the execution state back at IDLE once it finishes.
	require.Eventually(t, func() bool {
		got, err := f.issues.GetIssue(context.Background(), issue.ID)
		return err == nil &&
			got.Status == statemachine.StatusImplementingPrep &&
			got.ExecutionState == statemachine.ExecIdle
	}, 2*time.Second, 20*time.Millisecond)
}

func TestImplementConflictsWhileRunning(t *testing.T) {
	f := newAPIFixture(t, nil)
	issue := f.createIssue(t, "I1")
	_, err := f.issues.ActivateIssue(context.Background(), issue.ID, "alice", false)
	require.NoError(t, err)
	_, err = f.issues.UpdateStatus(context.Background(), issue.ID, store.StatusUpdate{
		From: statemachine.StatusActive,
		To:   statemachine.StatusSpecReady,
	})
	require.NoError(t, err)
	_, err = f.issues.PatchIssue(context.Background(), issue.ID, map[string]interface{}{
		"executionState": string(statemachine.ExecRunning),
	}, "alice")
	require.NoError(t, err)

	resp, body := f.do(t, "POST", "/api/afu9/s1s3/issues/"+issue.ID+"/implement", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONFLICT", body["errorCode"])
}

func TestImplementDisabled(t *testing.T) {
	f := newAPIFixture(t, func(d *Deps) { d.DispatchEnabled = false })
	issue := f.createIssue(t, "I1")

	resp, body := f.do(t, "POST", "/api/afu9/s1s3/issues/"+issue.ID+"/implement", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "UNAVAILABLE", body["errorCode"])
}

func TestImplementGatedByPolicy(t *testing.T) {
	// A lawbook with no workflow_dispatch policy denies by default.
	resolver := lawbook.NewResolver(lawbook.NewMemoryStore(), time.Minute)
	require.NoError(t, resolver.Activate(context.Background(), &lawbook.Lawbook{
		ID: lawbook.DefaultID, Version: "v1",
	}))
	f := newAPIFixture(t, func(d *Deps) {
		d.Evaluator = policy.NewEvaluator(resolver, lawbook.DefaultID, policy.NewMemoryRecordStore())
	})
	issue := f.createIssue(t, "I1")
	_, err := f.issues.ActivateIssue(context.Background(), issue.ID, "alice", false)
	require.NoError(t, err)
	_, err = f.issues.UpdateStatus(context.Background(), issue.ID, store.StatusUpdate{
		From: statemachine.StatusActive, To: statemachine.StatusSpecReady,
	})
	require.NoError(t, err)

	resp, body := f.do(t, "POST", "/api/afu9/s1s3/issues/"+issue.ID+"/implement", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "LAWBOOK_DENIED", body["errorCode"])
}

func TestApplyVerdictEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	issue := f.createIssue(t, "I1")
	_, err := f.issues.ActivateIssue(context.Background(), issue.ID, "alice", false)
	require.NoError(t, err)

	resp, body := f.do(t, "POST", "/api/afu9/issues/"+issue.ID+"/verdict",
		map[string]interface{}{"color": "HOLD"}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HOLD", body["newStatus"])
	assert.Equal(t, true, body["stateChanged"])
}

func TestTimelineChainEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp, body := f.do(t, "GET", "/api/timeline/chain", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_INPUT", body["errorCode"])

	resp, body = f.do(t, "GET", "/api/timeline/chain?issueId=ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["errorCode"])
}

func TestDeployStatusEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp, body := f.do(t, "GET", "/api/deploy/status?env=qa", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_ENV", body["errorCode"])

	resp, body = f.do(t, "GET", "/api/deploy/status?env=production", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "GREEN", body["status"])
}

func TestSyncSweepEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp, body := f.do(t, "POST", "/api/sync/sweep", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["syncedIssues"])
	assert.Equal(t, float64(0), body["failedIssues"])
}

func TestWebhookEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)

	// Missing delivery headers reject.
	resp, body := f.do(t, "POST", "/api/webhooks/forge", map[string]interface{}{"action": "opened"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_INPUT", body["errorCode"])

	headers := map[string]string{
		webhooks.HeaderDelivery: "d-1",
		webhooks.HeaderEvent:    "issues",
	}
	resp, body = f.do(t, "POST", "/api/webhooks/forge", map[string]interface{}{"action": "opened"}, headers)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["result"])

	resp, body = f.do(t, "POST", "/api/webhooks/forge", map[string]interface{}{"action": "opened"}, headers)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "duplicate", body["result"])
}

func TestNavigationAdminGate(t *testing.T) {
	f := newAPIFixture(t, nil)
	items := map[string]interface{}{
		"items": []map[string]interface{}{
			{"href": "/issues", "label": "Issues", "position": 1, "enabled": true},
		},
	}

	resp, body := f.do(t, "PUT", "/api/admin/navigation/user", items, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "TARGET_NOT_ALLOWED", body["errorCode"])

	resp, body = f.do(t, "PUT", "/api/admin/navigation/user", items,
		map[string]string{HeaderActorRole: "admin"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["items"], 1)

	resp, body = f.do(t, "GET", "/api/admin/navigation/user", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["items"], 1)

	resp, body = f.do(t, "GET", "/api/admin/navigation/superuser", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_INPUT", body["errorCode"])
}

func TestOrchestratorEndpoints(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp, body := f.do(t, "GET", "/api/orchestrator/services/api", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "api", body["name"])
	assert.Equal(t, float64(2), body["runningCount"])

	// Force-deploy is deny-by-default without the feature gate.
	resp, body = f.do(t, "POST", "/api/orchestrator/services/api/force-deploy",
		map[string]interface{}{"env": "staging"}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "TARGET_NOT_ALLOWED", body["errorCode"])
}

func TestApprovalsEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp, body := f.do(t, "POST", "/api/approvals", map[string]interface{}{
		"actionType": "force_new_deployment",
		"target":     "api",
		"actor":      "ops-lead",
		"decision":   "approved",
	}, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	gate := body["approval"].(map[string]interface{})
	assert.NotEmpty(t, gate["request_id"])
	assert.Equal(t, "approved", gate["decision"])

	// Unknown decisions and missing fields are rejected.
	resp, body = f.do(t, "POST", "/api/approvals", map[string]interface{}{
		"actionType": "force_new_deployment",
		"target":     "api",
		"actor":      "ops-lead",
		"decision":   "maybe",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_INPUT", body["errorCode"])

	resp, body = f.do(t, "POST", "/api/approvals", map[string]interface{}{
		"decision": "approved",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_INPUT", body["errorCode"])
}

func TestIssueStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.createIssue(t, "I1")

	resp, body := f.do(t, "GET", "/api/afu9/issues/stats", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	stats := body["byStatus"].(map[string]interface{})
	assert.Equal(t, float64(1), stats["total"])
}

func TestRequestIDPropagatesToErrors(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp, body := f.do(t, "GET", "/api/afu9/issues/missing", nil,
		map[string]string{middleware.HeaderRequestID: "req-42"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "req-42", body["requestId"])
	assert.Equal(t, "req-42", resp.Header.Get(middleware.HeaderRequestID))
}
