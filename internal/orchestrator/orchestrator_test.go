package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afu9/control-center/internal/errcode"
	"github.com/afu9/control-center/internal/lawbook"
	"github.com/afu9/control-center/internal/policy"
)

// fakeAdapter serves a scripted sequence of service states.
type fakeAdapter struct {
	states  []*ServiceState
	calls   int
	forced  int
	describeErr error
}

func (f *fakeAdapter) DescribeService(ctx context.Context, service string) (*ServiceState, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	idx := f.calls
	if idx >= len(f.states) {
		idx = len(f.states) - 1
	}
	f.calls++
	return f.states[idx], nil
}

func (f *fakeAdapter) ForceNewDeployment(ctx context.Context, service string) error {
	f.forced++
	return nil
}

func newEvaluator(t *testing.T, policies ...lawbook.AutomationPolicy) *policy.Evaluator {
	t.Helper()
	resolver := lawbook.NewResolver(lawbook.NewMemoryStore(), time.Minute)
	require.NoError(t, resolver.Activate(context.Background(), &lawbook.Lawbook{
		ID:       lawbook.DefaultID,
		Version:  "v1",
		Policies: policies,
	}))
	return policy.NewEvaluator(resolver, lawbook.DefaultID, policy.NewMemoryRecordStore())
}

func deployPolicy() lawbook.AutomationPolicy {
	return lawbook.AutomationPolicy{
		Name:        "force-deploy",
		ActionType:  "force_new_deployment",
		AllowedEnvs: []string{"staging"},
	}
}

func noSleep(m *Manager) {
	m.sleep = func(ctx context.Context, d time.Duration) error { return nil }
}

func TestForceNewDeploymentDisabledByDefault(t *testing.T) {
	adapter := &fakeAdapter{}
	m := NewManager(adapter, newEvaluator(t, deployPolicy()), nil, false)

	err := m.ForceNewDeployment(context.Background(), "api", "staging", "alice", false)
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.TargetNotAllowed))
	assert.Zero(t, adapter.forced)
}

func TestForceNewDeploymentDeniedByPolicy(t *testing.T) {
	adapter := &fakeAdapter{}
	m := NewManager(adapter, newEvaluator(t, deployPolicy()), nil, true)

	err := m.ForceNewDeployment(context.Background(), "api", "production", "alice", false)
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.LawbookDenied))
	assert.Zero(t, adapter.forced)
}

func TestForceNewDeploymentRequiresApproval(t *testing.T) {
	p := deployPolicy()
	p.RequiresApproval = true
	adapter := &fakeAdapter{}
	m := NewManager(adapter, newEvaluator(t, p), nil, true)

	err := m.ForceNewDeployment(context.Background(), "api", "staging", "alice", false)
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.ApprovalRequired))

	require.NoError(t, m.ForceNewDeployment(context.Background(), "api", "staging", "alice", true))
	assert.Equal(t, 1, adapter.forced)
}

func TestForceNewDeploymentResolvesApprovalFromStore(t *testing.T) {
	p := deployPolicy()
	p.RequiresApproval = true
	adapter := &fakeAdapter{}
	approvals := policy.NewMemoryApprovalStore()
	m := NewManager(adapter, newEvaluator(t, p), approvals, true)

	// No gate recorded: the caller flag is the only source and it is off.
	err := m.ForceNewDeployment(context.Background(), "api", "staging", "alice", false)
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.ApprovalRequired))

	_, err = approvals.Record(context.Background(), &policy.ApprovalGate{
		ActionType: "force_new_deployment",
		Target:     "api",
		Actor:      "ops-lead",
		Decision:   policy.ApprovalApproved,
	})
	require.NoError(t, err)

	require.NoError(t, m.ForceNewDeployment(context.Background(), "api", "staging", "alice", false))
	assert.Equal(t, 1, adapter.forced)

	// A later cancellation supersedes the approval.
	_, err = approvals.Record(context.Background(), &policy.ApprovalGate{
		ActionType: "force_new_deployment",
		Target:     "api",
		Actor:      "ops-lead",
		Decision:   policy.ApprovalCancelled,
	})
	require.NoError(t, err)
	err = m.ForceNewDeployment(context.Background(), "api", "staging", "alice", false)
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.ApprovalRequired))
}

func TestForceNewDeploymentAllowed(t *testing.T) {
	adapter := &fakeAdapter{}
	m := NewManager(adapter, newEvaluator(t, deployPolicy()), nil, true)

	require.NoError(t, m.ForceNewDeployment(context.Background(), "api", "staging", "alice", false))
	assert.Equal(t, 1, adapter.forced)
}

func TestPollServiceStabilitySettles(t *testing.T) {
	adapter := &fakeAdapter{states: []*ServiceState{
		{Name: "api", DesiredCount: 3, RunningCount: 1, Deployments: []string{"ACTIVE", "UPDATING"}},
		{Name: "api", DesiredCount: 3, RunningCount: 3, Deployments: []string{"ACTIVE", "UPDATING"}},
		{Name: "api", DesiredCount: 3, RunningCount: 3, Deployments: []string{"PRIMARY"}},
	}}
	m := NewManager(adapter, nil, nil, false)
	noSleep(m)

	res, err := m.PollServiceStability(context.Background(), "api", 30*time.Second, time.Second)
	require.NoError(t, err)
	assert.True(t, res.Stable)
	assert.Empty(t, res.Error)
	assert.Equal(t, 3, adapter.calls)
}

func TestPollServiceStabilityTimesOut(t *testing.T) {
	adapter := &fakeAdapter{states: []*ServiceState{
		{Name: "api", DesiredCount: 3, RunningCount: 2, Deployments: []string{"ACTIVE"}},
	}}
	m := NewManager(adapter, nil, nil, false)
	noSleep(m)

	res, err := m.PollServiceStability(context.Background(), "api", 10*time.Second, time.Second)
	require.NoError(t, err)
	assert.False(t, res.Stable)
	assert.Equal(t, "TIMEOUT", res.Error)
}

func TestPollServiceStabilityZeroWait(t *testing.T) {
	adapter := &fakeAdapter{states: []*ServiceState{
		{Name: "api", DesiredCount: 2, RunningCount: 2, Deployments: []string{"ACTIVE"}},
	}}
	m := NewManager(adapter, nil, nil, false)
	noSleep(m)

	// A zero wait budget never observes the service, stable or not.
	res, err := m.PollServiceStability(context.Background(), "api", 0, time.Second)
	require.NoError(t, err)
	assert.False(t, res.Stable)
	assert.Equal(t, "TIMEOUT", res.Error)
	assert.Zero(t, adapter.calls)
}

func TestPollServiceStabilityPropagatesDescribeError(t *testing.T) {
	adapter := &fakeAdapter{describeErr: errcode.Newf(errcode.NotFound, "service api")}
	m := NewManager(adapter, nil, nil, false)
	noSleep(m)

	_, err := m.PollServiceStability(context.Background(), "api", 5*time.Second, time.Second)
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.NotFound))
}

func TestIsStable(t *testing.T) {
	assert.True(t, isStable(&ServiceState{DesiredCount: 2, RunningCount: 2, Deployments: []string{"ACTIVE"}}))
	assert.True(t, isStable(&ServiceState{DesiredCount: 2, RunningCount: 2, Deployments: []string{"PRIMARY"}}))
	assert.False(t, isStable(&ServiceState{DesiredCount: 2, RunningCount: 1, Deployments: []string{"ACTIVE"}}))
	assert.False(t, isStable(&ServiceState{DesiredCount: 2, RunningCount: 2, Deployments: []string{"ACTIVE", "UPDATING"}}))
	assert.False(t, isStable(&ServiceState{DesiredCount: 2, RunningCount: 2, Deployments: []string{"PAUSED"}}))
}
