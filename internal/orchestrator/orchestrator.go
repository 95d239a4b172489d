// Package orchestrator exposes the narrow, policy-gated contract against
// the container orchestrator: describe a service, force a new deployment,
// poll until stable. Every mutating call runs through the automation
// policy evaluator and the FORCE_NEW_DEPLOY_ENABLED gate first.
package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/afu9/control-center/internal/errcode"
	"github.com/afu9/control-center/internal/policy"
)

// ServiceState is the orchestrator-side view of a service.
type ServiceState struct {
	Name         string   `json:"name"`
	Image        string   `json:"image"`
	DesiredCount int      `json:"desiredCount"`
	RunningCount int      `json:"runningCount"`
	// Deployments lists the rollout states currently attached to the
	// service (one entry means no rollout in flight).
	Deployments []string `json:"deployments"`
}

// StabilityResult reports one poll outcome.
type StabilityResult struct {
	Stable  bool   `json:"stable"`
	Error   string `json:"error,omitempty"`
	Elapsed int    `json:"elapsedSeconds"`
}

// Adapter is what a concrete orchestrator backend implements.
type Adapter interface {
	DescribeService(ctx context.Context, service string) (*ServiceState, error)
	ForceNewDeployment(ctx context.Context, service string) error
}

// stableStates are the deployment states that count as settled.
var stableStates = map[string]bool{
	"PRIMARY": true,
	"ACTIVE":  true,
}

// approvalFreshness bounds how old a recorded approval gate may be and
// still authorize a force deployment.
const approvalFreshness = 15 * time.Minute

// Manager wraps an Adapter with policy gating.
type Manager struct {
	adapter   Adapter
	evaluator *policy.Evaluator
	approvals policy.ApprovalStore
	enabled   bool
	logger    *log.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewManager creates a manager. enabled mirrors FORCE_NEW_DEPLOY_ENABLED
// and is deny-by-default. approvals may be nil, in which case only the
// caller-supplied flag counts.
func NewManager(adapter Adapter, evaluator *policy.Evaluator, approvals policy.ApprovalStore, enabled bool) *Manager {
	return &Manager{
		adapter:   adapter,
		evaluator: evaluator,
		approvals: approvals,
		enabled:   enabled,
		logger:    log.New(log.Writer(), "[ORCH] ", log.LstdFlags),
		now:       time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// DescribeService is read-only and ungated.
func (m *Manager) DescribeService(ctx context.Context, service string) (*ServiceState, error) {
	return m.adapter.DescribeService(ctx, service)
}

// ForceNewDeployment restarts a service's tasks. Requires the feature
// gate plus an allow decision from the policy evaluator.
func (m *Manager) ForceNewDeployment(ctx context.Context, service, env, actor string, hasApproval bool) error {
	if !m.enabled {
		return errcode.New(errcode.TargetNotAllowed, "force-new-deployment is disabled (FORCE_NEW_DEPLOY_ENABLED unset)")
	}

	if !hasApproval && m.approvals != nil {
		ok, err := m.approvals.HasApproval(ctx, "force_new_deployment", service, approvalFreshness)
		if err != nil {
			return err
		}
		hasApproval = ok
	}

	result, err := m.evaluator.Evaluate(ctx, &policy.Request{
		ActionType:       "force_new_deployment",
		TargetType:       "service",
		TargetIdentifier: service,
		DeploymentEnv:    env,
		HasApproval:      hasApproval,
		Actor:            actor,
		ActionContext:    map[string]interface{}{"service": service, "env": env},
	})
	if err != nil {
		return err
	}
	if !result.Allow {
		code := errcode.LawbookDenied
		if result.RequiresApproval {
			code = errcode.ApprovalRequired
		}
		return errcode.New(code, result.Reason).WithDetails(map[string]interface{}{
			"nextAllowedAt": result.NextAllowedAt,
		})
	}

	if err := m.adapter.ForceNewDeployment(ctx, service); err != nil {
		return err
	}
	m.logger.Printf("🚀 Forced new deployment for %s (%s)", service, env)
	return nil
}

// PollServiceStability polls until the service settles or the wait budget
// runs out. A service is stable when runningCount == desiredCount, exactly
// one deployment is attached and its state is PRIMARY or ACTIVE. On
// timeout the result is {stable: false, error: TIMEOUT}, not an error.
func (m *Manager) PollServiceStability(ctx context.Context, service string, maxWait, checkInterval time.Duration) (*StabilityResult, error) {
	if checkInterval <= 0 {
		checkInterval = 5 * time.Second
	}
	if maxWait <= 0 {
		return &StabilityResult{Stable: false, Error: string(errcode.Timeout)}, nil
	}
	start := m.now()
	attempts := int(maxWait / checkInterval)

	for i := 0; i <= attempts; i++ {
		state, err := m.adapter.DescribeService(ctx, service)
		if err != nil {
			return nil, err
		}
		if isStable(state) {
			return &StabilityResult{
				Stable:  true,
				Elapsed: int(m.now().Sub(start).Seconds()),
			}, nil
		}
		if i == attempts {
			break
		}
		if err := m.sleep(ctx, checkInterval); err != nil {
			return &StabilityResult{
				Stable:  false,
				Error:   string(errcode.Timeout),
				Elapsed: int(m.now().Sub(start).Seconds()),
			}, nil
		}
	}
	return &StabilityResult{
		Stable:  false,
		Error:   string(errcode.Timeout),
		Elapsed: int(m.now().Sub(start).Seconds()),
	}, nil
}

func isStable(state *ServiceState) bool {
	if state.RunningCount != state.DesiredCount {
		return false
	}
	if len(state.Deployments) != 1 {
		return false
	}
	return stableStates[state.Deployments[0]]
}
