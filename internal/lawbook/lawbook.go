// Package lawbook manages the versioned governance rulebook: the active
// version per rulebook ID, its automation policies, and the resolver cache
// every gating path consults.
package lawbook

import (
	"time"

	"github.com/afu9/control-center/internal/canonical"
)

// DefaultID is the rulebook consulted when no explicit ID is configured.
const DefaultID = "AFU9-LAWBOOK"

// AutomationPolicy governs one side-effect action type.
type AutomationPolicy struct {
	Name                   string   `json:"name"`
	ActionType             string   `json:"action_type"`
	AllowedEnvs            []string `json:"allowed_envs"`
	CooldownSeconds        int      `json:"cooldown_seconds"`
	WindowSeconds          int      `json:"window_seconds"`
	MaxRunsPerWindow       int      `json:"max_runs_per_window"`
	RequiresApproval       bool     `json:"requires_approval"`
	IdempotencyKeyTemplate string   `json:"idempotency_key_template"`
}

// Lawbook is one activated version of the governance bundle.
type Lawbook struct {
	ID          string                 `json:"id"`
	Version     string                 `json:"version"`
	Hash        string                 `json:"hash"`
	Policies    []AutomationPolicy     `json:"policies"`
	Guardrails  map[string]interface{} `json:"guardrails,omitempty"`
	ActivatedAt time.Time              `json:"activated_at"`
	ActivatedBy string                 `json:"activated_by,omitempty"`
}

// PolicyFor returns the automation policy for an action type, if defined.
func (l *Lawbook) PolicyFor(actionType string) (*AutomationPolicy, bool) {
	for i := range l.Policies {
		if l.Policies[i].ActionType == actionType {
			return &l.Policies[i], true
		}
	}
	return nil, false
}

// ComputeHash fills Hash with the content hash of the bundle (version,
// policies and guardrails; the hash field itself excluded).
func (l *Lawbook) ComputeHash() (string, error) {
	return canonical.Hash(map[string]interface{}{
		"id":         l.ID,
		"version":    l.Version,
		"policies":   l.Policies,
		"guardrails": l.Guardrails,
	})
}
