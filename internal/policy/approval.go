package policy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Approval decisions.
const (
	ApprovalApproved  = "approved"
	ApprovalDenied    = "denied"
	ApprovalCancelled = "cancelled"
)

// ApprovalGate records an explicit human decision on a gated action.
type ApprovalGate struct {
	RequestID   string    `json:"request_id"`
	ActionType  string    `json:"action_type"`
	Target      string    `json:"target"`
	Actor       string    `json:"actor"`
	Decision    string    `json:"decision"`
	SignedPhrase string   `json:"signed_phrase,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ApprovalStore persists approval gates.
type ApprovalStore interface {
	Record(ctx context.Context, gate *ApprovalGate) (*ApprovalGate, error)
	// HasApproval reports whether an approved, uncancelled gate exists for
	// (actionType, target) newer than the freshness window.
	HasApproval(ctx context.Context, actionType, target string, maxAge time.Duration) (bool, error)
}

// MemoryApprovalStore is the in-process approval store.
type MemoryApprovalStore struct {
	mu    sync.RWMutex
	gates []*ApprovalGate
	now   func() time.Time
}

// NewMemoryApprovalStore creates an empty store.
func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{now: time.Now}
}

func (s *MemoryApprovalStore) Record(ctx context.Context, gate *ApprovalGate) (*ApprovalGate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gate.RequestID == "" {
		gate.RequestID = uuid.NewString()
	}
	if gate.CreatedAt.IsZero() {
		gate.CreatedAt = s.now().UTC()
	}
	cp := *gate
	s.gates = append(s.gates, &cp)
	return gate, nil
}

func (s *MemoryApprovalStore) HasApproval(ctx context.Context, actionType, target string, maxAge time.Duration) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-maxAge)
	// Later decisions supersede earlier ones.
	decision := ""
	for _, g := range s.gates {
		if g.ActionType == actionType && g.Target == target && g.CreatedAt.After(cutoff) {
			decision = g.Decision
		}
	}
	return decision == ApprovalApproved, nil
}
