package lawbook

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afu9/control-center/internal/errcode"
)

// countingStore wraps MemoryStore and counts GetActive hits.
type countingStore struct {
	*MemoryStore
	gets int
}

func (s *countingStore) GetActive(ctx context.Context, id string) (*Lawbook, error) {
	s.gets++
	return s.MemoryStore.GetActive(ctx, id)
}

func TestComputeHashIsStable(t *testing.T) {
	lb := &Lawbook{
		ID:      DefaultID,
		Version: "v1",
		Policies: []AutomationPolicy{
			{Name: "restart", ActionType: "restart_service", CooldownSeconds: 60},
		},
	}
	h1, err := lb.ComputeHash()
	require.NoError(t, err)
	h2, err := lb.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	// Content changes move the hash; the hash field itself does not.
	lb.Hash = h1
	h3, err := lb.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h3)

	lb.Version = "v2"
	h4, err := lb.ComputeHash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h4)
}

func TestPolicyFor(t *testing.T) {
	lb := &Lawbook{Policies: []AutomationPolicy{
		{Name: "restart", ActionType: "restart_service"},
		{Name: "deploy", ActionType: "force_new_deployment"},
	}}

	p, ok := lb.PolicyFor("force_new_deployment")
	require.True(t, ok)
	assert.Equal(t, "deploy", p.Name)

	_, ok = lb.PolicyFor("rollback")
	assert.False(t, ok)
}

func TestActivateStampsHashAndTime(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(NewMemoryStore(), time.Minute)

	lb := &Lawbook{ID: DefaultID, Version: "v1"}
	require.NoError(t, r.Activate(ctx, lb))
	assert.NotEmpty(t, lb.Hash)
	assert.False(t, lb.ActivatedAt.IsZero())

	got, err := r.GetActive(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v1", got.Version)
}

func TestRequireActiveFailsClosed(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(NewMemoryStore(), time.Minute)

	_, err := r.RequireActive(ctx, "")
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.LawbookNotConfigured))

	require.NoError(t, r.Activate(ctx, &Lawbook{ID: DefaultID, Version: "v1"}))
	lb, err := r.RequireActive(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "v1", lb.Version)
}

func TestResolverCachesWithinTTL(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: NewMemoryStore()}
	r := NewResolver(store, time.Minute)
	require.NoError(t, r.Activate(ctx, &Lawbook{ID: DefaultID, Version: "v1"}))
	store.gets = 0

	for i := 0; i < 5; i++ {
		_, err := r.GetActive(ctx, "")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, store.gets)
}

func TestActivateInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(NewMemoryStore(), time.Minute)
	require.NoError(t, r.Activate(ctx, &Lawbook{ID: DefaultID, Version: "v1"}))

	v, err := r.ActiveVersion(ctx, "")
	require.NoError(t, err)
	require.Equal(t, "v1", v)

	require.NoError(t, r.Activate(ctx, &Lawbook{ID: DefaultID, Version: "v2"}))
	v, err = r.ActiveVersion(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

func TestAttachPreservesExplicitVersion(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(NewMemoryStore(), time.Minute)
	require.NoError(t, r.Activate(ctx, &Lawbook{ID: DefaultID, Version: "v1"}))

	artifact := r.Attach(ctx, "", map[string]interface{}{})
	assert.Equal(t, "v1", artifact["lawbookVersion"])

	artifact = r.Attach(ctx, "", map[string]interface{}{"lawbookVersion": "pinned"})
	assert.Equal(t, "pinned", artifact["lawbookVersion"])
}
