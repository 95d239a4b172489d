package forge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afu9/control-center/internal/errcode"
)

func testPolicy() *Policy {
	return &Policy{Allowlist: []AllowlistEntry{
		{
			Owner:    "acme",
			Repo:     "repo",
			Branches: []string{"main", "afu9/*"},
			Paths:    []string{"src/*", "go.mod"},
		},
	}}
}

func TestLoadPolicyDefaultsWhenUnset(t *testing.T) {
	t.Setenv(EnvAllowlist, "")

	p, err := LoadPolicy()
	require.NoError(t, err)
	require.NotEmpty(t, p.Allowlist)
	assert.Equal(t, "afu9-dev", p.Allowlist[0].Owner)
}

func TestLoadPolicyRejectsMalformedJSON(t *testing.T) {
	t.Setenv(EnvAllowlist, "{not json")

	_, err := LoadPolicy()
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.PolicyConfigError))
}

func TestLoadPolicyRejectsEmptyAndIncompleteEntries(t *testing.T) {
	t.Setenv(EnvAllowlist, `{"allowlist":[]}`)
	_, err := LoadPolicy()
	assert.True(t, errcode.Is(err, errcode.PolicyConfigError))

	t.Setenv(EnvAllowlist, `{"allowlist":[{"owner":"acme"}]}`)
	_, err = LoadPolicy()
	assert.True(t, errcode.Is(err, errcode.PolicyConfigError))
}

func TestLoadPolicyParsesEntries(t *testing.T) {
	t.Setenv(EnvAllowlist, `{"allowlist":[{"owner":"acme","repo":"repo","branches":["main"]}]}`)

	p, err := LoadPolicy()
	require.NoError(t, err)
	require.Len(t, p.Allowlist, 1)
	assert.Equal(t, "acme", p.Allowlist[0].Owner)
}

func TestCheckAccess(t *testing.T) {
	p := testPolicy()

	assert.True(t, p.CheckAccess("acme", "repo", "", "").Allowed)
	assert.True(t, p.CheckAccess("acme", "repo", "main", "").Allowed)
	assert.True(t, p.CheckAccess("acme", "repo", "afu9/fix-login-abc123", "").Allowed)
	assert.True(t, p.CheckAccess("ACME", "REPO", "main", "").Allowed, "owner and repo match case-insensitively")
	assert.True(t, p.CheckAccess("acme", "repo", "main", "src/server.go").Allowed)
	assert.True(t, p.CheckAccess("acme", "repo", "main", "go.mod").Allowed)

	assert.False(t, p.CheckAccess("acme", "repo", "release/1.0", "").Allowed)
	assert.False(t, p.CheckAccess("acme", "repo", "main", "secrets/key.pem").Allowed)
	assert.False(t, p.CheckAccess("acme", "other", "", "").Allowed)
	assert.False(t, p.CheckAccess("evil", "repo", "", "").Allowed)
}

func TestGateDeniesUnlistedRepo(t *testing.T) {
	gate := NewGate(testPolicy(), FakeTokenSource{}, func(token string) Client {
		return NewFakeClient()
	})

	_, err := gate.WithAuthenticatedClient(context.Background(), "evil", "repo", "")
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.RepoNotAllowed))
}

func TestGateDeniesUnlistedBranch(t *testing.T) {
	gate := NewGate(testPolicy(), FakeTokenSource{}, func(token string) Client {
		return NewFakeClient()
	})

	_, err := gate.WithAuthenticatedClient(context.Background(), "acme", "repo", "release/1.0")
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.RepoNotAllowed))
}

func TestGateHandsOutScopedClient(t *testing.T) {
	var seenToken string
	fake := NewFakeClient()
	gate := NewGate(testPolicy(), FakeTokenSource{}, func(token string) Client {
		seenToken = token
		return fake
	})

	client, err := gate.WithAuthenticatedClient(context.Background(), "acme", "repo", "afu9/fix")
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, "fake-installation-token", seenToken)

	require.NoError(t, client.CreateBranch(context.Background(), "acme", "repo", "afu9/fix", "main"))
	assert.True(t, fake.Branches["afu9/fix"])
}
