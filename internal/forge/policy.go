package forge

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"strings"

	"github.com/afu9/control-center/internal/errcode"
)

// EnvAllowlist is the environment variable carrying the JSON repo allowlist.
const EnvAllowlist = "FORGE_REPO_ALLOWLIST"

// AllowlistEntry scopes access to one repo. Branch and path entries accept
// literals and trailing-glob form ("release/*", "src/*").
type AllowlistEntry struct {
	Owner    string   `json:"owner"`
	Repo     string   `json:"repo"`
	Branches []string `json:"branches"`
	Paths    []string `json:"paths,omitempty"`
}

// Policy is the parsed repo access allowlist.
type Policy struct {
	Allowlist []AllowlistEntry `json:"allowlist"`
}

// Decision is the outcome of an access check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// devDefault is used when FORGE_REPO_ALLOWLIST is unset: a permissive
// sandbox entry suitable for local development only.
var devDefault = &Policy{
	Allowlist: []AllowlistEntry{
		{Owner: "afu9-dev", Repo: "sandbox", Branches: []string{"main", "afu9/*"}},
	},
}

// LoadPolicy parses the allowlist from the environment. Unset yields the
// development default; malformed JSON is a POLICY_CONFIG_ERROR.
func LoadPolicy() (*Policy, error) {
	raw := os.Getenv(EnvAllowlist)
	if strings.TrimSpace(raw) == "" {
		log.Printf("[FORGE] %s unset, using development default allowlist", EnvAllowlist)
		return devDefault, nil
	}

	var p Policy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, errcode.Wrap(errcode.PolicyConfigError, "malformed "+EnvAllowlist, err)
	}
	if len(p.Allowlist) == 0 {
		return nil, errcode.New(errcode.PolicyConfigError, EnvAllowlist+" has an empty allowlist")
	}
	for _, e := range p.Allowlist {
		if e.Owner == "" || e.Repo == "" {
			return nil, errcode.New(errcode.PolicyConfigError, "allowlist entry missing owner or repo")
		}
	}
	return &p, nil
}

// CheckAccess decides whether a Forge call against (owner, repo, branch,
// path) is admissible. Branch and path are optional; when given they must
// match an entry pattern.
func (p *Policy) CheckAccess(owner, repo, branch, path string) Decision {
	for _, e := range p.Allowlist {
		if !strings.EqualFold(e.Owner, owner) || !strings.EqualFold(e.Repo, repo) {
			continue
		}
		if branch != "" && !matchAny(e.Branches, branch) {
			return Decision{Allowed: false, Reason: "branch not allowlisted: " + branch}
		}
		if path != "" && len(e.Paths) > 0 && !matchAny(e.Paths, path) {
			return Decision{Allowed: false, Reason: "path not allowlisted: " + path}
		}
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, Reason: "repo not allowlisted: " + owner + "/" + repo}
}

// matchAny matches a value against literal patterns or trailing-glob
// patterns of the form "prefix/*".
func matchAny(patterns []string, value string) bool {
	for _, pat := range patterns {
		if pat == "*" || pat == value {
			return true
		}
		if strings.HasSuffix(pat, "*") && strings.HasPrefix(value, strings.TrimSuffix(pat, "*")) {
			return true
		}
	}
	return false
}

// Gate mediates authenticated access to the Forge. It is the only way the
// rest of the core obtains a Client.
type Gate struct {
	policy  *Policy
	tokens  TokenSource
	factory func(token string) Client
	logger  *log.Logger
}

// NewGate builds a Gate. The factory turns an installation token into a
// scoped client; tests inject a fake.
func NewGate(policy *Policy, tokens TokenSource, factory func(token string) Client) *Gate {
	return &Gate{
		policy:  policy,
		tokens:  tokens,
		factory: factory,
		logger:  log.New(log.Writer(), "[FORGE] ", log.LstdFlags),
	}
}

// WithAuthenticatedClient runs the access check, obtains an installation
// token, and returns a scoped client. Denial is REPO_NOT_ALLOWED.
func (g *Gate) WithAuthenticatedClient(ctx context.Context, owner, repo, branch string) (Client, error) {
	d := g.policy.CheckAccess(owner, repo, branch, "")
	if !d.Allowed {
		g.logger.Printf("🚫 access denied: %s/%s (%s)", owner, repo, d.Reason)
		return nil, errcode.New(errcode.RepoNotAllowed, d.Reason)
	}

	token, err := g.tokens.InstallationToken(ctx, owner, repo)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "installation token", err)
	}
	return g.factory(token), nil
}

// CheckAccess exposes the raw decision, used by read-only preflights.
func (g *Gate) CheckAccess(owner, repo, branch, path string) Decision {
	return g.policy.CheckAccess(owner, repo, branch, path)
}
