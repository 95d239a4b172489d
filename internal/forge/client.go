// Package forge defines the narrow contract the control plane has with the
// external issue-and-PR host, plus the repo access policy that mediates
// every call. Tokens never leave this package: callers receive a pre-scoped
// Client, not credentials.
package forge

import "context"

// Issue is the Forge-side view of a mirrored issue.
type Issue struct {
	Number        int      `json:"number"`
	Title         string   `json:"title"`
	State         string   `json:"state"` // open | closed
	Labels        []string `json:"labels"`
	ProjectStatus string   `json:"project_status,omitempty"`
	URL           string   `json:"url"`
}

// PullRequest is the Forge-side view of a PR.
type PullRequest struct {
	Number  int    `json:"number"`
	State   string `json:"state"` // open | closed
	Merged  bool   `json:"merged"`
	Draft   bool   `json:"draft"`
	HeadRef string `json:"head_ref"`
	HeadSHA string `json:"head_sha"`
	URL     string `json:"url"`
}

// Review is a PR review summary.
type Review struct {
	Reviewer string `json:"reviewer"`
	State    string `json:"state"` // APPROVED | CHANGES_REQUESTED | COMMENTED
}

// CheckRun is a CI check attached to a commit.
type CheckRun struct {
	Name       string `json:"name"`
	Status     string `json:"status"`     // queued | in_progress | completed
	Conclusion string `json:"conclusion"` // success | failure | neutral | "" while running
	Required   bool   `json:"required"`
}

// Client is the full set of Forge operations the core consumes. Every
// implementation is already scoped to an allowlisted repo.
type Client interface {
	GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error)
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error)
	ListReviews(ctx context.Context, owner, repo string, prNumber int) ([]Review, error)
	ListCheckRuns(ctx context.Context, owner, repo, ref string) ([]CheckRun, error)
	ListLabels(ctx context.Context, owner, repo string, issueNumber int) ([]string, error)
	AddLabels(ctx context.Context, owner, repo string, issueNumber int, labels []string) error
	RemoveLabel(ctx context.Context, owner, repo string, issueNumber int, label string) error
	CreateBranch(ctx context.Context, owner, repo, branch, fromRef string) error
}

// TokenSource mints short-lived installation tokens for the Forge app.
type TokenSource interface {
	InstallationToken(ctx context.Context, owner, repo string) (string, error)
}
