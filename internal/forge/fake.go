package forge

import (
	"context"
	"sync"

	"github.com/afu9/control-center/internal/errcode"
)

// FakeClient is an in-memory Forge used by tests and by local development
// when no app credentials are configured.
type FakeClient struct {
	mu       sync.RWMutex
	Issues   map[int]*Issue
	PRs      map[int]*PullRequest
	Reviews  map[int][]Review
	Checks   map[string][]CheckRun
	Labels   map[int][]string
	Branches map[string]bool
}

// NewFakeClient creates an empty fake.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Issues:   make(map[int]*Issue),
		PRs:      make(map[int]*PullRequest),
		Reviews:  make(map[int][]Review),
		Checks:   make(map[string][]CheckRun),
		Labels:   make(map[int][]string),
		Branches: make(map[string]bool),
	}
}

// FakeTokenSource always returns a static token.
type FakeTokenSource struct{}

func (FakeTokenSource) InstallationToken(ctx context.Context, owner, repo string) (string, error) {
	return "fake-installation-token", nil
}

func (f *FakeClient) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	issue, ok := f.Issues[number]
	if !ok {
		return nil, errcode.Newf(errcode.NotFound, "issue #%d", number)
	}
	cp := *issue
	return &cp, nil
}

func (f *FakeClient) GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	pr, ok := f.PRs[number]
	if !ok {
		return nil, errcode.Newf(errcode.NotFound, "pull request #%d", number)
	}
	cp := *pr
	return &cp, nil
}

func (f *FakeClient) ListReviews(ctx context.Context, owner, repo string, prNumber int) ([]Review, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Review(nil), f.Reviews[prNumber]...), nil
}

func (f *FakeClient) ListCheckRuns(ctx context.Context, owner, repo, ref string) ([]CheckRun, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]CheckRun(nil), f.Checks[ref]...), nil
}

func (f *FakeClient) ListLabels(ctx context.Context, owner, repo string, issueNumber int) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.Labels[issueNumber]...), nil
}

func (f *FakeClient) AddLabels(ctx context.Context, owner, repo string, issueNumber int, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing := f.Labels[issueNumber]
	for _, l := range labels {
		found := false
		for _, e := range existing {
			if e == l {
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, l)
		}
	}
	f.Labels[issueNumber] = existing
	return nil
}

func (f *FakeClient) RemoveLabel(ctx context.Context, owner, repo string, issueNumber int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing := f.Labels[issueNumber]
	filtered := make([]string, 0, len(existing))
	for _, e := range existing {
		if e != label {
			filtered = append(filtered, e)
		}
	}
	f.Labels[issueNumber] = filtered
	return nil
}

func (f *FakeClient) CreateBranch(ctx context.Context, owner, repo, branch, fromRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Branches[branch] = true
	return nil
}
