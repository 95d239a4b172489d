package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/afu9/control-center/internal/errcode"
)

// HTTPClient talks to the Forge REST API with a pre-scoped installation
// token. It implements Client.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPClient creates a Forge REST client.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errcode.Wrap(errcode.Timeout, "forge call cancelled", err)
		}
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errcode.Newf(errcode.NotFound, "forge: %s %s returned 404", method, path)
	case resp.StatusCode >= 400:
		return errcode.Newf(errcode.Internal, "forge: %s %s returned %d", method, path, resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *HTTPClient) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	var issue Issue
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number)
	if err := c.do(ctx, http.MethodGet, path, nil, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

func (c *HTTPClient) GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	var pr PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	if err := c.do(ctx, http.MethodGet, path, nil, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

func (c *HTTPClient) ListReviews(ctx context.Context, owner, repo string, prNumber int) ([]Review, error) {
	var reviews []Review
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews", owner, repo, prNumber)
	if err := c.do(ctx, http.MethodGet, path, nil, &reviews); err != nil {
		return nil, err
	}
	return reviews, nil
}

func (c *HTTPClient) ListCheckRuns(ctx context.Context, owner, repo, ref string) ([]CheckRun, error) {
	var checks []CheckRun
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/check-runs", owner, repo, ref)
	if err := c.do(ctx, http.MethodGet, path, nil, &checks); err != nil {
		return nil, err
	}
	return checks, nil
}

func (c *HTTPClient) ListLabels(ctx context.Context, owner, repo string, issueNumber int) ([]string, error) {
	var labels []string
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/labels", owner, repo, issueNumber)
	if err := c.do(ctx, http.MethodGet, path, nil, &labels); err != nil {
		return nil, err
	}
	return labels, nil
}

func (c *HTTPClient) AddLabels(ctx context.Context, owner, repo string, issueNumber int, labels []string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/labels", owner, repo, issueNumber)
	return c.do(ctx, http.MethodPost, path, map[string]interface{}{"labels": labels}, nil)
}

func (c *HTTPClient) RemoveLabel(ctx context.Context, owner, repo string, issueNumber int, label string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/labels/%s", owner, repo, issueNumber, label)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *HTTPClient) CreateBranch(ctx context.Context, owner, repo, branch, fromRef string) error {
	path := fmt.Sprintf("/repos/%s/%s/git/refs", owner, repo)
	return c.do(ctx, http.MethodPost, path, map[string]interface{}{
		"ref":  "refs/heads/" + branch,
		"from": fromRef,
	}, nil)
}
