package pagesmith

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Repo struct {
	Name     string
	FullName string
	HTMLURL  string
}

type GitHubClientOptions struct {
	BaseURL    string
	Token      string
	Username   string
	HTTPClient *http.Client
	UserAgent  string
	Branch     string
}

// GitHubClient is the hosted-pages collaborator: repository setup, file
// commits, pages enablement, and the deployment-check feed the poller
// consumes.
type GitHubClient struct {
	baseURL    string
	token      string
	username   string
	httpClient *http.Client
	userAgent  string
	branch     string
}

func NewGitHubClient(opts GitHubClientOptions) *GitHubClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	branch := strings.TrimSpace(opts.Branch)
	if branch == "" {
		branch = "main"
	}
	return &GitHubClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		username:   strings.TrimSpace(opts.Username),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		branch:     branch,
	}
}

func (c *GitHubClient) Username() string {
	return c.username
}

type githubRepoResponse struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	HTMLURL  string `json:"html_url"`
}

// EnsureRepo returns the existing repository or creates a new public one
// without auto-init, so the first commit is ours.
func (c *GitHubClient) EnsureRepo(ctx context.Context, name, description string) (Repo, error) {
	status, body, err := c.doJSON(ctx, http.MethodGet, c.repoPath(name), nil)
	if err != nil {
		return Repo{}, err
	}
	if status == http.StatusOK {
		return parseRepo(body)
	}
	if status != http.StatusNotFound {
		return Repo{}, githubError("get repo", status, body)
	}

	createBody := map[string]any{
		"name":        name,
		"description": description,
		"private":     false,
		"auto_init":   false,
	}
	status, body, err = c.doJSON(ctx, http.MethodPost, "/user/repos", createBody)
	if err != nil {
		return Repo{}, err
	}
	if status != http.StatusCreated {
		return Repo{}, githubError("create repo", status, body)
	}
	return parseRepo(body)
}

type githubContentsResponse struct {
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

// CommitFile creates or updates a single file on the default branch. The
// update path requires the current blob SHA, so an existing file is looked
// up first.
func (c *GitHubClient) CommitFile(ctx context.Context, repo, path string, content []byte, message string) error {
	contentsPath := c.repoPath(repo) + "/contents/" + url.PathEscape(path)
	status, body, err := c.doJSON(ctx, http.MethodGet, contentsPath, nil)
	if err != nil {
		return err
	}
	var existingSHA string
	switch status {
	case http.StatusOK:
		var existing githubContentsResponse
		if err := json.Unmarshal(body, &existing); err != nil {
			return fmt.Errorf("parse contents of %s: %w", path, err)
		}
		existingSHA = existing.SHA
	case http.StatusNotFound:
	default:
		return githubError("get contents", status, body)
	}

	putBody := map[string]any{
		"message": message,
		"content": base64.StdEncoding.EncodeToString(content),
		"branch":  c.branch,
	}
	if existingSHA != "" {
		putBody["sha"] = existingSHA
	}
	status, body, err = c.doJSON(ctx, http.MethodPut, contentsPath, putBody)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return githubError("commit "+path, status, body)
	}
	return nil
}

// EnablePages turns on pages deployment from the default branch root.
// 409 means pages is already configured, which is fine.
func (c *GitHubClient) EnablePages(ctx context.Context, repo string) error {
	body := map[string]any{
		"source": map[string]any{
			"branch": c.branch,
			"path":   "/",
		},
	}
	status, respBody, err := c.doJSON(ctx, http.MethodPost, c.repoPath(repo)+"/pages", body)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusCreated, http.StatusNoContent, http.StatusConflict:
		return nil
	default:
		return githubError("enable pages", status, respBody)
	}
}

func (c *GitHubClient) LatestCommitSHA(ctx context.Context, repo string) (string, error) {
	status, body, err := c.doJSON(ctx, http.MethodGet, c.repoPath(repo)+"/commits?per_page=1", nil)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", githubError("list commits", status, body)
	}
	var commits []struct {
		SHA string `json:"sha"`
	}
	if err := json.Unmarshal(body, &commits); err != nil {
		return "", err
	}
	if len(commits) == 0 {
		return "", fmt.Errorf("%w: repository has no commits", ErrNotFound)
	}
	return commits[0].SHA, nil
}

// FileContent fetches the decoded content of a repository file, used for
// prior-round generation context. A missing file maps to ErrNotFound.
func (c *GitHubClient) FileContent(ctx context.Context, repo, path string) (string, error) {
	status, body, err := c.doJSON(ctx, http.MethodGet, c.repoPath(repo)+"/contents/"+url.PathEscape(path), nil)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if status != http.StatusOK {
		return "", githubError("get contents", status, body)
	}
	var contents githubContentsResponse
	if err := json.Unmarshal(body, &contents); err != nil {
		return "", err
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(contents.Content, "\n", ""))
	if err != nil {
		return "", fmt.Errorf("decode contents of %s: %w", path, err)
	}
	return string(decoded), nil
}

func (c *GitHubClient) PagesURL(repo string) string {
	return fmt.Sprintf("https://%s.github.io/%s/", c.username, repo)
}

type githubDeployment struct {
	ID          int64  `json:"id"`
	SHA         string `json:"sha"`
	Environment string `json:"environment"`
	CreatedAt   string `json:"created_at"`
}

type githubDeploymentStatus struct {
	State     string `json:"state"`
	CreatedAt string `json:"created_at"`
}

// ListDeploymentChecks maps the repository's recent deployments and the
// latest status of each onto DeploymentCheck values. Filtering by revision
// and environment happens in the poller.
func (c *GitHubClient) ListDeploymentChecks(ctx context.Context, repo, revision string) ([]DeploymentCheck, error) {
	path := c.repoPath(repo) + "/deployments?per_page=10"
	if revision != "" {
		path += "&sha=" + url.QueryEscape(revision)
	}
	status, body, err := c.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, githubError("list deployments", status, body)
	}
	var deployments []githubDeployment
	if err := json.Unmarshal(body, &deployments); err != nil {
		return nil, err
	}

	checks := make([]DeploymentCheck, 0, len(deployments))
	for _, dep := range deployments {
		check := DeploymentCheck{
			Revision:    dep.SHA,
			Environment: dep.Environment,
			Status:      DeploymentQueued,
			CreatedAt:   parseGitHubTime(dep.CreatedAt),
		}
		statusPath := fmt.Sprintf("%s/deployments/%d/statuses?per_page=1", c.repoPath(repo), dep.ID)
		st, stBody, stErr := c.doJSON(ctx, http.MethodGet, statusPath, nil)
		if stErr == nil && st == http.StatusOK {
			var statuses []githubDeploymentStatus
			if json.Unmarshal(stBody, &statuses) == nil && len(statuses) > 0 {
				check.Status = mapDeploymentState(statuses[0].State)
				if ts := parseGitHubTime(statuses[0].CreatedAt); !ts.IsZero() {
					check.CreatedAt = ts
				}
			}
		}
		checks = append(checks, check)
	}
	return checks, nil
}

func mapDeploymentState(state string) DeploymentState {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "queued", "pending", "waiting":
		return DeploymentQueued
	case "in_progress":
		return DeploymentInProgress
	case "success":
		return DeploymentSuccess
	case "failure", "error":
		return DeploymentFailure
	default:
		return DeploymentUnknown
	}
}

func parseGitHubTime(value string) time.Time {
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func (c *GitHubClient) repoPath(repo string) string {
	return "/repos/" + url.PathEscape(c.username) + "/" + url.PathEscape(repo)
}

func (c *GitHubClient) doJSON(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp.StatusCode, nil, readErr
	}
	return resp.StatusCode, respBody, nil
}

func githubError(action string, status int, body []byte) error {
	return fmt.Errorf("github %s failed: status=%d message=%s", action, status, truncateBody(body))
}

func parseRepo(body []byte) (Repo, error) {
	var parsed githubRepoResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Repo{}, err
	}
	return Repo{
		Name:     parsed.Name,
		FullName: parsed.FullName,
		HTMLURL:  parsed.HTMLURL,
	}, nil
}

// MITLicense renders the license text committed on a project's first round.
func MITLicense(owner string) string {
	return fmt.Sprintf(`MIT License

Copyright (c) %d %s

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
`, time.Now().Year(), owner)
}
