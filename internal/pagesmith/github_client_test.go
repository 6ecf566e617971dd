package pagesmith

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestGitHubClient(serverURL string) *GitHubClient {
	return NewGitHubClient(GitHubClientOptions{
		BaseURL:  serverURL,
		Token:    "tok",
		Username: "dev",
	})
}

func TestEnsureRepoReturnsExisting(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/repos/dev/demo" {
			writeTestJSON(w, map[string]any{
				"name":      "demo",
				"full_name": "dev/demo",
				"html_url":  "https://github.com/dev/demo",
			})
			return
		}
		t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
	}))
	defer server.Close()

	repo, err := newTestGitHubClient(server.URL).EnsureRepo(context.Background(), "demo", "desc")
	if err != nil {
		t.Fatalf("ensure repo failed: %v", err)
	}
	if repo.FullName != "dev/demo" {
		t.Fatalf("unexpected repo: %+v", repo)
	}
}

func TestEnsureRepoCreatesWhenMissing(t *testing.T) {
	var createBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/repos/dev/demo":
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost && r.URL.Path == "/user/repos":
			if err := json.NewDecoder(r.Body).Decode(&createBody); err != nil {
				t.Errorf("decode create body: %v", err)
			}
			w.WriteHeader(http.StatusCreated)
			writeTestJSON(w, map[string]any{
				"name":      "demo",
				"full_name": "dev/demo",
				"html_url":  "https://github.com/dev/demo",
			})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	repo, err := newTestGitHubClient(server.URL).EnsureRepo(context.Background(), "demo", "desc")
	if err != nil {
		t.Fatalf("ensure repo failed: %v", err)
	}
	if repo.Name != "demo" {
		t.Fatalf("unexpected repo: %+v", repo)
	}
	if createBody["private"] != false || createBody["auto_init"] != false {
		t.Fatalf("repo must be public without auto init: %+v", createBody)
	}
}

func TestCommitFileCreatesAndUpdates(t *testing.T) {
	var putBodies []map[string]any
	exists := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/dev/demo/contents/index.html" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			return
		}
		switch r.Method {
		case http.MethodGet:
			if !exists {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeTestJSON(w, map[string]any{"sha": "blob-sha", "content": "", "encoding": "base64"})
		case http.MethodPut:
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode put body: %v", err)
			}
			putBodies = append(putBodies, body)
			w.WriteHeader(http.StatusCreated)
			writeTestJSON(w, map[string]any{})
		}
	}))
	defer server.Close()

	client := newTestGitHubClient(server.URL)
	if err := client.CommitFile(context.Background(), "demo", "index.html", []byte("<p>v1</p>"), "first"); err != nil {
		t.Fatalf("create commit failed: %v", err)
	}
	exists = true
	if err := client.CommitFile(context.Background(), "demo", "index.html", []byte("<p>v2</p>"), "second"); err != nil {
		t.Fatalf("update commit failed: %v", err)
	}

	if len(putBodies) != 2 {
		t.Fatalf("expected 2 puts, got %d", len(putBodies))
	}
	if _, hasSHA := putBodies[0]["sha"]; hasSHA {
		t.Fatalf("create must not send a blob sha: %+v", putBodies[0])
	}
	if putBodies[1]["sha"] != "blob-sha" {
		t.Fatalf("update must send the existing blob sha: %+v", putBodies[1])
	}
	decoded, err := base64.StdEncoding.DecodeString(putBodies[1]["content"].(string))
	if err != nil || string(decoded) != "<p>v2</p>" {
		t.Fatalf("content must be base64 encoded, got %v (%v)", putBodies[1]["content"], err)
	}
}

func TestEnablePagesTreatsConflictAsSuccess(t *testing.T) {
	for _, status := range []int{http.StatusCreated, http.StatusConflict} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		err := newTestGitHubClient(server.URL).EnablePages(context.Background(), "demo")
		server.Close()
		if err != nil {
			t.Fatalf("status %d should be accepted: %v", status, err)
		}
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()
	if err := newTestGitHubClient(server.URL).EnablePages(context.Background(), "demo"); err == nil {
		t.Fatalf("forbidden must surface an error")
	}
}

func TestLatestCommitSHA(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, []map[string]any{{"sha": "abc123"}})
	}))
	defer server.Close()

	sha, err := newTestGitHubClient(server.URL).LatestCommitSHA(context.Background(), "demo")
	if err != nil {
		t.Fatalf("latest commit failed: %v", err)
	}
	if sha != "abc123" {
		t.Fatalf("unexpected sha: %q", sha)
	}
}

func TestLatestCommitSHAEmptyRepo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, []map[string]any{})
	}))
	defer server.Close()

	_, err := newTestGitHubClient(server.URL).LatestCommitSHA(context.Background(), "demo")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty repo, got %v", err)
	}
}

func TestFileContentDecodesBase64(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The contents API wraps base64 at 60 columns.
		encoded := base64.StdEncoding.EncodeToString([]byte("# Hello"))
		writeTestJSON(w, map[string]any{
			"sha":      "s",
			"content":  encoded[:4] + "\n" + encoded[4:],
			"encoding": "base64",
		})
	}))
	defer server.Close()

	content, err := newTestGitHubClient(server.URL).FileContent(context.Background(), "demo", "README.md")
	if err != nil {
		t.Fatalf("file content failed: %v", err)
	}
	if content != "# Hello" {
		t.Fatalf("unexpected content: %q", content)
	}
}

func TestFileContentMissingIsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newTestGitHubClient(server.URL).FileContent(context.Background(), "demo", "README.md")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPagesURL(t *testing.T) {
	client := newTestGitHubClient("https://api.example.com")
	if got := client.PagesURL("demo"); got != "https://dev.github.io/demo/" {
		t.Fatalf("unexpected pages url: %q", got)
	}
}

func TestListDeploymentChecks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/repos/dev/demo/deployments":
			writeTestJSON(w, []map[string]any{
				{"id": 1, "sha": "sha1", "environment": "github-pages", "created_at": "2026-08-30T10:00:00Z"},
				{"id": 2, "sha": "sha2", "environment": "github-pages", "created_at": "2026-08-30T11:00:00Z"},
			})
		case strings.HasSuffix(r.URL.Path, "/deployments/1/statuses"):
			writeTestJSON(w, []map[string]any{
				{"state": "success", "created_at": "2026-08-30T10:05:00Z"},
			})
		case strings.HasSuffix(r.URL.Path, "/deployments/2/statuses"):
			writeTestJSON(w, []map[string]any{})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	checks, err := newTestGitHubClient(server.URL).ListDeploymentChecks(context.Background(), "demo", "sha1")
	if err != nil {
		t.Fatalf("list deployment checks failed: %v", err)
	}
	if len(checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(checks))
	}
	if checks[0].Status != DeploymentSuccess || checks[0].Revision != "sha1" {
		t.Fatalf("unexpected first check: %+v", checks[0])
	}
	// A deployment without statuses stays queued.
	if checks[1].Status != DeploymentQueued {
		t.Fatalf("unexpected second check: %+v", checks[1])
	}
}

func TestMapDeploymentState(t *testing.T) {
	cases := map[string]DeploymentState{
		"queued":      DeploymentQueued,
		"pending":     DeploymentQueued,
		"in_progress": DeploymentInProgress,
		"success":     DeploymentSuccess,
		"failure":     DeploymentFailure,
		"error":       DeploymentFailure,
		"inactive":    DeploymentUnknown,
	}
	for raw, want := range cases {
		if got := mapDeploymentState(raw); got != want {
			t.Fatalf("mapDeploymentState(%q) = %q, want %q", raw, got, want)
		}
	}
}
