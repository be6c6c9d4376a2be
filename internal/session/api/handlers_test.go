package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/events/bus"
	"github.com/agentdock/agentdock/internal/gitops"
	"github.com/agentdock/agentdock/internal/session"
	"github.com/agentdock/agentdock/internal/session/store"
	"github.com/agentdock/agentdock/internal/session/streaming"
	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func setupTestRouter(t *testing.T, authToken string) (*gin.Engine, *session.Manager, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := initTestRepo(t)
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})

	git, err := gitops.NewManager(gitops.Config{
		BasePath:     filepath.Join(t.TempDir(), "worktrees"),
		BranchPrefix: "session/",
	}, log)
	if err != nil {
		t.Fatalf("gitops.NewManager failed: %v", err)
	}

	mgr := session.NewManager(session.Options{
		Store:  store.NewMemoryStore(),
		Git:    git,
		Bus:    bus.NewMemoryEventBus(log),
		Logger: log,
		Config: session.Config{
			OutputBufferSize:    100,
			StopGracePeriod:     2 * time.Second,
			DefaultParentBranch: "main",
			CleanupOnRemove:     true,
		},
	})
	streamer := streaming.NewServer(mgr, 100, log)
	mgr.SetStreamer(streamer)
	streamer.SetAttachListener(mgr.OnClientAttach)

	t.Cleanup(func() { mgr.Shutdown(context.Background()) })
	return SetupRouter(mgr, streamer, authToken, log), mgr, repo
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createTestSession(t *testing.T, router *gin.Engine, repo, name string) *v1.Session {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{
		ProjectID: "proj-1",
		Name:      name,
		RepoPath:  repo,
		Environment: v1.EnvironmentConfig{
			Type:    v1.EnvironmentHost,
			Command: []string{"sh", "-c", "sleep 30"},
		},
	}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("create returned %d: %s", w.Code, w.Body.String())
	}
	var resp CreateSessionsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if len(resp.Sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(resp.Sessions))
	}
	return resp.Sessions[0]
}

func TestCreateSessionEndpoint(t *testing.T) {
	router, _, repo := setupTestRouter(t, "")
	s := createTestSession(t, router, repo, "api-create")

	if s.Status != v1.SessionStatusInitializing {
		t.Errorf("status = %s, want initializing", s.Status)
	}
	if s.Branch != "session/api-create" {
		t.Errorf("branch = %s", s.Branch)
	}

	w := doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+s.ID, nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("get returned %d", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/sessions", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("list returned %d", w.Code)
	}
	var list SessionListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if list.Total != 1 {
		t.Errorf("total = %d, want 1", list.Total)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	router, _, repo := setupTestRouter(t, "")

	// Missing name
	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{
		ProjectID:   "proj-1",
		RepoPath:    repo,
		Environment: v1.EnvironmentConfig{Type: v1.EnvironmentHost},
	}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing name returned %d, want 400", w.Code)
	}

	// Invalid environment type
	w = doJSON(t, router, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{
		ProjectID:   "proj-1",
		Name:        "bad-env",
		RepoPath:    repo,
		Environment: v1.EnvironmentConfig{Type: "vm"},
	}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad environment returned %d, want 400", w.Code)
	}
}

func TestSessionNotFoundEndpoints(t *testing.T) {
	router, _, _ := setupTestRouter(t, "")

	cases := []struct{ method, path string }{
		{http.MethodGet, "/api/v1/sessions/missing"},
		{http.MethodGet, "/api/v1/sessions/missing/messages"},
		{http.MethodPost, "/api/v1/sessions/missing/stop"},
		{http.MethodDelete, "/api/v1/sessions/missing"},
		{http.MethodPost, "/api/v1/sessions/missing/git/rebase"},
	}
	for _, tc := range cases {
		w := doJSON(t, router, tc.method, tc.path, nil, "")
		if w.Code != http.StatusNotFound {
			t.Errorf("%s %s returned %d, want 404", tc.method, tc.path, w.Code)
		}
	}

	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions/missing/input",
		InputRequest{Content: "hi"}, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("input returned %d, want 404", w.Code)
	}
}

func TestSessionInputAndMessages(t *testing.T) {
	router, mgr, repo := setupTestRouter(t, "")
	s := createTestSession(t, router, repo, "api-input")

	// Wait for the session to accept input
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		got, err := mgr.Get(context.Background(), s.ID)
		if err == nil && got.Status == v1.SessionStatusRunning {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+s.ID+"/input",
		InputRequest{Content: "do the thing"}, "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("input returned %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+s.ID+"/messages", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("messages returned %d", w.Code)
	}
	var list MessageListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if list.Total < 1 || list.Messages[0].Content != "do the thing" {
		t.Errorf("unexpected messages: %+v", list.Messages)
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+s.ID+"/stop", nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("stop returned %d", w.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	router, _, _ := setupTestRouter(t, "secret-token")

	w := doJSON(t, router, http.MethodGet, "/api/v1/sessions", nil, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated request returned %d, want 401", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/sessions", nil, "wrong")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token returned %d, want 401", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/sessions", nil, "secret-token")
	if w.Code != http.StatusOK {
		t.Errorf("authenticated request returned %d, want 200", w.Code)
	}

	// Health stays open
	w = doJSON(t, router, http.MethodGet, "/health", nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("health returned %d, want 200", w.Code)
	}
}
