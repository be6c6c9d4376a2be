package gitops

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
)

var sessionNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Manager handles git worktree operations for session isolation.
type Manager struct {
	config     Config
	logger     *logger.Logger
	worktrees  map[string]*Worktree // sessionID -> worktree
	mu         sync.RWMutex
	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewManager creates a new worktree manager.
func NewManager(cfg Config, log *logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.Default()
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "session/"
	}

	basePath, err := expandPath(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to expand base path: %w", err)
	}
	cfg.BasePath = basePath
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base directory: %w", err)
	}

	return &Manager{
		config:    cfg,
		logger:    log.WithFields(zap.String("component", "gitops")),
		worktrees: make(map[string]*Worktree),
		repoLocks: make(map[string]*sync.Mutex),
	}, nil
}

// getRepoLock returns a mutex for the given repository path.
func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	if lock, exists := m.repoLocks[repoPath]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	m.repoLocks[repoPath] = lock
	return lock
}

// BranchName returns the branch a session maps to.
func (m *Manager) BranchName(sessionName string) string {
	return m.config.BranchPrefix + sessionName
}

// CreateWorktree creates a branch named <prefix><sessionName> at the tip of
// parentBranch and a linked worktree checked out on it.
func (m *Manager) CreateWorktree(ctx context.Context, sessionID, sessionName, repoPath, parentBranch string) (*Worktree, error) {
	if !sessionNameRe.MatchString(sessionName) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSessionRef, sessionName)
	}
	if !m.isGitRepo(repoPath) {
		return nil, ErrRepoNotGit
	}
	if !m.branchExists(repoPath, parentBranch) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBranch, parentBranch)
	}

	branch := m.BranchName(sessionName)
	if m.branchExists(repoPath, branch) {
		return nil, fmt.Errorf("%w: %s", ErrBranchExists, branch)
	}

	repoLock := m.getRepoLock(repoPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	worktreeID := uuid.New().String()
	dirName := sessionName + "_" + worktreeID[:8]
	worktreePath := filepath.Join(m.config.BasePath, dirName)

	// git worktree add -b <branch> <path> <parent>
	cmd := exec.CommandContext(ctx, "git", "worktree", "add",
		"-b", branch,
		worktreePath,
		parentBranch)
	cmd.Dir = repoPath

	output, err := cmd.CombinedOutput()
	if err != nil {
		m.logger.Error("git worktree add failed",
			zap.String("output", string(output)),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, string(output))
	}

	wt := &Worktree{
		ID:           worktreeID,
		SessionID:    sessionID,
		RepoPath:     repoPath,
		Path:         worktreePath,
		Branch:       branch,
		ParentBranch: parentBranch,
		CreatedAt:    time.Now().UTC(),
	}

	m.mu.Lock()
	m.worktrees[sessionID] = wt
	m.mu.Unlock()

	m.logger.Info("created worktree",
		zap.String("session_id", sessionID),
		zap.String("branch", branch),
		zap.String("path", worktreePath))

	return wt, nil
}

// GetBySessionID returns the worktree for a session, if it exists.
func (m *Manager) GetBySessionID(sessionID string) (*Worktree, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if wt, ok := m.worktrees[sessionID]; ok {
		return wt, nil
	}
	return nil, ErrWorktreeNotFound
}

// RebaseFromParent fetches the latest parent branch when the repository has a
// remote, then replays the session branch on top of its tip. On conflict the
// rebase is aborted and the worktree is left exactly as it was.
func (m *Manager) RebaseFromParent(ctx context.Context, sessionID string) error {
	wt, err := m.GetBySessionID(sessionID)
	if err != nil {
		return err
	}

	repoLock := m.getRepoLock(wt.RepoPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	target := wt.ParentBranch
	if remote := m.firstRemote(wt.RepoPath); remote != "" {
		fetch := exec.CommandContext(ctx, "git", "fetch", remote, wt.ParentBranch)
		fetch.Dir = wt.Path
		if out, err := fetch.CombinedOutput(); err != nil {
			m.logger.Warn("fetch before rebase failed, using local parent tip",
				zap.String("remote", remote),
				zap.String("output", string(out)))
		} else {
			target = remote + "/" + wt.ParentBranch
		}
	}

	cmd := exec.CommandContext(ctx, "git", "rebase", target)
	cmd.Dir = wt.Path

	output, err := cmd.CombinedOutput()
	if err == nil {
		m.logger.Info("rebased session branch",
			zap.String("session_id", sessionID),
			zap.String("parent_branch", wt.ParentBranch))
		return nil
	}

	m.logger.Warn("rebase failed, aborting",
		zap.String("session_id", sessionID),
		zap.String("output", string(output)))

	// Abort restores the worktree to its pre-rebase state.
	abort := exec.CommandContext(ctx, "git", "rebase", "--abort")
	abort.Dir = wt.Path
	if abortOut, abortErr := abort.CombinedOutput(); abortErr != nil {
		m.logger.Error("git rebase --abort failed",
			zap.String("output", string(abortOut)),
			zap.Error(abortErr))
	}

	return fmt.Errorf("%w: %s", ErrRebaseConflict, firstLine(string(output)))
}

// MergeAndCleanup merges the session branch into its parent branch. On
// conflict the merge is aborted and the session branch is untouched. When
// deleteWorktree is true and the merge succeeds, the worktree and branch are
// removed.
func (m *Manager) MergeAndCleanup(ctx context.Context, sessionID string, deleteWorktree bool) error {
	wt, err := m.GetBySessionID(sessionID)
	if err != nil {
		return err
	}

	repoLock := m.getRepoLock(wt.RepoPath)
	repoLock.Lock()

	if err := m.checkoutBranch(ctx, wt.RepoPath, wt.ParentBranch); err != nil {
		repoLock.Unlock()
		return err
	}

	cmd := exec.CommandContext(ctx, "git", "merge", "--no-ff", wt.Branch)
	cmd.Dir = wt.RepoPath

	output, err := cmd.CombinedOutput()
	if err != nil {
		abort := exec.CommandContext(ctx, "git", "merge", "--abort")
		abort.Dir = wt.RepoPath
		if abortErr := abort.Run(); abortErr != nil {
			m.logger.Debug("git merge --abort failed", zap.Error(abortErr))
		}
		repoLock.Unlock()

		m.logger.Warn("merge failed",
			zap.String("session_id", sessionID),
			zap.String("output", string(output)))
		return fmt.Errorf("%w: %s", ErrMergeConflict, firstLine(string(output)))
	}
	repoLock.Unlock()

	m.logger.Info("merged session branch into parent",
		zap.String("session_id", sessionID),
		zap.String("branch", wt.Branch),
		zap.String("parent_branch", wt.ParentBranch))

	if deleteWorktree {
		return m.RemoveWorktree(ctx, sessionID, true)
	}
	return nil
}

// RemoveWorktree removes the worktree directory and optionally the session
// branch. It is idempotent: removing an already-removed worktree succeeds.
func (m *Manager) RemoveWorktree(ctx context.Context, sessionID string, removeBranch bool) error {
	m.mu.RLock()
	wt, ok := m.worktrees[sessionID]
	m.mu.RUnlock()
	if !ok {
		// Already removed
		return nil
	}

	repoLock := m.getRepoLock(wt.RepoPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	if err := m.removeWorktreeDir(ctx, wt.Path, wt.RepoPath); err != nil {
		m.logger.Warn("failed to remove worktree directory",
			zap.String("path", wt.Path),
			zap.Error(err))
	}

	if removeBranch && m.branchExists(wt.RepoPath, wt.Branch) {
		cmd := exec.CommandContext(ctx, "git", "branch", "-D", wt.Branch)
		cmd.Dir = wt.RepoPath
		if output, err := cmd.CombinedOutput(); err != nil {
			m.logger.Warn("failed to delete session branch",
				zap.String("branch", wt.Branch),
				zap.String("output", string(output)),
				zap.Error(err))
		}
	}

	m.mu.Lock()
	delete(m.worktrees, sessionID)
	m.mu.Unlock()

	m.logger.Info("removed worktree",
		zap.String("session_id", sessionID),
		zap.String("path", wt.Path),
		zap.Bool("branch_removed", removeBranch))

	return nil
}

// checkoutBranch switches the main repository checkout to the given branch if
// it is not already on it.
func (m *Manager) checkoutBranch(ctx context.Context, repoPath, branch string) error {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = repoPath
	output, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("%w: rev-parse HEAD", ErrGitCommandFailed)
	}
	if strings.TrimSpace(string(output)) == branch {
		return nil
	}

	checkout := exec.CommandContext(ctx, "git", "checkout", branch)
	checkout.Dir = repoPath
	if out, err := checkout.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, firstLine(string(out)))
	}
	return nil
}

// isGitRepo checks if a path is a git repository.
func (m *Manager) isGitRepo(path string) bool {
	gitDir := filepath.Join(path, ".git")
	info, err := os.Stat(gitDir)
	if err != nil {
		return false
	}
	// .git can be either a directory (regular repo) or a file (worktree)
	return info.IsDir() || info.Mode().IsRegular()
}

// firstRemote returns the repository's first configured remote, or "" when it
// has none.
func (m *Manager) firstRemote(repoPath string) string {
	cmd := exec.Command("git", "remote")
	cmd.Dir = repoPath
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return firstLine(string(output))
}

// branchExists checks if a branch exists in the repository.
func (m *Manager) branchExists(repoPath, branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", "refs/heads/"+branch)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

// removeWorktreeDir removes a worktree directory using git worktree remove,
// falling back to direct removal plus prune.
func (m *Manager) removeWorktreeDir(ctx context.Context, worktreePath, repoPath string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", string(output)),
			zap.Error(err))

		if err := os.RemoveAll(worktreePath); err != nil {
			return err
		}

		prune := exec.CommandContext(ctx, "git", "worktree", "prune")
		prune.Dir = repoPath
		if err := prune.Run(); err != nil {
			m.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return filepath.Abs(path)
}
