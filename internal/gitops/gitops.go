// Package gitops manages git branches and worktrees for session isolation.
// Each session gets its own branch and linked worktree so concurrent agents
// never touch the user's checkout.
package gitops

import (
	"errors"
	"time"
)

// Sentinel errors returned by the worktree manager.
var (
	ErrRepoNotGit        = errors.New("path is not a git repository")
	ErrInvalidBranch     = errors.New("branch does not exist")
	ErrBranchExists      = errors.New("session branch already exists")
	ErrWorktreeNotFound  = errors.New("worktree not found")
	ErrGitCommandFailed  = errors.New("git command failed")
	ErrRebaseConflict    = errors.New("rebase conflict")
	ErrMergeConflict     = errors.New("merge conflict")
	ErrInvalidSessionRef = errors.New("invalid session name")
)

// Worktree describes a session-bound worktree.
type Worktree struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	RepoPath     string    `json:"repo_path"`
	Path         string    `json:"path"`
	Branch       string    `json:"branch"`
	ParentBranch string    `json:"parent_branch"`
	CreatedAt    time.Time `json:"created_at"`
}

// Config holds worktree manager configuration.
type Config struct {
	// BasePath is the directory under which worktrees are created.
	BasePath string
	// BranchPrefix is prepended to session names to form branch names.
	BranchPrefix string
}
