// Package api provides HTTP handlers for the session service API.
package api

import (
	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

// CreateSessionRequest for creating one or more sessions
type CreateSessionRequest struct {
	ProjectID     string               `json:"project_id" binding:"required"`
	Name          string               `json:"name" binding:"required"`
	RepoPath      string               `json:"repo_path" binding:"required"`
	ParentBranch  string               `json:"parent_branch,omitempty"`
	InitialPrompt string               `json:"initial_prompt,omitempty"`
	Count         int                  `json:"count,omitempty"`
	Environment   v1.EnvironmentConfig `json:"environment" binding:"required"`
}

// InputRequest for sending user input to a session
type InputRequest struct {
	Content string `json:"content" binding:"required"`
}

// ResolvePermissionRequest for approving or denying a pending request
type ResolvePermissionRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	Decision  string `json:"decision" binding:"required,oneof=approve deny"`
}

// MergeRequest for merging a session branch back into its parent
type MergeRequest struct {
	DeleteWorktree bool `json:"delete_worktree"`
}

// CreateSessionsResponse wraps the sessions created by one request
type CreateSessionsResponse struct {
	Sessions []*v1.Session `json:"sessions"`
}

// SessionListResponse wraps a session listing
type SessionListResponse struct {
	Sessions []*v1.Session `json:"sessions"`
	Total    int           `json:"total"`
}

// MessageListResponse wraps a session's conversation log
type MessageListResponse struct {
	Messages []*v1.Message `json:"messages"`
	Total    int           `json:"total"`
}
