package v1

import "time"

// SessionStatus represents the lifecycle status of a session.
type SessionStatus string

const (
	SessionStatusInitializing SessionStatus = "initializing"
	SessionStatusRunning      SessionStatus = "running"
	SessionStatusWaitingInput SessionStatus = "waiting_input"
	SessionStatusCompleted    SessionStatus = "completed"
	SessionStatusError        SessionStatus = "error"
)

// IsTerminal reports whether the status is a terminal state.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusError
}

// EnvironmentType selects the execution backend for a session.
type EnvironmentType string

const (
	EnvironmentHost   EnvironmentType = "host"
	EnvironmentDocker EnvironmentType = "docker"
	EnvironmentSSH    EnvironmentType = "ssh"
)

// PortMapping maps a host port to a container port.
type PortMapping struct {
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol,omitempty"` // tcp (default) or udp
}

// VolumeMount mounts a host path into a container.
type VolumeMount struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	ReadOnly      bool   `json:"read_only,omitempty"`
}

// EnvironmentConfig describes how and where the session's agent runs.
type EnvironmentConfig struct {
	Type EnvironmentType `json:"type"`

	// Command is the agent command line; defaults come from the agent registry.
	Command []string          `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// Docker fields
	Image        string        `json:"image,omitempty"`
	Dockerfile   string        `json:"dockerfile,omitempty"` // path relative to the workspace; used when Image is empty
	PortMappings []PortMapping `json:"port_mappings,omitempty"`
	VolumeMounts []VolumeMount `json:"volume_mounts,omitempty"`

	// SSH fields
	SSHHost    string `json:"ssh_host,omitempty"`
	SSHPort    int    `json:"ssh_port,omitempty"`
	SSHUser    string `json:"ssh_user,omitempty"`
	SSHKeyPath string `json:"ssh_key_path,omitempty"`
	// RemoteWorkspace is the working directory on the remote host.
	RemoteWorkspace string `json:"remote_workspace,omitempty"`
}

// Session represents a coding-agent session bound to a git worktree.
type Session struct {
	ID           string            `json:"id"`
	ProjectID    string            `json:"project_id"`
	Name         string            `json:"name"`
	Status       SessionStatus     `json:"status"`
	ParentBranch string            `json:"parent_branch"`
	Branch       string            `json:"branch"`
	WorktreePath string            `json:"worktree_path"`
	Environment  EnvironmentConfig `json:"environment"`
	ErrorMessage *string           `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// MessageRole identifies the author of a session message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// SubAgentOutput attributes a piece of assistant output to a named sub-agent.
type SubAgentOutput struct {
	Name   string `json:"name"`
	Output string `json:"output"`
}

// Message is one entry in a session's conversation log.
type Message struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	Role      MessageRole      `json:"role"`
	Content   string           `json:"content"`
	SubAgents []SubAgentOutput `json:"sub_agents,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// PermissionRequest is an agent action awaiting user approval.
type PermissionRequest struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Action      string    `json:"action"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// GitResult reports the outcome of a rebase or merge operation.
type GitResult struct {
	Success  bool   `json:"success"`
	Conflict bool   `json:"conflict"`
	Detail   string `json:"detail,omitempty"`
}
