// Package environment provides pluggable execution backends for agent
// sessions: a host process, a Docker container, or a remote shell over SSH.
package environment

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentdock/agentdock/internal/common/logger"
	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

// EventType identifies the kind of event a backend emits.
type EventType string

const (
	EventOutput     EventType = "output"
	EventError      EventType = "error"
	EventPermission EventType = "permission_request"
	EventExit       EventType = "exit"
)

// Event is a single occurrence in a running environment. Output events carry
// one line of merged stdout/stderr; exit events carry the process exit code.
type Event struct {
	Type EventType
	Data string
	// SubAgent names the sub-agent that produced an output event, when the
	// agent attributed the line to one.
	SubAgent  string
	Request   *v1.PermissionRequest
	ExitCode  int
	Timestamp time.Time
}

// Backend is a running execution environment for one session. Start is called
// once; Events is closed after the exit or error event; Stop is idempotent.
type Backend interface {
	// Start launches the agent process in the environment.
	Start(ctx context.Context) error

	// Send writes one line of input to the agent's stdin.
	Send(ctx context.Context, input string) error

	// Events returns the stream of output, permission, error, and exit events.
	Events() <-chan Event

	// Stop terminates the environment. Calling Stop on a stopped environment
	// is a no-op.
	Stop(ctx context.Context) error
}

// Cleaner is implemented by backends that keep artifacts past Stop, such as a
// stopped container and its volumes. Cleanup removes them when the session is
// deleted.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// permissionSentinel marks agent stdout lines that encode a permission
// request rather than output. Everything after the marker is JSON.
const permissionSentinel = "__AGENTDOCK_PERMISSION__ "

// decisionSentinel prefixes permission decisions written back to the agent.
const decisionSentinel = "__AGENTDOCK_DECISION__ "

// subAgentSentinel marks output lines the agent attributes to a named
// sub-agent. Everything after the marker is JSON.
const subAgentSentinel = "__AGENTDOCK_SUBAGENT__ "

// parseLine converts one line of agent output into an event. Lines carrying
// the permission sentinel become permission events, lines carrying the
// sub-agent sentinel become tagged output; everything else is plain output.
func parseLine(sessionID, line string) Event {
	now := time.Now().UTC()
	if payload, ok := strings.CutPrefix(line, permissionSentinel); ok {
		var req struct {
			Action      string `json:"action"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal([]byte(payload), &req); err == nil && req.Action != "" {
			return Event{
				Type: EventPermission,
				Request: &v1.PermissionRequest{
					ID:          uuid.New().String(),
					SessionID:   sessionID,
					Action:      req.Action,
					Description: req.Description,
					CreatedAt:   now,
				},
				Timestamp: now,
			}
		}
		// Malformed sentinel payloads fall through as plain output
	}
	if payload, ok := strings.CutPrefix(line, subAgentSentinel); ok {
		var sub struct {
			Name   string `json:"name"`
			Output string `json:"output"`
		}
		if err := json.Unmarshal([]byte(payload), &sub); err == nil && sub.Name != "" {
			return Event{Type: EventOutput, Data: sub.Output, SubAgent: sub.Name, Timestamp: now}
		}
	}
	return Event{Type: EventOutput, Data: line, Timestamp: now}
}

// EncodeDecision formats a permission decision for delivery to the agent.
func EncodeDecision(requestID string, approved bool) string {
	decision := "deny"
	if approved {
		decision = "approve"
	}
	payload, _ := json.Marshal(map[string]string{
		"request_id": requestID,
		"decision":   decision,
	})
	return decisionSentinel + string(payload)
}

// ValidateConfig checks an environment config before a backend is built.
func ValidateConfig(cfg v1.EnvironmentConfig) error {
	switch cfg.Type {
	case v1.EnvironmentHost:
		return nil
	case v1.EnvironmentDocker:
		if cfg.Image == "" && cfg.Dockerfile == "" {
			return fmt.Errorf("docker environment requires an image or a dockerfile")
		}
		for _, pm := range cfg.PortMappings {
			if pm.HostPort < 1 || pm.HostPort > 65535 {
				return fmt.Errorf("invalid host port %d: must be between 1 and 65535", pm.HostPort)
			}
			if pm.ContainerPort < 1 || pm.ContainerPort > 65535 {
				return fmt.Errorf("invalid container port %d: must be between 1 and 65535", pm.ContainerPort)
			}
			if pm.Protocol != "" && pm.Protocol != "tcp" && pm.Protocol != "udp" {
				return fmt.Errorf("invalid port protocol %q: must be tcp or udp", pm.Protocol)
			}
		}
		for _, vm := range cfg.VolumeMounts {
			if !filepath.IsAbs(vm.HostPath) {
				return fmt.Errorf("volume mount host path %q must be absolute", vm.HostPath)
			}
			if !filepath.IsAbs(vm.ContainerPath) {
				return fmt.Errorf("volume mount container path %q must be absolute", vm.ContainerPath)
			}
		}
		return nil
	case v1.EnvironmentSSH:
		if cfg.SSHHost == "" {
			return fmt.Errorf("ssh environment requires ssh_host")
		}
		if cfg.SSHPort != 0 && (cfg.SSHPort < 1 || cfg.SSHPort > 65535) {
			return fmt.Errorf("invalid ssh port %d: must be between 1 and 65535", cfg.SSHPort)
		}
		return nil
	case "":
		return fmt.Errorf("environment type is required")
	default:
		return fmt.Errorf("unknown environment type %q", cfg.Type)
	}
}

// Options carries the dependencies a backend needs.
type Options struct {
	SessionID string
	// Workspace is the session worktree path on the host.
	Workspace string
	Logger    *logger.Logger
	// Docker is required for docker environments.
	Docker DockerRunner
	// Credentials supplies pass-through API keys for the agent process.
	Credentials *EnvCredentials
	// SSHDefaults fills in user and key path when the config omits them.
	SSHDefaults SSHDefaults
	// StopGracePeriod bounds how long Stop waits before killing.
	StopGracePeriod time.Duration
}

// SSHDefaults holds fallback SSH connection settings from service config.
type SSHDefaults struct {
	User           string
	KeyPath        string
	ConnectTimeout time.Duration
}

// New builds a backend for the given environment config.
func New(cfg v1.EnvironmentConfig, opts Options) (Backend, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	if opts.StopGracePeriod <= 0 {
		opts.StopGracePeriod = 10 * time.Second
	}
	cfg = applyAgentDefaults(cfg)

	switch cfg.Type {
	case v1.EnvironmentHost:
		return newHostBackend(cfg, opts), nil
	case v1.EnvironmentDocker:
		if opts.Docker == nil {
			return nil, fmt.Errorf("docker environment requires a docker client")
		}
		return newDockerBackend(cfg, opts), nil
	case v1.EnvironmentSSH:
		return newSSHBackend(cfg, opts), nil
	default:
		return nil, fmt.Errorf("unknown environment type %q", cfg.Type)
	}
}
