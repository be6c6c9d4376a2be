package environment

import v1 "github.com/agentdock/agentdock/pkg/api/v1"

// agentDefaults supplies the command and image used when a session's
// environment config leaves them empty.
type agentDefaults struct {
	Command []string
	Image   string
}

var defaultAgent = agentDefaults{
	Command: []string{"agent", "--non-interactive"},
	Image:   "agentdock/agent:latest",
}

// applyAgentDefaults fills in missing command and image fields.
func applyAgentDefaults(cfg v1.EnvironmentConfig) v1.EnvironmentConfig {
	if len(cfg.Command) == 0 {
		cfg.Command = defaultAgent.Command
	}
	if cfg.Type == v1.EnvironmentDocker && cfg.Image == "" && cfg.Dockerfile == "" {
		cfg.Image = defaultAgent.Image
	}
	return cfg
}
