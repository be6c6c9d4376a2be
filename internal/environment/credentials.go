package environment

import (
	"os"
	"strings"
)

// knownAPIKeyPatterns contains environment variables commonly needed by
// coding agents. They are passed through to the agent process when set.
var knownAPIKeyPatterns = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"AZURE_OPENAI_API_KEY",
	"MISTRAL_API_KEY",
	"GITHUB_TOKEN",
	"GITLAB_TOKEN",
	"NPM_TOKEN",
}

// EnvCredentials collects agent credentials from the service's own
// environment, optionally honoring a prefixed override (AGENTDOCK_FOO wins
// over FOO).
type EnvCredentials struct {
	prefix string
}

// NewEnvCredentials creates a credentials provider with the given prefix.
func NewEnvCredentials(prefix string) *EnvCredentials {
	return &EnvCredentials{prefix: prefix}
}

// Passthrough returns KEY=VALUE pairs for every known credential that is set.
func (p *EnvCredentials) Passthrough() []string {
	if p == nil {
		return nil
	}
	var env []string
	for _, key := range knownAPIKeyPatterns {
		if value := p.lookup(key); value != "" {
			env = append(env, key+"="+value)
		}
	}
	return env
}

func (p *EnvCredentials) lookup(key string) string {
	if p.prefix != "" {
		if value := os.Getenv(p.prefix + key); value != "" {
			return value
		}
	}
	return os.Getenv(key)
}

// mergeEnv combines pass-through credentials with per-session env vars.
// Session vars take precedence over pass-through values.
func mergeEnv(creds *EnvCredentials, sessionEnv map[string]string) []string {
	merged := map[string]string{}
	for _, kv := range creds.Passthrough() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range sessionEnv {
		merged[k] = v
	}
	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env
}
