package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ConvoSphere/metamcp/internal/oauth"
)

// Config is the top-level configuration structure for the meta-server.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Health     HealthConfig     `yaml:"health"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	TokenStore TokenStoreConfig `yaml:"tokenStore"`
	OAuth      OAuthConfig      `yaml:"oauth"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the HTTP surface hosting the control channel
// and the OAuth mirror endpoints.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"` // Host to bind to (default: localhost)
	Port int    `yaml:"port,omitempty"` // Port for the HTTP listener (default: 8085)
}

// Address returns the host:port the server binds to.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// HealthConfig tunes the health monitor.
type HealthConfig struct {
	ProbeInterval    Duration `yaml:"probeInterval,omitempty"`    // Time between probes per backend (default: 15s)
	ProbeTimeout     Duration `yaml:"probeTimeout,omitempty"`     // Deadline for a single probe (default: 3s)
	FailureThreshold int      `yaml:"failureThreshold,omitempty"` // Consecutive failures before unreachable (default: 3)
	GracePeriod      Duration `yaml:"gracePeriod,omitempty"`      // Unreachable time before deregistration (default: 5m)
}

// DispatchConfig tunes the dispatch router.
type DispatchConfig struct {
	Deadline Duration `yaml:"deadline,omitempty"` // Per-call deadline including the retry (default: 30s)
	Balancer string   `yaml:"balancer,omitempty"` // round_robin, least_recently_used or weighted
}

// Token store backend names.
const (
	TokenStoreMemory = "memory"
	TokenStoreFile   = "file"
)

// TokenStoreConfig selects and configures the token store backend.
type TokenStoreConfig struct {
	Backend string `yaml:"backend,omitempty"` // memory or file (default: memory)
	Path    string `yaml:"path,omitempty"`    // File path for the file backend

	// MasterKeyEnv names the environment variable holding the
	// encryption master key for the file backend. The key itself never
	// appears in configuration files.
	MasterKeyEnv string `yaml:"masterKeyEnv,omitempty"`
}

// OAuthConfig configures the session manager.
type OAuthConfig struct {
	Providers []oauth.Provider `yaml:"providers,omitempty"`

	// InitiatePerMinute and InitiateBurst bound per-agent initiate
	// calls (default: 10/min, burst 5).
	InitiatePerMinute float64 `yaml:"initiatePerMinute,omitempty"`
	InitiateBurst     int     `yaml:"initiateBurst,omitempty"`
}

// DiscoveryConfig configures backend discovery.
type DiscoveryConfig struct {
	// BackendsDir is the directory of backend definition files,
	// relative to the configuration directory unless absolute.
	BackendsDir string `yaml:"backendsDir,omitempty"`

	// Sweep lists candidate endpoints probed at startup and registered
	// when they answer.
	Sweep []SweepTarget `yaml:"sweep,omitempty"`
}

// SweepTarget is one candidate endpoint for the discovery probe sweep.
type SweepTarget struct {
	Name    string   `yaml:"name"`
	Kind    string   `yaml:"kind"` // http, websocket or stdio
	URL     string   `yaml:"url,omitempty"`
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"` // debug, info, warn or error (default: info)
}

// BackendDefinition is one backend definition file under backends/.
type BackendDefinition struct {
	Name         string            `yaml:"name"`
	Kind         string            `yaml:"kind"` // http, websocket or stdio
	URL          string            `yaml:"url,omitempty"`
	Command      string            `yaml:"command,omitempty"`
	Args         []string          `yaml:"args,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	Capabilities []string          `yaml:"capabilities"`
}

// Duration wraps time.Duration with YAML support for values like "15s"
// or "5m".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}
