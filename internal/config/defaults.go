package config

import "time"

const (
	// DefaultMasterKeyEnv names the environment variable consulted for
	// the file token store's encryption key.
	DefaultMasterKeyEnv = "METAMCP_MASTER_KEY"

	// DefaultBackendsDir is the backend definition directory relative
	// to the configuration directory.
	DefaultBackendsDir = "backends"
)

// GetDefaultConfig returns the built-in defaults. Every loader starts
// from this and overlays config.yaml on top.
func GetDefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8085,
		},
		Health: HealthConfig{
			ProbeInterval:    Duration(15 * time.Second),
			ProbeTimeout:     Duration(3 * time.Second),
			FailureThreshold: 3,
			GracePeriod:      Duration(5 * time.Minute),
		},
		Dispatch: DispatchConfig{
			Deadline: Duration(30 * time.Second),
			Balancer: "round_robin",
		},
		TokenStore: TokenStoreConfig{
			Backend:      TokenStoreMemory,
			MasterKeyEnv: DefaultMasterKeyEnv,
		},
		OAuth: OAuthConfig{
			InitiatePerMinute: 10,
			InitiateBurst:     5,
		},
		Discovery: DiscoveryConfig{
			BackendsDir: DefaultBackendsDir,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
