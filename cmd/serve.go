package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ConvoSphere/metamcp/internal/app"
	"github.com/ConvoSphere/metamcp/internal/config"
)

// serveConfigPath specifies a custom configuration directory. When empty
// the per-user configuration directory is used.
var serveConfigPath string

// serveDebug enables verbose logging across the application.
var serveDebug bool

// serveCmd starts the meta-server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the meta-server",
	Long: `Starts the meta-server: the backend registry, discovery, health
monitoring, the dispatch router, the OAuth session broker and the HTTP
listener hosting the agent control channel.

Configuration is read from config.yaml in the configuration directory
(default: ~/.config/metamcp, override with --config-path). Backend
definitions live in the backends/ subdirectory, one YAML file per
backend, and are hot-reloaded while the server runs.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath := serveConfigPath
	if configPath == "" {
		configPath = config.GetDefaultConfigPathOrPanic()
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if serveDebug {
		cfg.Logging.Level = "debug"
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx, cfg, configPath)
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config-path", "", "Configuration directory (default: ~/.config/metamcp)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	rootCmd.AddCommand(serveCmd)
}
