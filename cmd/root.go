package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the metamcp application.
// It is the entry point when the application is called without any
// subcommands.
var rootCmd = &cobra.Command{
	Use:   "metamcp",
	Short: "Meta-server between AI agents and MCP tool servers",
	Long: `metamcp sits between AI agents and a fleet of MCP tool servers.
It maintains a registry of backends across HTTP, WebSocket and stdio
transports, monitors their health, routes tool calls to healthy backends,
and brokers per-agent OAuth flows so agents hold provider tokens without
ever seeing client credentials.`,
	// SilenceUsage prevents Cobra from printing the usage message on
	// errors that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. Called from the main
// package to inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "metamcp version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
