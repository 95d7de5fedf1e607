// Package cmd provides the CLI commands for the openctrol agent.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openctrol/openctrol-agent/internal/config"
)

var (
	cfgFile     string
	pidFileFlag string
)

var rootCmd = &cobra.Command{
	Use:   "openctrol-agent",
	Short: "Openctrol Agent - remote desktop session broker",
	Long: `Openctrol Agent runs on the desktop host and admits remote desktop
sessions for Home Assistant.

It issues short-lived capability tokens, enforces the concurrent session cap,
and tears down desktop connections when a session ends.

Quick start:
  1. Create a config file: openctrol-agent.yaml
  2. Run: openctrol-agent start

Configuration:
  Config is loaded from openctrol-agent.yaml in the current directory,
  $HOME/.openctrol/, /etc/openctrol/ or %ProgramData%\Openctrol\.

  Environment variables can override config values with the OPENCTROL_ prefix.
  Example: OPENCTROL_SESSIONS_MAX_SESSIONS=2

Commands:
  start       Start the agent
  stop        Stop the running agent
  config      Print the effective configuration
  hash-key    Generate a hash for an API key
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./openctrol-agent.yaml)")
	rootCmd.PersistentFlags().StringVar(&pidFileFlag, "pid-file", "", "PID file used by start and stop (default: ~/.openctrol/agent.pid)")
}

func initConfig() {
	config.InitViper(cfgFile)
}

// resolvedPIDFile returns --pid-file or the default location.
func resolvedPIDFile() string {
	if pidFileFlag != "" {
		return pidFileFlag
	}
	return pidFilePath()
}
