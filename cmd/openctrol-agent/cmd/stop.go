package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const (
	stopPollInterval = 200 * time.Millisecond
	stopTimeout      = 10 * time.Second
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running agent",
	Long: `Stop a running agent by reading its PID file and asking it to shut down.

On shutdown the agent ends every session, which revokes their tokens and
closes the desktop connections.

The PID file is located at ~/.openctrol/agent.pid unless --pid-file is given.

Examples:
  openctrol-agent stop`,
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	pidPath := resolvedPIDFile()

	pid := readPIDFile(pidPath)
	if pid == 0 {
		return fmt.Errorf("no agent PID file found at %s\nIs the agent running?", pidPath)
	}

	if !processAlive(pid) {
		os.Remove(pidPath)
		return fmt.Errorf("agent process %d is not running (stale PID file removed)", pid)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		os.Remove(pidPath)
		return fmt.Errorf("invalid PID %d: %w", pid, err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Stopping openctrol agent (PID %d)...\n", pid)
	if err := requestStop(proc); err != nil {
		return fmt.Errorf("failed to stop agent: %w", err)
	}

	for waited := time.Duration(0); waited < stopTimeout; waited += stopPollInterval {
		time.Sleep(stopPollInterval)
		if !processAlive(pid) {
			os.Remove(pidPath)
			fmt.Fprintln(cmd.ErrOrStderr(), "Agent stopped.")
			return nil
		}
	}

	fmt.Fprintln(cmd.ErrOrStderr(), "Agent did not stop gracefully, killing it...")
	_ = proc.Kill()
	os.Remove(pidPath)
	fmt.Fprintln(cmd.ErrOrStderr(), "Agent killed.")
	return nil
}
