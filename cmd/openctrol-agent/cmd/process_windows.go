//go:build windows

package cmd

import (
	"os"

	"golang.org/x/sys/windows"
)

// stillActive is the exit code GetExitCodeProcess reports for a running process.
const stillActive = 259

// shutdownSignals are the signals that trigger a graceful shutdown.
// Only os.Interrupt is delivered on Windows.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// processAlive opens pid and checks that it has not exited.
func processAlive(pid int) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var code uint32
	if err := windows.GetExitCodeProcess(handle, &code); err != nil {
		return false
	}
	return code == stillActive
}

// requestStop terminates the process. Windows has no SIGTERM, so in-flight
// sessions are dropped rather than ended.
func requestStop(proc *os.Process) error {
	return proc.Kill()
}
