//go:build windows

package cmd

import "os"

// gracefulSignals returns the OS signals to capture for graceful shutdown.
// On Windows, only os.Interrupt (Ctrl+C) is reliably delivered.
func gracefulSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// processIsAlive cannot be checked without the Windows process API; report
// alive and let the kill timeout in stop handle already-dead processes.
func processIsAlive(proc *os.Process) bool {
	return true
}

// sendGracefulStop terminates the process. Windows has no SIGTERM;
// Kill() calls TerminateProcess.
func sendGracefulStop(proc *os.Process) error {
	return proc.Kill()
}
