//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// applyChildProcAttrs puts the spawned child in its own process group, so a
// later signalGroup reaches any grandchildren it forks (e.g. a shell running
// a dev server) and not just the immediate PID.
func applyChildProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup delivers sig to pid's process group, falling back to the bare
// pid if the group lookup fails (e.g. the child already exited).
func (pm *ProcessManager) signalGroup(pid int, sig syscall.Signal) error {
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		return syscall.Kill(-pgid, sig)
	}
	return syscall.Kill(pid, sig)
}

func sendTerm(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

func sendKill(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}

// processAlive probes liveness with signal 0, which delivers no signal but
// still reports ESRCH for a dead or reaped pid.
func processAlive(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

// isProcessGone reports whether err is the "no such process" the kernel
// returns for a pid that already exited.
func isProcessGone(err error) bool {
	return err == syscall.ESRCH
}

// beginProcessGroup is a no-op on Unix: applyChildProcAttrs already put the
// child in its own group, and the kernel reaps it without extra bookkeeping.
func beginProcessGroup(cmd *exec.Cmd) error {
	return nil
}

// endProcessGroup is a no-op on Unix; see beginProcessGroup.
func endProcessGroup(pid int) {}
