//go:build !windows

package proc

import (
	"os/exec"
	"syscall"
)

func setGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals pid's process group, or only pid when it shares our
// own group (a process we did not start with Setpgid).
func signalGroup(pid int, sig syscall.Signal) error {
	pgid, err := syscall.Getpgid(pid)
	if err != nil || pgid == syscall.Getpgrp() {
		return syscall.Kill(pid, sig)
	}
	return syscall.Kill(-pgid, sig)
}

func signalPid(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}
