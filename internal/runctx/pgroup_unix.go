//go:build unix

package runctx

import (
	"os"
	"os/exec"
	"syscall"
)

// SetProcessGroup starts cmd in a process group of its own so that
// termination reaches every descendant holding its output.
func SetProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// signalGroup signals p's process group, or p alone when it leads none.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	if err := syscall.Kill(-p.Pid, sig); err == nil {
		return nil
	}
	return p.Signal(sig)
}
