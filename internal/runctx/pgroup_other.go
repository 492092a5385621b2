//go:build !unix

package runctx

import (
	"os"
	"os/exec"
	"syscall"
)

// SetProcessGroup is a no-op where process groups are unavailable.
func SetProcessGroup(*exec.Cmd) {}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	if sig == syscall.SIGKILL {
		return p.Kill()
	}
	return p.Signal(sig)
}
