//go:build !unix

package backend

import (
	"os"
	"os/exec"
)

func detach(cmd *exec.Cmd) {}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}

// terminate has no graceful variant on this platform.
func terminate(pid int) error {
	return kill(pid)
}

func kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
