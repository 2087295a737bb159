//go:build unix

package decoder

import (
	"os/exec"
	"syscall"
)

// Each decoder runs in its own process group so helpers it forks die with it.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killGroup(pid int) {
	if pid > 0 {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
}
