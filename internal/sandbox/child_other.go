//go:build !linux

package sandbox

import (
	"os"
	"os/exec"
	"syscall"
)

// Address-space limits are only applied on linux. Elsewhere the child still
// shields the server from a crash, but not from memory pressure.
func limitAddressSpace(uint64) error { return nil }

func childProcAttr() *syscall.SysProcAttr { return nil }

func killChild(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func killedByKernel(*os.ProcessState) bool { return false }
