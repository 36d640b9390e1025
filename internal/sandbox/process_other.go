//go:build !linux

package sandbox

import (
	"os/exec"
	"runtime/debug"
)

func configureChild(cmd *exec.Cmd) {}

// applyLimits only sets the runtime soft memory limit; kernel rlimits are
// Linux-only here.
func applyLimits(l Limits) error {
	debug.SetMemoryLimit(l.MemoryBytes * 8 / 10)
	return nil
}

func killedByLimit(err error) bool { return false }
