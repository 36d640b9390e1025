//go:build linux

package sandbox

import (
	"errors"
	"os/exec"
	"runtime/debug"
	"syscall"

	"golang.org/x/sys/unix"
)

func configureChild(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative pid signals the whole process group.
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
}

// applyLimits caps the current (child) process. RLIMIT_DATA bounds the Go
// heap's writable mappings; the soft memory limit makes the runtime collect
// before the hard limit is hit.
func applyLimits(l Limits) error {
	mem := uint64(l.MemoryBytes)
	cpu := uint64(l.CPUSeconds)
	limits := []struct {
		res int
		cur uint64
		max uint64
	}{
		{unix.RLIMIT_DATA, mem, mem},
		{unix.RLIMIT_CPU, cpu, cpu + 1},
		{unix.RLIMIT_FSIZE, 0, 0},
		{unix.RLIMIT_CORE, 0, 0},
		{unix.RLIMIT_NOFILE, 32, 32},
	}
	for _, lim := range limits {
		if err := unix.Setrlimit(lim.res, &unix.Rlimit{Cur: lim.cur, Max: lim.max}); err != nil {
			return err
		}
	}
	debug.SetMemoryLimit(l.MemoryBytes * 8 / 10)
	return nil
}

// killedByLimit reports whether the child died from SIGXCPU or was killed
// by the kernel after exceeding RLIMIT_CPU.
func killedByLimit(err error) bool {
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return false
	}
	ws, ok := ee.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return false
	}
	return ws.Signal() == syscall.SIGXCPU
}
