//go:build linux

package guard

import (
	"os/exec"
	"syscall"
)

// contain places the child in its own process group and asks the kernel
// to deliver SIGKILL to it if this process dies, even via SIGKILL itself,
// so a crashed host never orphans a running driver.
func contain(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}

// AfterStart is a no-op on Linux: containment is fully established by
// contain before Start, via Pdeathsig.
func AfterStart(cmd *exec.Cmd) error { return nil }
