// Package guard implements the process-tree guard (spec.md §4 "A driver
// process must never outlive its host"): OS-level containment so a driver
// child is killed automatically if this process dies without a clean
// shutdown, plus an independent IPC watchdog that pings the child over a
// side channel and force-kills it if the host stops responding.
package guard

import "os/exec"

// Contain annotates cmd with whatever OS-level containment this platform
// supports, before the caller calls cmd.Start(). It must be called before
// Start; it is a no-op on platforms without a containment primitive.
func Contain(cmd *exec.Cmd) {
	contain(cmd)
}
