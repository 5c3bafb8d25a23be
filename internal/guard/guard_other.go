//go:build !linux && !windows

package guard

import "os/exec"

// contain is a no-op on platforms without a process-tree containment
// primitive; the IPC watchdog (watchdog.go) remains the fallback.
func contain(cmd *exec.Cmd) {}

// AfterStart is a no-op on platforms without a containment primitive.
func AfterStart(cmd *exec.Cmd) error { return nil }
