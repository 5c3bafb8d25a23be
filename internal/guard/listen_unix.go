//go:build !windows

package guard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// listen binds a Unix domain socket under the OS temp dir, named after
// seed, and returns the listener plus the path a child connects to
// (passed on as --guard=<name>).
func listen(seed string) (net.Listener, string, error) {
	path := filepath.Join(os.TempDir(), "hostrunner-guard-"+seed+".sock")
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, "", fmt.Errorf("guard: listen unix %s: %w", path, err)
	}
	return ln, path, nil
}
