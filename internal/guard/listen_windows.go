//go:build windows

package guard

import (
	"fmt"
	"net"
)

// listen binds a loopback TCP port, since Go's standard library has no
// named-pipe listener; the port number (as a string) is what gets passed
// on as --guard=<name>.
func listen(seed string) (net.Listener, string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", fmt.Errorf("guard: listen tcp: %w", err)
	}
	return ln, ln.Addr().String(), nil
}
