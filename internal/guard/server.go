package guard

import (
	"net"
	"sync"
)

// Server is the IPC half of the two-mechanism guard (spec.md §4.9): a
// local socket the spawned child is expected to connect to at startup
// and hold open for its entire lifetime. Losing that connection (server
// shutdown, crash) is the child's signal to fast-exit.
type Server struct {
	name     string
	listener net.Listener

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// NewServer creates a guard server bound to a freshly generated local
// name derived from seed, and begins accepting the single expected
// connection in the background. Name() is passed to the child as
// --guard=<name>.
func NewServer(seed string) (*Server, error) {
	ln, name, err := listen(seed)
	if err != nil {
		return nil, err
	}
	s := &Server{name: name, listener: ln}
	go s.acceptLoop()
	return s, nil
}

func (s *Server) acceptLoop() {
	conn, err := s.listener.Accept()
	if err != nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()
}

// Name returns the identifier passed to the child as --guard=<name>.
func (s *Server) Name() string { return s.name }

// Connected reports whether the child has connected yet.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Close releases the listener and drops any accepted connection,
// which is what causes a connected child to observe EOF and fast-exit.
// Sockets close before the server itself to match spec.md §5's
// deterministic-teardown-order requirement.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	return s.listener.Close()
}
