package testutil

import (
	"bufio"
	"net"
	"sync"
)

// EchoServer is a loopback TCP server that echoes lines back. Tests use it
// as a real destination for connect jobs.
type EchoServer struct {
	mu       sync.Mutex
	listener net.Listener
	conns    []net.Conn
	accepted int
	silent   bool
	addr     string
}

// NewEchoServer starts a server listening on a random loopback port.
func NewEchoServer() (*EchoServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &EchoServer{
		listener: ln,
		addr:     ln.Addr().String(),
	}

	go s.acceptLoop()

	return s, nil
}

// Addr returns the host:port the server listens on.
func (s *EchoServer) Addr() string {
	return s.addr
}

// Port returns the listening port.
func (s *EchoServer) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Accepted returns the number of connections accepted so far.
func (s *EchoServer) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// SetSilent stops the server from echoing, so clients can observe a
// connection with nothing to read.
func (s *EchoServer) SetSilent(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

// Send writes data to every open server-side connection.
func (s *EchoServer) Send(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_, _ = c.Write([]byte(data))
	}
}

// CloseConnections closes every server-side connection but keeps listening.
func (s *EchoServer) CloseConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

// Close shuts the server down.
func (s *EchoServer) Close() error {
	s.CloseConnections()
	return s.listener.Close()
}

func (s *EchoServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.accepted++
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.handleConnection(conn)
	}
}

func (s *EchoServer) handleConnection(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		s.mu.Lock()
		silent := s.silent
		s.mu.Unlock()
		if !silent {
			_, _ = conn.Write([]byte(line))
		}
	}
}
