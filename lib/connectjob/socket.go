package connectjob

import (
	"errors"
	"net"
	"sync"
	"syscall"
	"time"
)

// probeWait bounds the background read that checks connections without a
// file descriptor.
var probeWait = time.Millisecond

// Socket adapts a net.Conn to pool.Socket.
//
// Liveness checks never wait on the network. Connections with a descriptor
// are peeked with a non-blocking recv. Others, such as tunnel connections,
// are read in the background with a short deadline, and the checks report
// what the last such read saw.
type Socket struct {
	conn net.Conn

	// readMu serializes reads of conn between Read and the background check.
	readMu sync.Mutex

	mu       sync.Mutex
	peeked   []byte
	closed   bool
	dead     bool
	checking bool
}

// NewSocket wraps conn.
func NewSocket(conn net.Conn) *Socket {
	return &Socket{conn: conn}
}

// Conn returns the underlying connection.
func (s *Socket) Conn() net.Conn { return s.conn }

// Read returns bytes seen by a liveness check before reading from the
// connection.
func (s *Socket) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	s.mu.Lock()
	if len(s.peeked) > 0 {
		n := copy(p, s.peeked)
		s.peeked = s.peeked[n:]
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()
	return s.conn.Read(p)
}

// Write writes to the connection.
func (s *Socket) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

// IsConnected implements pool.Socket.
func (s *Socket) IsConnected() bool {
	alive, _ := s.probe()
	return alive
}

// IsConnectedAndIdle implements pool.Socket.
func (s *Socket) IsConnectedAndIdle() bool {
	alive, pending := s.probe()
	return alive && !pending
}

// Disconnect implements pool.Socket.
func (s *Socket) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// probe checks liveness without blocking. pending reports unread data.
func (s *Socket) probe() (alive, pending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.dead {
		return false, false
	}
	if len(s.peeked) > 0 {
		return true, true
	}
	if sc, ok := s.conn.(syscall.Conn); ok {
		if alive, pending, err := peekRaw(sc); err == nil {
			return alive, pending
		}
	}
	if !s.checking {
		s.checking = true
		go s.checkInBackground()
	}
	return true, false
}

// checkInBackground reads one byte with a short deadline. A byte that
// arrives is kept for the next Read; an error other than the timeout marks
// the socket dead. It gives way to a caller already reading.
func (s *Socket) checkInBackground() {
	defer func() {
		s.mu.Lock()
		s.checking = false
		s.mu.Unlock()
	}()
	if !s.readMu.TryLock() {
		return
	}
	defer s.readMu.Unlock()

	alive, b := s.readWithDeadline()
	s.mu.Lock()
	s.peeked = append(s.peeked, b...)
	if !alive {
		s.dead = true
	}
	s.mu.Unlock()
}

func (s *Socket) readWithDeadline() (alive bool, b []byte) {
	if err := s.conn.SetReadDeadline(time.Now().Add(probeWait)); err != nil {
		return false, nil
	}
	var buf [1]byte
	n, err := s.conn.Read(buf[:])
	_ = s.conn.SetReadDeadline(time.Time{})

	if n > 0 {
		return true, buf[:n]
	}
	var ne net.Error
	if err == nil || (errors.As(err, &ne) && ne.Timeout()) {
		return true, nil
	}
	return false, nil
}
