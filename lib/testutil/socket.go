package testutil

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"
)

var socketSeq atomic.Int64

// MockSocket is an in-memory pool.Socket whose liveness the test controls.
type MockSocket struct {
	mu          sync.Mutex
	id          int64
	connected   bool
	unread      bytes.Buffer
	written     bytes.Buffer
	disconnects int
}

// NewMockSocket returns a connected, idle socket.
func NewMockSocket() *MockSocket {
	return &MockSocket{id: socketSeq.Add(1), connected: true}
}

// ID distinguishes sockets in assertions.
func (s *MockSocket) ID() int64 { return s.id }

// Read returns data queued with Inject, or io.EOF once disconnected.
func (s *MockSocket) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unread.Len() > 0 {
		return s.unread.Read(p)
	}
	if !s.connected {
		return 0, io.EOF
	}
	return 0, nil
}

// Write records p.
func (s *MockSocket) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return 0, io.ErrClosedPipe
	}
	return s.written.Write(p)
}

// Written returns everything written so far.
func (s *MockSocket) Written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.String()
}

// Inject queues bytes as if the peer had sent them, making the socket busy.
func (s *MockSocket) Inject(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread.WriteString(data)
}

// SetConnected simulates the peer going away or coming back.
func (s *MockSocket) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
}

// IsConnected implements pool.Socket.
func (s *MockSocket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// IsConnectedAndIdle implements pool.Socket.
func (s *MockSocket) IsConnectedAndIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && s.unread.Len() == 0
}

// Disconnect implements pool.Socket.
func (s *MockSocket) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.disconnects++
	return nil
}

// Disconnects returns how many times Disconnect was called.
func (s *MockSocket) Disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}
