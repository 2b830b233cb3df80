//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package connectjob

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// peekRaw looks at the socket's receive queue without consuming it.
func peekRaw(c syscall.Conn) (alive, pending bool, err error) {
	rc, err := c.SyscallConn()
	if err != nil {
		return false, false, err
	}

	var (
		buf  [1]byte
		n    int
		rerr error
	)
	err = rc.Read(func(fd uintptr) bool {
		n, _, rerr = unix.Recvfrom(int(fd), buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		return true
	})
	if err != nil {
		return false, false, err
	}

	switch {
	case n > 0:
		return true, true, nil
	case rerr == nil:
		// Orderly shutdown by the peer.
		return false, false, nil
	case errors.Is(rerr, unix.EAGAIN), errors.Is(rerr, unix.EWOULDBLOCK), errors.Is(rerr, unix.EINTR):
		return true, false, nil
	default:
		return false, false, nil
	}
}
