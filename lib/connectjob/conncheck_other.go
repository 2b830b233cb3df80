//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package connectjob

import (
	"errors"
	"syscall"
)

var errNoRawPeek = errors.New("connectjob: raw peek unsupported")

func peekRaw(syscall.Conn) (alive, pending bool, err error) {
	return false, false, errNoRawPeek
}
