//go:build unix

package kdmsg

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

type fileTransport struct {
	*os.File
}

// NewFileTransport runs a Conn over a socket (or pipe)
// file descriptor, as handed over by another process.
func NewFileTransport(f *os.File) Transport {
	return &fileTransport{File: f}
}

// Shutdown wakes a reader blocked on the descriptor.
// Fd() is avoided since it would put the descriptor back
// into blocking mode.
func (t *fileTransport) Shutdown() error {
	if rc, err := t.File.SyscallConn(); err == nil {
		rc.Control(func(fd uintptr) {
			unix.Shutdown(int(fd), unix.SHUT_RDWR)
		})
	}
	return t.File.Close()
}

// SocketPair makes a connected pair of unix stream sockets.
func SocketPair() (a, b Transport, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, nil, fmt.Errorf("socketpair: %w", err)
		}
	}
	fa := os.NewFile(uintptr(fds[0]), "kdmsg-sockpair-0")
	fb := os.NewFile(uintptr(fds[1]), "kdmsg-sockpair-1")
	return NewFileTransport(fa), NewFileTransport(fb), nil
}
