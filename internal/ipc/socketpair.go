package ipc

import (
	"fmt"
	"net"
	"os"
	"syscall"
)

// NewSocketpair creates a connected pair of Unix-domain sockets: parent is a
// ready-to-use Channel for this process, childFile is a file descriptor
// meant to be passed to a child process (e.g. via exec.Cmd.ExtraFiles) and
// attached there with FromFile.
func NewSocketpair() (parent *Channel, childFile *os.File, err error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("ipc: socketpair: %w", err)
	}

	parentFile := os.NewFile(uintptr(fds[0]), "ipc-parent")
	childFile = os.NewFile(uintptr(fds[1]), "ipc-child")

	conn, err := net.FileConn(parentFile)
	_ = parentFile.Close()
	if err != nil {
		_ = childFile.Close()
		return nil, nil, fmt.Errorf("ipc: wrap parent fd: %w", err)
	}

	return New(conn), childFile, nil
}

// FromFile attaches a Channel to an already-open connected socket fd, as
// handed to a worker process via an inherited file descriptor.
func FromFile(f *os.File) (*Channel, error) {
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("ipc: wrap fd: %w", err)
	}
	return New(conn), nil
}
