//go:build unix

package rook

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// sockIO performs single non-blocking reads and writes on a socket that
// the runtime owns.
type sockIO struct {
	rc syscall.RawConn
	fd int
}

func newSockIO(c net.Conn) (*sockIO, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("smtp: %T exposes no file descriptor", c)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, err
	}
	s := &sockIO{rc: rc, fd: -1}
	if err := rc.Control(func(fd uintptr) { s.fd = int(fd) }); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *sockIO) Fd() int { return s.fd }

func (s *sockIO) Read(p []byte) (int, error) {
	var n int
	var err error
	if cerr := s.rc.Read(func(fd uintptr) bool {
		n, err = unix.Read(int(fd), p)
		return true
	}); cerr != nil {
		return 0, cerr
	}
	switch {
	case errors.Is(err, unix.EAGAIN):
		return 0, errWouldBlock
	case err != nil:
		return 0, err
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

func (s *sockIO) Write(p []byte) (int, error) {
	var n int
	var err error
	if cerr := s.rc.Write(func(fd uintptr) bool {
		n, err = unix.Write(int(fd), p)
		return true
	}); cerr != nil {
		return 0, cerr
	}
	if errors.Is(err, unix.EAGAIN) {
		return 0, errWouldBlock
	}
	return max(n, 0), err
}
