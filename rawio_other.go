//go:build !unix

package rook

import (
	"errors"
	"fmt"
	"net"
)

type sockIO struct{}

func newSockIO(net.Conn) (*sockIO, error) {
	return nil, fmt.Errorf("smtp: raw socket I/O: %w", errors.ErrUnsupported)
}

func (*sockIO) Fd() int { return -1 }
func (*sockIO) Read([]byte) (int, error) { return 0, errors.ErrUnsupported }
func (*sockIO) Write([]byte) (int, error) { return 0, errors.ErrUnsupported }
