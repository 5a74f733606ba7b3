//go:build linux

package eventloop

import (
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

type epoll struct {
	fd     int
	wakeFd int
	events []unix.EpollEvent
}

// NewPoller returns the epoll based poller.
func NewPoller() (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	p := &epoll{fd: fd, wakeFd: wakeFd, events: make([]unix.EpollEvent, 128)}
	if err := p.Add(wakeFd, Readable); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func toEpoll(ev Event) uint32 {
	var out uint32 = unix.EPOLLRDHUP
	if ev&Readable != 0 {
		out |= unix.EPOLLIN
	}
	if ev&Writable != 0 {
		out |= unix.EPOLLOUT
	}
	return out
}

func fromEpoll(events uint32) Event {
	var ev Event
	if events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		ev |= Readable
	}
	if events&unix.EPOLLOUT != 0 {
		ev |= Writable
	}
	if events&(unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0 {
		ev |= Hangup
	}
	return ev
}

func (p *epoll) Add(fd int, ev Event) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: toEpoll(ev), Fd: int32(fd)})
}

func (p *epoll) Modify(fd int, ev Event) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: toEpoll(ev), Fd: int32(fd)})
}

func (p *epoll) Remove(fd int) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epoll) Wait(timeout time.Duration, fn func(fd int, ev Event)) error {
	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
		if msec == 0 && timeout > 0 {
			msec = 1
		}
	}
	n, err := unix.EpollWait(p.fd, p.events, msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return err
	}
	for i := range n {
		fd := int(p.events[i].Fd)
		if fd == p.wakeFd {
			var buf [8]byte
			_, _ = unix.Read(p.wakeFd, buf[:])
			continue
		}
		fn(fd, fromEpoll(p.events[i].Events))
	}
	return nil
}

func (p *epoll) Wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wakeFd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

func (p *epoll) Close() error {
	return errors.Join(unix.Close(p.wakeFd), unix.Close(p.fd))
}
