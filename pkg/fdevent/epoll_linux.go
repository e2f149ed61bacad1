//go:build linux

package fdevent

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

type epollPoller struct {
	epfd   int
	events []unix.EpollEvent
}

func newEpollPoller(maxFds int) (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	size := maxFds
	if size <= 0 || size > 1024 {
		size = 256
	}
	return &epollPoller{epfd: epfd, events: make([]unix.EpollEvent, size)}, nil
}

func (p *epollPoller) Set(fd int, old, events Event) error {
	ev := unix.EpollEvent{Events: toEpollEvents(events), Fd: int32(fd)}

	switch {
	case events == 0:
		err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, &ev)
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
			return nil
		}
		return err
	case old == 0:
		return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	default:
		return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	}
}

func (p *epollPoller) Wait(timeout time.Duration, batch []Revent) ([]Revent, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMillis(timeout))
	if err != nil {
		return batch, err
	}
	for i := 0; i < n; i++ {
		batch = append(batch, Revent{
			FD:     int(p.events[i].Fd),
			Events: fromEpollEvents(p.events[i].Events),
		})
	}
	return batch, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}

func toEpollEvents(e Event) uint32 {
	var ev uint32
	if e&EventIn != 0 {
		ev |= unix.EPOLLIN
	}
	if e&EventOut != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func fromEpollEvents(ev uint32) Event {
	var e Event
	if ev&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		e |= EventIn
	}
	if ev&unix.EPOLLOUT != 0 {
		e |= EventOut
	}
	if ev&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		e |= EventHup
	}
	if ev&unix.EPOLLERR != 0 {
		e |= EventErr
	}
	return e
}
