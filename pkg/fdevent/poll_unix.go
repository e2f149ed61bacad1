//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package fdevent

import (
	"time"

	"golang.org/x/sys/unix"
)

// pollPoller keeps a dense pollfd array and an fd → index map so updates are
// O(1); removal swaps the last entry into the hole.
type pollPoller struct {
	fds   []unix.PollFd
	index map[int]int
}

func newPollPoller(maxFds int) *pollPoller {
	size := maxFds
	if size <= 0 || size > 4096 {
		size = 64
	}
	return &pollPoller{
		fds:   make([]unix.PollFd, 0, size),
		index: make(map[int]int, size),
	}
}

func (p *pollPoller) Set(fd int, old, events Event) error {
	i, known := p.index[fd]

	if events == 0 {
		if !known {
			return nil
		}
		last := len(p.fds) - 1
		if i != last {
			p.fds[i] = p.fds[last]
			p.index[int(p.fds[i].Fd)] = i
		}
		p.fds = p.fds[:last]
		delete(p.index, fd)
		return nil
	}

	if !known {
		p.fds = append(p.fds, unix.PollFd{Fd: int32(fd)})
		i = len(p.fds) - 1
		p.index[fd] = i
	}
	p.fds[i].Events = toPollEvents(events)
	p.fds[i].Revents = 0
	return nil
}

func (p *pollPoller) Wait(timeout time.Duration, batch []Revent) ([]Revent, error) {
	n, err := unix.Poll(p.fds, timeoutMillis(timeout))
	if err != nil {
		return batch, err
	}

	for i := 0; i < len(p.fds) && n > 0; i++ {
		re := p.fds[i].Revents
		if re == 0 {
			continue
		}
		n--
		batch = append(batch, Revent{FD: int(p.fds[i].Fd), Events: fromPollEvents(re)})
	}
	return batch, nil
}

func (p *pollPoller) Close() error {
	p.fds = p.fds[:0]
	p.index = make(map[int]int)
	return nil
}

func toPollEvents(e Event) int16 {
	var ev int16
	if e&EventIn != 0 {
		ev |= unix.POLLIN
	}
	if e&EventOut != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

func fromPollEvents(re int16) Event {
	var e Event
	if re&(unix.POLLIN|unix.POLLPRI) != 0 {
		e |= EventIn
	}
	if re&unix.POLLOUT != 0 {
		e |= EventOut
	}
	if re&unix.POLLHUP != 0 {
		e |= EventHup
	}
	if re&(unix.POLLERR|unix.POLLNVAL) != 0 {
		e |= EventErr
	}
	return e
}
