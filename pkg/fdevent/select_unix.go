//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package fdevent

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// fdSetSize is FD_SETSIZE on every supported platform.
const fdSetSize = 1024

type selectPoller struct {
	interest map[int]Event
}

func newSelectPoller() *selectPoller {
	return &selectPoller{interest: make(map[int]Event)}
}

func (p *selectPoller) Set(fd int, old, events Event) error {
	if fd >= fdSetSize {
		return fmt.Errorf("select cannot watch fd %d (limit %d)", fd, fdSetSize)
	}
	if events == 0 {
		delete(p.interest, fd)
		return nil
	}
	p.interest[fd] = events
	return nil
}

func (p *selectPoller) Wait(timeout time.Duration, batch []Revent) ([]Revent, error) {
	var rset, wset, eset unix.FdSet
	maxFd := -1

	for fd, ev := range p.interest {
		if ev&EventIn != 0 {
			rset.Set(fd)
		}
		if ev&EventOut != 0 {
			wset.Set(fd)
		}
		eset.Set(fd)
		if fd > maxFd {
			maxFd = fd
		}
	}

	var tv *unix.Timeval
	if timeout >= 0 {
		t := unix.NsecToTimeval(timeout.Nanoseconds())
		tv = &t
	}

	n, err := unix.Select(maxFd+1, &rset, &wset, &eset, tv)
	if err != nil {
		return batch, err
	}
	if n == 0 {
		return batch, nil
	}

	for fd := range p.interest {
		var e Event
		if rset.IsSet(fd) {
			e |= EventIn
		}
		if wset.IsSet(fd) {
			e |= EventOut
		}
		if eset.IsSet(fd) {
			e |= EventErr
		}
		if e != 0 {
			batch = append(batch, Revent{FD: fd, Events: e})
		}
	}
	return batch, nil
}

func (p *selectPoller) Close() error {
	p.interest = make(map[int]Event)
	return nil
}
