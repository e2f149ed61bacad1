//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package fdevent

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

type kqueuePoller struct {
	kq     int
	events []unix.Kevent_t
	merged map[int]int
}

func newKqueuePoller(maxFds int) (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)

	size := maxFds
	if size <= 0 || size > 1024 {
		size = 256
	}
	return &kqueuePoller{
		kq:     kq,
		events: make([]unix.Kevent_t, size),
		merged: make(map[int]int, size),
	}, nil
}

func (p *kqueuePoller) Set(fd int, old, events Event) error {
	var changes []unix.Kevent_t

	if diff := (old ^ events) & EventIn; diff != 0 {
		var k unix.Kevent_t
		flags := unix.EV_ADD
		if events&EventIn == 0 {
			flags = unix.EV_DELETE
		}
		unix.SetKevent(&k, fd, unix.EVFILT_READ, flags)
		changes = append(changes, k)
	}
	if diff := (old ^ events) & EventOut; diff != 0 {
		var k unix.Kevent_t
		flags := unix.EV_ADD
		if events&EventOut == 0 {
			flags = unix.EV_DELETE
		}
		unix.SetKevent(&k, fd, unix.EVFILT_WRITE, flags)
		changes = append(changes, k)
	}
	if len(changes) == 0 {
		return nil
	}

	_, err := unix.Kevent(p.kq, changes, nil, nil)
	if events == 0 && (errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF)) {
		return nil
	}
	return err
}

func (p *kqueuePoller) Wait(timeout time.Duration, batch []Revent) ([]Revent, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	n, err := unix.Kevent(p.kq, nil, p.events, ts)
	if err != nil {
		return batch, err
	}

	clear(p.merged)
	for i := 0; i < n; i++ {
		k := p.events[i]
		fd := int(k.Ident)

		var e Event
		switch k.Filter {
		case unix.EVFILT_READ:
			e |= EventIn
		case unix.EVFILT_WRITE:
			e |= EventOut
		}
		if k.Flags&unix.EV_EOF != 0 {
			e |= EventHup
		}
		if k.Flags&unix.EV_ERROR != 0 {
			e |= EventErr
		}

		if j, ok := p.merged[fd]; ok {
			batch[j].Events |= e
			continue
		}
		p.merged[fd] = len(batch)
		batch = append(batch, Revent{FD: fd, Events: e})
	}
	return batch, nil
}

func (p *kqueuePoller) Close() error {
	return unix.Close(p.kq)
}
