package fdevent

import (
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Waker interrupts a Multiplexer blocked in Wait from another goroutine.
//
// It is a non-blocking pipe whose read end is registered on the multiplexer.
// Wake writes at most one byte until the loop has drained it, so a burst of
// wakeups costs a single syscall.
type Waker struct {
	mux     *Multiplexer
	r, w    int
	pending atomic.Bool
	onWake  func()
}

// NewWaker creates a waker on mux. onWake runs on the loop goroutine each time
// the waker fires, after the pipe has been drained.
func NewWaker(mux *Multiplexer, onWake func()) (*Waker, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("failed to create wake pipe: %w", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, fmt.Errorf("failed to set wake pipe non-blocking: %w", err)
		}
	}

	wk := &Waker{mux: mux, r: p[0], w: p[1], onWake: onWake}
	if err := mux.Register(wk.r, wk.handle, nil); err != nil {
		wk.closeFds()
		return nil, err
	}
	if err := mux.Watch(wk.r, EventIn); err != nil {
		_ = mux.Unregister(wk.r)
		wk.closeFds()
		return nil, err
	}
	return wk, nil
}

// Wake interrupts the loop. It is safe to call from any goroutine.
func (wk *Waker) Wake() error {
	if !wk.pending.CompareAndSwap(false, true) {
		return nil
	}
	_, err := unix.Write(wk.w, []byte{1})
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		wk.pending.Store(false)
		return fmt.Errorf("wake failed: %w", err)
	}
	return nil
}

// Close unregisters the waker and closes the pipe.
func (wk *Waker) Close() error {
	err := wk.mux.Unregister(wk.r)
	wk.closeFds()
	return err
}

func (wk *Waker) handle(_ any, _ Event) {
	wk.pending.Store(false)

	var buf [64]byte
	for {
		n, err := unix.Read(wk.r, buf[:])
		if n <= 0 || err != nil {
			break
		}
	}

	if wk.onWake != nil {
		wk.onWake()
	}
}

func (wk *Waker) closeFds() {
	unix.Close(wk.r)
	unix.Close(wk.w)
}
