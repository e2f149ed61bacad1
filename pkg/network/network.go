package network

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"mercator-hq/conduit/pkg/chunkqueue"
)

// Status is the outcome of a non-blocking socket operation.
type Status int

const (
	// Success means progress was made and the operation may be repeated.
	Success Status = iota
	// WaitForEvent means the socket would block.
	WaitForEvent
	// ConnectionClose means the peer closed or reset the connection.
	ConnectionClose
	// Error means the operation failed for another reason.
	Error
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case WaitForEvent:
		return "wait-for-event"
	case ConnectionClose:
		return "connection-close"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

const (
	// DefaultReadBudget bounds the bytes taken from a socket per Read call.
	DefaultReadBudget = 256 * 1024

	// DefaultWriteBudget bounds the bytes written per Write call.
	DefaultWriteBudget = 256 * 1024

	readChunkSize = 16 * 1024
)

// Dial starts a non-blocking stream connection to sa. The returned descriptor
// is non-blocking and close-on-exec. connected is false while the connection
// is still in progress; the caller then waits for EventOut and checks
// SocketError.
func Dial(sa unix.Sockaddr) (fd int, connected bool, err error) {
	domain, err := domainOf(sa)
	if err != nil {
		return -1, false, err
	}

	fd, err = unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, false, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, false, fmt.Errorf("set non-blocking: %w", err)
	}
	if domain != unix.AF_UNIX {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}

	err = unix.Connect(fd, sa)
	switch {
	case err == nil:
		return fd, true, nil
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EALREADY), errors.Is(err, unix.EINTR):
		return fd, false, nil
	default:
		unix.Close(fd)
		return -1, false, err
	}
}

// SocketError returns the pending error of fd (SO_ERROR) or nil.
func SocketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

// Close closes fd, ignoring errors.
func Close(fd int) {
	if fd >= 0 {
		_ = unix.Close(fd)
	}
}

// Read appends up to max bytes from fd to q (DefaultReadBudget when max <= 0).
// It reads until the socket would block, the peer closes or the budget is
// used up.
//
// It returns ConnectionClose on end of stream even when bytes were read in the
// same call; those bytes are already in q.
func Read(fd int, q *chunkqueue.Queue, max int64) (Status, int64, error) {
	if max <= 0 {
		max = DefaultReadBudget
	}

	var (
		total int64
		c     *chunkqueue.Chunk
	)
	for total < max {
		// A short read leaves spare room in c; fill that before growing q.
		if c == nil || len(c.Spare()) == 0 {
			c = q.AppendBuffer(readChunkSize)
		}
		buf := c.Spare()
		if left := max - total; int64(len(buf)) > left {
			buf = buf[:left]
		}

		n, err := unix.Read(fd, buf)
		if n > 0 {
			q.Commit(c, n)
			total += int64(n)
		}

		switch {
		case err == nil && n == 0:
			q.RemoveFinished()
			return ConnectionClose, total, nil
		case err == nil, errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			q.RemoveFinished()
			if total > 0 {
				return Success, total, nil
			}
			return WaitForEvent, 0, nil
		case isCloseErr(err):
			q.RemoveFinished()
			return ConnectionClose, total, nil
		default:
			q.RemoveFinished()
			return Error, total, fmt.Errorf("read: %w", err)
		}
	}
	return Success, total, nil
}

// Write sends up to max bytes of q to fd (DefaultWriteBudget when max <= 0)
// and consumes what was written. It returns Success when q was drained or the
// budget was used up, WaitForEvent when the socket would block.
func Write(fd int, q *chunkqueue.Queue, max int64) (Status, int64, error) {
	if max <= 0 {
		max = DefaultWriteBudget
	}

	var total int64
	for total < max {
		q.RemoveFinished()
		c := q.First()
		if c == nil {
			return Success, total, nil
		}

		var (
			n   int64
			err error
		)
		if c.Kind() == chunkqueue.FileChunk {
			n, err = writeFile(fd, c, max-total)
		} else {
			n, err = writeMem(fd, c, max-total)
		}
		if n > 0 {
			q.Skip(n)
			total += n
		}

		switch {
		case err == nil && n == 0:
			q.RemoveFinished()
			return WaitForEvent, total, nil
		case err == nil:
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			q.RemoveFinished()
			return WaitForEvent, total, nil
		case isCloseErr(err):
			q.RemoveFinished()
			return ConnectionClose, total, nil
		default:
			q.RemoveFinished()
			return Error, total, fmt.Errorf("write: %w", err)
		}
	}
	q.RemoveFinished()
	return Success, total, nil
}

func isCloseErr(err error) bool {
	return errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ENOTCONN)
}

func domainOf(sa unix.Sockaddr) (int, error) {
	switch sa.(type) {
	case *unix.SockaddrInet4:
		return unix.AF_INET, nil
	case *unix.SockaddrInet6:
		return unix.AF_INET6, nil
	case *unix.SockaddrUnix:
		return unix.AF_UNIX, nil
	default:
		return 0, fmt.Errorf("unsupported socket address %T", sa)
	}
}
