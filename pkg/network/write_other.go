//go:build !linux

package network

import (
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"mercator-hq/conduit/pkg/chunkqueue"
)

const fileBufferSize = 64 * 1024

func writeMem(fd int, c *chunkqueue.Chunk, max int64) (int64, error) {
	b := c.Bytes()
	if int64(len(b)) > max {
		b = b[:max]
	}
	if len(b) == 0 {
		return 0, nil
	}
	n, err := unix.Write(fd, b)
	if n < 0 {
		n = 0
	}
	return int64(n), err
}

// writeFile copies through a bounce buffer where sendfile semantics differ.
func writeFile(fd int, c *chunkqueue.Chunk, max int64) (int64, error) {
	off, n := c.FileRange()
	if n > max {
		n = max
	}
	if n > fileBufferSize {
		n = fileBufferSize
	}
	if n <= 0 {
		return 0, nil
	}

	buf := make([]byte, n)
	r, err := unix.Pread(c.File().Fd(), buf, off)
	if err != nil {
		return 0, err
	}
	if r == 0 {
		return 0, io.ErrUnexpectedEOF
	}

	w, err := unix.Write(fd, buf[:r])
	if w < 0 {
		w = 0
	}
	return int64(w), err
}

// OpenFileRange is only available on Linux; callers copy the chunk instead.
func OpenFileRange(c *chunkqueue.Chunk) (*io.LimitedReader, *os.File, error) {
	return nil, nil, errors.ErrUnsupported
}
