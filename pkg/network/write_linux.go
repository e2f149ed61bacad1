//go:build linux

package network

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"mercator-hq/conduit/pkg/chunkqueue"
)

const maxIovecs = 64

// writeMem gathers c and the memory chunks following it into one writev.
func writeMem(fd int, c *chunkqueue.Chunk, max int64) (int64, error) {
	iovs := make([][]byte, 0, maxIovecs)
	var size int64
	for ; c != nil && len(iovs) < maxIovecs && size < max; c = c.Next() {
		if c.Kind() != chunkqueue.MemChunk {
			break
		}
		b := c.Bytes()
		if len(b) == 0 {
			continue
		}
		if left := max - size; int64(len(b)) > left {
			b = b[:left]
		}
		iovs = append(iovs, b)
		size += int64(len(b))
	}
	if len(iovs) == 0 {
		return 0, nil
	}

	n, err := unix.Writev(fd, iovs)
	if n < 0 {
		n = 0
	}
	return int64(n), err
}

// writeFile sends the unconsumed range of a file chunk with sendfile.
func writeFile(fd int, c *chunkqueue.Chunk, max int64) (int64, error) {
	off, n := c.FileRange()
	if n > max {
		n = max
	}
	if n <= 0 {
		return 0, nil
	}

	written, err := unix.Sendfile(fd, c.File().Fd(), &off, int(n))
	if written < 0 {
		written = 0
	}
	return int64(written), err
}

// OpenFileRange returns the unconsumed range of file chunk c as an
// *io.LimitedReader over a private *os.File, the shape net.TCPConn.ReadFrom
// turns into sendfile. The file is reopened through /proc so it is the same
// inode with an offset of its own; cached descriptors shared by concurrent
// responses are never seeked. The caller closes the returned file.
func OpenFileRange(c *chunkqueue.Chunk) (*io.LimitedReader, *os.File, error) {
	if c.Kind() != chunkqueue.FileChunk {
		return nil, nil, fmt.Errorf("open file range: %s chunk", c.Kind())
	}
	off, n := c.FileRange()

	f, err := os.Open("/proc/self/fd/" + strconv.Itoa(c.File().Fd()))
	if err != nil {
		return nil, nil, fmt.Errorf("open file range: %w", err)
	}
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("open file range: %w", err)
	}
	return &io.LimitedReader{R: f, N: n}, f, nil
}
