package chunkqueue

import (
	"errors"
	"fmt"
	"io"
)

// Kind identifies what a chunk holds.
type Kind int

const (
	// MemChunk holds owned in-memory bytes.
	MemChunk Kind = iota
	// FileChunk references a byte range of a shared File.
	FileChunk
)

// String returns the chunk kind name.
func (k Kind) String() string {
	switch k {
	case MemChunk:
		return "mem"
	case FileChunk:
		return "file"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

const (
	// DefaultBufferSize is the capacity used by AppendBuffer callers that
	// have no better estimate.
	DefaultBufferSize = 16 * 1024

	// maxUnused bounds the free-list of retired chunks.
	maxUnused = 4

	// maxReuseCap is the largest memory buffer kept on the free-list.
	maxReuseCap = 64 * 1024
)

var (
	// ErrNotInQueue is returned by Steal when the chunk does not belong to
	// the source queue.
	ErrNotInQueue = errors.New("chunk is not part of the source queue")

	// ErrClosed is returned when appending to a closed queue.
	ErrClosed = errors.New("chunk queue is closed")
)

// Chunk is one segment of a Queue.
type Chunk struct {
	kind Kind

	// mem holds the content of a memory chunk; len(mem) is the chunk length
	// and the spare capacity is what AppendBuffer callers write into.
	mem []byte

	// file, start and length describe a file chunk.
	file   *File
	start  int64
	length int64

	offset int64
	next   *Chunk
}

// Kind returns the chunk kind.
func (c *Chunk) Kind() Kind { return c.kind }

// Len returns the total chunk length, consumed or not.
func (c *Chunk) Len() int64 {
	if c.kind == FileChunk {
		return c.length
	}
	return int64(len(c.mem))
}

// Offset returns how many leading bytes of the chunk have been consumed.
func (c *Chunk) Offset() int64 { return c.offset }

// Remaining returns the number of unconsumed bytes.
func (c *Chunk) Remaining() int64 { return c.Len() - c.offset }

// Spent reports whether every byte of the chunk has been consumed.
func (c *Chunk) Spent() bool { return c.offset >= c.Len() }

// Bytes returns the unconsumed bytes of a memory chunk and nil for file chunks.
func (c *Chunk) Bytes() []byte {
	if c.kind != MemChunk {
		return nil
	}
	return c.mem[c.offset:]
}

// Spare returns the writable spare capacity of a memory chunk.
func (c *Chunk) Spare() []byte {
	if c.kind != MemChunk {
		return nil
	}
	return c.mem[len(c.mem):cap(c.mem)]
}

// File returns the file handle of a file chunk.
func (c *Chunk) File() *File { return c.file }

// FileRange returns the absolute file offset and length of the unconsumed
// part of a file chunk.
func (c *Chunk) FileRange() (off, n int64) {
	return c.start + c.offset, c.length - c.offset
}

// Next returns the following chunk.
func (c *Chunk) Next() *Chunk { return c.next }

// Queue is an ordered chain of chunks with cumulative byte counters.
//
// The invariant BytesIn() - Written() == Length() holds after every
// operation.
type Queue struct {
	first *Chunk
	last  *Chunk

	unused      *Chunk
	unusedCount int

	bytesIn  int64
	bytesOut int64

	closed bool
}

// New returns an empty, open queue.
func New() *Queue {
	return &Queue{}
}

// First returns the head chunk or nil.
func (q *Queue) First() *Chunk { return q.first }

// BytesIn returns the number of bytes ever appended.
func (q *Queue) BytesIn() int64 { return q.bytesIn }

// Written returns the number of bytes consumed so far.
func (q *Queue) Written() int64 { return q.bytesOut }

// Length returns the number of unconsumed bytes in the queue.
func (q *Queue) Length() int64 {
	var n int64
	for c := q.first; c != nil; c = c.next {
		n += c.Remaining()
	}
	return n
}

// IsEmpty reports whether the queue holds no unconsumed bytes.
func (q *Queue) IsEmpty() bool {
	for c := q.first; c != nil; c = c.next {
		if c.Remaining() > 0 {
			return false
		}
	}
	return true
}

// Close marks the queue as complete: nothing will be appended anymore.
func (q *Queue) Close() { q.closed = true }

// IsClosed reports whether Close was called.
func (q *Queue) IsClosed() bool { return q.closed }

// Done reports whether the queue is closed and fully consumed.
func (q *Queue) Done() bool { return q.closed && q.IsEmpty() }

// Append copies p into a new memory chunk at the tail. Appending an empty
// slice is a no-op.
func (q *Queue) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	c := q.getUnused(MemChunk, len(p))
	c.mem = append(c.mem, p...)
	q.bytesIn += int64(len(p))
	q.push(c)
}

// AppendString is Append for strings.
func (q *Queue) AppendString(s string) {
	if s == "" {
		return
	}
	c := q.getUnused(MemChunk, len(s))
	c.mem = append(c.mem, s...)
	q.bytesIn += int64(len(s))
	q.push(c)
}

// Write implements io.Writer by appending a copy of p.
func (q *Queue) Write(p []byte) (int, error) {
	if q.closed {
		return 0, ErrClosed
	}
	q.Append(p)
	return len(p), nil
}

// AppendFile appends length bytes of f starting at start. The chunk takes its
// own reference on f.
func (q *Queue) AppendFile(f *File, start, length int64) {
	if length <= 0 {
		return
	}
	f.Acquire()
	c := q.getUnused(FileChunk, 0)
	c.file = f
	c.start = start
	c.length = length
	q.bytesIn += length
	q.push(c)
}

// Prepend inserts a copy of p before the head. It is used to re-inject bytes
// that were taken out for parsing but not consumed.
func (q *Queue) Prepend(p []byte) {
	if len(p) == 0 {
		return
	}
	c := q.getUnused(MemChunk, len(p))
	c.mem = append(c.mem, p...)
	q.bytesIn += int64(len(p))
	c.next = q.first
	q.first = c
	if q.last == nil {
		q.last = c
	}
}

// AppendBuffer appends a fresh, empty memory chunk with at least size bytes of
// spare capacity and returns it. Callers write into c.Spare() and publish the
// bytes with Commit. A buffer that never gets committed stays a zero-length
// chunk, which consumers skip.
func (q *Queue) AppendBuffer(size int) *Chunk {
	if size <= 0 {
		size = DefaultBufferSize
	}
	c := q.getUnused(MemChunk, size)
	q.push(c)
	return c
}

// Commit marks n bytes written into the spare capacity of c as content.
func (q *Queue) Commit(c *Chunk, n int) {
	if n <= 0 {
		return
	}
	if c.kind != MemChunk || n > cap(c.mem)-len(c.mem) {
		panic("chunkqueue: commit exceeds spare capacity")
	}
	c.mem = c.mem[:len(c.mem)+n]
	q.bytesIn += int64(n)
}

// RemoveFinished retires spent chunks from the head of the queue. Afterwards
// the head is nil or the first chunk with unconsumed bytes.
func (q *Queue) RemoveFinished() {
	for q.first != nil && q.first.Spent() {
		c := q.first
		q.first = c.next
		if q.first == nil {
			q.last = nil
		}
		q.retire(c)
	}
}

// Skip marks up to n head bytes as consumed and returns how many were skipped.
// Spent chunks stay in place until RemoveFinished.
func (q *Queue) Skip(n int64) int64 {
	var skipped int64
	for c := q.first; c != nil && n > 0; c = c.next {
		rem := c.Remaining()
		if rem == 0 {
			continue
		}
		if rem > n {
			rem = n
		}
		c.offset += rem
		n -= rem
		skipped += rem
	}
	q.bytesOut += skipped
	return skipped
}

// Peek copies unconsumed head bytes into p without consuming them and returns
// the number of bytes copied. It stops at the first file chunk.
func (q *Queue) Peek(p []byte) int {
	n := 0
	for c := q.first; c != nil && n < len(p); c = c.next {
		if c.kind != MemChunk {
			break
		}
		n += copy(p[n:], c.Bytes())
	}
	return n
}

// Read implements io.Reader over the memory chunks at the head of the queue.
// It returns io.EOF when no memory bytes are available, including when the
// head is a file chunk.
func (q *Queue) Read(p []byte) (int, error) {
	n := 0
	for c := q.first; c != nil && n < len(p); c = c.next {
		if c.kind != MemChunk {
			break
		}
		m := copy(p[n:], c.Bytes())
		c.offset += int64(m)
		n += m
	}
	q.bytesOut += int64(n)
	q.RemoveFinished()
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Steal moves chunk c from src to the tail of q without copying. The
// unconsumed part of c counts as consumed in src and as appended in q.
func (q *Queue) Steal(src *Queue, c *Chunk) error {
	var prev *Chunk
	cur := src.first
	for cur != nil && cur != c {
		prev = cur
		cur = cur.next
	}
	if cur == nil {
		return ErrNotInQueue
	}

	if prev == nil {
		src.first = c.next
	} else {
		prev.next = c.next
	}
	if src.last == c {
		src.last = prev
	}
	c.next = nil

	rem := c.Remaining()
	src.bytesOut += rem
	q.bytesIn += rem
	q.push(c)
	return nil
}

// StealAll moves every chunk of src into q and returns the number of
// unconsumed bytes moved. Spent chunks are retired in src instead.
func (q *Queue) StealAll(src *Queue) int64 {
	var moved int64
	for src.first != nil {
		c := src.first
		if c.Spent() {
			src.first = c.next
			if src.first == nil {
				src.last = nil
			}
			src.retire(c)
			continue
		}
		moved += c.Remaining()
		_ = q.Steal(src, c)
	}
	return moved
}

// MoveTo transfers up to n unconsumed head bytes of q to the tail of dst and
// returns the number moved. Whole chunks are stolen; a partial memory chunk is
// copied and a partial file chunk becomes a new range on the same File.
func (q *Queue) MoveTo(dst *Queue, n int64) int64 {
	var moved int64
	for n > 0 && q.first != nil {
		c := q.first
		rem := c.Remaining()
		if rem == 0 {
			q.RemoveFinished()
			continue
		}
		if rem <= n {
			_ = dst.Steal(q, c)
			n -= rem
			moved += rem
			continue
		}

		if c.kind == MemChunk {
			dst.Append(c.mem[c.offset : c.offset+n])
		} else {
			dst.AppendFile(c.file, c.start+c.offset, n)
		}
		c.offset += n
		q.bytesOut += n
		moved += n
		n = 0
	}
	return moved
}

// Clone returns a new queue holding the unconsumed bytes of q. Memory bytes
// are copied; file ranges take a new reference on the same File. The closed
// flag is carried over.
func (q *Queue) Clone() *Queue {
	dst := New()
	for c := q.first; c != nil; c = c.next {
		if c.Remaining() == 0 {
			continue
		}
		if c.kind == MemChunk {
			dst.Append(c.Bytes())
		} else {
			off, n := c.FileRange()
			dst.AppendFile(c.file, off, n)
		}
	}
	dst.closed = q.closed
	return dst
}

// Reset drops every chunk, releases file references, zeroes the counters and
// reopens the queue.
func (q *Queue) Reset() {
	for q.first != nil {
		c := q.first
		q.first = c.next
		q.retire(c)
	}
	q.last = nil
	q.bytesIn = 0
	q.bytesOut = 0
	q.closed = false
}

// Chunks returns the number of chunks currently linked, spent ones included.
func (q *Queue) Chunks() int {
	n := 0
	for c := q.first; c != nil; c = c.next {
		n++
	}
	return n
}

func (q *Queue) push(c *Chunk) {
	if q.last == nil {
		q.first = c
	} else {
		q.last.next = c
	}
	q.last = c
}

func (q *Queue) getUnused(kind Kind, size int) *Chunk {
	var c *Chunk
	if q.unused != nil {
		c = q.unused
		q.unused = c.next
		q.unusedCount--
		c.next = nil
	} else {
		c = &Chunk{}
	}

	c.kind = kind
	c.offset = 0
	if kind == MemChunk {
		if cap(c.mem) < size {
			c.mem = make([]byte, 0, size)
		} else {
			c.mem = c.mem[:0]
		}
	}
	return c
}

func (q *Queue) retire(c *Chunk) {
	if c.kind == FileChunk && c.file != nil {
		c.file.Release()
	}
	c.file = nil
	c.start = 0
	c.length = 0
	c.offset = 0
	c.next = nil

	if cap(c.mem) > maxReuseCap {
		c.mem = nil
	} else if c.mem != nil {
		c.mem = c.mem[:0]
	}

	if q.unusedCount >= maxUnused {
		return
	}
	c.next = q.unused
	q.unused = c
	q.unusedCount++
}
