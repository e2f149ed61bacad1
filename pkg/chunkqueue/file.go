package chunkqueue

import (
	"os"
	"sync/atomic"
)

// File is a shared handle to an open file referenced by file chunks.
//
// The creator holds the first reference. Every file chunk appended to a queue
// takes another one and gives it back when the chunk is retired. When the
// count drops to zero the release callback runs; the callback belongs to the
// owner (normally the file cache), and only the owner closes the descriptor.
type File struct {
	f         *os.File
	refs      atomic.Int32
	onRelease func()
}

// NewFile wraps f with a reference count of one. onRelease may be nil.
func NewFile(f *os.File, onRelease func()) *File {
	file := &File{f: f, onRelease: onRelease}
	file.refs.Store(1)
	return file
}

// Acquire takes an additional reference.
func (f *File) Acquire() {
	f.refs.Add(1)
}

// Release drops a reference and runs the release callback when the last one
// is gone.
func (f *File) Release() {
	if n := f.refs.Add(-1); n == 0 && f.onRelease != nil {
		f.onRelease()
	}
}

// Refs returns the current reference count.
func (f *File) Refs() int32 {
	return f.refs.Load()
}

// OS returns the underlying *os.File.
func (f *File) OS() *os.File {
	return f.f
}

// Name returns the file name.
func (f *File) Name() string {
	return f.f.Name()
}

// Fd returns the file descriptor.
func (f *File) Fd() int {
	return int(f.f.Fd())
}
