package network

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"mercator-hq/conduit/pkg/chunkqueue"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Fatalf("set non-blocking: %v", err)
		}
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func readAll(t *testing.T, fd int, want int) []byte {
	t.Helper()

	var out []byte
	buf := make([]byte, 4096)
	deadline := time.Now().Add(2 * time.Second)
	for len(out) < want && time.Now().Before(deadline) {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			out = append(out, buf[:n]...)
			continue
		}
		if err != nil && !errors.Is(err, unix.EAGAIN) {
			t.Fatalf("read: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	return out
}

func TestWrite_MemoryAndFileChunks(t *testing.T) {
	a, b := socketPair(t)

	path := filepath.Join(t.TempDir(), "body")
	if err := os.WriteFile(path, []byte("0123456789"), 0o600); err != nil {
		t.Fatal(err)
	}
	osf, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	released := false
	f := chunkqueue.NewFile(osf, func() { released = true; osf.Close() })

	q := chunkqueue.New()
	q.AppendString("head|")
	q.AppendFile(f, 2, 5)
	q.AppendString("|tail")
	f.Release()

	status, n, err := Write(a, q, 0)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if status != Success {
		t.Errorf("status = %s, want success", status)
	}
	if n != 15 {
		t.Errorf("written = %d, want 15", n)
	}
	if !q.IsEmpty() {
		t.Errorf("queue still holds %d bytes", q.Length())
	}
	if !released {
		t.Errorf("file reference was not released after sending")
	}

	got := readAll(t, b, 15)
	if want := "head|23456|tail"; string(got) != want {
		t.Errorf("peer received %q, want %q", got, want)
	}
}

func TestWrite_Budget(t *testing.T) {
	a, b := socketPair(t)

	q := chunkqueue.New()
	q.AppendString("abcdefghij")

	status, n, err := Write(a, q, 4)
	if err != nil || status != Success || n != 4 {
		t.Fatalf("Write = %s, %d, %v", status, n, err)
	}
	if q.Length() != 6 {
		t.Errorf("remaining = %d, want 6", q.Length())
	}
	if got := readAll(t, b, 4); string(got) != "abcd" {
		t.Errorf("peer received %q", got)
	}
}

func TestWrite_WouldBlock(t *testing.T) {
	a, _ := socketPair(t)

	q := chunkqueue.New()
	payload := bytes.Repeat([]byte("x"), 1<<20)
	for range 16 {
		q.Append(payload)
	}

	var status Status
	for range 64 {
		var err error
		status, _, err = Write(a, q, 0)
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		if status == WaitForEvent {
			break
		}
	}
	if status != WaitForEvent {
		t.Errorf("status = %s, want wait-for-event once the socket buffer is full", status)
	}
}

func TestRead(t *testing.T) {
	tests := []struct {
		name       string
		send       string
		closePeer  bool
		wantStatus Status
		wantData   string
	}{
		{name: "nothing pending", wantStatus: WaitForEvent},
		{name: "data pending", send: "hello", wantStatus: Success, wantData: "hello"},
		{name: "data then close", send: "bye", closePeer: true, wantStatus: ConnectionClose, wantData: "bye"},
		{name: "close only", closePeer: true, wantStatus: ConnectionClose},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := socketPair(t)
			if tt.send != "" {
				if _, err := unix.Write(b, []byte(tt.send)); err != nil {
					t.Fatal(err)
				}
			}
			if tt.closePeer {
				unix.Shutdown(b, unix.SHUT_WR)
			}

			q := chunkqueue.New()
			status, n, err := Read(a, q, 0)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if status != tt.wantStatus {
				t.Errorf("status = %s, want %s", status, tt.wantStatus)
			}
			if n != int64(len(tt.wantData)) {
				t.Errorf("read = %d, want %d", n, len(tt.wantData))
			}

			got := make([]byte, 64)
			m := q.Peek(got)
			if string(got[:m]) != tt.wantData {
				t.Errorf("queue holds %q, want %q", got[:m], tt.wantData)
			}
		})
	}
}

func TestRead_LargePayload(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 2*readChunkSize/16+7)

	tests := []struct {
		name       string
		max        int64
		wantStatus Status
		wantLen    int
	}{
		{name: "whole payload then close", max: 0, wantStatus: ConnectionClose, wantLen: len(payload)},
		{name: "budget stops early", max: 1000, wantStatus: Success, wantLen: 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := socketPair(t)
			if _, err := unix.Write(b, payload); err != nil {
				t.Fatal(err)
			}
			unix.Shutdown(b, unix.SHUT_WR)

			q := chunkqueue.New()
			status, n, err := Read(a, q, tt.max)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if status != tt.wantStatus {
				t.Errorf("status = %s, want %s", status, tt.wantStatus)
			}
			if n != int64(tt.wantLen) || q.Length() != int64(tt.wantLen) {
				t.Errorf("read %d, queued %d, want %d", n, q.Length(), tt.wantLen)
			}
			got := make([]byte, tt.wantLen)
			if m := q.Peek(got); !bytes.Equal(got[:m], payload[:tt.wantLen]) {
				t.Error("queued bytes differ from the payload")
			}
		})
	}
}

func TestDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)
	sa := &unix.SockaddrInet4{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To4())

	fd, connected, err := Dial(sa)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer Close(fd)

	if !connected {
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		if _, err := unix.Poll(pfd, 2000); err != nil {
			t.Fatalf("poll: %v", err)
		}
	}
	if err := SocketError(fd); err != nil {
		t.Errorf("SocketError = %v, want nil", err)
	}
}

func TestDial_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	sa := &unix.SockaddrInet4{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To4())

	fd, connected, err := Dial(sa)
	if err != nil {
		if !errors.Is(err, unix.ECONNREFUSED) {
			t.Fatalf("Dial error = %v, want ECONNREFUSED", err)
		}
		return
	}
	defer Close(fd)

	if connected {
		t.Fatalf("connected to a closed port")
	}
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	if _, err := unix.Poll(pfd, 2000); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if err := SocketError(fd); !errors.Is(err, unix.ECONNREFUSED) {
		t.Errorf("SocketError = %v, want ECONNREFUSED", err)
	}
}

func TestOpenFileRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "body")
	if err := os.WriteFile(path, []byte("0123456789"), 0o600); err != nil {
		t.Fatal(err)
	}
	osf, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	f := chunkqueue.NewFile(osf, func() { osf.Close() })
	defer f.Release()

	q := chunkqueue.New()
	q.AppendFile(f, 2, 5)
	q.Skip(1)

	src, rf, err := OpenFileRange(q.First())
	if errors.Is(err, errors.ErrUnsupported) {
		t.Skip("no per-range descriptors on this platform")
	}
	if err != nil {
		t.Fatalf("OpenFileRange: %v", err)
	}
	defer rf.Close()

	got, err := io.ReadAll(src)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "3456" {
		t.Errorf("range = %q, want %q", got, "3456")
	}
	if pos, _ := osf.Seek(0, io.SeekCurrent); pos != 0 {
		t.Errorf("shared descriptor moved to %d", pos)
	}

	mem := chunkqueue.New()
	mem.AppendString("abc")
	if _, _, err := OpenFileRange(mem.First()); err == nil {
		t.Error("memory chunk accepted")
	}
}
