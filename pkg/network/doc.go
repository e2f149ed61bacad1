// Package network moves bytes between chunk queues and non-blocking sockets.
//
// The functions in this package never block. Every call reports a Status that
// tells the caller whether to continue, wait for the descriptor to become
// ready again, or treat the connection as gone. Descriptors are plain ints so
// they can be registered directly on an fdevent.Multiplexer.
//
// # Reading
//
//	status, n, err := network.Read(fd, recvRaw, 0)
//	switch status {
//	case network.WaitForEvent:
//	    // watch fd for EventIn
//	case network.ConnectionClose:
//	    // peer closed; bytes read before the close are in recvRaw
//	}
//
// # Writing
//
// Write drains memory chunks with writev and file chunks with sendfile on
// Linux. Other platforms fall back to write and pread.
package network
