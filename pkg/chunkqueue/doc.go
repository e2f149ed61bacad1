// Package chunkqueue implements the buffer chain that every byte moving
// through the proxy travels on.
//
// A Queue is an ordered list of chunks. A chunk is either an owned in-memory
// byte slice or a reference to a byte range of a shared, reference-counted
// open File. Every chunk carries a consumed offset; a chunk whose offset has
// reached its length is spent and is retired by RemoveFinished into a small
// per-queue free-list so steady-state streaming does not allocate.
//
// The queue never reads file chunks into memory. Transport code (see
// pkg/network) hands file ranges to the kernel directly, and front ends that
// need the bytes read them from the File themselves.
//
// Queues are not safe for concurrent use. Inside the engine they are only
// touched from the event-loop goroutine; a queue handed to another goroutine
// must be handed over completely (see StealAll).
//
// Basic usage:
//
//	q := chunkqueue.New()
//	q.Append([]byte("hello "))
//	q.AppendFile(f, 0, size)
//	q.Close()
//
//	for c := q.First(); c != nil; c = c.Next() {
//		// write c.Bytes() or c.FileRange()
//	}
package chunkqueue
