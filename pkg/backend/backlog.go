package backend

import (
	"container/list"
	"time"
)

// Waiter is a request parked in a Backlog. Wake is called when a connection
// slot may have become available; the waiter retries on its own.
type Waiter interface {
	Wake()
}

type backlogEntry struct {
	waiter Waiter
	queued time.Time
}

// Backlog is the FIFO of requests waiting for a connection slot.
type Backlog struct {
	entries *list.List
	index   map[Waiter]*list.Element
}

// NewBacklog returns an empty backlog.
func NewBacklog() *Backlog {
	return &Backlog{
		entries: list.New(),
		index:   make(map[Waiter]*list.Element),
	}
}

// Push queues w as enqueued at queued. Entries stay ordered by enqueue
// time, so a waiter pushed again with its original time goes back ahead of
// later ones. A waiter that is already queued keeps its position.
func (b *Backlog) Push(w Waiter, queued time.Time) {
	if _, ok := b.index[w]; ok {
		return
	}
	entry := &backlogEntry{waiter: w, queued: queued}
	for e := b.entries.Back(); e != nil; e = e.Prev() {
		if !e.Value.(*backlogEntry).queued.After(queued) {
			b.index[w] = b.entries.InsertAfter(entry, e)
			return
		}
	}
	b.index[w] = b.entries.PushFront(entry)
}

// Shift removes and returns the oldest waiter, or nil.
func (b *Backlog) Shift() Waiter {
	e := b.entries.Front()
	if e == nil {
		return nil
	}
	entry := b.entries.Remove(e).(*backlogEntry)
	delete(b.index, entry.waiter)
	return entry.waiter
}

// Remove drops w wherever it is queued and reports whether it was present.
func (b *Backlog) Remove(w Waiter) bool {
	e, ok := b.index[w]
	if !ok {
		return false
	}
	b.entries.Remove(e)
	delete(b.index, w)
	return true
}

// Contains reports whether w is queued.
func (b *Backlog) Contains(w Waiter) bool {
	_, ok := b.index[w]
	return ok
}

// Len returns the number of queued waiters.
func (b *Backlog) Len() int { return b.entries.Len() }

// Oldest returns the enqueue time of the head entry.
func (b *Backlog) Oldest() (time.Time, bool) {
	e := b.entries.Front()
	if e == nil {
		return time.Time{}, false
	}
	return e.Value.(*backlogEntry).queued, true
}

// Wake wakes up to n waiters from the head in FIFO order without removing
// them. A woken waiter leaves the backlog through Remove once it holds a
// connection; until then it keeps its position. It returns how many were
// woken.
func (b *Backlog) Wake(n int) int {
	woken := 0
	for e := b.entries.Front(); e != nil && woken < n; e = e.Next() {
		e.Value.(*backlogEntry).waiter.Wake()
		woken++
	}
	return woken
}
