package backend

import (
	"fmt"
	"time"
)

// ConnState is the lifecycle state of a pooled connection.
type ConnState int

const (
	// ConnConnecting connections have a non-blocking connect in flight.
	ConnConnecting ConnState = iota
	// ConnConnected connections are bound to a session.
	ConnConnected
	// ConnIdle connections are open and waiting for reuse.
	ConnIdle
	// ConnClosed connections are dead and wait for Sweep.
	ConnClosed
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnIdle:
		return "idle"
	case ConnClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Conn is one backend connection slot.
type Conn struct {
	// FD is the socket descriptor, -1 until the caller has dialed.
	FD int

	// Address is the endpoint the connection belongs to.
	Address *Address

	// State is the lifecycle state.
	State ConnState

	// Requests counts the requests sent over this connection.
	Requests int

	// Created is when the slot was allocated.
	Created time.Time

	// Owner is opaque data of the session currently using the connection.
	Owner any

	bound bool
}

// Reused reports whether the connection already carried a request.
func (c *Conn) Reused() bool { return c.Requests > 0 }

// Pool bounds the number of connections of one backend.
type Pool struct {
	// MaxSize is the maximum number of connections, whatever their state.
	MaxSize int

	conns []*Conn
}

// NewPool returns an empty pool holding at most maxSize connections. A
// non-positive size allows a single connection.
func NewPool(maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Pool{MaxSize: maxSize}
}

// Get binds a connection to addr. An idle connection to addr is reused first
// (its state becomes ConnConnected). Otherwise a new ConnConnecting slot with
// FD -1 is allocated while the pool has room. ErrPoolFull is returned when it
// has none.
func (p *Pool) Get(addr *Address, now time.Time) (*Conn, error) {
	for _, c := range p.conns {
		if c.State == ConnIdle && c.Address == addr {
			c.State = ConnConnected
			p.bind(c)
			return c, nil
		}
	}

	if len(p.conns) >= p.MaxSize {
		return nil, ErrPoolFull
	}

	c := &Conn{FD: -1, Address: addr, State: ConnConnecting, Created: now}
	p.conns = append(p.conns, c)
	p.bind(c)
	return c, nil
}

// Release returns a healthy connection to the idle set.
func (p *Pool) Release(c *Conn) {
	p.unbind(c)
	c.Owner = nil
	c.State = ConnIdle
}

// MarkClosed flags c as dead. The slot is freed by the next Sweep.
func (p *Pool) MarkClosed(c *Conn) {
	p.unbind(c)
	c.Owner = nil
	c.State = ConnClosed
}

// Remove drops c from the pool immediately and reports whether it was there.
func (p *Pool) Remove(c *Conn) bool {
	for i, cur := range p.conns {
		if cur == c {
			p.unbind(c)
			c.Owner = nil
			c.State = ConnClosed
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			return true
		}
	}
	return false
}

// IdleVictim returns an idle connection to an address other than addr, or nil.
// Closing it frees a slot for addr when the pool is full.
func (p *Pool) IdleVictim(addr *Address) *Conn {
	for _, c := range p.conns {
		if c.State == ConnIdle && c.Address != addr {
			return c
		}
	}
	return nil
}

// Sweep drops closed connections and returns how many slots were freed.
func (p *Pool) Sweep() int {
	kept := p.conns[:0]
	for _, c := range p.conns {
		if c.State != ConnClosed {
			kept = append(kept, c)
		}
	}
	freed := len(p.conns) - len(kept)
	for i := len(kept); i < len(p.conns); i++ {
		p.conns[i] = nil
	}
	p.conns = kept
	return freed
}

// Used returns the number of connections in the pool.
func (p *Pool) Used() int { return len(p.conns) }

// Free returns the number of slots available for new connections.
func (p *Pool) Free() int { return p.MaxSize - len(p.conns) }

// Idle returns the number of idle connections.
func (p *Pool) Idle() int { return p.count(ConnIdle) }

// Count returns the number of connections in state s.
func (p *Pool) Count(s ConnState) int { return p.count(s) }

// Each calls fn for every connection until fn returns false.
func (p *Pool) Each(fn func(*Conn) bool) {
	for _, c := range p.conns {
		if !fn(c) {
			return
		}
	}
}

func (p *Pool) count(s ConnState) int {
	n := 0
	for _, c := range p.conns {
		if c.State == s {
			n++
		}
	}
	return n
}

func (p *Pool) bind(c *Conn) {
	if !c.bound {
		c.bound = true
		c.Address.load++
	}
}

func (p *Pool) unbind(c *Conn) {
	if c.bound {
		c.bound = false
		c.Address.load--
	}
}
