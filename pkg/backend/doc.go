// Package backend models the servers a proxy forwards to.
//
// A Backend groups an ordered AddressPool, a bounded connection Pool, a FIFO
// Backlog of requests waiting for a connection slot and the Balancer that
// picks an address for each request.
//
// # Address health
//
// A failed connect disables the address for a cooldown that depends on the
// error (see CooldownFor). Disabled addresses are skipped by every balancer
// until Sweep re-activates them.
//
// # Pool accounting
//
// The pool never holds more than MaxSize connections, counting connecting,
// connected, idle and closed-but-not-swept ones alike. Get prefers an idle
// connection to the requested address. When the pool is full, IdleVictim
// offers an idle connection to another address that the caller may close to
// make room.
//
// # Concurrency
//
// Nothing in this package is safe for concurrent use. Everything is owned by
// the event-loop goroutine; other goroutines read state through Snapshot calls
// posted to that loop.
package backend
