package backend

import (
	"fmt"
	"time"
)

// Key carries the request attributes balancers may hash on.
type Key struct {
	// Path is the request path without query string.
	Path string

	// Authority is the request host.
	Authority string
}

// Balancer picks an address for a request among the active ones.
//
// Implementations receive the active addresses in configuration order and
// return nil only when the list is empty.
type Balancer interface {
	// Select returns the chosen address.
	Select(key Key, active []*Address) *Address

	// Name returns the policy name for logging and metrics.
	Name() string
}

// Backend is a named group of addresses sharing a pool and a backlog.
type Backend struct {
	Name      string
	Addresses *AddressPool
	Pool      *Pool
	Backlog   *Backlog
	Balancer  Balancer
}

// New assembles a backend.
func New(name string, addrs *AddressPool, maxPool int, bal Balancer) *Backend {
	return &Backend{
		Name:      name,
		Addresses: addrs,
		Pool:      NewPool(maxPool),
		Backlog:   NewBacklog(),
		Balancer:  bal,
	}
}

// Balance picks the address for key.
func (b *Backend) Balance(key Key) (*Address, error) {
	active := b.Addresses.Active()
	if len(active) == 0 {
		return nil, fmt.Errorf("backend %s: %w", b.Name, ErrNoActiveAddress)
	}
	addr := b.Balancer.Select(key, active)
	if addr == nil {
		return nil, fmt.Errorf("backend %s: %w", b.Name, ErrNoActiveAddress)
	}
	return addr, nil
}

// SweepResult summarizes one periodic sweep.
type SweepResult struct {
	// Reactivated is the number of addresses whose cooldown ended.
	Reactivated int

	// Removed is the number of closed connections dropped from the pool.
	Removed int

	// Wake is how many backlog entries may be retried: the Capacity,
	// bounded by the backlog length.
	Wake int
}

// Sweep re-activates addresses, drops closed connections and computes the
// backlog wake budget. It does not wake anything itself.
func (b *Backend) Sweep(now time.Time) SweepResult {
	res := SweepResult{
		Reactivated: b.Addresses.Reactivate(now),
		Removed:     b.Pool.Sweep(),
	}
	res.Wake = min(b.Capacity(), b.Backlog.Len())
	return res
}

// Capacity is the number of requests that could get a connection right
// now: free slots plus idle connections, or zero while every address is
// disabled.
func (b *Backend) Capacity() int {
	if len(b.Addresses.Active()) == 0 {
		return 0
	}
	return b.Pool.Free() + b.Pool.Idle()
}

// Snapshot is a point-in-time view of a backend for status reporting.
type Snapshot struct {
	Name      string            `json:"name" yaml:"name"`
	Balancer  string            `json:"balancer" yaml:"balancer"`
	MaxPool   int               `json:"max_pool" yaml:"max_pool"`
	Pool      map[string]int    `json:"pool" yaml:"pool"`
	Backlog   int               `json:"backlog" yaml:"backlog"`
	Addresses []AddressSnapshot `json:"addresses" yaml:"addresses"`
}

// AddressSnapshot is the reported state of one address.
type AddressSnapshot struct {
	Name          string    `json:"name" yaml:"name"`
	State         string    `json:"state" yaml:"state"`
	DisabledUntil time.Time `json:"disabled_until,omitzero" yaml:"disabled_until,omitempty"`
	Load          int       `json:"load" yaml:"load"`
}

// Snapshot copies the current state.
func (b *Backend) Snapshot() Snapshot {
	s := Snapshot{
		Name:    b.Name,
		MaxPool: b.Pool.MaxSize,
		Pool: map[string]int{
			ConnConnecting.String(): b.Pool.Count(ConnConnecting),
			ConnConnected.String():  b.Pool.Count(ConnConnected),
			ConnIdle.String():       b.Pool.Count(ConnIdle),
			ConnClosed.String():     b.Pool.Count(ConnClosed),
		},
		Backlog: b.Backlog.Len(),
	}
	if b.Balancer != nil {
		s.Balancer = b.Balancer.Name()
	}
	for _, a := range b.Addresses.All() {
		s.Addresses = append(s.Addresses, AddressSnapshot{
			Name:          a.Name,
			State:         a.State.String(),
			DisabledUntil: a.DisabledUntil,
			Load:          a.Load(),
		})
	}
	return s
}
