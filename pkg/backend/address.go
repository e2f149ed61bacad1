package backend

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// AddressState is the health state of an Address.
type AddressState int

const (
	// AddressActive addresses take part in balancing.
	AddressActive AddressState = iota
	// AddressDisabled addresses are skipped until DisabledUntil has passed.
	AddressDisabled
)

// String returns the state name.
func (s AddressState) String() string {
	if s == AddressDisabled {
		return "disabled"
	}
	return "active"
}

// Address is one backend endpoint: "host:port" or "unix:/path/to/socket".
type Address struct {
	// Name is the address as configured.
	Name string

	// Network is "tcp" or "unix".
	Network string

	// Sockaddr is the resolved socket address used to connect.
	Sockaddr unix.Sockaddr

	// State is the current health state.
	State AddressState

	// DisabledUntil is when a disabled address becomes eligible again.
	DisabledUntil time.Time

	// load counts the connections currently bound to sessions.
	load int
}

// ParseAddress resolves a configured address. Host names are looked up once;
// IPv4 results are preferred.
func ParseAddress(name string) (*Address, error) {
	if path, ok := strings.CutPrefix(name, "unix:"); ok {
		if path == "" {
			return nil, fmt.Errorf("%w: %q: empty socket path", ErrInvalidAddress, name)
		}
		return &Address{
			Name:     name,
			Network:  "unix",
			Sockaddr: &unix.SockaddrUnix{Name: path},
		}, nil
	}

	host, portStr, err := net.SplitHostPort(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, name, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: %q: invalid port", ErrInvalidAddress, name)
	}
	if host == "" {
		host = "127.0.0.1"
	}

	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return nil, fmt.Errorf("%w: %q: cannot resolve host: %v", ErrInvalidAddress, name, err)
		}
		ip = ips[0]
		for _, cand := range ips {
			if cand.To4() != nil {
				ip = cand
				break
			}
		}
	}

	addr := &Address{Name: name, Network: "tcp"}
	if v4 := ip.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], v4)
		addr.Sockaddr = sa
	} else {
		sa := &unix.SockaddrInet6{Port: port}
		copy(sa.Addr[:], ip.To16())
		addr.Sockaddr = sa
	}
	return addr, nil
}

// Active reports whether the address takes part in balancing.
func (a *Address) Active() bool { return a.State == AddressActive }

// Disable parks the address for d starting at now.
func (a *Address) Disable(now time.Time, d time.Duration) {
	a.State = AddressDisabled
	a.DisabledUntil = now.Add(d)
}

// Reactivate re-enables a disabled address once now is past DisabledUntil and
// reports whether it did.
func (a *Address) Reactivate(now time.Time) bool {
	if a.State != AddressDisabled || !now.After(a.DisabledUntil) {
		return false
	}
	a.State = AddressActive
	a.DisabledUntil = time.Time{}
	return true
}

// Load returns the number of connections to this address currently bound to
// sessions.
func (a *Address) Load() int { return a.load }

// AddressPool is the ordered list of addresses of a backend.
type AddressPool struct {
	addrs []*Address
}

// NewAddressPool parses every name in order.
func NewAddressPool(names []string) (*AddressPool, error) {
	p := &AddressPool{addrs: make([]*Address, 0, len(names))}
	for _, name := range names {
		a, err := ParseAddress(name)
		if err != nil {
			return nil, err
		}
		p.addrs = append(p.addrs, a)
	}
	return p, nil
}

// NewAddressPoolFrom wraps already built addresses.
func NewAddressPoolFrom(addrs ...*Address) *AddressPool {
	return &AddressPool{addrs: addrs}
}

// All returns every address in configuration order.
func (p *AddressPool) All() []*Address { return p.addrs }

// Len returns the number of addresses.
func (p *AddressPool) Len() int { return len(p.addrs) }

// Active returns the active addresses in configuration order.
func (p *AddressPool) Active() []*Address {
	active := make([]*Address, 0, len(p.addrs))
	for _, a := range p.addrs {
		if a.Active() {
			active = append(active, a)
		}
	}
	return active
}

// Reactivate re-enables every address whose cooldown has passed and returns
// how many were re-enabled.
func (p *AddressPool) Reactivate(now time.Time) int {
	n := 0
	for _, a := range p.addrs {
		if a.Reactivate(now) {
			n++
		}
	}
	return n
}
