// Package balancer implements the address selection policies of a backend.
//
// Every policy only ever sees the active addresses of a backend, in
// configuration order, and never returns a disabled one.
//
// Example usage:
//
//	bal, err := balancer.New("carp")
//	if err != nil {
//	    return err
//	}
//	be := backend.New("app", addrs, 16, bal)
package balancer

import (
	"errors"
	"fmt"
	"strings"

	"mercator-hq/conduit/pkg/backend"
)

// ErrUnknownPolicy is returned by New for unrecognized policy names.
var ErrUnknownPolicy = errors.New("unknown balancer policy")

// Policy names accepted by New. Aliases resolve to the same implementation.
const (
	PolicyStatic     = "static"
	PolicyFair       = "fair"
	PolicyFailover   = "failover"
	PolicyRoundRobin = "round-robin"
	PolicyCARP       = "carp"
	PolicyHash       = "hash"
	PolicySQF        = "sqf"
)

// Names returns the canonical policy names.
func Names() []string {
	return []string{PolicyStatic, PolicyRoundRobin, PolicyCARP, PolicySQF}
}

// New returns the balancer registered under name. The empty name selects
// the static policy.
func New(name string) (backend.Balancer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyStatic, PolicyFair, PolicyFailover:
		return NewStatic(), nil
	case PolicyRoundRobin, "rr", "roundrobin":
		return NewRoundRobin(nil), nil
	case PolicyCARP, PolicyHash:
		return NewCARP(), nil
	case PolicySQF:
		return NewSQF(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
}
