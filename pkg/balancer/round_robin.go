package balancer

import (
	"math/rand/v2"

	"mercator-hq/conduit/pkg/backend"
)

// RoundRobin spreads requests uniformly at random over the active addresses.
type RoundRobin struct {
	rng *rand.Rand
}

// NewRoundRobin creates a round-robin balancer. A nil source uses a randomly
// seeded PCG generator.
func NewRoundRobin(src rand.Source) *RoundRobin {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &RoundRobin{rng: rand.New(src)}
}

// Select returns a uniformly chosen active address.
func (r *RoundRobin) Select(_ backend.Key, active []*backend.Address) *backend.Address {
	switch len(active) {
	case 0:
		return nil
	case 1:
		return active[0]
	}
	return active[r.rng.IntN(len(active))]
}

// Name returns the policy name.
func (r *RoundRobin) Name() string { return PolicyRoundRobin }
