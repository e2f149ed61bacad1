package balancer

import "mercator-hq/conduit/pkg/backend"

// SQF (shortest queue first) picks the address with the fewest connections
// currently bound to sessions. Ties go to the earlier address.
type SQF struct{}

// NewSQF creates a shortest-queue-first balancer.
func NewSQF() *SQF { return &SQF{} }

// Select returns the least loaded active address.
func (s *SQF) Select(_ backend.Key, active []*backend.Address) *backend.Address {
	var best *backend.Address
	for _, a := range active {
		if best == nil || a.Load() < best.Load() {
			best = a
		}
	}
	return best
}

// Name returns the policy name.
func (s *SQF) Name() string { return PolicySQF }
