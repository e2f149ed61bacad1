package balancer

import "mercator-hq/conduit/pkg/backend"

// Static always picks the first active address, so traffic fails over to the
// next address only while the preferred one is disabled.
type Static struct{}

// NewStatic creates a static (failover) balancer.
func NewStatic() *Static { return &Static{} }

// Select returns the first active address.
func (s *Static) Select(_ backend.Key, active []*backend.Address) *backend.Address {
	if len(active) == 0 {
		return nil
	}
	return active[0]
}

// Name returns the policy name.
func (s *Static) Name() string { return PolicyStatic }
