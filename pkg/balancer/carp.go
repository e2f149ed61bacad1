package balancer

import (
	"hash/crc32"

	"mercator-hq/conduit/pkg/backend"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CARP hashes each request onto an address so that the same path and host
// keep landing on the same server while it stays active.
//
// The score of an address is crc32c(path) + crc32c(address) + crc32c(host),
// summed in 64 bits; the highest score wins and ties go to the earlier
// address.
type CARP struct{}

// NewCARP creates a hashing balancer.
func NewCARP() *CARP { return &CARP{} }

// Select returns the address with the highest score for key.
func (c *CARP) Select(key backend.Key, active []*backend.Address) *backend.Address {
	if len(active) == 0 {
		return nil
	}

	base := uint64(crc32.Checksum([]byte(key.Path), castagnoli)) +
		uint64(crc32.Checksum([]byte(key.Authority), castagnoli))

	var (
		best      *backend.Address
		bestScore uint64
	)
	for _, a := range active {
		score := base + uint64(crc32.Checksum([]byte(a.Name), castagnoli))
		if best == nil || score > bestScore {
			best = a
			bestScore = score
		}
	}
	return best
}

// Name returns the policy name.
func (c *CARP) Name() string { return PolicyCARP }
