//go:build !(darwin || dragonfly || freebsd || netbsd || openbsd)

package fdevent

import "fmt"

func newKqueuePoller(int) (Poller, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, KindKqueue)
}
