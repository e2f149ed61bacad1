//go:build !linux

package fdevent

import "fmt"

func newEpollPoller(int) (Poller, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, KindEpoll)
}
