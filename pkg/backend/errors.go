package backend

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Common backend errors that can be checked with errors.Is().
var (
	// ErrPoolFull is returned by Pool.Get when no connection slot is free.
	ErrPoolFull = errors.New("connection pool is full")

	// ErrNoActiveAddress is returned when every address of a backend is
	// disabled.
	ErrNoActiveAddress = errors.New("no active backend address")

	// ErrInvalidAddress is returned for addresses that cannot be parsed or
	// resolved.
	ErrInvalidAddress = errors.New("invalid backend address")
)

const (
	// RefusedCooldown disables an address that actively refused a connection.
	RefusedCooldown = 2 * time.Second

	// FailureCooldown disables an address after any other connect failure.
	FailureCooldown = 60 * time.Second
)

// ConnectError is returned when connecting to a backend address fails.
type ConnectError struct {
	// Address is the name of the address that failed.
	Address string

	// Err is the socket error.
	Err error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s failed: %v", e.Address, e.Err)
}

// Unwrap returns the socket error.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Cooldown returns how long the address should stay disabled.
func (e *ConnectError) Cooldown() time.Duration {
	return CooldownFor(e.Err)
}

// CooldownFor maps a connect error to the time the address stays disabled.
// A refused connection is retried quickly; unreachable hosts and every other
// failure are parked for a minute.
func CooldownFor(err error) time.Duration {
	if errors.Is(err, unix.ECONNREFUSED) {
		return RefusedCooldown
	}
	return FailureCooldown
}
