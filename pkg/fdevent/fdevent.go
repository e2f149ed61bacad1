package fdevent

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Event is a set of readiness flags.
type Event uint32

const (
	// EventIn reports (or requests) readability.
	EventIn Event = 1 << iota
	// EventOut reports (or requests) writability.
	EventOut
	// EventHup reports that the peer hung up.
	EventHup
	// EventErr reports an error condition on the descriptor.
	EventErr
)

// interestMask holds the flags that can be watched. Hang-up and error are
// always reported.
const interestMask = EventIn | EventOut

// String returns a compact representation such as "in|hup".
func (e Event) String() string {
	if e == 0 {
		return "none"
	}
	var parts []string
	if e&EventIn != 0 {
		parts = append(parts, "in")
	}
	if e&EventOut != 0 {
		parts = append(parts, "out")
	}
	if e&EventHup != 0 {
		parts = append(parts, "hup")
	}
	if e&EventErr != 0 {
		parts = append(parts, "err")
	}
	return strings.Join(parts, "|")
}

// Handler is invoked by Dispatch for a ready descriptor with the context
// given at registration.
type Handler func(ctx any, revents Event)

// Revent is one entry of a Wait batch.
type Revent struct {
	FD     int
	Events Event

	gen uint64
}

// Kind names a poller implementation.
type Kind string

const (
	KindPoll    Kind = "poll"
	KindSelect  Kind = "select"
	KindEpoll   Kind = "epoll"
	KindKqueue  Kind = "kqueue"
	KindDevpoll Kind = "devpoll"
)

func (k Kind) String() string { return string(k) }

var (
	// ErrAlreadyRegistered is returned when a descriptor is registered twice
	// without being unregistered in between.
	ErrAlreadyRegistered = errors.New("descriptor already registered")

	// ErrNotRegistered is returned for operations on unknown descriptors.
	ErrNotRegistered = errors.New("descriptor not registered")

	// ErrUnsupported is returned when a poller is not available on this
	// platform.
	ErrUnsupported = errors.New("event handler not supported on this platform")

	// ErrTooManyDescriptors is returned when registering beyond the
	// configured descriptor limit.
	ErrTooManyDescriptors = errors.New("too many registered descriptors")
)

// ParseKind resolves a configured event-handler name. The historic names
// ("linux-sysepoll", "freebsd-kqueue", "solaris-devpoll") are accepted. An
// empty name selects the best poller for the running platform.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return DefaultKind(), nil
	case "poll":
		return KindPoll, nil
	case "select":
		return KindSelect, nil
	case "epoll", "linux-sysepoll":
		return KindEpoll, nil
	case "kqueue", "freebsd-kqueue":
		return KindKqueue, nil
	case "devpoll", "solaris-devpoll":
		return KindDevpoll, nil
	default:
		return "", fmt.Errorf("unknown event handler %q", name)
	}
}

// DefaultKind returns the preferred poller for the running platform.
func DefaultKind() Kind {
	switch runtime.GOOS {
	case "linux":
		return KindEpoll
	case "darwin", "freebsd", "netbsd", "openbsd", "dragonfly":
		return KindKqueue
	default:
		return KindPoll
	}
}

// Poller is the OS-specific half of a Multiplexer.
type Poller interface {
	// Set changes the interest set of fd from old to events. old == 0 means
	// the poller does not know fd yet; events == 0 removes it.
	Set(fd int, old, events Event) error

	// Wait appends ready descriptors to batch. A negative timeout blocks
	// indefinitely.
	Wait(timeout time.Duration, batch []Revent) ([]Revent, error)

	// Close releases the poller's own resources.
	Close() error
}

type registration struct {
	handler Handler
	ctx     any
	events  Event
	gen     uint64
}

// Multiplexer dispatches readiness events to registered handlers. It is not
// safe for concurrent use; one goroutine owns it.
type Multiplexer struct {
	kind   Kind
	poller Poller
	maxFds int

	regs  map[int]*registration
	gen   uint64
	batch []Revent
}

// New creates a multiplexer backed by the given poller kind. maxFds bounds
// the number of registered descriptors; zero means no limit.
func New(kind Kind, maxFds int) (*Multiplexer, error) {
	var (
		p   Poller
		err error
	)

	switch kind {
	case KindPoll:
		p = newPollPoller(maxFds)
	case KindSelect:
		p = newSelectPoller()
	case KindEpoll:
		p, err = newEpollPoller(maxFds)
	case KindKqueue:
		p, err = newKqueuePoller(maxFds)
	case KindDevpoll:
		err = fmt.Errorf("%w: %s", ErrUnsupported, kind)
	default:
		err = fmt.Errorf("unknown event handler %q", kind)
	}
	if err != nil {
		return nil, err
	}

	return &Multiplexer{
		kind:   kind,
		poller: p,
		maxFds: maxFds,
		regs:   make(map[int]*registration),
		batch:  make([]Revent, 0, 64),
	}, nil
}

// Kind returns the poller kind in use.
func (m *Multiplexer) Kind() Kind { return m.kind }

// Len returns the number of registered descriptors.
func (m *Multiplexer) Len() int { return len(m.regs) }

// Registered reports whether fd is registered.
func (m *Multiplexer) Registered(fd int) bool {
	_, ok := m.regs[fd]
	return ok
}

// Register associates fd with handler and ctx. The descriptor is not watched
// until Watch is called.
func (m *Multiplexer) Register(fd int, handler Handler, ctx any) error {
	if _, ok := m.regs[fd]; ok {
		return fmt.Errorf("fd %d: %w", fd, ErrAlreadyRegistered)
	}
	if m.maxFds > 0 && len(m.regs) >= m.maxFds {
		return fmt.Errorf("fd %d: %w (limit %d)", fd, ErrTooManyDescriptors, m.maxFds)
	}

	m.gen++
	m.regs[fd] = &registration{handler: handler, ctx: ctx, gen: m.gen}
	return nil
}

// Unregister removes fd and drops any interest in it. Events for fd that were
// collected by a Wait but not dispatched yet are discarded.
func (m *Multiplexer) Unregister(fd int) error {
	reg, ok := m.regs[fd]
	if !ok {
		return fmt.Errorf("fd %d: %w", fd, ErrNotRegistered)
	}
	delete(m.regs, fd)

	if reg.events != 0 {
		if err := m.poller.Set(fd, reg.events, 0); err != nil {
			return fmt.Errorf("fd %d: failed to remove from poller: %w", fd, err)
		}
	}
	return nil
}

// Watch replaces the interest set of fd with events (EventIn, EventOut or
// both).
func (m *Multiplexer) Watch(fd int, events Event) error {
	reg, ok := m.regs[fd]
	if !ok {
		return fmt.Errorf("fd %d: %w", fd, ErrNotRegistered)
	}

	events &= interestMask
	if events == reg.events {
		return nil
	}
	if err := m.poller.Set(fd, reg.events, events); err != nil {
		return fmt.Errorf("fd %d: failed to set interest %s: %w", fd, events, err)
	}
	reg.events = events
	return nil
}

// Unwatch drops all interest in fd. The registration is kept.
func (m *Multiplexer) Unwatch(fd int) error {
	return m.Watch(fd, 0)
}

// Interest returns the current interest set of fd.
func (m *Multiplexer) Interest(fd int) Event {
	if reg, ok := m.regs[fd]; ok {
		return reg.events
	}
	return 0
}

// Wait blocks until a watched descriptor is ready or timeout elapses and
// returns the ready batch. A negative timeout blocks indefinitely. An
// interrupted wait returns an empty batch and no error. The returned slice is
// reused by the next Wait.
func (m *Multiplexer) Wait(timeout time.Duration) ([]Revent, error) {
	batch, err := m.poller.Wait(timeout, m.batch[:0])
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return m.batch[:0], nil
		}
		return nil, fmt.Errorf("%s wait failed: %w", m.kind, err)
	}

	for i := range batch {
		if reg, ok := m.regs[batch[i].FD]; ok {
			batch[i].gen = reg.gen
		}
	}
	m.batch = batch
	return batch, nil
}

// Dispatch calls the handler of every descriptor in batch once. Entries whose
// descriptor was unregistered, or registered again, after the Wait that
// produced them are skipped.
func (m *Multiplexer) Dispatch(batch []Revent) {
	for _, ev := range batch {
		reg, ok := m.regs[ev.FD]
		if !ok || reg.gen != ev.gen {
			continue
		}
		reg.handler(reg.ctx, ev.Events)
	}
}

// Poll runs one Wait followed by Dispatch and returns the batch size.
func (m *Multiplexer) Poll(timeout time.Duration) (int, error) {
	batch, err := m.Wait(timeout)
	if err != nil {
		return 0, err
	}
	m.Dispatch(batch)
	return len(batch), nil
}

// Close releases the poller. Registered descriptors are not closed.
func (m *Multiplexer) Close() error {
	m.regs = make(map[int]*registration)
	return m.poller.Close()
}

// timeoutMillis converts a wait timeout for poll and epoll.
func timeoutMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := timeout.Milliseconds()
	if ms == 0 && timeout > 0 {
		ms = 1
	}
	return int(ms)
}
