// Package fdevent provides the readiness-notification layer that drives every
// non-blocking state transition of the proxy.
//
// A Multiplexer maps raw file descriptors to a handler and an opaque context.
// Interest is expressed with Watch and dropped with Unwatch; Wait blocks until
// at least one watched descriptor is ready or the timeout elapses, and
// Dispatch invokes each ready descriptor's handler once with the observed
// flags. The multiplexer never interprets events itself.
//
// The OS facility is chosen once, at construction:
//
//	poll      portable poll(2)
//	select    select(2), limited to descriptors below 1024
//	epoll     Linux epoll(7)
//	kqueue    BSD and macOS kqueue(2)
//	devpoll   Solaris /dev/poll (reported unsupported elsewhere)
//
// A Waker lets other goroutines interrupt a blocked Wait.
//
// The package targets Linux and the BSDs (including macOS).
package fdevent
