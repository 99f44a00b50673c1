// Package poller provides the readiness multiplexer driving the go-debugd
// reactor loop.
//
// A Multiplexer tracks the descriptors of interest (client sockets, the
// hardware link, the listening socket and a wake pipe) and reports which of
// them are ready. Wait takes an explicit WaitMode: Blocking waits until some
// descriptor is ready, Bounded returns after at most the given duration so the
// caller can poll a hardware transaction or check deadlines.
//
// The Poller implementation is built on poll(2) and is not goroutine-safe;
// only Waker.Wake may be called from other goroutines.
package poller
