// Package link owns the single hardware debug link and arbitrates access to it.
//
// # Link
//
// A Link is a non-blocking byte stream to the debug adapter: a serial device,
// a TCP socket to a JTAG adapter, or an in-process simulated target. Links are
// created from a spec string by NewOpener:
//
//	serial:/dev/ttyUSB0@115200
//	tcp:192.168.1.50:3240
//	sim
//	sim:5ms
//
// # Arbiter
//
// The Arbiter serializes commands onto the link. At most one Transaction is
// InFlight at a time; Submit refuses a second one. Poll is non-blocking and is
// called every reactor iteration while a transaction is InFlight:
//
//	Queued ──Submit──▶ InFlight ──Poll──▶ Complete
//	                      │
//	                      └──(I/O error, malformed reply, timeout)──▶ Failed
//
// A failed transaction leaves the arbiter idle, so a single failure never
// blocks the transactions queued behind it. Replies are matched by transaction
// id; a reply arriving after its transaction timed out is discarded.
//
// The Arbiter is NOT goroutine-safe. It is driven by the reactor loop.
package link
