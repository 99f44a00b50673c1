// Package wire implements the two length-prefixed framings spoken by go-debugd.
//
// # Client records
//
// Debug clients exchange records with the daemon over TCP:
//
//	+----------------+--------+-----------------+
//	| length (4, BE) | kind   | payload         |
//	+----------------+--------+-----------------+
//
// The length counts the kind byte plus the payload. Each Command record yields
// exactly one Response or Error record, delivered in submission order.
// The command payload is opaque to the daemon, e.g. "R 0x1000".
//
// # Link frames
//
// The daemon talks to the hardware adapter with frames tagged by transaction id:
//
//	+----------------+---------------+--------+-----------------+
//	| length (4, BE) | txn id (4, BE)| status | payload         |
//	+----------------+---------------+--------+-----------------+
//
// The adapter echoes the transaction id in its reply, which lets the daemon
// recognize and discard late replies to transactions that already timed out.
//
// Both decoders are incremental: bytes are fed as they arrive from
// non-blocking reads and complete records are pulled out one at a time.
package wire
