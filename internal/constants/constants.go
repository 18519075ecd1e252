// Package constants holds tunable defaults shared across the pool, the
// connection state machine, and the driver adapter.
package constants

import "time"

// Pool defaults.
const (
	// DefaultPoolSize is used when a caller constructs a Pool with size <= 0.
	DefaultPoolSize = 4

	// MaxSendAttempts bounds the retry loop around a nonblocking send.
	MaxSendAttempts = 4

	// SteadyStateSelectTimeout is the liveness-guard timeout used by the
	// steady-state phase of the event loop. Not a contract: callers must
	// not depend on the loop waking at this exact cadence.
	SteadyStateSelectTimeout = 3 * time.Second
)

// Wakeup channel sentinel values, the Go analog of the wakeup pipe's
// '1' (new work) and '0' (stop) bytes.
const (
	WakeNewWork byte = 1
	WakeStop    byte = 2
)

// Driver / wire-protocol defaults.
const (
	// RecvChunkSize is the size of each nonblocking read attempt against a
	// connection's raw socket.
	RecvChunkSize = 64 * 1024

	// DefaultPostgresPort is used when a connection param map omits "port".
	DefaultPostgresPort = "5432"

	// ProtocolVersion3 is the startup-message protocol version (3.0).
	ProtocolVersion3 = 196608
)
