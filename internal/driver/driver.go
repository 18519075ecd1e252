// Package driver implements a nonblocking PostgreSQL wire-protocol client,
// standing in for libpq's PQconnectStartParams/PQconnectPoll/PQsendQuery
// family behind a small interface so the connection state machine in
// internal/conn never touches sockets directly.
package driver

// PollStatus mirrors libpq's connection polling states.
type PollStatus int

const (
	// StatusReading means the handshake is waiting for readable data.
	StatusReading PollStatus = iota
	// StatusWriting means the handshake is waiting for the socket to
	// become writable (connect-in-progress or buffered output).
	StatusWriting
	// StatusOK means the connection completed its handshake and is
	// ready to accept queries.
	StatusOK
	// StatusFailed means the connection broke and must be recreated.
	StatusFailed
)

func (s PollStatus) String() string {
	switch s {
	case StatusReading:
		return "reading"
	case StatusWriting:
		return "writing"
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Params carries the connection parameters a caller would otherwise pass
// to PQconnectStartParams as a keyword/value array: host, port, user,
// password, dbname, and any libpq-style extras.
type Params map[string]string

// ResultStatus enumerates the handful of libpq result statuses that
// matter to a pool driving simple and extended-protocol queries.
type ResultStatus int

const (
	CommandOK ResultStatus = iota
	TuplesOK
	ErrorResponse
	EmptyQuery
)

// Result is the Go analog of a PGresult*: either a completed command, a
// set of rows, or an error response. Rows holds one [][]byte per row,
// each inner slice one column's raw bytes (nil for SQL NULL). Fields
// holds the column names in RowDescription order.
type Result struct {
	Status ResultStatus
	Fields []string
	Rows   [][][]byte
	Err    error
}

// Conn is one nonblocking connection to a PostgreSQL backend. All methods
// are called only from the pool's single I/O goroutine; no method is
// safe to call concurrently with another on the same Conn.
type Conn interface {
	// Poll reports the connection's current handshake/readiness state.
	Poll() PollStatus
	// FD returns the underlying socket file descriptor for select().
	FD() int
	// ResetStart tears down the current socket (if any) and begins a
	// fresh nonblocking connect/handshake sequence.
	ResetStart(params Params) error
	// SendQuery issues a simple-protocol query. Bytes the nonblocking
	// write cannot take yet stay buffered for Flush. Returns false if
	// earlier output is still buffered or the write fails outright;
	// caller may retry.
	SendQuery(sql string) bool
	// SendQueryParams issues an extended-protocol parameterized query;
	// formats[i] is the format code (0 text, 1 binary) of values[i], and
	// results are requested in text format. Returns false under the same
	// conditions as SendQuery.
	SendQueryParams(sql string, values [][]byte, formats []int16) bool
	// Flush drains any buffered outbound bytes. Returns 0 when done, 1
	// if more output remains (caller should wait for writable), or -1
	// on error.
	Flush() int
	// ConsumeInput performs one nonblocking read and feeds any bytes
	// read to the backend-message decoder.
	ConsumeInput() error
	// IsBusy reports whether the current query still awaits more
	// server bytes before GetResult can drain a complete result.
	IsBusy() bool
	// GetResult dequeues one decoded result. ok is false once every
	// buffered result for the current query has been drained.
	GetResult() (res *Result, ok bool)
	// ErrorMessage returns the most recent connection-level error text.
	ErrorMessage() string
	// Close releases the underlying socket.
	Close() error
}
