package pgpool

import "github.com/riftlabs/pgpool/internal/queue"

// Param is one bind parameter for a parameterized query: either a text
// value with a trailing NUL (simple-protocol style) or a binary value
// in PostgreSQL's network byte order.
type Param = queue.Param

// Text builds a text-format parameter from s, appending the trailing
// NUL the wire protocol expects for simple-protocol parameters.
func Text(s string) Param { return queue.Text(s) }

// Boolean builds a text-format boolean parameter ("t"/"f").
func Boolean(v bool) Param { return queue.Boolean(v) }

// Number builds a binary parameter from raw host-order bytes, reversing
// them to network byte order if the host is little-endian.
func Number(raw []byte) Param { return queue.Number(raw) }

// Int16, Int32, Int64, Uint16, Uint32, Uint64 build binary parameters
// directly in network (big-endian) byte order.
func Int16(v int16) Param   { return queue.Int16(v) }
func Int32(v int32) Param   { return queue.Int32(v) }
func Int64(v int64) Param   { return queue.Int64(v) }
func Uint16(v uint16) Param { return queue.Uint16(v) }
func Uint32(v uint32) Param { return queue.Uint32(v) }
func Uint64(v uint64) Param { return queue.Uint64(v) }

// BorrowText wraps buf as an unowned text parameter: no copy is made, so
// buf must outlive the query's dispatch.
func BorrowText(buf []byte) Param { return queue.BorrowText(buf) }
