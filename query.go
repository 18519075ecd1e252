package pgpool

import (
	"github.com/riftlabs/pgpool/internal/driver"
	"github.com/riftlabs/pgpool/internal/queue"
)

// Query is an asynchronous unit of work submitted to a Pool: SQL text,
// optional parameters, and a callback invoked exactly once with the
// results (nil if the query was dropped or never completed).
type Query = queue.Query

// Callback receives a query's results exactly once. A nil slice means
// the query was dropped before it completed: never dispatched, or still
// in flight when its connection was reset or the pool stopped.
type Callback = queue.Callback

// Result is one statement's outcome: a row set, a command tag, or an
// error, matching the shape PQgetResult hands back for one PGresult.
type Result = driver.Result

// ResultStatus enumerates the possible Result.Status values.
type ResultStatus = driver.ResultStatus

const (
	CommandOK     = driver.CommandOK
	TuplesOK      = driver.TuplesOK
	ErrorResponse = driver.ErrorResponse
	EmptyQuery    = driver.EmptyQuery
)

// NewQuery builds a Query ready for AsyncQuery. params may be nil for a
// simple-protocol query with no bind parameters.
func NewQuery(sql string, params []Param, cb Callback) *Query {
	return queue.NewQuery(sql, params, cb)
}
