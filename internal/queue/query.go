package queue

import "github.com/riftlabs/pgpool/internal/driver"

// Callback is invoked exactly once with the final results of a Query,
// whether it completed, failed, or was dropped before completing (never
// dispatched, or in flight when its connection was reset or closed), in
// which case results is nil.
type Callback func(results []*driver.Result)

// Query is one unit of work: SQL text, ordered bound parameters, and a
// one-shot completion callback. Query is move-only in spirit: once
// enqueued, whoever dequeues it owns delivering its callback exactly
// once (invariant I2-a).
type Query struct {
	sql      string
	params   []Param
	callback Callback
	done     bool // set once deliver has run; checked only from the I/O goroutine
}

// NewQuery constructs a Query. cb may be nil if the caller doesn't care
// about results.
func NewQuery(sql string, params []Param, cb Callback) *Query {
	return &Query{sql: sql, params: params, callback: cb}
}

// SQL returns the query text.
func (q *Query) SQL() string { return q.sql }

// Params returns the bound parameters, in order.
func (q *Query) Params() []Param { return q.params }

// Empty reports whether the query has no bound parameters.
func (q *Query) Empty() bool { return len(q.params) == 0 }

// Deliver runs the callback at most once. A second call, for whatever
// reason (explicit delivery followed by a clear-time drop, say), is a
// no-op — this is the Go realization of spec.md's "destructor invokes
// deliver(empty)" guarantee, made explicit since Go has no destructors.
func (q *Query) Deliver(results []*driver.Result) {
	if q.done {
		return
	}
	q.done = true
	if q.callback != nil {
		q.callback(results)
	}
}
