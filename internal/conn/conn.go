// Package conn implements the per-connection state machine that drives
// one nonblocking PostgreSQL connection through handshake, dispatch,
// flush, and consume, the way the pool's single I/O goroutine expects.
package conn

import (
	"fmt"

	"github.com/riftlabs/pgpool/internal/constants"
	"github.com/riftlabs/pgpool/internal/driver"
	"github.com/riftlabs/pgpool/internal/interfaces"
	"github.com/riftlabs/pgpool/internal/queue"
)

// DialFunc opens one driver.Conn. Exists so tests can substitute a fake
// implementation of driver.Conn without touching a real socket.
type DialFunc func(params driver.Params) (driver.Conn, error)

// Conn wraps one driver.Conn plus the query currently dispatched to it.
// Every method is called only from the pool's I/O goroutine; Conn has no
// internal locking.
type Conn struct {
	ID             int
	driverConn     driver.Conn
	dial           DialFunc
	params         driver.Params
	current        *queue.Query
	awaitingResult bool
	needsFlush     bool
	logger         interfaces.Logger
	observer       interfaces.Observer
}

// Create starts n nonblocking connections in parallel, assigning
// sequential ids 0..n-1. If any dial fails synchronously, already-opened
// connections are closed and the whole batch fails, matching spec.md's
// "create" factory.
func Create(n int, params driver.Params, dial DialFunc, logger interfaces.Logger, observer interfaces.Observer) ([]*Conn, error) {
	conns := make([]*Conn, 0, n)

	for i := 0; i < n; i++ {
		dc, err := dial(params)
		if err != nil {
			for _, c := range conns {
				_ = c.driverConn.Close()
			}
			return nil, fmt.Errorf("conn %d: dial: %w", i, err)
		}
		conns = append(conns, &Conn{
			ID:         i,
			driverConn: dc,
			dial:       dial,
			params:     params,
			logger:     logger,
			observer:   observer,
		})
	}

	return conns, nil
}

// Poll reports the underlying driver connection's handshake/readiness
// state.
func (c *Conn) Poll() driver.PollStatus { return c.driverConn.Poll() }

// FD returns the underlying socket fd for use in a select readiness set.
func (c *Conn) FD() int { return c.driverConn.FD() }

// Busy reports whether a query currently occupies this connection. This
// is true from the moment Execute is called until Consume delivers a
// result or Reset/Close drops it — independent of whether the send
// itself ultimately succeeded, so a connection that failed to send
// never gets silently handed a second query before the first one is
// accounted for.
func (c *Conn) Busy() bool { return c.current != nil }

// Reset tears down and restarts the underlying connection after a
// failure, delivering nil to any in-flight query so the at-most-once
// callback contract holds even though the query never completed.
func (c *Conn) Reset() error {
	if c.current != nil {
		c.current.Deliver(nil)
		c.current = nil
	}
	c.awaitingResult = false
	c.needsFlush = false

	if c.observer != nil {
		c.observer.ObserveReset()
	}
	if c.logger != nil {
		c.logger.Printf("conn %d: resetting after failure", c.ID)
	}

	dc, err := c.dial(c.params)
	if err != nil {
		return fmt.Errorf("conn %d: reset dial: %w", c.ID, err)
	}
	_ = c.driverConn.Close()
	c.driverConn = dc
	return nil
}

// Execute dispatches q on this connection. It moves q into current,
// issues the appropriate send, and retries the send up to
// constants.MaxSendAttempts times on transient failure — the driver's
// nonblocking send can fail when a prior flush hasn't completed, and a
// small bounded retry keeps such transient cases local. Returns whether
// a send succeeded, i.e. whether a result is now awaited; q stays in
// current (so Busy reports true) either way.
func (c *Conn) Execute(q *queue.Query) bool {
	c.current = q

	sent := false
	for attempt := 0; attempt < constants.MaxSendAttempts; attempt++ {
		if q.Empty() {
			sent = c.driverConn.SendQuery(q.SQL())
		} else {
			values, formats := paramArrays(q.Params())
			sent = c.driverConn.SendQueryParams(q.SQL(), values, formats)
		}
		if sent {
			break
		}
		if c.logger != nil {
			c.logger.Debugf("conn %d: send attempt %d failed, retrying", c.ID, attempt+1)
		}
	}

	if c.observer != nil {
		c.observer.ObserveDispatch(sent)
	}

	c.awaitingResult = sent
	c.needsFlush = sent
	return sent
}

func paramArrays(params []queue.Param) ([][]byte, []int16) {
	values := make([][]byte, len(params))
	formats := make([]int16, len(params))
	for i, p := range params {
		values[i] = p.Bytes()
		if p.Binary() {
			formats[i] = 1
		}
	}
	return values, formats
}

// Flush drains any buffered outbound bytes. Mirrors spec.md §4.3: result
// 0 clears needsFlush, 1 keeps it (loop will reselect for write), -1
// logs and keeps it (a later state poll may observe failure).
func (c *Conn) Flush() {
	if !c.needsFlush {
		return
	}

	switch c.driverConn.Flush() {
	case 0:
		c.needsFlush = false
		if c.observer != nil {
			c.observer.ObserveFlush(true)
		}
	case 1:
		if c.observer != nil {
			c.observer.ObserveFlush(true)
		}
	default:
		if c.logger != nil {
			c.logger.Errorf("conn %d: flush failed: %s", c.ID, c.driverConn.ErrorMessage())
		}
		if c.observer != nil {
			c.observer.ObserveFlush(false)
		}
	}
}

// Consume drains readable bytes and, once the current query's results
// are fully buffered, delivers them and clears busy.
func (c *Conn) Consume(latencyNs uint64) {
	if !c.awaitingResult {
		return
	}

	if err := c.driverConn.ConsumeInput(); err != nil {
		if c.logger != nil {
			c.logger.Errorf("conn %d: consume_input failed: %v", c.ID, err)
		}
	}

	if c.driverConn.IsBusy() {
		return // more bytes needed before a full result is available
	}

	var results []*driver.Result
	ok := true
	for ok {
		var res *driver.Result
		res, ok = c.driverConn.GetResult()
		if ok {
			results = append(results, res)
		}
	}

	success := true
	for _, r := range results {
		if r.Status == driver.ErrorResponse {
			success = false
		}
	}

	if c.observer != nil {
		c.observer.ObserveConsume(len(results), latencyNs, success)
	}

	if c.current != nil {
		c.current.Deliver(results)
		c.current = nil
	}
	c.awaitingResult = false
}

// WantsRead reports whether the loop should select this connection for
// readability: true while a result is outstanding.
func (c *Conn) WantsRead() bool { return c.awaitingResult }

// WantsWrite reports whether the loop should select this connection for
// writability: true while output remains buffered.
func (c *Conn) WantsWrite() bool { return c.needsFlush }

// Close releases the underlying connection, delivering nil to any
// in-flight query first.
func (c *Conn) Close() error {
	if c.current != nil {
		c.current.Deliver(nil)
		c.current = nil
	}
	return c.driverConn.Close()
}
