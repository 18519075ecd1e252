// Package pgpool implements an asynchronous client-side connection pool
// for PostgreSQL: a small fixed set of nonblocking connections driven by
// one dedicated I/O goroutine, with queries submitted from any other
// goroutine and delivered back through one-shot callbacks.
package pgpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/riftlabs/pgpool/internal/conn"
	"github.com/riftlabs/pgpool/internal/constants"
	"github.com/riftlabs/pgpool/internal/driver"
	"github.com/riftlabs/pgpool/internal/interfaces"
	"github.com/riftlabs/pgpool/internal/logging"
	"github.com/riftlabs/pgpool/internal/queue"
)

// Pool is a fixed-size set of asynchronous PostgreSQL connections driven
// by a single background goroutine. All exported methods except Run and
// Stop are safe to call from any goroutine; Run must be called once,
// and Stop at most once after Run.
type Pool struct {
	size     int
	queue    *queue.Queue
	logger   *logging.Logger
	observer interfaces.Observer
	Metrics  *Metrics

	dial conn.DialFunc

	conns          []*conn.Conn
	dispatchedAt   []time.Time
	wakeR, wakeW   int
	wakeForwarding sync.WaitGroup

	done chan struct{}
}

// New constructs a Pool with the given number of connections. size <= 0
// falls back to constants.DefaultPoolSize.
func New(size int) *Pool {
	if size <= 0 {
		size = constants.DefaultPoolSize
	}
	m := NewMetrics()
	return &Pool{
		size:     size,
		queue:    queue.New(),
		logger:   logging.Default(),
		observer: NewMetricsObserver(m),
		Metrics:  m,
		dial:     driver.Dial,
	}
}

// SetLogger overrides the pool's logger. Must be called before Run.
func (p *Pool) SetLogger(l *logging.Logger) { p.logger = l }

// AsyncQuery submits q for dispatch on the next idle connection. Safe to
// call concurrently with Run's event loop from any goroutine.
func (p *Pool) AsyncQuery(q *Query) {
	p.queue.Push(q)
}

// Run opens size connections and starts the I/O goroutine, returning
// without waiting for the initial handshake phase; a handshake failure is
// logged by the I/O goroutine, which then exits. The returned error is
// non-nil only for construction
// failures (socket/pipe/goroutine-spawn failure) — per-connection and
// per-query errors never cross this boundary, matching the pool's
// callback-only error contract.
func (p *Pool) Run(ctx context.Context, params driver.Params) error {
	fds, err := unixPipe()
	if err != nil {
		return fmt.Errorf("wakeup pipe: %w", err)
	}
	p.wakeR, p.wakeW = fds[0], fds[1]

	conns, err := conn.Create(p.size, params, p.dial, p.logger, p.observer)
	if err != nil {
		_ = unix.Close(p.wakeR)
		_ = unix.Close(p.wakeW)
		return fmt.Errorf("create connections: %w", err)
	}
	p.conns = conns
	p.dispatchedAt = make([]time.Time, len(conns))
	p.done = make(chan struct{})

	p.wakeForwarding.Add(1)
	go p.forwardWakeups()

	go p.loop(ctx)
	return nil
}

// forwardWakeups bridges the Queue's Go-channel wakeup signal onto the
// raw wake pipe so the event loop's single unix.Select call can block on
// every source of readiness — sockets and new work alike — instead of
// racing a channel receive against a blocking syscall.
func (p *Pool) forwardWakeups() {
	defer p.wakeForwarding.Done()
	for {
		select {
		case <-p.queue.Wake():
			if _, err := unix.Write(p.wakeW, []byte{constants.WakeNewWork}); err != nil {
				return
			}
		case <-p.queue.Stopped():
			_, _ = unix.Write(p.wakeW, []byte{constants.WakeStop})
			return
		}
	}
}

// Stop signals the event loop to shut down, delivering nil to every
// query still queued or in flight, and waits for it to exit.
func (p *Pool) Stop() {
	p.queue.Stop()
	<-p.done
	p.queue.Clear()
	p.wakeForwarding.Wait()
	_ = unix.Close(p.wakeR)
	_ = unix.Close(p.wakeW)
}

func (p *Pool) loop(ctx context.Context) {
	defer close(p.done)

	if !p.connectPhase() {
		p.shutdown(nil)
		return
	}
	p.steadyStatePhase(ctx)
}

// connectPhase loops until every connection reaches driver.StatusOK or
// any reaches driver.StatusFailed, matching spec.md's "abort the whole
// pool on any handshake failure" resolution.
func (p *Pool) connectPhase() bool {
	for {
		var rset, wset unix.FdSet
		maxFd := addFD(&rset, p.wakeR)

		allReady := true
		for _, c := range p.conns {
			switch c.Poll() {
			case driver.StatusOK:
				continue
			case driver.StatusFailed:
				p.logger.Errorf("connect failed, aborting pool startup")
				return false
			case driver.StatusReading:
				allReady = false
				if fd := addFD(&rset, c.FD()); fd > maxFd {
					maxFd = fd
				}
			case driver.StatusWriting:
				allReady = false
				if fd := addFD(&wset, c.FD()); fd > maxFd {
					maxFd = fd
				}
			}
		}
		if allReady {
			return true
		}

		tv := unix.Timeval{Sec: 0, Usec: 200_000}
		if _, err := unix.Select(maxFd+1, &rset, &wset, nil, &tv); err != nil && err != unix.EINTR {
			p.logger.Errorf("select during connect: %v", err)
			return false
		}

		if fdIsSet(&rset, p.wakeR) && p.drainWakePipe() {
			p.logger.Infof("stop requested during connect phase")
			return false
		}
		// Poll() is re-evaluated at the top of the next iteration
		// regardless of which fds select reported ready — Poll itself
		// performs the nonblocking I/O that advances the handshake.
	}
}

// steadyStatePhase dispatches queued queries to idle connections and
// services readiness until the context is cancelled or a stop signal
// arrives on the wake pipe.
func (p *Pool) steadyStatePhase(ctx context.Context) {
	var pending []*queue.Query

	for {
		select {
		case <-ctx.Done():
			p.shutdown(pending)
			return
		default:
		}

		p.queue.DrainInto(&pending)
		if p.observer != nil {
			p.observer.ObserveQueueDepth(len(pending) + p.queue.Len())
		}

		// Health-check every connection before dispatching, independent
		// of whether any work is pending — a connection that failed
		// mid-query must be reset as soon as it's observed, not only
		// when a new query happens to need an idle slot.
		for _, c := range p.conns {
			if c.Poll() == driver.StatusFailed {
				p.resetConn(c)
			}
		}

		for _, c := range p.conns {
			if len(pending) == 0 {
				break
			}
			if c.Busy() || c.Poll() != driver.StatusOK {
				continue
			}
			q := pending[0]
			pending = pending[1:]
			c.Execute(q)
			p.dispatchedAt[c.ID] = time.Now()
		}

		var rset, wset unix.FdSet
		maxFd := addFD(&rset, p.wakeR)
		for _, c := range p.conns {
			switch c.Poll() {
			case driver.StatusReading:
				if fd := addFD(&rset, c.FD()); fd > maxFd {
					maxFd = fd
				}
			case driver.StatusWriting:
				if fd := addFD(&wset, c.FD()); fd > maxFd {
					maxFd = fd
				}
			}
			if c.WantsRead() {
				if fd := addFD(&rset, c.FD()); fd > maxFd {
					maxFd = fd
				}
			}
			if c.WantsWrite() {
				if fd := addFD(&wset, c.FD()); fd > maxFd {
					maxFd = fd
				}
			}
		}

		tv := unix.Timeval{Sec: int64(constants.SteadyStateSelectTimeout / time.Second)}
		n, err := unix.Select(maxFd+1, &rset, &wset, nil, &tv)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			p.logger.Errorf("select: %v", err)
			continue
		}
		if n == 0 {
			continue // liveness-guard timeout; nothing ready
		}

		if fdIsSet(&rset, p.wakeR) {
			if p.drainWakePipe() {
				p.shutdown(pending)
				return
			}
		}

		for _, c := range p.conns {
			if fdIsSet(&rset, c.FD()) {
				latency := uint64(0)
				if start := p.dispatchedAt[c.ID]; !start.IsZero() {
					latency = uint64(time.Since(start).Nanoseconds())
				}
				c.Consume(latency)
			}
			if fdIsSet(&wset, c.FD()) {
				c.Flush()
			}
		}
	}
}

// resetConn tears down and restarts a connection whose handshake failed
// mid-lifetime, delivering nil to whatever query it was holding.
func (p *Pool) resetConn(c *conn.Conn) {
	if err := c.Reset(); err != nil {
		p.logger.Errorf("conn %d: reset failed: %v", c.ID, err)
	}
}

// drainWakePipe reads every byte currently buffered on the wake pipe and
// reports whether a stop signal was among them.
func (p *Pool) drainWakePipe() (stop bool) {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(p.wakeR, buf)
		if err != nil || n == 0 {
			return stop
		}
		for _, b := range buf[:n] {
			if b == constants.WakeStop {
				stop = true
			}
		}
		if n < len(buf) {
			return stop
		}
	}
}

// shutdown delivers nil to every query still held by the pool — pending
// work never dispatched, plus whatever each connection currently holds —
// and closes every connection.
func (p *Pool) shutdown(pending []*queue.Query) {
	for _, q := range pending {
		q.Deliver(nil)
	}
	p.queue.Clear()
	for _, c := range p.conns {
		if err := c.Close(); err != nil {
			p.logger.Errorf("conn %d: close: %v", c.ID, err)
		}
	}
	p.Metrics.Stop()
}

func unixPipe() ([2]int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return fds, err
	}
	return fds, nil
}

func addFD(set *unix.FdSet, fd int) int {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
	return fd
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
