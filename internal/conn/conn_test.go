package conn

import (
	"errors"
	"testing"

	"github.com/riftlabs/pgpool/internal/driver"
	"github.com/riftlabs/pgpool/internal/queue"
)

// fakeDriverConn is a deterministic driver.Conn test double.
type fakeDriverConn struct {
	pollStatus   driver.PollStatus
	fd           int
	sendOK       bool
	sendCalls    int
	flushResult  int
	consumeErr   error
	busy         bool
	results      []*driver.Result
	resultIdx    int
	closed       bool
	errorMessage string
}

func (f *fakeDriverConn) Poll() driver.PollStatus { return f.pollStatus }
func (f *fakeDriverConn) FD() int                 { return f.fd }
func (f *fakeDriverConn) ResetStart(driver.Params) error {
	f.pollStatus = driver.StatusOK
	return nil
}
func (f *fakeDriverConn) SendQuery(string) bool {
	f.sendCalls++
	return f.sendOK
}
func (f *fakeDriverConn) SendQueryParams(string, [][]byte, []int16) bool {
	f.sendCalls++
	return f.sendOK
}
func (f *fakeDriverConn) Flush() int           { return f.flushResult }
func (f *fakeDriverConn) ConsumeInput() error   { return f.consumeErr }
func (f *fakeDriverConn) IsBusy() bool          { return f.busy }
func (f *fakeDriverConn) ErrorMessage() string  { return f.errorMessage }
func (f *fakeDriverConn) Close() error          { f.closed = true; return nil }
func (f *fakeDriverConn) GetResult() (*driver.Result, bool) {
	if f.resultIdx >= len(f.results) {
		return nil, false
	}
	r := f.results[f.resultIdx]
	f.resultIdx++
	return r, true
}

func newTestConn(fake *fakeDriverConn) *Conn {
	dial := func(driver.Params) (driver.Conn, error) { return fake, nil }
	conns, err := Create(1, driver.Params{}, dial, nil, nil)
	if err != nil {
		panic(err)
	}
	return conns[0]
}

func TestCreateAssignsSequentialIDs(t *testing.T) {
	calls := 0
	dial := func(driver.Params) (driver.Conn, error) {
		calls++
		return &fakeDriverConn{}, nil
	}
	conns, err := Create(3, driver.Params{}, dial, nil, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	for i, c := range conns {
		if c.ID != i {
			t.Errorf("conn %d has ID %d, want %d", i, c.ID, i)
		}
	}
}

func TestCreateFailsWholeBatchAndClosesOpened(t *testing.T) {
	opened := []*fakeDriverConn{}
	dial := func(driver.Params) (driver.Conn, error) {
		if len(opened) == 2 {
			return nil, errors.New("boom")
		}
		f := &fakeDriverConn{}
		opened = append(opened, f)
		return f, nil
	}

	_, err := Create(5, driver.Params{}, dial, nil, nil)
	if err == nil {
		t.Fatal("expected Create to fail")
	}
	for i, f := range opened {
		if !f.closed {
			t.Errorf("conn %d should have been closed after batch failure", i)
		}
	}
}

func TestExecuteDispatchesSimpleQuery(t *testing.T) {
	fake := &fakeDriverConn{sendOK: true}
	c := newTestConn(fake)

	q := queue.NewQuery("select 1", nil, nil)
	busy := c.Execute(q)

	if !busy {
		t.Error("Execute should report busy after a successful send")
	}
	if !c.WantsRead() {
		t.Error("WantsRead should be true while busy")
	}
	if !c.WantsWrite() {
		t.Error("WantsWrite should be true immediately after dispatch (needsFlush)")
	}
	if fake.sendCalls != 1 {
		t.Errorf("expected 1 send call, got %d", fake.sendCalls)
	}
}

func TestExecuteRetriesOnFailureUpToMax(t *testing.T) {
	fake := &fakeDriverConn{sendOK: false}
	c := newTestConn(fake)

	q := queue.NewQuery("select 1", nil, nil)
	busy := c.Execute(q)

	if busy {
		t.Error("Execute should report not busy when every send attempt fails")
	}
	if fake.sendCalls != 4 {
		t.Errorf("expected 4 retry attempts, got %d", fake.sendCalls)
	}
}

func TestConsumeDeliversResultsAndClearsBusy(t *testing.T) {
	fake := &fakeDriverConn{
		sendOK:  true,
		results: []*driver.Result{{Status: driver.TuplesOK}},
	}
	c := newTestConn(fake)

	var delivered []*driver.Result
	q := queue.NewQuery("select 1", nil, func(results []*driver.Result) {
		delivered = results
	})
	c.Execute(q)

	fake.busy = false // driver reports the full result is now buffered
	c.Consume(0)

	if c.Busy() {
		t.Error("Consume should clear busy once results are delivered")
	}
	if len(delivered) != 1 {
		t.Fatalf("expected 1 delivered result, got %d", len(delivered))
	}
	if delivered[0].Status != driver.TuplesOK {
		t.Errorf("expected TuplesOK, got %v", delivered[0].Status)
	}
}

func TestConsumeWaitsWhileDriverStillBusy(t *testing.T) {
	fake := &fakeDriverConn{sendOK: true, busy: true}
	c := newTestConn(fake)

	q := queue.NewQuery("select 1", nil, nil)
	c.Execute(q)
	c.Consume(0)

	if !c.Busy() {
		t.Error("Consume should leave busy set while the driver still awaits bytes")
	}
}

func TestFlushClearsNeedsFlushOnZero(t *testing.T) {
	fake := &fakeDriverConn{sendOK: true, flushResult: 0}
	c := newTestConn(fake)

	c.Execute(queue.NewQuery("select 1", nil, nil))
	c.Flush()

	if c.WantsWrite() {
		t.Error("Flush returning 0 should clear needsFlush")
	}
}

func TestFlushKeepsNeedsFlushOnRetryOrError(t *testing.T) {
	fake := &fakeDriverConn{sendOK: true, flushResult: 1}
	c := newTestConn(fake)

	c.Execute(queue.NewQuery("select 1", nil, nil))
	c.Flush()

	if !c.WantsWrite() {
		t.Error("Flush returning 1 should keep needsFlush set")
	}

	fake.flushResult = -1
	c.Flush()

	if !c.WantsWrite() {
		t.Error("Flush returning -1 should keep needsFlush set")
	}
}

func TestResetDeliversNilToInFlightQuery(t *testing.T) {
	fake := &fakeDriverConn{sendOK: true, busy: true}
	c := newTestConn(fake)

	delivered := false
	var gotResults []*driver.Result
	q := queue.NewQuery("select 1", nil, func(results []*driver.Result) {
		delivered = true
		gotResults = results
	})
	c.Execute(q)

	if err := c.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	if !delivered {
		t.Error("Reset should deliver nil to the in-flight query")
	}
	if gotResults != nil {
		t.Error("Reset should deliver a nil result set")
	}
	if c.Busy() {
		t.Error("Reset should clear busy")
	}
}

func TestCloseDeliversNilToInFlightQuery(t *testing.T) {
	fake := &fakeDriverConn{sendOK: true, busy: true}
	c := newTestConn(fake)

	delivered := false
	q := queue.NewQuery("select 1", nil, func(results []*driver.Result) { delivered = true })
	c.Execute(q)

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !delivered {
		t.Error("Close should deliver nil to the in-flight query")
	}
	if !fake.closed {
		t.Error("Close should close the underlying driver connection")
	}
}
