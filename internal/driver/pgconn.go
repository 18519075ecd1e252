package driver

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"syscall"

	"github.com/jackc/pgproto3/v2"
	"golang.org/x/sys/unix"

	"github.com/riftlabs/pgpool/internal/constants"
)

// phase tracks pgConn's progress through the nonblocking connect and
// startup/authentication handshake, the Go analog of the internal state
// libpq's PQconnectPoll advances on every call.
type phase int

const (
	phaseConnecting phase = iota
	phaseSendStartup
	phaseAuthWait
	phaseAuthRespond
	phaseWaitReady
	phaseReady
	phaseFailed
)

// Authentication request sub-codes, read from the first 4 bytes of an
// AuthenticationRequest ('R') message payload.
const (
	authOK        = 0
	authCleartext = 3
	authMD5       = 5
)

// pgConn is the nonblocking, single-goroutine implementation of Conn. It
// owns a raw socket and drives the wire protocol itself: pgproto3 supplies
// per-message Encode/Decode, but framing, buffering, and poll-driven I/O
// are this type's own responsibility, since pgproto3.Frontend's Receive
// assumes a blocking io.Reader this pool never has.
type pgConn struct {
	fd     int
	phase  phase
	status PollStatus

	host          string
	port          int
	user          string
	password      string
	startupParams map[string]string

	outbuf []byte // pending bytes still to be written
	inbuf  []byte // bytes read but not yet framed into messages

	busy       bool
	results    []*Result
	curFields  []string
	curRows    [][][]byte
	lastErrMsg string
}

// Dial opens one nonblocking TCP connection and returns it mid-handshake;
// callers must drive it to StatusOK via repeated Poll calls, exactly as
// PQconnectStartParams/PQconnectPoll work in libpq.
func Dial(params Params) (Conn, error) {
	host := params["host"]
	if host == "" {
		host = "localhost"
	}
	portStr := params["port"]
	if portStr == "" {
		portStr = constants.DefaultPostgresPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	c := &pgConn{
		host:     host,
		port:     port,
		user:     params["user"],
		password: params["password"],
	}
	if err := c.startConnect(params); err != nil {
		return nil, err
	}
	return c, nil
}

func resolveIPv4(host string) ([4]byte, error) {
	var addr [4]byte
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil {
			return addr, fmt.Errorf("lookup %s: %w", host, err)
		}
		for _, candidate := range ips {
			if v4 := candidate.To4(); v4 != nil {
				ip = v4
				break
			}
		}
		if ip == nil {
			return addr, fmt.Errorf("no A record for %s", host)
		}
	}
	v4 := ip.To4()
	if v4 == nil {
		return addr, fmt.Errorf("%s does not resolve to IPv4", host)
	}
	copy(addr[:], v4)
	return addr, nil
}

func (c *pgConn) startConnect(params Params) error {
	ip, err := resolveIPv4(c.host)
	if err != nil {
		return err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("set_nonblock: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: c.port, Addr: ip}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return fmt.Errorf("connect: %w", err)
	}

	c.fd = fd
	c.phase = phaseConnecting
	c.status = StatusWriting
	c.outbuf = nil
	c.inbuf = nil
	c.busy = false
	c.results = nil
	c.lastErrMsg = ""

	dbname := params["dbname"]
	if dbname == "" {
		dbname = params["database"]
	}
	if dbname == "" {
		dbname = c.user
	}
	c.startupParams = map[string]string{
		"user":     c.user,
		"database": dbname,
	}
	return nil
}

func (c *pgConn) Poll() PollStatus {
	switch c.phase {
	case phaseConnecting:
		c.advanceConnecting()
	case phaseSendStartup:
		c.advanceSendStartup()
	case phaseAuthRespond:
		c.advanceWrite(phaseAuthWait)
	case phaseAuthWait, phaseWaitReady:
		c.advanceHandshakeRead()
	}
	return c.status
}

func (c *pgConn) advanceConnecting() {
	errno, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		c.fail(fmt.Sprintf("getsockopt(SO_ERROR): %v", err))
		return
	}
	if errno != 0 {
		c.fail(syscall.Errno(errno).Error())
		return
	}

	msg := (&pgproto3.StartupMessage{
		ProtocolVersion: constants.ProtocolVersion3,
		Parameters:      c.startupParams,
	}).Encode(nil)
	c.outbuf = msg
	c.phase = phaseSendStartup
	c.advanceSendStartup()
}

func (c *pgConn) advanceSendStartup() {
	c.advanceWrite(phaseAuthWait)
}

// advanceWrite drains c.outbuf with one nonblocking write attempt. Once
// fully drained it moves to next and waits for readable bytes; otherwise
// it stays in StatusWriting.
func (c *pgConn) advanceWrite(next phase) {
	if len(c.outbuf) == 0 {
		c.phase = next
		c.status = StatusReading
		return
	}
	n, err := unix.Write(c.fd, c.outbuf)
	if n > 0 {
		c.outbuf = c.outbuf[n:]
	}
	if err != nil {
		if isEAGAIN(err) {
			c.status = StatusWriting
			return
		}
		c.fail(fmt.Sprintf("write: %v", err))
		return
	}
	if len(c.outbuf) == 0 {
		c.phase = next
		c.status = StatusReading
		return
	}
	c.status = StatusWriting
}

// advanceHandshakeRead reads whatever is available and processes complete
// frames until either more bytes are needed (StatusReading), a password
// response needs to go out (StatusWriting), the handshake finishes
// (StatusOK), or it fails.
func (c *pgConn) advanceHandshakeRead() {
	buf := make([]byte, constants.RecvChunkSize)
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		if isEAGAIN(err) {
			c.status = StatusReading
			return
		}
		c.fail(fmt.Sprintf("read: %v", err))
		return
	}
	if n == 0 {
		c.fail("connection closed during handshake")
		return
	}
	c.inbuf = append(c.inbuf, buf[:n]...)

	for {
		typ, payload, rest, ok := extractFrame(c.inbuf)
		if !ok {
			c.status = StatusReading
			return
		}
		c.inbuf = rest

		switch typ {
		case 'R':
			if c.phase != phaseAuthWait {
				continue
			}
			if done := c.handleAuth(payload); done {
				return
			}
		case 'Z':
			c.phase = phaseReady
			c.status = StatusOK
			return
		case 'E':
			var er pgproto3.ErrorResponse
			_ = er.Decode(payload)
			c.fail(er.Message)
			return
		case 'S', 'K', 'N':
			// ParameterStatus, BackendKeyData, NoticeResponse: ignored
			// during handshake.
		default:
			// Unexpected message before ReadyForQuery; ignore rather
			// than fail, matching libpq's tolerance of NOTICE-like
			// chatter.
		}
	}
}

func (c *pgConn) handleAuth(payload []byte) (statusSet bool) {
	if len(payload) < 4 {
		c.fail("short authentication request")
		return true
	}
	sub := binary.BigEndian.Uint32(payload[:4])

	switch sub {
	case authOK:
		c.phase = phaseWaitReady
		return false
	case authCleartext:
		c.outbuf = (&pgproto3.PasswordMessage{Password: c.password}).Encode(nil)
		c.phase = phaseAuthRespond
		c.advanceWrite(phaseAuthWait)
		return true
	case authMD5:
		if len(payload) < 8 {
			c.fail("short md5 authentication request")
			return true
		}
		var salt [4]byte
		copy(salt[:], payload[4:8])
		resp := md5Password(c.user, c.password, salt)
		c.outbuf = (&pgproto3.PasswordMessage{Password: resp}).Encode(nil)
		c.phase = phaseAuthRespond
		c.advanceWrite(phaseAuthWait)
		return true
	default:
		c.fail(fmt.Sprintf("unsupported authentication method %d", sub))
		return true
	}
}

func (c *pgConn) fail(msg string) {
	c.phase = phaseFailed
	c.status = StatusFailed
	c.lastErrMsg = msg
}

func (c *pgConn) FD() int { return c.fd }

func (c *pgConn) ResetStart(params Params) error {
	if c.fd != 0 {
		_ = unix.Close(c.fd)
	}
	c.user = params["user"]
	c.password = params["password"]
	c.host = params["host"]
	if c.host == "" {
		c.host = "localhost"
	}
	portStr := params["port"]
	if portStr == "" {
		portStr = constants.DefaultPostgresPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	c.port = port
	return c.startConnect(params)
}

// SendQuery issues a simple-protocol query. Matches PQsendQuery: it
// buffers the message and attempts to write it immediately, but only
// fails when a prior message is still queued (the caller must flush
// first) or the socket errors outright.
func (c *pgConn) SendQuery(sql string) bool {
	if len(c.outbuf) > 0 {
		return false
	}
	msg := (&pgproto3.Query{String: sql}).Encode(nil)
	return c.queueAndWrite(msg)
}

// SendQueryParams issues an extended-protocol query: Parse, Bind,
// Describe, Execute, Sync, concatenated into one write the way libpq
// pipelines the extended-query message group.
func (c *pgConn) SendQueryParams(sql string, values [][]byte, formats []int16) bool {
	if len(c.outbuf) > 0 {
		return false
	}

	var msg []byte
	msg = (&pgproto3.Parse{Query: sql}).Encode(msg)
	msg = (&pgproto3.Bind{
		ParameterFormatCodes: formats,
		Parameters:           values,
		ResultFormatCodes:    []int16{0},
	}).Encode(msg)
	msg = (&pgproto3.Describe{ObjectType: 'P'}).Encode(msg)
	msg = (&pgproto3.Execute{}).Encode(msg)
	msg = (&pgproto3.Sync{}).Encode(msg)

	return c.queueAndWrite(msg)
}

func (c *pgConn) queueAndWrite(msg []byte) bool {
	c.outbuf = msg
	n, err := unix.Write(c.fd, c.outbuf)
	if n > 0 {
		c.outbuf = c.outbuf[n:]
	}
	if err != nil && !isEAGAIN(err) {
		c.fail(fmt.Sprintf("write: %v", err))
		c.outbuf = nil
		return false
	}
	c.busy = true
	return true
}

// Flush mirrors PQflush's 0/1/-1 contract. A non-EAGAIN write error marks
// the connection failed so the pool's steady-state Poll check can
// observe it and reset the connection instead of leaving it wedged.
func (c *pgConn) Flush() int {
	if len(c.outbuf) == 0 {
		return 0
	}
	n, err := unix.Write(c.fd, c.outbuf)
	if n > 0 {
		c.outbuf = c.outbuf[n:]
	}
	if err != nil {
		if isEAGAIN(err) {
			return 1
		}
		c.fail(fmt.Sprintf("write: %v", err))
		return -1
	}
	if len(c.outbuf) == 0 {
		return 0
	}
	return 1
}

// ConsumeInput performs one nonblocking read, feeding new bytes through
// the frame decoder and accumulating completed results until a
// ReadyForQuery message marks the statement(s) fully done. Any
// non-EAGAIN read error, including the server closing the socket (n==0),
// marks the connection failed so the pool's steady-state Poll check can
// observe it and reset the connection rather than reporting a phantom
// successful result.
func (c *pgConn) ConsumeInput() error {
	recvBuf := GetBuffer(constants.RecvChunkSize)
	defer PutBuffer(recvBuf)

	n, err := unix.Read(c.fd, recvBuf)
	if err != nil {
		if isEAGAIN(err) {
			return nil
		}
		c.fail(fmt.Sprintf("read: %v", err))
		return fmt.Errorf("read: %w", err)
	}
	if n == 0 {
		c.fail("connection closed by server")
		return fmt.Errorf("connection closed by server")
	}
	c.inbuf = append(c.inbuf, recvBuf[:n]...)

	for {
		typ, payload, rest, ok := extractFrame(c.inbuf)
		if !ok {
			return nil
		}
		c.inbuf = rest
		c.processMessage(typ, payload)
	}
}

func (c *pgConn) processMessage(typ byte, payload []byte) {
	switch typ {
	case 'T':
		var rd pgproto3.RowDescription
		_ = rd.Decode(payload)
		c.curFields = make([]string, len(rd.Fields))
		for i, f := range rd.Fields {
			c.curFields[i] = string(f.Name)
		}
		c.curRows = nil
	case 'D':
		var dr pgproto3.DataRow
		_ = dr.Decode(payload)
		row := make([][]byte, len(dr.Values))
		for i, v := range dr.Values {
			if v != nil {
				cp := make([]byte, len(v))
				copy(cp, v)
				row[i] = cp
			}
		}
		c.curRows = append(c.curRows, row)
	case 'C':
		c.results = append(c.results, &Result{
			Status: TuplesOKOrCommand(c.curFields),
			Fields: c.curFields,
			Rows:   c.curRows,
		})
		c.curFields = nil
		c.curRows = nil
	case 'I':
		c.results = append(c.results, &Result{Status: EmptyQuery})
	case 'E':
		var er pgproto3.ErrorResponse
		_ = er.Decode(payload)
		c.lastErrMsg = er.Message
		c.results = append(c.results, &Result{
			Status: ErrorResponse,
			Err:    fmt.Errorf("%s: %s", er.Code, er.Message),
		})
	case 'Z':
		c.busy = false
	case '1', '2', '3', 'n', 't', 'S', 'K', 'N':
		// ParseComplete, BindComplete, CloseComplete, NoData,
		// ParameterDescription, ParameterStatus, BackendKeyData,
		// NoticeResponse: none carry result data the pool surfaces.
	}
}

// TuplesOKOrCommand reports TuplesOK when a RowDescription preceded the
// CommandComplete, CommandOK otherwise (an INSERT/UPDATE/DDL with no
// result set).
func TuplesOKOrCommand(fields []string) ResultStatus {
	if fields != nil {
		return TuplesOK
	}
	return CommandOK
}

func (c *pgConn) IsBusy() bool { return c.busy }

func (c *pgConn) GetResult() (*Result, bool) {
	if len(c.results) == 0 {
		return nil, false
	}
	r := c.results[0]
	c.results = c.results[1:]
	return r, true
}

func (c *pgConn) ErrorMessage() string { return c.lastErrMsg }

func (c *pgConn) Close() error {
	if c.fd == 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = 0
	return err
}

func isEAGAIN(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// extractFrame pulls one complete wire message (1-byte type + int32
// length, network order, length inclusive of itself) off the front of
// buf. ok is false when buf doesn't yet hold a full message.
func extractFrame(buf []byte) (typ byte, payload []byte, rest []byte, ok bool) {
	if len(buf) < 5 {
		return 0, nil, buf, false
	}
	typ = buf[0]
	length := binary.BigEndian.Uint32(buf[1:5])
	total := int(length) + 1 // +1 for the type byte itself
	if len(buf) < total {
		return 0, nil, buf, false
	}
	payload = buf[5:total]
	rest = buf[total:]
	return typ, payload, rest, true
}
