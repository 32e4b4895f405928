// Package mysqlconn implements the per-connection MySQL protocol state
// machine: socket lifecycle, handshake/auth, and the command/result-set
// dispatch loop described by the wire protocol in internal/wire.
package mysqlconn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/nativesql/mysqlclient/internal/dsn"
	"github.com/nativesql/mysqlclient/internal/metrics"
	"github.com/nativesql/mysqlclient/internal/mysqlerr"
	"github.com/nativesql/mysqlclient/internal/results"
	"github.com/nativesql/mysqlclient/internal/wire"
)

// Phase is a Connection's position in the protocol state machine.
type Phase int

const (
	Disconnected Phase = iota
	HandshakeWait
	AuthSent
	Idle
	CommandSent
	ReadColumns
	ReadRows
	Closed
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case HandshakeWait:
		return "handshake_wait"
	case AuthSent:
		return "auth_sent"
	case Idle:
		return "idle"
	case CommandSent:
		return "command_sent"
	case ReadColumns:
		return "read_columns"
	case ReadRows:
		return "read_rows"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ServerInfo is the subset of the handshake greeting a connection retains.
type ServerInfo struct {
	ProtocolVersion byte
	ServerVersion   string
	ConnectionID    uint32
	CapabilityFlags uint32
	Charset         byte
	StatusFlags     uint16
}

// Handlers is the typed callback table a Database installs on the
// Connection it currently owns, per spec.md's Connection event contract.
type Handlers struct {
	OnFields func(columns []wire.ColumnDefinition)
	OnResult func(row results.Row)
	OnEnd    func()
	OnError  func(err *mysqlerr.Error)
}

// Connection owns one socket and drives the MySQL wire protocol over it.
// At most one command may be outstanding at a time; Query blocks the
// calling goroutine until the command reaches a terminal event.
type Connection struct {
	mu sync.Mutex

	conn net.Conn
	br   *bufio.Reader
	seq  byte

	dsn    *dsn.DSN
	server ServerInfo
	phase  Phase

	handlers Handlers

	log     *slog.Logger
	metrics *metrics.Collector
}

// New returns a Connection in the Disconnected phase.
func New(log *slog.Logger) *Connection {
	if log == nil {
		log = slog.Default()
	}
	return &Connection{phase: Disconnected, log: log}
}

// SetMetrics attaches a Collector that Connect and Query report against.
// A nil Connection metrics field (the default) is a no-op, matching the
// rest of this codebase's optional-instrumentation convention.
func (c *Connection) SetMetrics(m *metrics.Collector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// On installs the event callback table used while a query is in flight.
func (c *Connection) On(h Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

// Unsubscribe clears the event callback table.
func (c *Connection) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = Handlers{}
}

// Phase returns the connection's current protocol phase.
func (c *Connection) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Server returns the handshake-reported server information.
func (c *Connection) Server() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// StatusFlags returns the status flags last reported by the server,
// used by Database.Begin to check for an already-open transaction.
func (c *Connection) StatusFlags() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server.StatusFlags
}

// Connect resolves the DSN's address, opens the socket, and performs the
// handshake/auth exchange to reach the idle phase.
func (c *Connection) Connect(ctx context.Context, d *dsn.DSN) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != Disconnected && c.phase != Closed {
		return mysqlerr.State(fmt.Sprintf("connect called in phase %s", c.phase))
	}

	deadline, hasDeadline := deadlineFrom(ctx, d.ConnectTimeout)
	network, addr := d.Address()

	dialer := net.Dialer{}
	if hasDeadline {
		dialer.Deadline = deadline
	}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return wrapIOErr(fmt.Errorf("dial %s %s: %w", network, addr, err))
	}
	if hasDeadline {
		_ = conn.SetDeadline(deadline)
	}

	c.conn = conn
	c.br = bufio.NewReader(conn)
	c.dsn = d
	c.seq = 0
	c.phase = HandshakeWait

	if err := c.handshake(d); err != nil {
		_ = c.conn.Close()
		c.phase = Disconnected
		if c.metrics != nil {
			if me, ok := err.(*mysqlerr.Error); ok && me.Kind == mysqlerr.KindAuth {
				c.metrics.AuthFailure(authFailureReason(me.Msg))
			}
			c.metrics.ConnectionOpened(err)
		}
		return err
	}
	if hasDeadline {
		_ = conn.SetDeadline(time.Time{})
	}
	c.phase = Idle
	c.log.Debug("mysqlconn: connected", "server_version", c.server.ServerVersion, "connection_id", c.server.ConnectionID)
	if c.metrics != nil {
		c.metrics.ConnectionOpened(nil)
	}

	if d.UTF8 {
		c.mu.Unlock()
		_, err := c.Query(ctx, "SET NAMES utf8")
		c.mu.Lock()
		if err != nil {
			return fmt.Errorf("SET NAMES utf8 after handshake: %w", err)
		}
	}
	return nil
}

// authFailureReason buckets an auth error's message into a small, bounded
// set of Prometheus label values instead of the unbounded message text.
func authFailureReason(msg string) string {
	switch {
	case strings.Contains(msg, "plugin"):
		return "unsupported_plugin"
	case strings.Contains(msg, "rejected"):
		return "rejected"
	default:
		return "denied"
	}
}

func deadlineFrom(ctx context.Context, timeout time.Duration) (time.Time, bool) {
	if d, ok := ctx.Deadline(); ok {
		return d, true
	}
	if timeout > 0 {
		return time.Now().Add(timeout), true
	}
	return time.Time{}, false
}

func (c *Connection) handshake(d *dsn.DSN) error {
	seq, payload, err := c.readRawPacket()
	if err != nil {
		return err
	}
	if wire.LooksLikeErr(payload) {
		ep, _ := wire.DecodeErrPacket(payload)
		msg := "server rejected connection"
		if ep != nil {
			msg = ep.Message
		}
		return mysqlerr.Auth(msg, nil)
	}

	hs, err := wire.ParseHandshakeV10(payload)
	if err != nil {
		return mysqlerr.Protocol("parsing handshake", err)
	}
	c.server = ServerInfo{
		ProtocolVersion: hs.ProtocolVersion,
		ServerVersion:   hs.ServerVersion,
		ConnectionID:    hs.ConnectionID,
		CapabilityFlags: hs.CapabilityFlags,
		Charset:         hs.Charset,
		StatusFlags:     hs.StatusFlags,
	}

	resp := wire.BuildHandshakeResponse41(d.User, d.Password, hs, wire.HandshakeResponseOptions{
		FoundRows:       d.FoundRows,
		MultiStatements: d.MultiStatements,
		Database:        d.Database,
	})
	if err := c.writeRawPacket(wire.NextSeq(seq), resp); err != nil {
		return err
	}
	c.phase = AuthSent

	_, authResult, err := c.readLogicalPacket()
	if err != nil {
		return err
	}
	switch {
	case wire.LooksLikeOK(authResult):
		ok, err := wire.DecodeOKPacket(authResult)
		if err == nil {
			c.server.StatusFlags = ok.StatusFlags
		}
		return nil
	case wire.LooksLikeErr(authResult):
		ep, err := wire.DecodeErrPacket(authResult)
		if err != nil {
			return mysqlerr.Protocol("decoding auth error", err)
		}
		return mysqlerr.Auth(ep.Message, nil)
	case len(authResult) > 0 && authResult[0] == wire.EOFPacketHeader:
		return mysqlerr.Auth("server requested an unsupported auth plugin switch", nil)
	default:
		return mysqlerr.Protocol("unexpected auth response", nil)
	}
}

// Ping issues COM_PING and reports whether the connection is healthy.
func (c *Connection) Ping(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != Idle {
		return false
	}
	if err := c.applyDeadline(ctx); err != nil {
		return false
	}
	defer c.clearDeadline()

	if err := c.sendCommand(comPing, nil); err != nil {
		return false
	}
	_, payload, err := c.readLogicalPacket()
	if err != nil {
		return false
	}
	return wire.LooksLikeOK(payload)
}

// Disconnect issues a best-effort COM_QUIT and closes the socket.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectLocked()
}

func (c *Connection) disconnectLocked() error {
	if c.phase == Closed || c.phase == Disconnected || c.conn == nil {
		c.phase = Closed
		return nil
	}
	if c.phase == Idle {
		_ = c.sendCommand(comQuit, nil)
	}
	err := c.conn.Close()
	c.phase = Closed
	return err
}

const (
	comQuery byte = 0x03
	comPing  byte = 0x0e
	comQuit  byte = 0x01
)

// Query runs sql to completion, driving the protocol state machine against
// blocking socket reads (spec.md §9's "thin driver" choice). Events fire on
// the installed Handlers as they occur, and the accumulated Results are
// also returned directly.
func (c *Connection) Query(ctx context.Context, sql string) (res *results.Results, err error) {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.QueryCompleted(time.Since(start), err)
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != Idle {
		return nil, mysqlerr.State(fmt.Sprintf("query called in phase %s", c.phase))
	}
	if err := c.applyDeadline(ctx); err != nil {
		c.phase = Closed
		return nil, err
	}
	defer c.clearDeadline()

	res = results.New()
	c.phase = CommandSent

	if err := c.sendCommand(comQuery, []byte(sql)); err != nil {
		me := asConnError(err)
		c.emitError(me, res)
		return res, me
	}

	for {
		more, err := c.readOneResultSet(res)
		if err != nil {
			me := asConnError(err)
			c.emitError(me, res)
			return res, me
		}
		if !more {
			break
		}
	}
	c.phase = Idle
	c.emitEnd()
	return res, nil
}

// readOneResultSet consumes one statement's response (a single OK/ERR, or a
// full column+row result set) and reports whether MORE_RESULTS_EXIST was
// set, meaning another statement's response follows.
func (c *Connection) readOneResultSet(res *results.Results) (more bool, err error) {
	_, payload, err := c.readLogicalPacket()
	if err != nil {
		return false, err
	}

	switch {
	case wire.LooksLikeErr(payload):
		ep, derr := wire.DecodeErrPacket(payload)
		if derr != nil {
			return false, mysqlerr.Protocol("decoding error packet", derr)
		}
		res.SetError(ep.ErrorCode, ep.SQLState, ep.Message)
		return false, mysqlerr.Server(ep.ErrorCode, ep.SQLState, ep.Message)

	case wire.LooksLikeLocalInfile(payload):
		if err := c.writeRawPacket(c.seq, nil); err != nil {
			return false, err
		}
		return c.readOneResultSet(res)

	case wire.LooksLikeOK(payload):
		ok, derr := wire.DecodeOKPacket(payload)
		if derr != nil {
			return false, mysqlerr.Protocol("decoding OK packet", derr)
		}
		res.SetOK(ok.AffectedRows, ok.LastInsertID, ok.WarningsCount)
		c.server.StatusFlags = ok.StatusFlags
		return ok.StatusFlags&wire.StatusMoreResultsExist != 0 && c.dsn.MultiStatements, nil

	default:
		return c.readColumnsAndRows(payload, res)
	}
}

func (c *Connection) readColumnsAndRows(countPayload []byte, res *results.Results) (more bool, err error) {
	columnCount, _, _, err := wire.LengthEncodedInt(countPayload)
	if err != nil {
		return false, mysqlerr.Protocol("decoding column count", err)
	}

	c.phase = ReadColumns
	columns := make([]wire.ColumnDefinition, 0, columnCount)
	names := make([]string, 0, columnCount)
	for i := uint64(0); i < columnCount; i++ {
		_, payload, err := c.readLogicalPacket()
		if err != nil {
			return false, err
		}
		cd, err := wire.DecodeColumnDefinition41(payload)
		if err != nil {
			return false, mysqlerr.Protocol("decoding column definition", err)
		}
		columns = append(columns, *cd)
		names = append(names, cd.Name)
	}

	res.BeginResultSet(names)
	c.emitFields(columns)

	deprecateEOF := c.server.CapabilityFlags&wire.CapDeprecateEOF != 0
	if !deprecateEOF {
		_, payload, err := c.readLogicalPacket()
		if err != nil {
			return false, err
		}
		if !wire.LooksLikeEOF(payload) {
			return false, mysqlerr.Protocol("expected EOF after column definitions", nil)
		}
	}

	c.phase = ReadRows
	for {
		_, payload, err := c.readLogicalPacket()
		if err != nil {
			return false, err
		}

		if wire.LooksLikeErr(payload) {
			ep, derr := wire.DecodeErrPacket(payload)
			if derr != nil {
				return false, mysqlerr.Protocol("decoding row-phase error", derr)
			}
			res.SetError(ep.ErrorCode, ep.SQLState, ep.Message)
			return false, mysqlerr.Server(ep.ErrorCode, ep.SQLState, ep.Message)
		}

		// Under CLIENT_DEPRECATE_EOF the terminal packet keeps the 0xFE
		// marker byte but carries an OK-packet (lenenc) body instead of
		// the legacy fixed 5-byte EOF body.
		isTerminator := len(payload) > 0 && payload[0] == wire.EOFPacketHeader
		if isTerminator {
			var status, warnings uint16
			if deprecateEOF {
				ok, derr := wire.DecodeOKPacket(payload)
				if derr != nil {
					return false, mysqlerr.Protocol("decoding deprecated-EOF OK", derr)
				}
				status, warnings = ok.StatusFlags, ok.WarningsCount
			} else {
				warnings, status, err = wire.DecodeEOFPacket(payload)
				if err != nil {
					return false, mysqlerr.Protocol("decoding EOF", err)
				}
			}
			res.SetOK(0, 0, warnings)
			c.server.StatusFlags = status
			return status&wire.StatusMoreResultsExist != 0 && c.dsn.MultiStatements, nil
		}

		row, err := decodeTextRow(payload, len(names))
		if err != nil {
			return false, mysqlerr.Protocol("decoding row", err)
		}
		res.AppendRow(row)
		c.emitResult(row)
	}
}

func decodeTextRow(payload []byte, columnCount int) (results.Row, error) {
	row := make(results.Row, 0, columnCount)
	pos := 0
	for i := 0; i < columnCount; i++ {
		s, isNull, n, err := wire.LengthEncodedString(payload[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		if isNull {
			row = append(row, results.NullString{Valid: false})
		} else {
			row = append(row, results.NullString{String: string(s), Valid: true})
		}
	}
	return row, nil
}

func (c *Connection) emitFields(columns []wire.ColumnDefinition) {
	if c.handlers.OnFields != nil {
		c.handlers.OnFields(columns)
	}
}

func (c *Connection) emitResult(row results.Row) {
	if c.handlers.OnResult != nil {
		c.handlers.OnResult(row)
	}
}

func (c *Connection) emitEnd() {
	if c.handlers.OnEnd != nil {
		c.handlers.OnEnd()
	}
}

// emitError fires the OnError handler and, for connection-layer failures
// (everything but KindServer, whose ERR packet already populated res via
// res.SetError), records the synthesized error_code/sql_state on res so
// callers reading res.HasError() after a timeout or dropped connection see
// a populated error instead of a silently empty one.
func (c *Connection) emitError(err *mysqlerr.Error, res *results.Results) {
	if err.Kind != mysqlerr.KindServer {
		c.phase = Closed
		if c.conn != nil {
			_ = c.conn.Close()
		}
		if res != nil {
			res.SetError(err.Kind.ClientErrorCode(), mysqlerr.ClientSQLState, err.Error())
		}
	} else {
		c.phase = Idle
	}
	if c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
}

func (c *Connection) applyDeadline(ctx context.Context) error {
	timeout := time.Duration(0)
	if c.dsn != nil {
		timeout = c.dsn.QueryTimeout
	}
	deadline, ok := deadlineFrom(ctx, timeout)
	if !ok {
		return nil
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return mysqlerr.Network("setting deadline", err)
	}
	return nil
}

func (c *Connection) clearDeadline() {
	if c.conn != nil {
		_ = c.conn.SetDeadline(time.Time{})
	}
}

// sendCommand sends a single command packet: a one-byte command code
// followed by its argument bytes, resetting the sequence id to 0.
func (c *Connection) sendCommand(cmd byte, arg []byte) error {
	c.seq = 0
	payload := make([]byte, 0, 1+len(arg))
	payload = append(payload, cmd)
	payload = append(payload, arg...)
	return c.writeRawPacket(c.seq, payload)
}

func (c *Connection) writeRawPacket(seq byte, payload []byte) error {
	framed := wire.WritePacket(seq, payload)
	if _, err := c.conn.Write(framed); err != nil {
		return wrapIOErr(err)
	}
	c.seq = seq + byte((len(payload)/wire.MaxPacketPayload)+1)
	return nil
}

func (c *Connection) readRawPacket() (seq byte, payload []byte, err error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.br, header); err != nil {
		return 0, nil, wrapIOErr(err)
	}
	length, _ := wire.FixedInt(header[:3], 3)
	seq = header[3]
	c.seq = seq + 1
	if length == 0 {
		return seq, nil, nil
	}
	payload = make([]byte, length)
	if _, err := io.ReadFull(c.br, payload); err != nil {
		return seq, nil, wrapIOErr(err)
	}
	return seq, payload, nil
}

// readLogicalPacket reassembles a value that may have been split across
// multiple physical packets (any payload exactly wire.MaxPacketPayload
// bytes long is continued by another packet).
func (c *Connection) readLogicalPacket() (seq byte, payload []byte, err error) {
	seq, payload, err = c.readRawPacket()
	if err != nil {
		return 0, nil, err
	}
	last := len(payload)
	for last == wire.MaxPacketPayload {
		var next []byte
		seq, next, err = c.readRawPacket()
		if err != nil {
			return 0, nil, err
		}
		payload = append(payload, next...)
		last = len(next)
	}
	return seq, payload, nil
}

// wrapIOErr classifies a raw socket error as Timeout or Network, the two
// error kinds that can arise from socket I/O.
func wrapIOErr(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return mysqlerr.Timeout("socket i/o", err)
	}
	return mysqlerr.Network("socket i/o", err)
}

// asConnError normalizes any error surfaced while driving the command loop
// into a *mysqlerr.Error, defaulting to ProtocolError for unrecognized
// causes (e.g. malformed packet shapes).
func asConnError(err error) *mysqlerr.Error {
	var me *mysqlerr.Error
	if errors.As(err, &me) {
		return me
	}
	return mysqlerr.Protocol("protocol error", err)
}
