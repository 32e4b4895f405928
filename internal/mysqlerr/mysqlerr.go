// Package mysqlerr defines the error kinds surfaced across the client:
// network/protocol/auth failures from the wire layer, server errors
// carried in ERR packets, and the pool/database-level BusyError and
// ArityMismatch conditions.
package mysqlerr

import "fmt"

// Kind classifies an error returned by this module's public surface.
type Kind int

const (
	KindNetwork Kind = iota
	KindProtocol
	KindAuth
	KindServer
	KindTimeout
	KindBusy
	KindArity
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "NetworkError"
	case KindProtocol:
		return "ProtocolError"
	case KindAuth:
		return "AuthError"
	case KindServer:
		return "ServerError"
	case KindTimeout:
		return "Timeout"
	case KindBusy:
		return "BusyError"
	case KindArity:
		return "ArityMismatch"
	case KindState:
		return "StateError"
	default:
		return "UnknownError"
	}
}

// Error is the typed error wrapper all component-facing errors use.
// Connection failures (Network/Protocol/Auth/Timeout) are fatal to the
// Connection that raised them; ServerError is not.
type Error struct {
	Kind Kind
	// ServerError fields, populated when Kind == KindServer.
	Code     int
	SQLState string

	Msg string
	Err error
}

func (e *Error) Error() string {
	if e.Kind == KindServer {
		return fmt.Sprintf("%s: %d (%s): %s", e.Kind, e.Code, e.SQLState, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, mysqlerr.New(mysqlerr.KindTimeout, "", nil))
// style checks: any *Error target matches when its Kind is the same.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

func Network(msg string, cause error) *Error  { return New(KindNetwork, msg, cause) }
func Protocol(msg string, cause error) *Error { return New(KindProtocol, msg, cause) }
func Auth(msg string, cause error) *Error     { return New(KindAuth, msg, cause) }
func Timeout(msg string, cause error) *Error  { return New(KindTimeout, msg, cause) }
func State(msg string) *Error                 { return New(KindState, msg, nil) }

// ClientErrorCode returns the distinguished, client-synthesized error code
// for a connection-layer failure (Network/Protocol/Auth/Timeout). These
// never arrive in an ERR packet, so unlike KindServer they have no
// server-assigned code; SQLState "HY000" (general error) is paired with
// them per the MySQL client library convention for client-generated errors.
func (k Kind) ClientErrorCode() int {
	switch k {
	case KindTimeout:
		return 2013 // CR_SERVER_LOST-equivalent: no response within the query deadline
	case KindNetwork:
		return 2006 // CR_SERVER_GONE_ERROR-equivalent
	case KindProtocol:
		return 2027 // CR_MALFORMED_PACKET-equivalent
	case KindAuth:
		return 1045 // ER_ACCESS_DENIED_ERROR-equivalent
	default:
		return 2000 // CR_UNKNOWN_ERROR-equivalent
	}
}

// ClientSQLState is the SQLSTATE paired with ClientErrorCode.
const ClientSQLState = "HY000"

// Busy reports a synchronous query invoked against a Database with a
// non-empty backlog.
func Busy(backlog int) *Error {
	return New(KindBusy, fmt.Sprintf("database has %d query(ies) pending", backlog), nil)
}

// Arity reports a mismatch between placeholder count and argument count in
// expand_sql.
func Arity(placeholders, args int) *Error {
	return New(KindArity, fmt.Sprintf("%d placeholder(s), %d argument(s)", placeholders, args), nil)
}

// Server wraps a well-formed ERR packet encountered mid-session. It is not
// fatal to the Connection.
func Server(code int, sqlState, message string) *Error {
	return &Error{Kind: KindServer, Code: code, SQLState: sqlState, Msg: message}
}
