package wire

import "fmt"

// Leading-byte markers for the packets that can follow a command.
const (
	OKPacketHeader         byte = 0x00
	EOFPacketHeader        byte = 0xfe
	ErrPacketHeader        byte = 0xff
	LocalInfilePacketHeader byte = 0xfb
)

// Server status flags, per Protocol::StatusFlags. Only the bits this client
// inspects are named.
const (
	StatusInTrans         uint16 = 0x0001
	StatusAutocommit      uint16 = 0x0002
	StatusMoreResultsExist uint16 = 0x0008
)

// OKPacket is the terminal reply for a statement with no result set.
type OKPacket struct {
	AffectedRows   uint64
	LastInsertID   uint64
	StatusFlags    uint16
	WarningsCount  uint16
}

// ErrPacket is the server's error reply.
type ErrPacket struct {
	ErrorCode int
	SQLState  string
	Message   string
}

func (e *ErrPacket) Error() string {
	return fmt.Sprintf("mysql error %d (%s): %s", e.ErrorCode, e.SQLState, e.Message)
}

// LooksLikeOK reports whether payload's leading byte is the OK marker 0x00.
// No other leading byte (0x0A included) is reported as OK; the 0xFE-led
// OK body sent under CLIENT_DEPRECATE_EOF is recognised by the caller.
func LooksLikeOK(payload []byte) bool {
	return len(payload) > 0 && payload[0] == OKPacketHeader
}

// LooksLikeErr reports whether payload is an ERR_Packet.
func LooksLikeErr(payload []byte) bool {
	return len(payload) > 0 && payload[0] == ErrPacketHeader
}

// LooksLikeEOF reports whether payload is a legacy EOF_Packet: marker 0xFE
// and short enough not to be a lenenc-encoded column-count or row (MySQL
// reserves this shape for EOF when CLIENT_DEPRECATE_EOF is not set).
func LooksLikeEOF(payload []byte) bool {
	return len(payload) > 0 && payload[0] == EOFPacketHeader && len(payload) < 9
}

// LooksLikeLocalInfile reports whether payload is a LOCAL INFILE request.
func LooksLikeLocalInfile(payload []byte) bool {
	return len(payload) > 0 && payload[0] == LocalInfilePacketHeader
}

// DecodeOKPacket parses an OK_Packet payload (leading 0x00/0xFE already
// confirmed by the caller).
func DecodeOKPacket(payload []byte) (*OKPacket, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: empty OK packet", ErrMalformedPacket)
	}
	pos := 1
	affected, _, n, err := LengthEncodedInt(payload[pos:])
	if err != nil {
		return nil, fmt.Errorf("%w: affected_rows: %v", ErrMalformedPacket, err)
	}
	pos += n
	lastID, _, n, err := LengthEncodedInt(payload[pos:])
	if err != nil {
		return nil, fmt.Errorf("%w: last_insert_id: %v", ErrMalformedPacket, err)
	}
	pos += n
	if len(payload) < pos+4 {
		return nil, fmt.Errorf("%w: status/warnings truncated", ErrMalformedPacket)
	}
	status, _ := FixedInt(payload[pos:pos+2], 2)
	pos += 2
	warnings, _ := FixedInt(payload[pos:pos+2], 2)
	return &OKPacket{
		AffectedRows:  affected,
		LastInsertID:  lastID,
		StatusFlags:   uint16(status),
		WarningsCount: uint16(warnings),
	}, nil
}

// DecodeEOFPacket parses a legacy EOF_Packet payload.
func DecodeEOFPacket(payload []byte) (warnings uint16, status uint16, err error) {
	if len(payload) < 5 {
		return 0, 0, fmt.Errorf("%w: short EOF packet", ErrMalformedPacket)
	}
	w, _ := FixedInt(payload[1:3], 2)
	s, _ := FixedInt(payload[3:5], 2)
	return uint16(w), uint16(s), nil
}

// DecodeErrPacket parses an ERR_Packet payload: 0xFF + error_code(2) + '#' +
// sqlstate(5) + message.
func DecodeErrPacket(payload []byte) (*ErrPacket, error) {
	if len(payload) < 9 {
		return nil, fmt.Errorf("%w: short ERR packet", ErrMalformedPacket)
	}
	code, _ := FixedInt(payload[1:3], 2)
	// payload[3] is the '#' marker.
	return &ErrPacket{
		ErrorCode: int(code),
		SQLState:  string(payload[4:9]),
		Message:   string(payload[9:]),
	}, nil
}

// EncodeErrPacket builds an ERR_Packet payload.
func EncodeErrPacket(code int, sqlState, message string) []byte {
	state := sqlState
	if len(state) < 5 {
		state += "     "
	}
	state = state[:5]
	buf := []byte{ErrPacketHeader}
	buf = append(buf, PutFixedInt(uint64(code), 2)...)
	buf = append(buf, '#')
	buf = append(buf, state...)
	buf = append(buf, message...)
	return buf
}
