package wire

import (
	"crypto/sha1" //nolint:gosec // mysql_native_password is defined in terms of SHA-1
	"fmt"
)

// Capability flags, per Protocol::CapabilityFlags. Only the subset this
// client negotiates is named.
const (
	CapLongPassword     uint32 = 1 << 0
	CapFoundRows        uint32 = 1 << 1
	CapConnectWithDB    uint32 = 1 << 3
	CapProtocol41       uint32 = 1 << 9
	CapTransactions     uint32 = 1 << 13
	CapSecureConnection uint32 = 1 << 15
	CapMultiStatements  uint32 = 1 << 16
	CapMultiResults     uint32 = 1 << 17
	CapPluginAuth       uint32 = 1 << 19
	CapDeprecateEOF     uint32 = 1 << 24
)

// BaseClientCapabilities are the flags the client always advertises,
// per spec.md §4.B.
const BaseClientCapabilities = CapLongPassword | CapProtocol41 |
	CapSecureConnection | CapTransactions | CapPluginAuth

// Handshake holds the fields of the server's initial Protocol::HandshakeV10
// packet that the client needs to compute its response.
type Handshake struct {
	ProtocolVersion byte
	ServerVersion   string
	ConnectionID    uint32
	AuthPluginData  []byte // up to 20 bytes, parts 1 and 2 concatenated
	CapabilityFlags uint32
	Charset         byte
	StatusFlags     uint16
	AuthPluginName  string
}

// ParseHandshakeV10 decodes a server greeting packet.
func ParseHandshakeV10(payload []byte) (*Handshake, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: empty handshake packet", ErrMalformedPacket)
	}
	h := &Handshake{ProtocolVersion: payload[0]}
	pos := 1

	version, n, err := NulTerminatedString(payload[pos:])
	if err != nil {
		return nil, fmt.Errorf("%w: server version: %v", ErrMalformedPacket, err)
	}
	h.ServerVersion = string(version)
	pos += n

	connID, err := FixedInt(payload[pos:], 4)
	if err != nil {
		return nil, fmt.Errorf("%w: connection id: %v", ErrMalformedPacket, err)
	}
	h.ConnectionID = uint32(connID)
	pos += 4

	if len(payload) < pos+8 {
		return nil, fmt.Errorf("%w: auth-plugin-data-part-1", ErrMalformedPacket)
	}
	authData := make([]byte, 0, 20)
	authData = append(authData, payload[pos:pos+8]...)
	pos += 8
	pos++ // filler byte

	if len(payload) < pos+2 {
		return nil, fmt.Errorf("%w: capability flags (low)", ErrMalformedPacket)
	}
	capLow, _ := FixedInt(payload[pos:pos+2], 2)
	pos += 2

	if len(payload) < pos+3 {
		return nil, fmt.Errorf("%w: charset/status", ErrMalformedPacket)
	}
	h.Charset = payload[pos]
	pos++
	statusFlags, _ := FixedInt(payload[pos:pos+2], 2)
	h.StatusFlags = uint16(statusFlags)
	pos += 2

	if len(payload) < pos+2 {
		return nil, fmt.Errorf("%w: capability flags (high)", ErrMalformedPacket)
	}
	capHigh, _ := FixedInt(payload[pos:pos+2], 2)
	pos += 2
	h.CapabilityFlags = uint32(capLow) | uint32(capHigh)<<16

	var authPluginDataLen int
	if pos < len(payload) {
		authPluginDataLen = int(payload[pos])
	}
	pos++
	pos += 10 // reserved

	part2Len := authPluginDataLen - 8
	if part2Len < 13 {
		part2Len = 13
	}
	if pos+part2Len > len(payload) {
		part2Len = len(payload) - pos
	}
	if part2Len > 0 {
		part2 := payload[pos : pos+part2Len]
		if len(part2) > 0 && part2[len(part2)-1] == 0 {
			part2 = part2[:len(part2)-1]
		}
		authData = append(authData, part2...)
	}
	pos += part2Len
	h.AuthPluginData = authData

	h.AuthPluginName = "mysql_native_password"
	if h.CapabilityFlags&CapPluginAuth != 0 && pos < len(payload) {
		name, _, err := NulTerminatedString(payload[pos:])
		if err == nil {
			h.AuthPluginName = string(name)
		}
	}
	return h, nil
}

// NativePasswordHash computes the mysql_native_password response:
// SHA1(password) XOR SHA1(scramble || SHA1(SHA1(password))). An empty
// password yields an empty response, per spec.md §4.B.
func NativePasswordHash(password string, scramble []byte) []byte {
	if password == "" {
		return []byte{}
	}
	h1 := sha1.Sum([]byte(password)) //nolint:gosec
	h2 := sha1.Sum(h1[:])            //nolint:gosec

	h := sha1.New() //nolint:gosec
	h.Write(scramble)
	h.Write(h2[:])
	h3 := h.Sum(nil)

	out := make([]byte, len(h1))
	for i := range out {
		out[i] = h1[i] ^ h3[i]
	}
	return out
}

// HandshakeResponseOptions controls which optional capability bits the
// client response advertises, driven by the DSN's connection options.
type HandshakeResponseOptions struct {
	FoundRows       bool
	MultiStatements bool
	Database        string // empty means no CLIENT_CONNECT_WITH_DB
}

// BuildHandshakeResponse41 builds a Protocol::HandshakeResponse41 payload
// for the given credentials and server greeting.
func BuildHandshakeResponse41(username, password string, hs *Handshake, opts HandshakeResponseOptions) []byte {
	caps := BaseClientCapabilities
	if opts.FoundRows {
		caps |= CapFoundRows
	}
	if opts.MultiStatements {
		caps |= CapMultiStatements | CapMultiResults
	}
	if opts.Database != "" {
		caps |= CapConnectWithDB
	}
	if hs.CapabilityFlags&CapDeprecateEOF != 0 {
		caps |= CapDeprecateEOF
	}

	authResp := NativePasswordHash(password, hs.AuthPluginData)

	buf := make([]byte, 0, 64+len(username)+len(opts.Database)+len(authResp))
	buf = append(buf, PutFixedInt(uint64(caps), 4)...)
	buf = append(buf, PutFixedInt(0xffffff, 4)...) // max packet size
	buf = append(buf, 0x21)                        // utf8_general_ci
	buf = append(buf, make([]byte, 23)...)         // reserved
	buf = append(buf, []byte(username)...)
	buf = append(buf, 0)
	buf = append(buf, byte(len(authResp)))
	buf = append(buf, authResp...)
	if opts.Database != "" {
		buf = append(buf, []byte(opts.Database)...)
		buf = append(buf, 0)
	}
	buf = append(buf, []byte("mysql_native_password")...)
	buf = append(buf, 0)
	return buf
}
