package wire

import "fmt"

// ColumnDefinition is Protocol::ColumnDefinition41: the metadata sent once
// per column ahead of a result set's rows.
type ColumnDefinition struct {
	Catalog      string
	Schema       string
	Table        string
	OrgTable     string
	Name         string
	OrgName      string
	CharacterSet uint16
	ColumnLength uint32
	Type         byte
	Flags        uint16
	Decimals     byte
}

// DecodeColumnDefinition41 parses one column-definition packet payload.
func DecodeColumnDefinition41(payload []byte) (*ColumnDefinition, error) {
	var cd ColumnDefinition
	pos := 0

	fields := []struct {
		name string
		dst  *string
	}{
		{"catalog", &cd.Catalog},
		{"schema", &cd.Schema},
		{"table", &cd.Table},
		{"org_table", &cd.OrgTable},
		{"name", &cd.Name},
		{"org_name", &cd.OrgName},
	}
	for _, f := range fields {
		s, _, n, err := LengthEncodedString(payload[pos:])
		if err != nil {
			return nil, fmt.Errorf("%w: column definition %s: %v", ErrMalformedPacket, f.name, err)
		}
		*f.dst = string(s)
		pos += n
	}

	fixedLen, _, n, err := LengthEncodedInt(payload[pos:])
	if err != nil {
		return nil, fmt.Errorf("%w: column definition fixed_fields_length: %v", ErrMalformedPacket, err)
	}
	pos += n
	fixedStart := pos
	if len(payload) < fixedStart+int(fixedLen) {
		return nil, fmt.Errorf("%w: column definition fixed_fields: %v", ErrMalformedPacket, ErrShortBuffer)
	}

	charset, _ := FixedInt(payload[pos:pos+2], 2)
	cd.CharacterSet = uint16(charset)
	pos += 2
	colLen, _ := FixedInt(payload[pos:pos+4], 4)
	cd.ColumnLength = uint32(colLen)
	pos += 4
	cd.Type = payload[pos]
	pos++
	flags, _ := FixedInt(payload[pos:pos+2], 2)
	cd.Flags = uint16(flags)
	pos += 2
	cd.Decimals = payload[pos]

	return &cd, nil
}

// EncodeColumnDefinition41 builds a column-definition packet payload, used
// by tests that play the server side of the protocol.
func EncodeColumnDefinition41(cd ColumnDefinition) []byte {
	var buf []byte
	buf = append(buf, PutLengthEncodedString([]byte(cd.Catalog))...)
	buf = append(buf, PutLengthEncodedString([]byte(cd.Schema))...)
	buf = append(buf, PutLengthEncodedString([]byte(cd.Table))...)
	buf = append(buf, PutLengthEncodedString([]byte(cd.OrgTable))...)
	buf = append(buf, PutLengthEncodedString([]byte(cd.Name))...)
	buf = append(buf, PutLengthEncodedString([]byte(cd.OrgName))...)
	buf = append(buf, 0x0c) // length of fixed fields below
	buf = append(buf, PutFixedInt(uint64(cd.CharacterSet), 2)...)
	buf = append(buf, PutFixedInt(uint64(cd.ColumnLength), 4)...)
	buf = append(buf, cd.Type)
	buf = append(buf, PutFixedInt(uint64(cd.Flags), 2)...)
	buf = append(buf, cd.Decimals)
	buf = append(buf, 0, 0) // filler
	return buf
}
