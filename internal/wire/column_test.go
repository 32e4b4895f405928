package wire

import "testing"

func TestDecodeColumnDefinition41RoundTrip(t *testing.T) {
	want := ColumnDefinition{
		Catalog:      "def",
		Schema:       "appdb",
		Table:        "users",
		OrgTable:     "users",
		Name:         "id",
		OrgName:      "id",
		CharacterSet: 63,
		ColumnLength: 11,
		Type:         0x03, // MYSQL_TYPE_LONG
		Flags:        0x0003,
		Decimals:     0,
	}
	encoded := EncodeColumnDefinition41(want)

	got, err := DecodeColumnDefinition41(encoded)
	if err != nil {
		t.Fatalf("DecodeColumnDefinition41: %v", err)
	}
	if *got != want {
		t.Errorf("DecodeColumnDefinition41 = %+v, want %+v", *got, want)
	}
}

func TestDecodeColumnDefinition41Truncated(t *testing.T) {
	full := EncodeColumnDefinition41(ColumnDefinition{
		Catalog: "def", Schema: "s", Table: "t", OrgTable: "t", Name: "c", OrgName: "c",
		CharacterSet: 33, ColumnLength: 4, Type: 0x03,
	})
	for _, cut := range []int{0, 4, len(full) - 5, len(full) - 1} {
		if _, err := DecodeColumnDefinition41(full[:cut]); err == nil {
			t.Errorf("expected error decoding truncated column definition at %d bytes", cut)
		}
	}
}

func TestDecodeColumnDefinition41EmptyNames(t *testing.T) {
	want := ColumnDefinition{
		Catalog: "def", Schema: "", Table: "", OrgTable: "", Name: "COUNT(*)", OrgName: "",
		CharacterSet: 63, ColumnLength: 21, Type: 0x08, Flags: 0x0081,
	}
	encoded := EncodeColumnDefinition41(want)
	got, err := DecodeColumnDefinition41(encoded)
	if err != nil {
		t.Fatalf("DecodeColumnDefinition41: %v", err)
	}
	if *got != want {
		t.Errorf("DecodeColumnDefinition41 = %+v, want %+v", *got, want)
	}
}
