package sqlutil

import (
	"errors"
	"testing"

	"github.com/nativesql/mysqlclient/internal/mysqlerr"
)

func TestQuoteNil(t *testing.T) {
	if got := Quote(nil); got != "NULL" {
		t.Errorf("Quote(nil) = %q, want NULL", got)
	}
}

func TestQuoteEscapesSpecialCharacters(t *testing.T) {
	got := Quote("a'b\\c\x00d\ne\rf\x1a")
	want := `'a\'b\\c\0d\ne\rf\Z'`
	if got != want {
		t.Errorf("Quote = %q, want %q", got, want)
	}
}

func TestQuoteIDDoublesBackticks(t *testing.T) {
	got := QuoteID("weird`name")
	want := "`weird``name`"
	if got != want {
		t.Errorf("QuoteID = %q, want %q", got, want)
	}
}

func TestQuoteIDNil(t *testing.T) {
	if got := QuoteID(nil); got != "NULL" {
		t.Errorf("QuoteID(nil) = %q, want NULL", got)
	}
}

func TestExpandSQLBasic(t *testing.T) {
	got, err := ExpandSQL("SELECT * FROM t WHERE id = ? AND name = ?", 5, "bob")
	if err != nil {
		t.Fatalf("ExpandSQL: %v", err)
	}
	want := "SELECT * FROM t WHERE id = '5' AND name = 'bob'"
	if got != want {
		t.Errorf("ExpandSQL = %q, want %q", got, want)
	}
}

func TestExpandSQLSkipsPlaceholdersInLiterals(t *testing.T) {
	got, err := ExpandSQL("SELECT '?' FROM t WHERE id = ?", 9)
	if err != nil {
		t.Fatalf("ExpandSQL: %v", err)
	}
	want := "SELECT '?' FROM t WHERE id = '9'"
	if got != want {
		t.Errorf("ExpandSQL = %q, want %q", got, want)
	}
}

func TestExpandSQLSkipsPlaceholdersInDoubleQuotedLiterals(t *testing.T) {
	got, err := ExpandSQL(`SELECT "?" FROM t WHERE id = ?`, 3)
	if err != nil {
		t.Fatalf("ExpandSQL: %v", err)
	}
	want := `SELECT "?" FROM t WHERE id = '3'`
	if got != want {
		t.Errorf("ExpandSQL = %q, want %q", got, want)
	}
}

func TestExpandSQLArityMismatchTooFewArgs(t *testing.T) {
	_, err := ExpandSQL("SELECT * FROM t WHERE id = ? AND x = ?", 1)
	var me *mysqlerr.Error
	if !errors.As(err, &me) || me.Kind != mysqlerr.KindArity {
		t.Fatalf("expected ArityMismatch, got %v", err)
	}
}

func TestExpandSQLArityMismatchTooManyArgs(t *testing.T) {
	_, err := ExpandSQL("SELECT * FROM t WHERE id = ?", 1, 2)
	var me *mysqlerr.Error
	if !errors.As(err, &me) || me.Kind != mysqlerr.KindArity {
		t.Fatalf("expected ArityMismatch, got %v", err)
	}
}

func TestExpandSQLNullArgument(t *testing.T) {
	got, err := ExpandSQL("UPDATE t SET x = ? WHERE id = ?", nil, 1)
	if err != nil {
		t.Fatalf("ExpandSQL: %v", err)
	}
	want := "UPDATE t SET x = NULL WHERE id = '1'"
	if got != want {
		t.Errorf("ExpandSQL = %q, want %q", got, want)
	}
}

func TestExpandSQLEscapedQuoteInsideLiteral(t *testing.T) {
	got, err := ExpandSQL(`SELECT 'it\'s ?' WHERE id = ?`, 2)
	if err != nil {
		t.Fatalf("ExpandSQL: %v", err)
	}
	want := `SELECT 'it\'s ?' WHERE id = '2'`
	if got != want {
		t.Errorf("ExpandSQL = %q, want %q", got, want)
	}
}
