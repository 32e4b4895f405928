// Package sqlutil implements client-side parameter substitution and
// identifier/string quoting for the text protocol (spec.md §4.G). There is
// no prepared-statement support; every placeholder is expanded into a
// quoted literal before the statement reaches the wire.
package sqlutil

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nativesql/mysqlclient/internal/mysqlerr"
)

// Arg is a query parameter. A nil Arg quotes to SQL NULL.
type Arg = interface{}

// Quote renders v as a single-quoted SQL literal, doubling backslashes and
// escaping NUL, newline, carriage return, single quote, and Ctrl+Z. A nil
// argument quotes to the bare word NULL.
func Quote(v Arg) string {
	if v == nil {
		return "NULL"
	}
	s := toString(v)
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case 0:
			b.WriteString(`\0`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\'':
			b.WriteString(`\'`)
		case '\x1a':
			b.WriteString(`\Z`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

// QuoteID renders id as a backtick-quoted identifier, doubling internal
// backticks. A nil id quotes to NULL (matching Quote's convention, for
// callers building identifier lists generically).
func QuoteID(id Arg) string {
	if id == nil {
		return "NULL"
	}
	s := toString(id)
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

func toString(v Arg) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case bool:
		if t {
			return "1"
		}
		return "0"
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// ExpandSQL scans template, replacing each unescaped '?' placeholder with
// Quote(args[i]) in positional order. A '?' inside a single- or
// double-quoted literal is left untouched. Returns ArityMismatch if the
// placeholder count does not match len(args).
func ExpandSQL(template string, args ...Arg) (string, error) {
	var b strings.Builder
	b.Grow(len(template))

	argIdx := 0
	inSingle, inDouble := false, false
	for i := 0; i < len(template); i++ {
		c := template[i]
		switch {
		case c == '\\' && (inSingle || inDouble) && i+1 < len(template):
			b.WriteByte(c)
			i++
			b.WriteByte(template[i])
			continue
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			b.WriteByte(c)
		case c == '"' && !inSingle:
			inDouble = !inDouble
			b.WriteByte(c)
		case c == '?' && !inSingle && !inDouble:
			if argIdx >= len(args) {
				return "", mysqlerr.Arity(countPlaceholders(template), len(args))
			}
			b.WriteString(Quote(args[argIdx]))
			argIdx++
		default:
			b.WriteByte(c)
		}
	}
	if argIdx != len(args) {
		return "", mysqlerr.Arity(argIdx, len(args))
	}
	return b.String(), nil
}

func countPlaceholders(template string) int {
	count := 0
	inSingle, inDouble := false, false
	for i := 0; i < len(template); i++ {
		c := template[i]
		switch {
		case c == '\\' && (inSingle || inDouble) && i+1 < len(template):
			i++
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		case c == '?' && !inSingle && !inDouble:
			count++
		}
	}
	return count
}
