// Package results accumulates the column metadata and rows produced by a
// single query and exposes one-shot row/hash iteration over them.
package results

// NullString is a text-protocol field value. Valid is false for SQL NULL,
// distinguishing it from an empty string.
type NullString struct {
	String string
	Valid  bool
}

// Row is one row of a result set, in column order.
type Row []NullString

// Results holds the column lists and row lists produced by a query. With
// multi_statements enabled there is one column list and one row list per
// statement executed. Iteration via Array/Hash is one-shot: each call
// consumes the next unread row of the current result set.
type Results struct {
	columnSets [][]string
	rowSets    [][]Row
	cursor     []int // next unread row index, per result set

	AffectedRows  uint64
	LastInsertID  uint64
	WarningsCount uint16

	ErrorCode    int
	SQLState     string
	ErrorMessage string
}

// New returns an empty Results ready to be populated as a query's events
// arrive.
func New() *Results {
	return &Results{}
}

// BeginResultSet starts a new result set with the given column names,
// called when a fields event arrives.
func (r *Results) BeginResultSet(columnNames []string) {
	r.columnSets = append(r.columnSets, columnNames)
	r.rowSets = append(r.rowSets, nil)
	r.cursor = append(r.cursor, 0)
}

// AppendRow appends a row to the current (last) result set.
func (r *Results) AppendRow(row Row) {
	if len(r.rowSets) == 0 {
		r.BeginResultSet(nil)
	}
	i := len(r.rowSets) - 1
	r.rowSets[i] = append(r.rowSets[i], row)
}

// SetOK records the terminal metadata of an OK/EOF packet.
func (r *Results) SetOK(affectedRows, lastInsertID uint64, warningsCount uint16) {
	r.AffectedRows = affectedRows
	r.LastInsertID = lastInsertID
	r.WarningsCount = warningsCount
}

// SetError records a server error.
func (r *Results) SetError(code int, sqlState, message string) {
	r.ErrorCode = code
	r.SQLState = sqlState
	r.ErrorMessage = message
}

// HasError reports whether the query this Results belongs to failed.
func (r *Results) HasError() bool {
	return r.ErrorCode != 0 || r.SQLState != ""
}

// ResultSetCount returns how many statements produced a result set (0 for
// statements with no SELECT-shaped result, e.g. plain OK).
func (r *Results) ResultSetCount() int {
	return len(r.columnSets)
}

// Columns returns the column name list for the idx-th result set (default
// 0). Returns nil if idx is out of range.
func (r *Results) Columns(idx ...int) []string {
	i := 0
	if len(idx) > 0 {
		i = idx[0]
	}
	if i < 0 || i >= len(r.columnSets) {
		return nil
	}
	return r.columnSets[i]
}

// RowCount returns the number of rows in the idx-th result set (default 0).
func (r *Results) RowCount(idx ...int) int {
	i := 0
	if len(idx) > 0 {
		i = idx[0]
	}
	if i < 0 || i >= len(r.rowSets) {
		return 0
	}
	return len(r.rowSets[i])
}

// Array returns the next unread row of the first result set as an ordered
// sequence of values, or (nil, false) when exhausted.
func (r *Results) Array() (Row, bool) {
	return r.ArrayAt(0)
}

// ArrayAt returns the next unread row of the idx-th result set.
func (r *Results) ArrayAt(idx int) (Row, bool) {
	if idx < 0 || idx >= len(r.rowSets) {
		return nil, false
	}
	if r.cursor[idx] >= len(r.rowSets[idx]) {
		return nil, false
	}
	row := r.rowSets[idx][r.cursor[idx]]
	r.cursor[idx]++
	return row, true
}

// Arrays returns all remaining unread rows of the first result set.
func (r *Results) Arrays() []Row {
	return r.ArraysAt(0)
}

// ArraysAt returns all remaining unread rows of the idx-th result set.
func (r *Results) ArraysAt(idx int) []Row {
	var out []Row
	for {
		row, ok := r.ArrayAt(idx)
		if !ok {
			break
		}
		out = append(out, row)
	}
	return out
}

// Hash returns the next unread row of the first result set as a
// column-name-keyed mapping, or (nil, false) when exhausted. On duplicate
// column names the last column wins.
func (r *Results) Hash() (map[string]NullString, bool) {
	return r.HashAt(0)
}

// HashAt returns the next unread row of the idx-th result set as a mapping.
func (r *Results) HashAt(idx int) (map[string]NullString, bool) {
	row, ok := r.ArrayAt(idx)
	if !ok {
		return nil, false
	}
	names := r.Columns(idx)
	m := make(map[string]NullString, len(row))
	for i, v := range row {
		if i < len(names) {
			m[names[i]] = v
		}
	}
	return m, true
}

// Hashes returns all remaining unread rows of the first result set as
// mappings.
func (r *Results) Hashes() []map[string]NullString {
	return r.HashesAt(0)
}

// HashesAt returns all remaining unread rows of the idx-th result set as
// mappings.
func (r *Results) HashesAt(idx int) []map[string]NullString {
	var out []map[string]NullString
	for {
		m, ok := r.HashAt(idx)
		if !ok {
			break
		}
		out = append(out, m)
	}
	return out
}
